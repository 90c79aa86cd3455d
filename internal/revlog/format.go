package revlog

import (
	"encoding/binary"
	"fmt"

	"github.com/javanhut/hgstore/internal/node"
)

// On-disk layout of a RevlogNG (version 1) index entry, big-endian:
//
//	offset:48 flags:16   uint64  data offset and per-revision flags
//	compressed length    int32
//	uncompressed length  int32
//	base revision        int32
//	link revision        int32
//	parent 1 revision    int32
//	parent 2 revision    int32
//	node id              20 bytes
//	padding              12 bytes
//
// The top four bytes of the first entry are replaced by the version header.
const (
	EntrySize = 64

	VersionV1        uint32 = 1
	FlagInlineData   uint32 = 1 << 16
	FlagGeneralDelta uint32 = 1 << 17

	knownHeaderFlags = FlagInlineData | FlagGeneralDelta
)

// entry is a decoded index record. pos is the absolute position of the
// revision's chunk in the file that holds it; print is the entry
// fingerprint chained over this and every earlier entry.
type entry struct {
	offset  int64
	flags   uint16
	compLen int
	rawLen  int
	base    Rev
	link    Rev
	p1      Rev
	p2      Rev
	node    node.ID
	pos     int64
	print   node.Fingerprint
}

func decodeEntry(b []byte, rev Rev) entry {
	v := binary.BigEndian.Uint64(b[0:8])
	e := entry{
		flags:   uint16(v),
		compLen: int(int32(binary.BigEndian.Uint32(b[8:12]))),
		rawLen:  int(int32(binary.BigEndian.Uint32(b[12:16]))),
		base:    Rev(int32(binary.BigEndian.Uint32(b[16:20]))),
		link:    Rev(int32(binary.BigEndian.Uint32(b[20:24]))),
		p1:      Rev(int32(binary.BigEndian.Uint32(b[24:28]))),
		p2:      Rev(int32(binary.BigEndian.Uint32(b[28:32]))),
	}
	if rev > 0 {
		e.offset = int64(v >> 16)
	}
	copy(e.node[:], b[32:52])
	return e
}

func encodeEntry(dst []byte, e entry, rev Rev, header uint32) {
	v := uint64(e.offset)<<16 | uint64(e.flags)
	binary.BigEndian.PutUint64(dst[0:8], v)
	if rev == 0 {
		binary.BigEndian.PutUint32(dst[0:4], header)
	}
	binary.BigEndian.PutUint32(dst[8:12], uint32(int32(e.compLen)))
	binary.BigEndian.PutUint32(dst[12:16], uint32(int32(e.rawLen)))
	binary.BigEndian.PutUint32(dst[16:20], uint32(int32(e.base)))
	binary.BigEndian.PutUint32(dst[20:24], uint32(int32(e.link)))
	binary.BigEndian.PutUint32(dst[24:28], uint32(int32(e.p1)))
	binary.BigEndian.PutUint32(dst[28:32], uint32(int32(e.p2)))
	copy(dst[32:52], e.node[:])
	for i := 52; i < EntrySize; i++ {
		dst[i] = 0
	}
}

// parsedIndex is the result of decoding a whole index file.
type parsedIndex struct {
	header  uint32
	entries []entry
	// print chains a fingerprint over every entry; markPrint is the chain
	// value after the first markAt entries.
	print     node.Fingerprint
	markPrint node.Fingerprint
}

func (p *parsedIndex) inline() bool { return p.header&FlagInlineData != 0 }

// chainEntry folds one raw index entry into a running fingerprint. The
// version header of the first entry is left out so that header flags are
// not mistaken for revision data.
func chainEntry(prev node.Fingerprint, raw []byte, rev Rev) node.Fingerprint {
	if rev == 0 {
		return prev.Chain(raw[4:EntrySize])
	}
	return prev.Chain(raw[:EntrySize])
}

// errPartialEntry reports an index whose tail ends inside an entry or
// inside inline data, which is what a reader sees while a writer appends.
type errPartialEntry struct {
	at   int64
	size int64
}

func (e *errPartialEntry) Error() string {
	return fmt.Sprintf("index ends inside a record at %d of %d bytes", e.at, e.size)
}

// parseIndex decodes index file contents. An empty file is a valid empty
// revlog whose header is defaultHeader.
func parseIndex(data []byte, defaultHeader uint32, markAt int) (*parsedIndex, error) {
	p := &parsedIndex{header: defaultHeader}
	if len(data) == 0 {
		return p, nil
	}
	if len(data) < 4 {
		return nil, &errPartialEntry{at: 0, size: int64(len(data))}
	}
	p.header = binary.BigEndian.Uint32(data[0:4])
	if version := p.header & 0xFFFF; version != VersionV1 {
		return nil, fmt.Errorf("unsupported revlog version %d", version)
	}
	if flags := p.header &^ 0xFFFF; flags&^knownHeaderFlags != 0 {
		return nil, fmt.Errorf("unknown revlog flags 0x%x", flags&^knownHeaderFlags)
	}

	inline := p.inline()
	var pos int64
	size := int64(len(data))
	for pos < size {
		rev := Rev(len(p.entries))
		if size-pos < EntrySize {
			return nil, &errPartialEntry{at: pos, size: size}
		}
		raw := data[pos : pos+EntrySize]
		e := decodeEntry(raw, rev)
		if e.compLen < 0 || e.rawLen < 0 {
			return nil, fmt.Errorf("rev %d: negative length", rev)
		}
		if e.p1 >= rev || e.p2 >= rev || e.p1 < NullRev || e.p2 < NullRev {
			return nil, fmt.Errorf("rev %d: parent out of range (%d, %d)", rev, e.p1, e.p2)
		}
		if e.base > rev || e.base < NullRev {
			return nil, fmt.Errorf("rev %d: base %d out of range", rev, e.base)
		}
		if int(rev) == markAt {
			p.markPrint = p.print
		}
		p.print = chainEntry(p.print, raw, rev)
		e.print = p.print
		pos += EntrySize
		if inline {
			e.pos = pos
			pos += int64(e.compLen)
			if pos > size {
				return nil, &errPartialEntry{at: e.pos, size: size}
			}
		} else {
			e.pos = e.offset
		}
		p.entries = append(p.entries, e)
	}
	if len(p.entries) == markAt {
		p.markPrint = p.print
	}
	return p, nil
}
