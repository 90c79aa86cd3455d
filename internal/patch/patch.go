// Package patch applies and produces revlog binary patches.
//
// A patch is an ordered list of hunks. Each hunk replaces the half-open byte
// range [Start, End) of the base text with Data. Offsets always refer to the
// original base text, so hunks are applied left to right without rebasing.
//
// Wire format, repeated until the patch is exhausted:
//
//	start   uint32 big-endian
//	end     uint32 big-endian
//	length  uint32 big-endian
//	data    length bytes
package patch

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the encoded size of a hunk without its data.
const HeaderSize = 12

// Hunk replaces base[Start:End] with Data.
type Hunk struct {
	Start int
	End   int
	Data  []byte
}

// Error describes a patch that violates the hunk format.
type Error struct {
	Offset int // byte offset into the encoded patch, or hunk index for Apply
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("malformed patch at %d: %s", e.Offset, e.Reason)
}

// Parse decodes an encoded patch. The returned hunks share memory with data.
func Parse(data []byte) ([]Hunk, error) {
	var hunks []Hunk
	last := 0
	for pos := 0; pos < len(data); {
		if len(data)-pos < HeaderSize {
			return nil, &Error{Offset: pos, Reason: "truncated hunk header"}
		}
		start := int(binary.BigEndian.Uint32(data[pos:]))
		end := int(binary.BigEndian.Uint32(data[pos+4:]))
		n := int(binary.BigEndian.Uint32(data[pos+8:]))
		pos += HeaderSize
		if start > end {
			return nil, &Error{Offset: pos - HeaderSize, Reason: fmt.Sprintf("start %d after end %d", start, end)}
		}
		if start < last {
			return nil, &Error{Offset: pos - HeaderSize, Reason: fmt.Sprintf("hunk at %d overlaps previous hunk ending at %d", start, last)}
		}
		if n > len(data)-pos {
			return nil, &Error{Offset: pos - HeaderSize, Reason: fmt.Sprintf("hunk data length %d exceeds remaining %d bytes", n, len(data)-pos)}
		}
		hunks = append(hunks, Hunk{Start: start, End: end, Data: data[pos : pos+n]})
		pos += n
		last = end
	}
	return hunks, nil
}

// Apply applies hunks to base and returns the patched text. With no hunks
// base itself is returned.
func Apply(base []byte, hunks []Hunk) ([]byte, error) {
	if len(hunks) == 0 {
		return base, nil
	}
	size := len(base)
	cursor := 0
	for i, h := range hunks {
		if h.Start < cursor || h.Start > h.End {
			return nil, &Error{Offset: i, Reason: fmt.Sprintf("hunk [%d,%d) out of order", h.Start, h.End)}
		}
		if h.End > len(base) {
			return nil, &Error{Offset: i, Reason: fmt.Sprintf("hunk end %d beyond base length %d", h.End, len(base))}
		}
		size += len(h.Data) - (h.End - h.Start)
		cursor = h.End
	}

	out := make([]byte, 0, size)
	cursor = 0
	for _, h := range hunks {
		out = append(out, base[cursor:h.Start]...)
		out = append(out, h.Data...)
		cursor = h.End
	}
	out = append(out, base[cursor:]...)
	return out, nil
}

// ApplyEncoded parses data and applies it to base.
func ApplyEncoded(base, data []byte) ([]byte, error) {
	hunks, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Apply(base, hunks)
}

// PatchedSize returns the length of the text produced by applying the
// encoded patch to a base of baseLen bytes, without materializing it.
func PatchedSize(baseLen int, data []byte) (int, error) {
	hunks, err := Parse(data)
	if err != nil {
		return 0, err
	}
	size := baseLen
	for _, h := range hunks {
		if h.End > baseLen {
			return 0, &Error{Reason: fmt.Sprintf("hunk end %d beyond base length %d", h.End, baseLen)}
		}
		size += len(h.Data) - (h.End - h.Start)
	}
	return size, nil
}

// Encode serializes hunks into the wire format.
func Encode(hunks []Hunk) []byte {
	n := 0
	for _, h := range hunks {
		n += HeaderSize + len(h.Data)
	}
	out := make([]byte, 0, n)
	var hdr [HeaderSize]byte
	for _, h := range hunks {
		binary.BigEndian.PutUint32(hdr[0:], uint32(h.Start))
		binary.BigEndian.PutUint32(hdr[4:], uint32(h.End))
		binary.BigEndian.PutUint32(hdr[8:], uint32(len(h.Data)))
		out = append(out, hdr[:]...)
		out = append(out, h.Data...)
	}
	return out
}

// Replacement returns a patch that replaces a whole base of baseLen bytes
// with text.
func Replacement(baseLen int, text []byte) []byte {
	return Encode([]Hunk{{Start: 0, End: baseLen, Data: text}})
}

// Dump writes a human readable listing of hunks to w.
func Dump(w io.Writer, hunks []Hunk) error {
	for _, h := range hunks {
		if _, err := fmt.Fprintf(w, "-[%d:%d] +%d %q\n", h.Start, h.End, len(h.Data), h.Data); err != nil {
			return err
		}
	}
	return nil
}
