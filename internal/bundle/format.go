// Package bundle reads and writes HG10 bundles, the portable container used
// to move revisions between stores, and reconstructs and applies the
// revisions they carry.
//
// A bundle is the magic "HG10", a two-letter compression tag and a
// compressed stream of three kinds of groups: the changelog group, the
// manifest group and then one group per file, each file group preceded by
// a chunk holding the file's path. Every chunk starts with a big-endian
// uint32 length that counts itself; a length of four or less ends a group
// (or, in place of a path, the list of files).
package bundle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
)

// Magic starts every bundle.
const Magic = "HG10"

const (
	lengthSize = 4
	// ElementHeaderSize is the length prefix plus node, p1, p2 and link
	// node.
	ElementHeaderSize = lengthSize + 4*node.Size
	// maxChunk bounds a single chunk so a damaged length cannot trigger a
	// huge allocation.
	maxChunk = 1 << 30
)

// Element is one revision as carried in a bundle. Delta is a patch
// against the revision's first parent, or against empty content when
// there is no first parent.
type Element struct {
	Node     node.ID
	P1       node.ID
	P2       node.ID
	LinkNode node.ID
	Delta    []byte
}

// Reader decodes a bundle stream.
type Reader struct {
	name        string
	compression string
	stream      io.ReadCloser
	r           *bufio.Reader
}

// NewReader reads the bundle header from r. name labels errors.
func NewReader(name string, r io.Reader) (*Reader, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, hgerr.E("read bundle header", hgerr.Store(name), hgerr.IncompleteBundle, err)
	}
	if string(hdr[:4]) != Magic {
		return nil, hgerr.E("read bundle header", hgerr.Store(name), hgerr.ControlFile,
			hgerr.Errorf("not a bundle: magic %q", hdr[:4]))
	}
	tag := string(hdr[4:])
	stream, err := compress.NewStreamReader(tag, r)
	if err != nil {
		return nil, hgerr.E("read bundle header", hgerr.Store(name), hgerr.ControlFile, err)
	}
	return &Reader{
		name:        name,
		compression: tag,
		stream:      stream,
		r:           bufio.NewReader(stream),
	}, nil
}

// Compression returns the stream compression tag from the header.
func (br *Reader) Compression() string { return br.compression }

// Close releases the decompressor. It does not close the underlying
// reader.
func (br *Reader) Close() error { return br.stream.Close() }

// chunk reads one length-prefixed chunk. It returns nil at a terminator.
func (br *Reader) chunk() ([]byte, error) {
	var lb [lengthSize]byte
	if _, err := io.ReadFull(br.r, lb[:]); err != nil {
		return nil, br.truncated(err)
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n <= lengthSize {
		return nil, nil
	}
	if n > maxChunk {
		return nil, hgerr.E("read bundle", hgerr.Store(br.name), hgerr.ControlFile,
			hgerr.Errorf("chunk length %d too large", n))
	}
	buf := make([]byte, n-lengthSize)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		return nil, br.truncated(err)
	}
	return buf, nil
}

func (br *Reader) truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return hgerr.E("read bundle", hgerr.Store(br.name), hgerr.IncompleteBundle,
			hgerr.Errorf("bundle ends early: %w", io.ErrUnexpectedEOF))
	}
	return hgerr.E("read bundle", hgerr.Store(br.name), hgerr.ControlFile, err)
}

// NextElement returns the next element of the current group, or nil at the
// end of the group.
func (br *Reader) NextElement() (*Element, error) {
	buf, err := br.chunk()
	if err != nil || buf == nil {
		return nil, err
	}
	if len(buf) < ElementHeaderSize-lengthSize {
		return nil, hgerr.E("read bundle", hgerr.Store(br.name), hgerr.ControlFile,
			hgerr.Errorf("element of %d bytes is shorter than its header", len(buf)+lengthSize))
	}
	e := &Element{Delta: buf[4*node.Size:]}
	copy(e.Node[:], buf[0:])
	copy(e.P1[:], buf[node.Size:])
	copy(e.P2[:], buf[2*node.Size:])
	copy(e.LinkNode[:], buf[3*node.Size:])
	return e, nil
}

// Group calls fn for every element of the current group.
func (br *Reader) Group(fn func(*Element) error) error {
	for {
		e, err := br.NextElement()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// NextFile reads the path chunk that precedes a file group. ok is false
// once the list of files has ended.
func (br *Reader) NextFile() (path string, ok bool, err error) {
	buf, err := br.chunk()
	if err != nil || buf == nil {
		return "", false, err
	}
	return string(buf), true, nil
}

// Writer encodes a bundle stream. Groups must be written in order:
// changelog, manifest, then each file introduced by StartFile, and the
// writer must be closed to terminate the file list.
type Writer struct {
	stream io.WriteCloser
	w      *bufio.Writer
}

// NewWriter writes the bundle header for compression tag to w. Bundles
// cannot be written with the read-only BZ codec.
func NewWriter(w io.Writer, compression string) (*Writer, error) {
	if compression == compress.StreamBzip2 {
		return nil, fmt.Errorf("%w: %s", compress.ErrWriteNotSupported, compression)
	}
	// Some encoders emit their own header on creation, so the bundle
	// header goes first.
	if _, err := io.WriteString(w, Magic+compression); err != nil {
		return nil, err
	}
	stream, err := compress.NewStreamWriter(compression, w)
	if err != nil {
		return nil, err
	}
	return &Writer{stream: stream, w: bufio.NewWriter(stream)}, nil
}

func (bw *Writer) writeLength(n int) error {
	var lb [lengthSize]byte
	binary.BigEndian.PutUint32(lb[:], uint32(n))
	_, err := bw.w.Write(lb[:])
	return err
}

// WriteElement appends e to the current group.
func (bw *Writer) WriteElement(e *Element) error {
	if err := bw.writeLength(ElementHeaderSize + len(e.Delta)); err != nil {
		return err
	}
	for _, id := range []node.ID{e.Node, e.P1, e.P2, e.LinkNode} {
		if _, err := bw.w.Write(id[:]); err != nil {
			return err
		}
	}
	_, err := bw.w.Write(e.Delta)
	return err
}

// EndGroup terminates the current group.
func (bw *Writer) EndGroup() error {
	return bw.writeLength(0)
}

// StartFile writes the path chunk that introduces a file group.
func (bw *Writer) StartFile(path string) error {
	if path == "" {
		return fmt.Errorf("bundle: empty file path")
	}
	if err := bw.writeLength(lengthSize + len(path)); err != nil {
		return err
	}
	_, err := bw.w.WriteString(path)
	return err
}

// Close ends the file list and flushes the compressor. It does not close
// the underlying writer.
func (bw *Writer) Close() error {
	if err := bw.writeLength(0); err != nil {
		return err
	}
	if err := bw.w.Flush(); err != nil {
		return err
	}
	return bw.stream.Close()
}
