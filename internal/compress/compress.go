// Package compress provides the pluggable codecs beneath the revlog patch
// layer and the bundle container.
//
// Revlog chunks are self-describing: the first byte of a stored chunk picks
// the engine that decodes it. Bundles name their stream codec with a two
// letter tag in the container header.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Chunk header bytes.
const (
	headerEmpty  byte = 0    // chunk stored as-is; only valid when it starts with NUL
	headerStored byte = 'u'  // chunk stored uncompressed, marker stripped on read
	headerZlib   byte = 'x'  // zlib stream (first byte of the zlib header)
	headerZstd   byte = 0x28 // zstd frame (first byte of the frame magic)
	headerSnappy byte = 'S'  // snappy block; not understood by other implementations
)

// Algo selects the engine used when writing chunks.
type Algo int

const (
	None Algo = iota
	Zlib
	Zstd
	Snappy
)

var (
	ErrUnknownEngine = errors.New("compress: unknown engine")
	ErrUnknownHeader = errors.New("compress: unknown chunk header")
)

func (a Algo) String() string {
	switch a {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	}
	return fmt.Sprintf("algo(%d)", int(a))
}

// ParseAlgo maps a configuration name to an Algo.
func ParseAlgo(name string) (Algo, error) {
	switch name {
	case "none", "":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}

var (
	zlibWriters = sync.Pool{
		New: func() interface{} {
			return zlib.NewWriter(nil)
		},
	}
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlibWriters.Get().(*zlib.Writer)
	defer zlibWriters.Put(zw)
	zw.Reset(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZlib(data []byte, sizeHint int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer zr.Close()
	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	return buf.Bytes(), nil
}

// Compress encodes text into a revlog chunk using algo. When compression
// does not make the chunk smaller the text is stored uncompressed.
func Compress(algo Algo, text []byte) ([]byte, error) {
	if len(text) == 0 {
		return nil, nil
	}
	var (
		out []byte
		err error
	)
	switch algo {
	case None:
	case Zlib:
		out, err = compressZlib(text)
	case Zstd:
		enc, _, cerr := zstdCodecs()
		if cerr != nil {
			return nil, cerr
		}
		out = enc.EncodeAll(text, nil)
	case Snappy:
		out = append([]byte{headerSnappy}, snappy.Encode(nil, text)...)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownEngine, algo)
	}
	if err != nil {
		return nil, err
	}
	if out != nil && len(out) < len(text) {
		return out, nil
	}
	return stored(text), nil
}

func stored(text []byte) []byte {
	if text[0] == headerEmpty {
		return text
	}
	out := make([]byte, 0, len(text)+1)
	out = append(out, headerStored)
	return append(out, text...)
}

// Decompress decodes a revlog chunk. sizeHint, when positive, is the
// expected decoded length and is used to presize buffers.
func Decompress(chunk []byte, sizeHint int) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	if sizeHint < 0 {
		sizeHint = 0
	}
	switch chunk[0] {
	case headerEmpty:
		return chunk, nil
	case headerStored:
		return chunk[1:], nil
	case headerZlib:
		return decompressZlib(chunk, sizeHint)
	case headerZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(chunk, make([]byte, 0, sizeHint))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case headerSnappy:
		out, err := snappy.Decode(nil, chunk[1:])
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownHeader, chunk[0])
}

// EngineOf reports which engine produced chunk.
func EngineOf(chunk []byte) string {
	if len(chunk) == 0 {
		return "empty"
	}
	switch chunk[0] {
	case headerEmpty, headerStored:
		return None.String()
	case headerZlib:
		return Zlib.String()
	case headerZstd:
		return Zstd.String()
	case headerSnappy:
		return Snappy.String()
	}
	return "unknown"
}
