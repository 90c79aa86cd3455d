package compress

import (
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Stream tags as they appear after the bundle magic.
const (
	StreamNone  = "UN"
	StreamZlib  = "GZ"
	StreamBzip2 = "BZ"
	StreamZstd  = "ZS"
	StreamXZ    = "XZ"
)

var (
	ErrUnknownStream     = errors.New("compress: unknown stream codec")
	ErrWriteNotSupported = errors.New("compress: stream codec is read-only")
)

// StreamTags lists every stream codec this package can decode.
func StreamTags() []string {
	return []string{StreamNone, StreamZlib, StreamBzip2, StreamZstd, StreamXZ}
}

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewStreamReader wraps r with the decoder named by tag.
func NewStreamReader(tag string, r io.Reader) (io.ReadCloser, error) {
	switch tag {
	case StreamNone:
		return nopReadCloser{r}, nil
	case StreamZlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zlib stream: %w", err)
		}
		return zr, nil
	case StreamBzip2:
		// The container header consumes the "BZ" magic of the bzip2 stream.
		return nopReadCloser{bzip2.NewReader(io.MultiReader(strings.NewReader("BZ"), r))}, nil
	case StreamZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd stream: %w", err)
		}
		return zstdReadCloser{dec}, nil
	case StreamXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz stream: %w", err)
		}
		return nopReadCloser{xr}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStream, tag)
}

// NewStreamWriter wraps w with the encoder named by tag. Closing the
// returned writer flushes the encoder but does not close w.
func NewStreamWriter(tag string, w io.Writer) (io.WriteCloser, error) {
	switch tag {
	case StreamNone:
		return nopWriteCloser{w}, nil
	case StreamZlib:
		return zlib.NewWriter(w), nil
	case StreamBzip2:
		return nil, fmt.Errorf("%w: %s", ErrWriteNotSupported, tag)
	case StreamZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd stream: %w", err)
		}
		return enc, nil
	case StreamXZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("xz stream: %w", err)
		}
		return xw, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStream, tag)
}
