package revlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DataSource is a byte-addressable random-access view of a file that holds
// revision chunks.
type DataSource interface {
	// Length returns the current size of the underlying data.
	Length() (int64, error)
	// Seek positions the next ReadBytes at offset.
	Seek(offset int64) error
	// ReadBytes fills buf completely or fails.
	ReadBytes(buf []byte) error
	// Reset rewinds to the start of the data.
	Reset() error
	Close() error
}

// Opener opens the data source backing a revlog file.
type Opener func(path string) (DataSource, error)

// OpenFileSource is the default Opener.
func OpenFileSource(path string) (DataSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileSource{f: f}, nil
}

type fileSource struct {
	f *os.File
}

func (s *fileSource) Length() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *fileSource) Seek(offset int64) error {
	_, err := s.f.Seek(offset, io.SeekStart)
	return err
}

func (s *fileSource) ReadBytes(buf []byte) error {
	_, err := io.ReadFull(s.f, buf)
	return err
}

func (s *fileSource) Reset() error {
	return s.Seek(0)
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

// BytesSource returns a DataSource over an in-memory buffer.
func BytesSource(data []byte) DataSource {
	return &bytesSource{r: bytes.NewReader(data), size: int64(len(data))}
}

type bytesSource struct {
	r    *bytes.Reader
	size int64
}

func (s *bytesSource) Length() (int64, error) { return s.size, nil }

func (s *bytesSource) Seek(offset int64) error {
	if offset < 0 || offset > s.size {
		return fmt.Errorf("seek to %d outside [0,%d]", offset, s.size)
	}
	_, err := s.r.Seek(offset, io.SeekStart)
	return err
}

func (s *bytesSource) ReadBytes(buf []byte) error {
	_, err := io.ReadFull(s.r, buf)
	return err
}

func (s *bytesSource) Reset() error { return s.Seek(0) }

func (s *bytesSource) Close() error { return nil }
