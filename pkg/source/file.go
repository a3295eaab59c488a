package source

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSource reads page slices straight from the image file. The handle is
// opened read-only and stays open for the life of the execution.
type FileSource struct {
	file *os.File
	size int64
}

func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to stat image: %w", err)
	}

	return &FileSource{file: f, size: fi.Size()}, nil
}

// ReadAt loops over short reads until b is full. Hitting the end of the
// image first is an error, not a short result.
func (s *FileSource) ReadAt(b []byte, off int64) (int, error) {
	read := 0
	for read < len(b) {
		n, err := s.file.ReadAt(b[read:], off+int64(read))
		read += n

		if errors.Is(err, io.EOF) {
			if read < len(b) {
				return read, fmt.Errorf("image truncated at offset %d: %w", off+int64(read), io.ErrUnexpectedEOF)
			}

			break
		}

		if err != nil {
			return read, fmt.Errorf("failed to read image at offset %d: %w", off+int64(read), err)
		}
	}

	return read, nil
}

func (s *FileSource) Size() int64 {
	return s.size
}

func (s *FileSource) Close() error {
	return s.file.Close()
}
