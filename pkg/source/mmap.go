package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapSource serves reads from a read-only mapping of the whole image, so a
// page fill is a memory copy instead of a read syscall.
type MmapSource struct {
	file *os.File
	mmap mmap.MMap
	size int64
}

func NewMmapSource(path string) (*MmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to map image: %w", err)
	}

	return &MmapSource{
		file: f,
		mmap: mm,
		size: int64(len(mm)),
	}, nil
}

func (m *MmapSource) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("image truncated at offset %d: %w", off, io.ErrUnexpectedEOF)
	}

	n := copy(b, m.mmap[off:])
	if n < len(b) {
		return n, fmt.Errorf("image truncated at offset %d: %w", off+int64(n), io.ErrUnexpectedEOF)
	}

	return n, nil
}

func (m *MmapSource) Size() int64 {
	return m.size
}

func (m *MmapSource) Close() error {
	return errors.Join(m.mmap.Unmap(), m.file.Close())
}
