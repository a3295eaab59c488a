package loader

import (
	"fmt"
	"unsafe"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

// pageIn materializes one page of a segment: commit it writable and
// zero-filled, deposit the backing file slice, lower to the declared
// protection, and only then mark it resident.
func (l *Loader) pageIn(st *execState, e *Entry, page int64) error {
	pageSize := st.table.pageSize
	seg := e.Seg
	pageVA := seg.Vaddr + uintptr(page*pageSize)

	// Write is mandatory during population even for read-only segments; the
	// guest never observes it because the downgrade happens before the
	// faulting instruction is retried.
	initial := seg.Perm | exec.PermWrite

	if err := l.platform.MapFixed(pageVA, pageSize, initial); err != nil {
		return fmt.Errorf("failed to map page at 0x%x: %w", pageVA, err)
	}

	// The slice of the file backing this page. Pages past FileSize are pure
	// BSS and stay all-zero; the last backed page may be partial, with the
	// zero-filled mapping providing the tail.
	segOff := page * pageSize
	if segOff < seg.FileSize {
		n := seg.FileSize - segOff
		if n > pageSize {
			n = pageSize
		}

		dst := unsafe.Slice((*byte)(unsafe.Pointer(pageVA)), n)
		if _, err := st.src.ReadAt(dst, seg.FileOffset+segOff); err != nil {
			return fmt.Errorf("failed to read %d image bytes at offset %d: %w", n, seg.FileOffset+segOff, err)
		}
	}

	if initial != seg.Perm {
		if err := l.platform.Protect(pageVA, pageSize, seg.Perm); err != nil {
			return fmt.Errorf("failed to lower protection at 0x%x to %s: %w", pageVA, seg.Perm, err)
		}
	}

	e.MarkResident(page)

	return nil
}
