package loader

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

// Entry pairs one segment with its page residency bookkeeping. The bitmap is
// allocated on the segment's first fault and freed at teardown.
type Entry struct {
	Seg *exec.Segment

	pages    uint
	resident *bitset.BitSet
}

// TestResident reports whether the page was already populated, allocating
// the residency bitmap on the segment's first consultation. The bit is set
// separately by MarkResident once the page holds its final contents, so a
// populate attempt that died halfway is retried by the next fault instead of
// being skipped.
func (e *Entry) TestResident(page int64) bool {
	if e.resident == nil {
		e.resident = bitset.New(e.pages)
	}

	return e.resident.Test(uint(page))
}

// MarkResident records that the page is mapped and populated. Valid only
// after TestResident returned false for the same page.
func (e *Entry) MarkResident(page int64) {
	e.resident.Set(uint(page))
}

// EachResident calls fn for every populated page, in ascending order.
func (e *Entry) EachResident(fn func(page int64)) {
	if e.resident == nil {
		return
	}

	for i, ok := e.resident.NextSet(0); ok; i, ok = e.resident.NextSet(i + 1) {
		fn(int64(i))
	}
}

// DropResidency frees the bitmap.
func (e *Entry) DropResidency() {
	e.resident = nil
}

// Span is the whole-page extent of the segment: the reservation length, and
// the range teardown releases.
func (e *Entry) Span(pageSize int64) int64 {
	return int64(e.pages) * pageSize
}

// Table maps faulting addresses to (segment, page index). Built once per
// Execute from the parse result.
type Table struct {
	pageSize int64
	entries  []*Entry
}

// NewTable validates the parsed segments against the platform page size and
// builds the lookup table. Images whose segments are misaligned or overlap
// are rejected here, before any range is reserved.
func NewTable(img *exec.Image, pageSize int64) (*Table, error) {
	t := &Table{pageSize: pageSize}

	for _, seg := range img.Segments {
		if seg.Vaddr%uintptr(pageSize) != 0 {
			return nil, fmt.Errorf("segment %s is not aligned to the %d-byte page size", seg, pageSize)
		}

		if seg.MemSize < seg.FileSize || seg.MemSize <= 0 {
			return nil, fmt.Errorf("segment %s declares invalid sizes (file %d, memory %d)", seg, seg.FileSize, seg.MemSize)
		}

		t.entries = append(t.entries, &Entry{
			Seg:   seg,
			pages: uint((seg.MemSize + pageSize - 1) / pageSize),
		})
	}

	for i := 1; i < len(t.entries); i++ {
		prev, cur := t.entries[i-1].Seg, t.entries[i].Seg
		if prev.Vaddr+uintptr(prev.MemSize) > cur.Vaddr {
			return nil, fmt.Errorf("segments %s and %s overlap", prev, cur)
		}
	}

	return t, nil
}

// Find returns the entry claiming addr and the page index inside it. Segment
// counts stay in the low dozens, so a linear scan is the whole lookup.
func (t *Table) Find(addr uintptr) (*Entry, int64, bool) {
	for _, e := range t.entries {
		if e.Seg.Contains(addr) {
			return e, int64(addr-e.Seg.Vaddr) / t.pageSize, true
		}
	}

	return nil, 0, false
}

// Entries returns the table's entries in ascending address order.
func (t *Table) Entries() []*Entry {
	return t.entries
}
