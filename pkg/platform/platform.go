package platform

import (
	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

// Decision is the dispatcher's verdict on one access violation.
type Decision int

const (
	// Decline hands the fault to whatever handled access violations before
	// the loader: on most hosts the default disposition, which terminates.
	Decline Decision = iota
	// Resume retries the faulting instruction.
	Resume
)

// FaultHandler classifies the faulting address and either services the fault
// or declines it.
type FaultHandler func(addr uintptr) Decision

// Platform is the memory and fault surface of the host OS. All addresses and
// lengths are page-aligned by the caller.
type Platform interface {
	// PageSize is constant for the process lifetime. On Windows-like hosts
	// this is the allocation granularity reservations are rounded to.
	PageSize() int64

	// Reserve claims [addr, addr+length) so that first touches inside it are
	// delivered to the installed fault handler. Fails if the range cannot be
	// placed at addr.
	Reserve(addr uintptr, length int64, perm exec.Perm) error

	// MapFixed commits a zero-filled page at exactly addr inside a reserved
	// range. perm always includes write: the pager populates the page
	// through it before the protection is lowered.
	MapFixed(addr uintptr, length int64, perm exec.Perm) error

	// Protect changes the page's protection to the segment's declared set.
	// Called only after file data has been deposited.
	Protect(addr uintptr, length int64, perm exec.Perm) error

	// Unmap releases one previously committed page.
	Unmap(addr uintptr, length int64) error

	// Release drops the remainder of a reservation. Pages already unmapped
	// inside the range are tolerated.
	Release(addr uintptr, length int64) error

	// InstallFaultHandler routes access violations to handler, ahead of any
	// previously installed handling. Called once per process.
	InstallFaultHandler(handler FaultHandler) error
}
