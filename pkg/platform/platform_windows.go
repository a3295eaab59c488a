//go:build windows

package platform

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

const (
	exceptionAccessViolation = 0xC0000005

	// LONG return values of a vectored handler, as seen in EAX.
	exceptionContinueExecution = ^uintptr(0)
	exceptionContinueSearch    = 0
)

// The vectored-exception entry point is not wrapped by x/sys/windows; the
// structures and the proc are declared here.
type exceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *exceptionRecord
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [15]uintptr
}

type exceptionPointers struct {
	ExceptionRecord *exceptionRecord
	ContextRecord   uintptr
}

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procAddVectoredExceptionHandler = kernel32.NewProc("AddVectoredExceptionHandler")
	procGetSystemInfo               = kernel32.NewProc("GetSystemInfo")
)

// New returns the adapter for this host. Fault delivery uses a vectored
// exception handler registered first in the chain; declined faults continue
// the search through whatever handlers were installed before the loader.
func New() (Platform, error) {
	var si systemInfo
	_, _, _ = procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))

	// Reservations are rounded to the allocation granularity, so that is the
	// page unit the loader works in.
	pageSize := int64(si.AllocationGranularity)
	if pageSize == 0 {
		return nil, fmt.Errorf("failed to query the allocation granularity")
	}

	return &winPlatform{pageSize: pageSize}, nil
}

type winPlatform struct {
	pageSize int64

	mu        sync.Mutex
	handler   FaultHandler
	vehHandle uintptr
}

func (p *winPlatform) PageSize() int64 {
	return p.pageSize
}

func (p *winPlatform) Reserve(addr uintptr, length int64, perm exec.Perm) error {
	_, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return fmt.Errorf("failed to reserve %d bytes at 0x%x: %w", length, addr, err)
	}

	return nil
}

func (p *winPlatform) MapFixed(addr uintptr, length int64, perm exec.Perm) error {
	_, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_COMMIT, pageProtection(perm))
	if err != nil {
		return fmt.Errorf("failed to commit %d bytes at 0x%x: %w", length, addr, err)
	}

	return nil
}

func (p *winPlatform) Protect(addr uintptr, length int64, perm exec.Perm) error {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(length), pageProtection(perm), &old); err != nil {
		return fmt.Errorf("failed to protect 0x%x as %s: %w", addr, perm, err)
	}

	return nil
}

func (p *winPlatform) Unmap(addr uintptr, length int64) error {
	if err := windows.VirtualFree(addr, uintptr(length), windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("failed to decommit 0x%x: %w", addr, err)
	}

	return nil
}

func (p *winPlatform) Release(addr uintptr, length int64) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("failed to release reservation at 0x%x: %w", addr, err)
	}

	return nil
}

func (p *winPlatform) InstallFaultHandler(handler FaultHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vehHandle != 0 {
		return fmt.Errorf("fault handler already installed")
	}

	p.handler = handler

	h, _, err := procAddVectoredExceptionHandler.Call(1, windows.NewCallback(p.veh))
	if h == 0 {
		p.handler = nil

		return fmt.Errorf("failed to add the vectored exception handler: %w", err)
	}

	p.vehHandle = h

	return nil
}

func (p *winPlatform) veh(info *exceptionPointers) uintptr {
	rec := info.ExceptionRecord
	if rec == nil || rec.ExceptionCode != exceptionAccessViolation {
		return exceptionContinueSearch
	}

	// ExceptionInformation[1] carries the address the access touched.
	if p.handler(rec.ExceptionInformation[1]) == Resume {
		return exceptionContinueExecution
	}

	return exceptionContinueSearch
}

func pageProtection(perm exec.Perm) uint32 {
	switch {
	case perm&exec.PermExec != 0 && perm&exec.PermWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case perm&exec.PermExec != 0 && perm&exec.PermRead != 0:
		return windows.PAGE_EXECUTE_READ
	case perm&exec.PermExec != 0:
		return windows.PAGE_EXECUTE
	case perm&exec.PermWrite != 0:
		return windows.PAGE_READWRITE
	case perm&exec.PermRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}
