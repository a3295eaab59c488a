//go:build linux

package platform

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	userfaultfd "github.com/ricardobranco777/go-userfaultfd"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

// New returns the adapter for this host. Fault delivery uses userfaultfd:
// segment ranges are registered in missing mode and first touches are read as
// pagefault events on a dedicated goroutine while the faulting thread stays
// parked in the kernel. Accesses outside registered ranges, and accesses that
// violate the protection of an already resident page, never reach the loader;
// the kernel delivers the ordinary fatal signal directly.
func New() (Platform, error) {
	return &unixPlatform{pageSize: int64(os.Getpagesize())}, nil
}

type unixPlatform struct {
	pageSize int64
	handler  FaultHandler

	mu   sync.Mutex
	uffd *os.File
}

func (p *unixPlatform) PageSize() int64 {
	return p.pageSize
}

func (p *unixPlatform) Reserve(addr uintptr, length int64, perm exec.Perm) error {
	p.mu.Lock()
	fd := p.uffd
	p.mu.Unlock()

	if fd == nil {
		return fmt.Errorf("no fault handler installed")
	}

	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(length),
		prot(perm), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return fmt.Errorf("failed to reserve %d bytes at 0x%x: %w", length, addr, err)
	}

	if _, err := userfaultfd.Register(int(fd.Fd()), addr, uintptr(length), userfaultfd.UFFDIO_REGISTER_MODE_MISSING); err != nil {
		_ = unix.MunmapPtr(unsafe.Pointer(addr), uintptr(length))

		return fmt.Errorf("failed to register 0x%x with the userfault fd: %w", addr, err)
	}

	return nil
}

func (p *unixPlatform) MapFixed(addr uintptr, length int64, perm exec.Perm) error {
	// MAP_FIXED replaces the registered reservation for this page, so the
	// parked thread finds the page present once it is woken.
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(length),
		prot(perm), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("failed to map %d bytes at 0x%x: %w", length, addr, err)
	}

	return nil
}

func (p *unixPlatform) Protect(addr uintptr, length int64, perm exec.Perm) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Mprotect(b, prot(perm)); err != nil {
		return fmt.Errorf("failed to protect 0x%x as %s: %w", addr, perm, err)
	}

	return nil
}

func (p *unixPlatform) Unmap(addr uintptr, length int64) error {
	if err := unix.MunmapPtr(unsafe.Pointer(addr), uintptr(length)); err != nil {
		return fmt.Errorf("failed to unmap 0x%x: %w", addr, err)
	}

	return nil
}

func (p *unixPlatform) Release(addr uintptr, length int64) error {
	// Unmapping removes the userfault registration together with the
	// mapping; pages already unmapped individually leave harmless holes.
	if err := unix.MunmapPtr(unsafe.Pointer(addr), uintptr(length)); err != nil {
		return fmt.Errorf("failed to release reservation at 0x%x: %w", addr, err)
	}

	return nil
}

func (p *unixPlatform) InstallFaultHandler(handler FaultHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.uffd != nil {
		return fmt.Errorf("fault handler already installed")
	}

	flags := 0
	if os.Geteuid() != 0 && userfaultfd.HaveUserModeOnly {
		flags |= userfaultfd.UFFD_USER_MODE_ONLY
	}

	f, err := userfaultfd.NewFile(flags)
	if err != nil {
		return fmt.Errorf("failed to open the userfault fd: %w", err)
	}

	if _, err := userfaultfd.ApiHandshake(int(f.Fd()), 0); err != nil {
		_ = f.Close()

		return fmt.Errorf("userfault api handshake failed: %w", err)
	}

	p.uffd = f
	p.handler = handler

	go p.serveFaults()

	return nil
}

func (p *unixPlatform) serveFaults() {
	fd := int(p.uffd.Fd())

	for {
		var msg userfaultfd.UffdMsg

		buf := unsafe.Slice((*byte)(unsafe.Pointer(&msg)), int(unsafe.Sizeof(msg)))
		if _, err := p.uffd.Read(buf); err != nil {
			// The fd closes only when the process is going away.
			return
		}

		if msg.Event != userfaultfd.UFFD_EVENT_PAGEFAULT {
			continue
		}

		fault := (*userfaultfd.UffdMsgPagefault)(unsafe.Pointer(&msg.Data))
		addr := uintptr(fault.Address)
		page := addr &^ uintptr(p.pageSize-1)

		switch p.handler(addr) {
		case Resume:
			if err := userfaultfd.Wake(fd, page, uintptr(p.pageSize)); err != nil {
				zap.L().Fatal("failed to wake the faulting thread",
					zap.Uintptr("addr", addr),
					zap.Error(err))
			}
		case Decline:
			p.decline(fd, page, addr)
		}
	}
}

// decline makes the retried access take the kernel's default path. With
// UFFDIO_POISON the retry raises SIGBUS; on older kernels the page is
// unregistered instead and leaves loader management entirely.
func (p *unixPlatform) decline(fd int, page, addr uintptr) {
	if userfaultfd.HaveIoctlPoison {
		if _, err := userfaultfd.Poison(fd, page, uintptr(p.pageSize), 0); err == nil {
			_ = userfaultfd.Wake(fd, page, uintptr(p.pageSize))

			return
		}
	}

	zap.L().Warn("declining fault without poison support",
		zap.Uintptr("addr", addr))

	_ = userfaultfd.Unregister(fd, page, uintptr(p.pageSize))
	_ = userfaultfd.Wake(fd, page, uintptr(p.pageSize))
}

func prot(perm exec.Perm) int {
	var prot int
	if perm&exec.PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if perm&exec.PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if perm&exec.PermExec != 0 {
		prot |= unix.PROT_EXEC
	}

	return prot
}
