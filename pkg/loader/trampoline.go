package loader

import (
	"fmt"
	"unsafe"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

// StartFunc transfers control to the guest entry point on the current
// goroutine and returns when the guest finishes. The first instruction fetch
// at the entry address is itself the first fault the loader services.
type StartFunc func(img *exec.Image, argv []string) error

// EntryJump calls the entry point directly. It suits entry points with a
// no-argument C signature; argv is not forwarded, so images that consume
// arguments need a caller-supplied trampoline that builds the startup stack
// they expect.
func EntryJump(img *exec.Image, argv []string) error {
	if img.Entry == 0 {
		return fmt.Errorf("image has no entry point")
	}

	entry := img.Entry
	code := unsafe.Pointer(&entry)
	fn := *(*func())(unsafe.Pointer(&code))
	fn()

	return nil
}
