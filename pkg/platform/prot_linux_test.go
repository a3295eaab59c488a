//go:build linux

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
)

func TestProtMapping(t *testing.T) {
	tests := []struct {
		name string
		perm exec.Perm
		want int
	}{
		{name: "read only", perm: exec.PermRead, want: unix.PROT_READ},
		{name: "read execute", perm: exec.PermRead | exec.PermExec, want: unix.PROT_READ | unix.PROT_EXEC},
		{name: "read write", perm: exec.PermRead | exec.PermWrite, want: unix.PROT_READ | unix.PROT_WRITE},
		{name: "read write execute", perm: exec.PermRead | exec.PermWrite | exec.PermExec, want: unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC},
		{name: "execute only", perm: exec.PermExec, want: unix.PROT_EXEC},
		{name: "none", perm: 0, want: unix.PROT_NONE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prot(tt.perm))
		})
	}
}
