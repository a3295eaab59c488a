package exec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progSpec struct {
	ptype  elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

// writeImage assembles a minimal ELF64 executable on disk: header, program
// header table, then zero padding up to every declared file extent.
func writeImage(t *testing.T, etype elf.Type, entry uint64, progs []progSpec) string {
	t.Helper()

	var buf bytes.Buffer

	hdr := elf.Header64{
		Type:      uint16(etype),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(progs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))

	end := uint64(buf.Len()) + 56*uint64(len(progs))

	for _, p := range progs {
		ph := elf.Prog64{
			Type:   uint32(p.ptype),
			Flags:  uint32(p.flags),
			Off:    p.off,
			Vaddr:  p.vaddr,
			Paddr:  p.vaddr,
			Filesz: p.filesz,
			Memsz:  p.memsz,
			Align:  0x1000,
		}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &ph))

		if p.off+p.filesz > end {
			end = p.off + p.filesz
		}
	}

	content := buf.Bytes()
	if uint64(len(content)) < end {
		content = append(content, make([]byte, end-uint64(len(content)))...)
	}

	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, os.WriteFile(path, content, 0o755))

	return path
}

func TestParse(t *testing.T) {
	path := writeImage(t, elf.ET_EXEC, 0x400000, []progSpec{
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0x1000, vaddr: 0x400000, filesz: 0x400, memsz: 0x400},
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, off: 0x1400, vaddr: 0x401000, filesz: 0x100, memsz: 0x300},
		{ptype: elf.PT_NOTE, flags: elf.PF_R, off: 0x1500, vaddr: 0, filesz: 0x10, memsz: 0x10},
	})

	img, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, uintptr(0x400000), img.Entry)
	require.Len(t, img.Segments, 2)

	text := img.Segments[0]
	assert.Equal(t, uintptr(0x400000), text.Vaddr)
	assert.Equal(t, int64(0x1000), text.FileOffset)
	assert.Equal(t, int64(0x400), text.FileSize)
	assert.Equal(t, int64(0x400), text.MemSize)
	assert.Equal(t, PermRead|PermExec, text.Perm)

	data := img.Segments[1]
	assert.Equal(t, uintptr(0x401000), data.Vaddr)
	assert.Equal(t, int64(0x100), data.FileSize)
	assert.Equal(t, int64(0x300), data.MemSize)
	assert.Equal(t, PermRead|PermWrite, data.Perm)
}

func TestParseRejectsPositionIndependent(t *testing.T) {
	path := writeImage(t, elf.ET_DYN, 0x1000, []progSpec{
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0x1000, vaddr: 0x1000, filesz: 0x100, memsz: 0x100},
	})

	_, err := Parse(path)
	require.ErrorContains(t, err, "position-dependent")
}

func TestParseRejectsNoLoadableSegments(t *testing.T) {
	path := writeImage(t, elf.ET_EXEC, 0x400000, []progSpec{
		{ptype: elf.PT_NOTE, flags: elf.PF_R, off: 0x1000, vaddr: 0, filesz: 0x10, memsz: 0x10},
	})

	_, err := Parse(path)
	require.ErrorContains(t, err, "no loadable segments")
}

func TestParseRejectsOverlap(t *testing.T) {
	path := writeImage(t, elf.ET_EXEC, 0x400000, []progSpec{
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0x1000, vaddr: 0x400000, filesz: 0x1000, memsz: 0x2000},
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, off: 0x2000, vaddr: 0x401000, filesz: 0x100, memsz: 0x100},
	})

	_, err := Parse(path)
	require.ErrorContains(t, err, "overlap")
}

func TestParseRejectsShrunkMemory(t *testing.T) {
	path := writeImage(t, elf.ET_EXEC, 0x400000, []progSpec{
		{ptype: elf.PT_LOAD, flags: elf.PF_R, off: 0x1000, vaddr: 0x400000, filesz: 0x200, memsz: 0x100},
	})

	_, err := Parse(path)
	require.Error(t, err)
}

func TestParseNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, []byte("not an executable"), 0o644))

	_, err := Parse(path)
	require.Error(t, err)
}

func TestPermString(t *testing.T) {
	assert.Equal(t, "---", Perm(0).String())
	assert.Equal(t, "r-x", (PermRead | PermExec).String())
	assert.Equal(t, "rw-", (PermRead | PermWrite).String())
	assert.Equal(t, "rwx", (PermRead | PermWrite | PermExec).String())
}

func TestSegmentContains(t *testing.T) {
	seg := &Segment{Vaddr: 0x1000, MemSize: 0x1000}

	assert.True(t, seg.Contains(0x1000))
	assert.True(t, seg.Contains(0x1fff))
	assert.False(t, seg.Contains(0xfff))
	assert.False(t, seg.Contains(0x2000))
}
