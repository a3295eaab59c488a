package exec

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Parse reads the ELF executable at path into an image descriptor. Only
// position-dependent executables (ET_EXEC) are accepted: the loader maps
// segments at the addresses they declare and performs no relocation. Static
// linking is not checked; an interpreter request (PT_INTERP) is ignored like
// every other non-PT_LOAD program header.
func Parse(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("image type %s is not loadable: only position-dependent executables are supported", f.Type)
	}

	img := &Image{Entry: uintptr(f.Entry)}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Memsz < p.Filesz {
			return nil, fmt.Errorf("segment at 0x%x declares %d file bytes but only %d memory bytes", p.Vaddr, p.Filesz, p.Memsz)
		}

		if p.Memsz == 0 {
			continue
		}

		img.Segments = append(img.Segments, &Segment{
			Vaddr:      uintptr(p.Vaddr),
			FileOffset: int64(p.Off),
			FileSize:   int64(p.Filesz),
			MemSize:    int64(p.Memsz),
			Perm:       permFromFlags(p.Flags),
		})
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("image has no loadable segments")
	}

	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].Vaddr < img.Segments[j].Vaddr
	})

	for i := 1; i < len(img.Segments); i++ {
		prev, cur := img.Segments[i-1], img.Segments[i]
		if prev.Vaddr+uintptr(prev.MemSize) > cur.Vaddr {
			return nil, fmt.Errorf("segments %s and %s overlap", prev, cur)
		}
	}

	return img, nil
}

func permFromFlags(flags elf.ProgFlag) Perm {
	var perm Perm
	if flags&elf.PF_R != 0 {
		perm |= PermRead
	}
	if flags&elf.PF_W != 0 {
		perm |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= PermExec
	}

	return perm
}
