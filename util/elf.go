// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/rstenvi/arm64-tee/internal/mmu"
)

func extend(r *mmu.Range, s *elf.Section) {
	end := s.Addr + s.Size

	if r.End == 0 || s.Addr < r.Start {
		r.Start = s.Addr
	}

	if end > r.End {
		r.End = end
	}
}

// ImageMap returns the layout of a monitor ELF image: executable sections
// form the text range, read-only allocated sections the rodata range and
// writable ones the data range.
func ImageMap(buf []byte) (im mmu.ImageMap, err error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return
	}

	if exe.Class != elf.ELFCLASS64 {
		return im, fmt.Errorf("unsupported class %v", exe.Class)
	}

	for _, s := range exe.Sections {
		// TLS templates are not loaded at their (zero) address
		if s.Flags&elf.SHF_ALLOC == 0 || s.Flags&elf.SHF_TLS != 0 || s.Size == 0 || s.Addr == 0 {
			continue
		}

		switch {
		case s.Flags&elf.SHF_EXECINSTR != 0:
			extend(&im.Text, s)
		case s.Flags&elf.SHF_WRITE != 0:
			extend(&im.Data, s)
		default:
			extend(&im.Rodata, s)
		}
	}

	if im.Text.End == 0 {
		return im, errors.New("no executable section")
	}

	return
}
