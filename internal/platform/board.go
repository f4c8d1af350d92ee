// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform describes the boards supported by the Secure Monitor.
package platform

import (
	"fmt"
	"sort"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/mem"
)

// Region represents a physical memory range.
type Region struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Board represents the fixed peripherals and memory of a platform.
type Board struct {
	Name string

	UART uint64
	GICD uint64
	GICC uint64
	GICR uint64

	// PL061 controller driving the power lines
	GPIO     uint64
	PowerOff int
	Reset    int

	ROM        Region
	SecureSRAM Region
	SecureDRAM Region
	NonSecure  Region

	// secure physical timer interrupt
	TimerIRQ int
}

// QEMU is the aarch64 QEMU virt board, with secure memory enabled
// (-machine virt,secure=on).
var QEMU = Board{
	Name: "qemu",

	UART: 0x09000000,
	GICD: 0x08000000,
	GICC: 0x08010000,
	GICR: 0x080a0000,

	GPIO:     0x090b0000,
	PowerOff: 0,
	Reset:    1,

	ROM:        Region{0x00000000, 0x00020000},
	SecureSRAM: Region{mem.SecureSRAMStart, mem.SecureSRAMSize},
	SecureDRAM: Region{mem.SecureStart, mem.SecureSize},
	NonSecure:  Region{mem.NonSecureStart, mem.NonSecureSize},

	TimerIRQ: 29,
}

var boards = map[string]*Board{
	QEMU.Name: &QEMU,
}

// Lookup returns a supported board.
func Lookup(name string) (b *Board, err error) {
	b, ok := boards[name]

	if !ok {
		return nil, fmt.Errorf("unsupported board %q (%v)", name, Names())
	}

	return
}

// Names returns the supported board names.
func Names() (names []string) {
	for name := range boards {
		names = append(names, name)
	}

	sort.Strings(names)

	return
}

// MapDMA maps the board peripherals used by the Secure Monitor, uart
// overrides the default console location when the firmware describes one.
func (b *Board) MapDMA(m *mmu.MMU, uart Region) (err error) {
	if uart.Size == 0 {
		uart = Region{b.UART, mem.PageSize}
	}

	for _, r := range []Region{
		uart,
		{b.GPIO, mem.PageSize},
	} {
		if err = m.MapDMA(r.Start, r.End()); err != nil {
			return fmt.Errorf("could not map %#x-%#x, %v", r.Start, r.End(), err)
		}

		klog.V(2).Infof("SM mapped device memory %#x-%#x", r.Start, r.End())
	}

	return
}
