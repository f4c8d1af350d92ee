// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
)

// CPU implements arch.CPU for a single emulated core. Exception level
// changes are recorded and carried out by the Machine once the monitor
// returns to it.
type CPU struct {
	// Offset is the run-time displacement of the monitor image.
	Offset uint64

	ttbr0 uint64
	ttbr1 uint64
	sp    uint64

	pending *arch.Resumption
	ret     *[4]uint64
	halted  string

	barriers int
}

// Drop implements arch.CPU.
func (c *CPU) Drop(r *arch.Resumption) {
	res := *r

	c.ttbr1 = r.Root
	c.pending = &res
}

// ReturnToFirmware implements arch.CPU.
func (c *CPU) ReturnToFirmware(regs [4]uint64) {
	c.ret = &regs
}

// EnableMMU implements arch.CPU.
func (c *CPU) EnableMMU(root uint64) {
	c.ttbr0 = root
}

// SwitchTTBR1 implements arch.CPU.
func (c *CPU) SwitchTTBR1(root uint64) {
	c.ttbr1 = root
}

// TTBR1 implements arch.CPU.
func (c *CPU) TTBR1() uint64 {
	return c.ttbr1
}

// TTBR0 returns the monitor translation table root.
func (c *CPU) TTBR0() uint64 {
	return c.ttbr0
}

// SwitchStack implements arch.CPU.
func (c *CPU) SwitchStack(sp uint64) {
	c.sp = sp
}

// SP returns the privileged stack pointer.
func (c *CPU) SP() uint64 {
	return c.sp
}

// LoadOffset implements arch.CPU.
func (c *CPU) LoadOffset() uint64 {
	return c.Offset
}

// Barrier implements arch.CPU.
func (c *CPU) Barrier() {
	c.barriers++
}

// Halt implements arch.CPU, the core stops executing once the monitor
// returns to the Machine.
func (c *CPU) Halt(reason string) {
	klog.Errorf("SM core halted: %s", reason)
	c.halted = reason
}

// Halted returns the halt reason, if any.
func (c *CPU) Halted() (reason string, halted bool) {
	return c.halted, c.halted != ""
}

func (c *CPU) reset() {
	c.pending = nil
	c.ret = nil
}
