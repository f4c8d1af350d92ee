// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package archtest provides a CPU implementation recording privileged
// operations, for use in tests.
package archtest

import (
	"github.com/rstenvi/arm64-tee/internal/arch"
)

// Recorder implements arch.CPU by recording every call, it never transfers
// control.
type Recorder struct {
	Drops    []arch.Resumption
	Returns  [][4]uint64
	Halts    []string
	Stacks   []uint64
	Barriers int

	TTBR0  uint64
	Root   uint64
	Offset uint64
}

// Drop implements arch.CPU.
func (r *Recorder) Drop(res *arch.Resumption) {
	r.Drops = append(r.Drops, *res)
}

// ReturnToFirmware implements arch.CPU.
func (r *Recorder) ReturnToFirmware(regs [4]uint64) {
	r.Returns = append(r.Returns, regs)
}

// EnableMMU implements arch.CPU.
func (r *Recorder) EnableMMU(root uint64) {
	r.TTBR0 = root
}

// SwitchTTBR1 implements arch.CPU.
func (r *Recorder) SwitchTTBR1(root uint64) {
	r.Root = root
}

// TTBR1 implements arch.CPU.
func (r *Recorder) TTBR1() uint64 {
	return r.Root
}

// SwitchStack implements arch.CPU.
func (r *Recorder) SwitchStack(sp uint64) {
	r.Stacks = append(r.Stacks, sp)
}

// LoadOffset implements arch.CPU.
func (r *Recorder) LoadOffset() uint64 {
	return r.Offset
}

// Barrier implements arch.CPU.
func (r *Recorder) Barrier() {
	r.Barriers++
}

// Halt implements arch.CPU.
func (r *Recorder) Halt(reason string) {
	r.Halts = append(r.Halts, reason)
}

// Halted reports whether Halt was called.
func (r *Recorder) Halted() bool {
	return len(r.Halts) > 0
}

// LastDrop returns the most recent resumption, if any.
func (r *Recorder) LastDrop() (res arch.Resumption, ok bool) {
	if len(r.Drops) == 0 {
		return
	}

	return r.Drops[len(r.Drops)-1], true
}
