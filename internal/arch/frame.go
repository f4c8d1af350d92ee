// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arch describes the aarch64 exception state exchanged between the
// Secure Monitor and its unprivileged (S-EL0) applets.
package arch

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Exception vector types, as reported by the vector table trampoline.
const (
	EXC_SYNC_LOWER64 = 0x21
	EXC_IRQ_LOWER64  = 0x22
)

// Exception classes (ESR_ELx.EC).
const (
	EC_UNKNOWN       = 0x00
	EC_SVC64         = 0x15
	EC_SMC64         = 0x17
	EC_IABT_LOWER    = 0x20
	EC_DABT_LOWER    = 0x24
	EC_SHIFT         = 26
	EC_MASK          = 0x3f
	EC_IL            = 25
	SYSCALL_NUM_REG  = 8
	SYSCALL_ARGS_MAX = 8
)

// SPSR_EL1 fields.
const (
	SPSR_M_EL0t = 0b0000

	SPSR_F = 6
	SPSR_I = 7
	SPSR_A = 8
	SPSR_D = 9
)

// TrapFrame is the register snapshot pushed by the exception vectors and
// popped by the exception return into S-EL0.
type TrapFrame struct {
	ExcType uint64
	ESR     uint64
	SavedSP uint64
	ELR     uint64
	SPSR    uint64
	Regs    [31]uint64
}

// Class returns the exception class of the trapped exception.
func (f *TrapFrame) Class() uint64 {
	return (f.ESR >> EC_SHIFT) & EC_MASK
}

// Syndrome builds an ESR value for the given exception class.
func Syndrome(ec uint64, iss uint64) uint64 {
	return (ec&EC_MASK)<<EC_SHIFT | 1<<EC_IL | iss&(1<<EC_IL-1)
}

// SPSR returns the saved processor state for an exception return to S-EL0
// with the given interrupt masks.
func SPSR(maskFIQ bool, maskIRQ bool) uint64 {
	spsr := uint32(SPSR_M_EL0t)

	if maskFIQ {
		bits.Set(&spsr, SPSR_F)
	} else {
		bits.Clear(&spsr, SPSR_F)
	}

	if maskIRQ {
		bits.Set(&spsr, SPSR_I)
	} else {
		bits.Clear(&spsr, SPSR_I)
	}

	return uint64(spsr)
}

// String returns the frame registers in a compact form.
func (f *TrapFrame) String() string {
	return fmt.Sprintf("type:%#x esr:%#x ec:%#x sp:%#.16x elr:%#.16x spsr:%#x x0:%#x x1:%#x x2:%#x x3:%#x x8:%#x",
		f.ExcType, f.ESR, f.Class(), f.SavedSP, f.ELR, f.SPSR,
		f.Regs[0], f.Regs[1], f.Regs[2], f.Regs[3], f.Regs[8])
}
