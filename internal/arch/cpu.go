// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arch

// Resumption describes an exception return into S-EL0.
type Resumption struct {
	// Root is the applet translation table, installed in TTBR1 before the
	// exception return.
	Root uint64
	// Frame holds ELR, SPSR, SavedSP and the argument registers.
	Frame TrapFrame
}

// CPU abstracts the privileged operations of the secure EL1 core the
// Secure Monitor runs on.
//
// Drop and ReturnToFirmware hand the core over to another exception level,
// the hardware implementations never return to the caller while the
// emulated ones do. Callers must therefore treat both as the last statement
// of their control flow and return immediately after them.
type CPU interface {
	// Drop performs an exception return into S-EL0.
	Drop(r *Resumption)
	// ReturnToFirmware issues the SMC handing control back to EL3 with
	// the given x0-x3.
	ReturnToFirmware(regs [4]uint64)

	// EnableMMU configures TCR_EL1 for two 39-bit halves, installs the
	// monitor root in TTBR0 and turns address translation on.
	EnableMMU(root uint64)
	// SwitchTTBR1 installs the applet translation table root, zero
	// disables the upper half.
	SwitchTTBR1(root uint64)
	// TTBR1 returns the currently installed applet root.
	TTBR1() uint64
	// SwitchStack moves the privileged stack pointer.
	SwitchStack(sp uint64)
	// LoadOffset returns the difference between run-time and link-time
	// addresses of the monitor image.
	LoadOffset() uint64
	// Barrier orders memory and translation table updates.
	Barrier()

	// Halt stops the core, it is used on unrecoverable conditions.
	Halt(reason string)
}
