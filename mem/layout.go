// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

// QEMU virt (aarch64) physical memory layout, the Secure Monitor is loaded by
// Trusted Firmware-A as BL32 in secure DRAM.
const (
	// Secure SRAM (BL1/BL2 and shared mailboxes)
	SecureSRAMStart = 0x0e000000
	SecureSRAMSize  = 0x00060000

	// Secure Monitor
	SecureStart = 0x0e100000
	SecureSize  = 0x00f00000 // 15MB

	// Main OS
	NonSecureStart = 0x40000000
	NonSecureSize  = 0x08000000 // 128MB
)

// Translation regime shared by the Secure Monitor (TTBR0, lower half) and its
// applets (TTBR1, upper half).
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	VABits = 39

	// UpperStart is the lowest address reachable through TTBR1.
	UpperStart uint64 = 0xffffff8000000000

	// MaxUpper is the base of the last page in the upper half.
	MaxUpper = ^uint64(0) &^ (PageSize - 1)
	// MaxLower is the base of the last page in the lower half.
	MaxLower = (uint64(1)<<VABits - 1) &^ (PageSize - 1)

	// LinearStart is the virtual alias of physical address zero, every
	// secure RAM page is reachable at LinearStart + pa.
	LinearStart = 1 << 31

	// StagingStart is the Secure Monitor window used to map Non-secure
	// pages while copying them in.
	StagingStart = 1 << 34

	// BufferSize is the largest Non-secure buffer copied in by a single
	// call.
	BufferSize = 1 << 20

	// ReservedStart and ReservedSize delimit, as an offset within an
	// address space, the applet window receiving Non-secure buffers.
	ReservedStart = 8 << 30
	ReservedSize  = 1 << 30
	ReservedEnd   = ReservedStart + ReservedSize
)

// Invalid is the failure (or unset) sentinel used across the register ABI.
const Invalid = ^uint64(0)

// AppletReserved returns the applet view of the reserved window base.
func AppletReserved() uint64 {
	return UpperStart | ReservedStart
}
