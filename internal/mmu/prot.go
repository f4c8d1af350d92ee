// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmu

// Lower and upper descriptor attributes (VMSAv8-64, stage 1, 4KB granule).
const (
	AP_RW  uint64 = 0 << 7
	AP_RO  uint64 = 1 << 7
	AP_EL0 uint64 = 1 << 6
	UXN    uint64 = 1 << 54
	PXN    uint64 = 1 << 53
	NS     uint64 = 1 << 5
	AF     uint64 = 1 << 10

	ENTRY_TABLE uint64 = 0b11
	ENTRY_PAGE  uint64 = 0b11 | AF
)

// Access permissions handed out by the Secure Monitor.
const (
	EL0_RW = AP_RW | AP_EL0 | UXN | PXN
	EL0_RO = AP_RO | AP_EL0 | UXN | PXN
	EL0_RX = AP_RO | AP_EL0 | PXN

	EL1_RW = AP_RW | UXN | PXN
	EL1_RO = AP_RO | UXN | PXN
	EL1_RX = AP_RO
)

// Translation table geometry (3 levels, 39-bit VA).
const (
	levelBits = 9
	entries   = 1 << levelBits
	oaMask    = ((uint64(1) << (39 - 12)) - 1) << 12
	protMask  = UXN | PXN | AP_RO | AP_EL0 | NS
)

// MaskEL0 strips from prot every attribute an applet is not allowed to
// request.
func MaskEL0(prot uint64) uint64 {
	return prot & (AP_EL0 | UXN | PXN | AP_RO | AP_RW)
}

// EnforceEL0 forces prot to describe an EL0 accessible page which is never
// executable at EL1.
func EnforceEL0(prot uint64) uint64 {
	return prot | PXN | AP_EL0
}

// OutputAddress returns the physical address held in a descriptor.
func OutputAddress(entry uint64) uint64 {
	return entry & oaMask
}

// Attributes returns the protection attributes held in a descriptor.
func Attributes(entry uint64) uint64 {
	return entry & protMask
}

func index(va uint64) (l1 uint64, l2 uint64, l3 uint64) {
	return (va >> 30) & (entries - 1), (va >> 21) & (entries - 1), (va >> 12) & (entries - 1)
}

// ProtString renders prot in the usual rwx notation for EL1 and EL0.
func ProtString(prot uint64) string {
	el1 := []byte("r--")
	el0 := []byte("---")

	if prot&AP_RO == 0 {
		el1[1] = 'w'
	}

	if prot&PXN == 0 {
		el1[2] = 'x'
	}

	if prot&AP_EL0 != 0 {
		el0[0] = 'r'

		if prot&AP_RO == 0 {
			el0[1] = 'w'
		}
	}

	if prot&UXN == 0 {
		el0[2] = 'x'
	}

	s := string(el1) + " " + string(el0)

	if prot&NS != 0 {
		s += " ns"
	}

	return s
}
