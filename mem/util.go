// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

// AlignDown rounds addr down to a multiple of align, which must be a power of
// two.
func AlignDown(addr uint64, align uint64) uint64 {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of two.
func AlignUp(addr uint64, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return AlignUp(size, PageSize) / PageSize
}

// InUpper reports whether addr falls in the applet (TTBR1) half.
func InUpper(addr uint64) bool {
	return addr >= UpperStart
}

// Offset returns the position of addr within its own half.
func Offset(addr uint64) uint64 {
	return addr & (uint64(1)<<VABits - 1)
}
