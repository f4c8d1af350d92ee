// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package smc implements the Secure Monitor Call handling of the Secure
// Monitor, following the SMC Calling Convention (ARM DEN 0028).
//
// Calls reach the monitor through the Secure Payload Dispatcher of the
// Trusted Firmware (EL3), the function identifier is in x0 and arguments in
// x1-x7. On completion x0 still holds the function identifier (or a
// dispatcher specific completion code) and x1-x3 the results.
package smc

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Function identifier fields.
const (
	FUNCID_TYPE_SHIFT = 31
	FUNCID_CC_SHIFT   = 30
	FUNCID_OEN_SHIFT  = 24
	FUNCID_OEN_MASK   = 0x3f
	FUNCID_NUM_MASK   = 0xffff
)

// Owning entity numbers (service call ranges) handled by the monitor.
const (
	// Test Secure Payload range, served by the arithmetic service.
	OEN_TSP = 0x32
	// OP-TEE range, served by applets.
	OEN_OPTEE = 0x3e
	// applet range
	OEN_APPLET = 0x2a
)

// CallID is an SMC function identifier, as carried in W0.
type CallID uint32

// Encode builds a function identifier.
func Encode(fast bool, smc64 bool, oen uint32, num uint32) CallID {
	var id uint32

	if fast {
		bits.Set(&id, FUNCID_TYPE_SHIFT)
	}

	if smc64 {
		bits.Set(&id, FUNCID_CC_SHIFT)
	}

	bits.SetN(&id, FUNCID_OEN_SHIFT, FUNCID_OEN_MASK, oen&FUNCID_OEN_MASK)
	bits.SetN(&id, 0, FUNCID_NUM_MASK, num&FUNCID_NUM_MASK)

	return CallID(id)
}

// Fast32 returns the identifier of a fast SMC32 call.
func Fast32(oen uint32, num uint32) CallID {
	return Encode(true, false, oen, num)
}

// Decode returns the owning entity number and function number of an x0
// value, upper bits of x0 are ignored.
func Decode(x0 uint64) (oen uint32, num uint32) {
	id := CallID(x0)
	return id.OEN(), id.Num()
}

// Fast reports whether the call is a fast call.
func (id CallID) Fast() bool {
	return id>>FUNCID_TYPE_SHIFT&1 == 1
}

// SMC64 reports whether the call uses the SMC64 convention.
func (id CallID) SMC64() bool {
	return id>>FUNCID_CC_SHIFT&1 == 1
}

// OEN returns the owning entity number.
func (id CallID) OEN() uint32 {
	return uint32(id>>FUNCID_OEN_SHIFT) & FUNCID_OEN_MASK
}

// Num returns the function number.
func (id CallID) Num() uint32 {
	return uint32(id) & FUNCID_NUM_MASK
}

func (id CallID) String() string {
	kind := "yield"

	if id.Fast() {
		kind = "fast"
	}

	cc := "smc32"

	if id.SMC64() {
		cc = "smc64"
	}

	return fmt.Sprintf("%#.8x (%s %s oen:%#x num:%#x)", uint32(id), kind, cc, id.OEN(), id.Num())
}
