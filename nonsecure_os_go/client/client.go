// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package client implements the Normal World side of the Secure Monitor
// calling conventions.
package client

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/mem"
)

// Firmware represents the EL3 firmware, SMC issues a call with x0-x7 and
// returns x0-x3 once the Secure World is done.
type Firmware interface {
	SMC(args ...uint64) (regs [4]uint64, err error)
}

var (
	ErrFailed     = errors.New("secure call failed")
	ErrConvention = errors.New("unsupported by dispatcher convention")
)

// Client issues calls to the Secure World, buffers are shared through a
// fixed area of Non-secure RAM.
type Client struct {
	fw  Firmware
	bus mem.Bus

	base uint64
	size uint64
}

// New returns a client sharing buffers at [base, base+size) of Non-secure
// RAM.
func New(fw Firmware, bus mem.Bus, base uint64, size uint64) *Client {
	return &Client{
		fw:   fw,
		bus:  bus,
		base: base,
		size: size,
	}
}

// Call invokes the service entry point of applet idx with cmd, data is
// passed through the shared buffer.
func (c *Client) Call(idx int, cmd uint64, data []byte) (ret uint64, err error) {
	var pa uint64

	if n := uint64(len(data)); n > 0 {
		if n > c.size {
			return mem.Invalid, fmt.Errorf("buffer size %d exceeds shared area", n)
		}

		c.bus.Write(c.base, data)
		pa = c.base
	}

	id := smc.Encode(false, true, smc.OEN_OPTEE, uint32(idx))
	regs, err := c.fw.SMC(uint64(id), cmd, pa, uint64(len(data)))

	if err != nil {
		return mem.Invalid, err
	}

	if regs[0] != smc.OPTEE_CALL_DONE {
		return mem.Invalid, fmt.Errorf("unexpected completion %#x", regs[0])
	}

	if regs[1] == mem.Invalid {
		return mem.Invalid, fmt.Errorf("%w, applet %d cmd %d", ErrFailed, idx, cmd)
	}

	return regs[1], nil
}

func (c *Client) arithmetic(fn uint32, a uint64, b uint64) (res uint64, err error) {
	regs, err := c.fw.SMC(uint64(smc.Encode(true, true, smc.OEN_TSP, fn)), a, b)

	if err != nil {
		return
	}

	if regs[1] == mem.Invalid {
		return res, ErrFailed
	}

	return regs[1], nil
}

// Add returns a+b computed by the Secure World.
func (c *Client) Add(a uint64, b uint64) (uint64, error) {
	return c.arithmetic(smc.FNID_ADD, a, b)
}

// Sub returns a-b computed by the Secure World.
func (c *Client) Sub(a uint64, b uint64) (uint64, error) {
	return c.arithmetic(smc.FNID_SUB, a, b)
}

// Mul returns a*b computed by the Secure World.
func (c *Client) Mul(a uint64, b uint64) (uint64, error) {
	return c.arithmetic(smc.FNID_MUL, a, b)
}

// Div returns a/b computed by the Secure World, a zero divisor halts it.
func (c *Client) Div(a uint64, b uint64) (uint64, error) {
	return c.arithmetic(smc.FNID_DIV, a, b)
}

// Revision returns the Secure Monitor major and minor version.
func (c *Client) Revision() (v *semver.Version, err error) {
	regs, err := c.fw.SMC(uint64(smc.Encode(true, false, smc.OEN_TSP, smc.FNID_REVISION)))

	if err != nil {
		return
	}

	// the OP-TEE completion code replaces the major revision
	if regs[0] == smc.OPTEE_CALL_DONE {
		return nil, ErrConvention
	}

	return &semver.Version{Major: int64(regs[0]), Minor: int64(regs[1])}, nil
}
