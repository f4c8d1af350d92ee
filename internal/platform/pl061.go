// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"k8s.io/klog"

	"github.com/usbarmory/tamago/bits"

	"github.com/rstenvi/arm64-tee/mem"
)

// PL061 registers
const (
	GPIODATA = 0x000
	GPIODIR  = 0x400

	GPIOS_PER_DEV = 8
)

// PL061 represents an ARM PrimeCell GPIO controller.
type PL061 struct {
	io   mem.Window
	base uint64
}

// NewPL061 returns the controller at base.
func NewPL061(bus mem.Bus, base uint64) *PL061 {
	return &PL061{
		io:   mem.Window{Bus: bus},
		base: base,
	}
}

func valid(line int) bool {
	if line < 0 || line >= GPIOS_PER_DEV {
		klog.Warningf("SM invalid GPIO line %d", line)
		return false
	}

	return true
}

// data returns the masked data register address for a single line, address
// bits [9:2] select which lines are affected by an access.
func (g *PL061) data(line int) uint64 {
	return g.base + GPIODATA + 1<<(line+2)
}

// Out configures a line as output.
func (g *PL061) Out(line int) {
	if !valid(line) {
		return
	}

	dir := uint32(g.io.Read8(g.base + GPIODIR))
	bits.Set(&dir, line)
	g.io.Write8(g.base+GPIODIR, uint8(dir))
}

// In configures a line as input.
func (g *PL061) In(line int) {
	if !valid(line) {
		return
	}

	dir := uint32(g.io.Read8(g.base + GPIODIR))
	bits.Clear(&dir, line)
	g.io.Write8(g.base+GPIODIR, uint8(dir))
}

// IsOut reports whether a line is configured as output.
func (g *PL061) IsOut(line int) bool {
	if !valid(line) {
		return false
	}

	return g.io.Read8(g.base+GPIODIR)&(1<<line) != 0
}

// Set drives a line.
func (g *PL061) Set(line int, high bool) {
	if !valid(line) {
		return
	}

	var val uint32

	if high {
		bits.Set(&val, line)
	}

	g.io.Write8(g.data(line), uint8(val))
}

// Value returns a line level.
func (g *PL061) Value(line int) bool {
	if !valid(line) {
		return false
	}

	return g.io.Read8(g.data(line)) != 0
}

// Power drives the board power lines, it implements the power hooks of the
// SMC router.
type Power struct {
	GPIO *PL061

	PowerOffLine int
	ResetLine    int
}

// NewPower returns the power controls of a board.
func (b *Board) NewPower(bus mem.Bus) *Power {
	return &Power{
		GPIO:         NewPL061(bus, b.GPIO),
		PowerOffLine: b.PowerOff,
		ResetLine:    b.Reset,
	}
}

func (p *Power) pulse(line int) {
	p.GPIO.Out(line)
	p.GPIO.Set(line, true)
	p.GPIO.Set(line, false)
}

// PowerOff requests the system power off.
func (p *Power) PowerOff() {
	klog.Infof("SM system off")
	p.pulse(p.PowerOffLine)
}

// Reset requests the system reset.
func (p *Power) Reset() {
	klog.Infof("SM system reset")
	p.pulse(p.ResetLine)
}
