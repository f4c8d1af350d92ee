// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim emulates the QEMU virt board around the Secure Monitor: the
// EL3 firmware issuing entry vectors, the core changing exception level and
// the S-EL0 execution of applets written against the applet runtime.
package sim

import (
	"errors"
	"fmt"
	"io"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/applet"
	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/dtb/dtbtest"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/monitor"
	"github.com/rstenvi/arm64-tee/internal/platform"
	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/syscall"
)

// monitor image layout, in pages from the start of secure DRAM
const (
	textPages   = 4
	rodataPages = 1
	dataPages   = 4

	// distance between linked entry points
	entryAlign = 0x40
)

// ErrHalted is returned once the core has halted.
var ErrHalted = errors.New("core halted")

// Program describes an applet linked with the monitor image.
type Program struct {
	Name    string
	Init    syscall.Entry
	Service syscall.Entry
}

// Machine represents an emulated board running the Secure Monitor.
type Machine struct {
	RAM     *mem.RAM
	CPU     *CPU
	Monitor *monitor.Monitor
	Image   mmu.ImageMap

	// FDT is the address of the firmware device tree.
	FDT uint64

	text map[uint64]syscall.Entry
}

// DefaultImage returns the monitor image layout at the start of the board
// secure DRAM.
func DefaultImage(board *platform.Board) mmu.ImageMap {
	text := board.SecureDRAM.Start
	rodata := text + textPages*mem.PageSize
	data := rodata + rodataPages*mem.PageSize

	return mmu.ImageMap{
		Text:   mmu.Range{Start: text, End: rodata},
		Rodata: mmu.Range{Start: rodata, End: data},
		Data:   mmu.Range{Start: data, End: data + dataPages*mem.PageSize},
	}
}

// New returns a powered off machine for the given configuration, with the
// default image layout. Applets output is written to out.
func New(conf *platform.Config, out io.Writer, programs ...Program) (m *Machine, err error) {
	board, err := conf.Platform()

	if err != nil {
		return
	}

	return NewImage(conf, DefaultImage(board), out, programs...)
}

// NewImage returns a powered off machine running a monitor image with the
// given layout, applet entry points are linked in its text section.
func NewImage(conf *platform.Config, image mmu.ImageMap, out io.Writer, programs ...Program) (m *Machine, err error) {
	if err = conf.Validate(); err != nil {
		return
	}

	board, err := conf.Platform()

	if err != nil {
		return
	}

	m = &Machine{
		RAM:   mem.NewRAM(),
		CPU:   &CPU{},
		Image: image,
		text:  make(map[uint64]syscall.Entry),
	}

	for _, r := range []struct {
		name  string
		start uint64
		size  uint64
	}{
		{"secure", board.SecureDRAM.Start, conf.SecureSize},
		{"nonsecure", board.NonSecure.Start, conf.NonSecureSize},
		{"uart", board.UART, mem.PageSize},
		{"gpio", board.GPIO, mem.PageSize},
	} {
		if _, err = m.RAM.Add(r.name, r.start, r.size); err != nil {
			return nil, err
		}
	}

	applets, err := m.link(programs)

	if err != nil {
		return nil, err
	}

	m.FDT = board.NonSecure.Start
	m.RAM.Write(m.FDT, dtbtest.QEMU(board.SecureDRAM.Start, conf.SecureSize))

	output := func(c byte) {
		if out != nil {
			out.Write([]byte{c})
		}
	}

	if m.Monitor, err = monitor.New(conf, m.CPU, m.RAM, applets, output); err != nil {
		return nil, err
	}

	return
}

// link assigns text addresses to the applet entry points.
func (m *Machine) link(programs []Program) (applets []*applet.Applet, err error) {
	next := m.Image.Text.Start + entryAlign

	addr := func(e syscall.Entry) uint64 {
		if e == nil {
			return applet.NoInit
		}

		pc := next
		m.text[pc] = e
		next += entryAlign

		return pc
	}

	for _, p := range programs {
		if p.Service == nil {
			return nil, fmt.Errorf("applet %s has no service entry point", p.Name)
		}

		applets = append(applets, applet.New(p.Name, addr(p.Init), addr(p.Service)))
	}

	if next > m.Image.Text.End {
		return nil, errors.New("applets exceed text size")
	}

	return
}

// Boot performs the cold boot and returns the registers handed to the
// firmware once initialization completes.
func (m *Machine) Boot() (regs [4]uint64, err error) {
	return m.run(func() error {
		return m.Monitor.Boot(m.FDT, m.Image)
	})
}

// Entry enters the monitor through vector v.
func (m *Machine) Entry(v smc.Vector, args [8]uint64) (regs [4]uint64, err error) {
	if !m.Monitor.Booted() {
		return regs, errors.New("monitor not booted")
	}

	return m.run(func() error {
		m.Monitor.Entry(v, &args)
		return nil
	})
}

// SMC issues a standard or fast call, according to the function identifier
// in x0.
func (m *Machine) SMC(args ...uint64) (regs [4]uint64, err error) {
	var x [8]uint64
	copy(x[:], args)

	v := smc.VectorYield

	if smc.CallID(x[0]).Fast() {
		v = smc.VectorFast
	}

	return m.Entry(v, x)
}

// run executes the monitor from enter until it hands the core back to the
// firmware.
func (m *Machine) run(enter func() error) (regs [4]uint64, err error) {
	if reason, halted := m.CPU.Halted(); halted {
		return regs, fmt.Errorf("%w, %s", ErrHalted, reason)
	}

	m.CPU.reset()

	if err = enter(); err != nil {
		return
	}

	for {
		if reason, halted := m.CPU.Halted(); halted {
			return regs, fmt.Errorf("%w, %s", ErrHalted, reason)
		}

		switch {
		case m.CPU.ret != nil:
			return *m.CPU.ret, nil
		case m.CPU.pending != nil:
			r := m.CPU.pending
			m.CPU.pending = nil
			m.episode(r)
		default:
			return regs, errors.New("monitor did not return to firmware")
		}
	}
}

// executable reports whether pc can be fetched at S-EL0.
func (m *Machine) executable(pc uint64) bool {
	if mem.InUpper(pc) {
		return false
	}

	pa, prot := m.Monitor.MMU.Translate(m.CPU.TTBR0(), pc)

	return pa != mem.Invalid && prot&mmu.AP_EL0 != 0 && prot&mmu.UXN == 0
}

// episode runs S-EL0 from an exception return until the monitor abandons
// the context.
func (m *Machine) episode(r *arch.Resumption) {
	entry, ok := m.text[r.Frame.ELR-m.CPU.Offset]

	if !ok || !m.executable(r.Frame.ELR) {
		f := r.Frame
		f.ExcType = arch.EXC_SYNC_LOWER64
		f.ESR = arch.Syndrome(arch.EC_IABT_LOWER, DFSC_TRANSLATION)

		klog.Warningf("SM applet instruction abort at %#x", f.ELR)
		m.Monitor.Trap(&f)

		return
	}

	t := newThread(m, r)
	go t.run(entry)

	for f := range t.traps {
		left := m.Monitor.Trap(f)
		t.resume <- !left

		if left {
			return
		}
	}
}
