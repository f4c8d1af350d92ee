// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package monitor wires the Secure Monitor subsystems together and
// implements its entry points: cold boot, SMC vectors from the firmware and
// synchronous exceptions from applets.
package monitor

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/applet"
	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/dtb"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/platform"
	"github.com/rstenvi/arm64-tee/internal/pmm"
	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/internal/svc"
	"github.com/rstenvi/arm64-tee/mem"
)

// Monitor represents the Secure Monitor context.
type Monitor struct {
	Config  *platform.Config
	Board   *platform.Board
	Version *semver.Version

	CPU arch.CPU
	Bus mem.Bus

	PMM     *pmm.PMM
	MMU     *mmu.MMU
	Applets *applet.Manager
	Router  *smc.Router
	SVC     *svc.Handler

	// FDT is the firmware device tree, nil when unavailable.
	FDT *dtb.FDT
	// Stack is the privileged stack top of the boot core.
	Stack uint64

	ram    platform.Region
	booted bool
}

// New returns a Secure Monitor for the given configuration, output
// receives the characters written by applets.
func New(conf *platform.Config, cpu arch.CPU, bus mem.Bus, applets []*applet.Applet, output func(c byte)) (m *Monitor, err error) {
	if err = conf.Validate(); err != nil {
		return
	}

	m = &Monitor{
		Config: conf,
		CPU:    cpu,
		Bus:    bus,
	}

	if m.Board, err = conf.Platform(); err != nil {
		return nil, err
	}

	if m.Version, err = conf.Semver(); err != nil {
		return nil, err
	}

	spd, err := smc.NewDispatcher(conf.Dispatcher)

	if err != nil {
		return nil, err
	}

	m.PMM = pmm.New(bus)
	m.MMU = mmu.New(cpu, m.PMM, bus)
	m.Applets = applet.NewManager(cpu, m.MMU, applets...)
	m.Router = smc.NewRouter(cpu, spd, m.Applets, m.Board.NewPower(bus), m.Version)
	m.SVC = svc.NewHandler(cpu, m.MMU, m.Applets, m.Router, output)

	return
}

// SecureRAM returns the secure DRAM managed by the monitor, as described by
// the firmware once booted or by the configuration otherwise.
func (m *Monitor) SecureRAM() platform.Region {
	if m.ram.Size != 0 {
		return m.ram
	}

	return platform.Region{
		Start: m.Board.SecureDRAM.Start,
		Size:  m.Config.SecureSize,
	}
}

// NonSecureRAM returns the Normal World RAM from which buffers are accepted.
func (m *Monitor) NonSecureRAM() platform.Region {
	return platform.Region{
		Start: m.Board.NonSecure.Start,
		Size:  m.Config.NonSecureSize,
	}
}

// secureMemory returns the secure DRAM described by the device tree, when
// it is usable, or the configured one.
func (m *Monitor) secureMemory() (ram platform.Region) {
	ram = m.SecureRAM()

	if m.FDT == nil {
		return
	}

	start, size, err := m.FDT.SecureMemory()

	if err != nil {
		klog.Infof("SM no secure memory in device tree, %v", err)
		return
	}

	fw := platform.Region{Start: start, Size: size}
	dram := m.Board.SecureDRAM

	switch {
	case size == 0 || start%mem.PageSize != 0 || size%mem.PageSize != 0:
		klog.Warningf("SM ignoring unaligned firmware secure memory %#x-%#x", start, fw.End())
	case fw.End() < start || start < dram.Start || fw.End() > dram.End():
		klog.Warningf("SM ignoring firmware secure memory %#x-%#x outside of %s DRAM", start, fw.End(), m.Board.Name)
	default:
		klog.Infof("SM firmware secure memory %#x-%#x", start, fw.End())
		ram = fw
	}

	return
}

// Boot performs the cold boot sequence, fdt is the physical address of the
// firmware device tree (zero if none) and image the layout of the loaded
// monitor image.
//
// On success control has been handed to the first applet initialization
// routine, or back to the firmware if none is needed.
func (m *Monitor) Boot(fdt uint64, image mmu.ImageMap) (err error) {
	if m.booted {
		return errors.New("already booted")
	}

	klog.Infof("SM %s monitor v%s booting (%s)", m.Board.Name, m.Version, m.Router.Dispatcher().Name())

	var uart platform.Region

	if fdt != 0 {
		if m.FDT, err = dtb.Load(m.Bus, fdt); err != nil {
			klog.Warningf("SM ignoring device tree at %#x, %v", fdt, err)
		}
	}

	if m.FDT != nil {
		if start, size, err := m.FDT.Reg("/pl011/reg", 0); err == nil {
			uart = platform.Region{Start: start, Size: size}
		} else {
			klog.Infof("SM unable to find serial device in device tree, %v", err)
		}
	}

	ram := m.secureMemory()
	bounds := image.Bounds()

	if bounds.Start < ram.Start || bounds.End > ram.End() {
		return fmt.Errorf("image %#x-%#x outside of secure RAM", bounds.Start, bounds.End)
	}

	if err = m.PMM.Init(ram.Start, ram.Size, bounds.Start, bounds.End); err != nil {
		return fmt.Errorf("could not initialize page manager, %v", err)
	}

	root := m.MMU.AllocPGD()

	if root == mem.Invalid {
		return mmu.ErrNoMemory
	}

	linear := m.MMU.Init(root, image, ram.Start, ram.Size)

	if linear == mem.Invalid {
		return errors.New("could not initialize virtual memory")
	}

	m.PMM.LateInit(linear)
	m.ram = ram

	ns := m.NonSecureRAM()
	m.MMU.SetNonSecure(ns.Start, ns.Size)

	if err = m.Board.MapDMA(m.MMU, uart); err != nil {
		return
	}

	klog.Infof("SM initialized virtual memory")

	m.Stack = m.MMU.NewStack()

	if m.Stack == mem.Invalid {
		return mmu.ErrNoMemory
	}

	m.CPU.SwitchStack(m.Stack)
	m.booted = true

	klog.Infof("SM starting init of applets")
	m.Router.Resume()

	return
}

// Booted reports whether the cold boot sequence completed.
func (m *Monitor) Booted() bool {
	return m.booted
}

// Entry serves a firmware entry vector.
func (m *Monitor) Entry(v smc.Vector, args *[8]uint64) {
	m.Router.Entry(v, args)
}

// Trap serves a synchronous exception from S-EL0, it reports whether the
// applet context has been abandoned.
func (m *Monitor) Trap(f *arch.TrapFrame) (left bool) {
	return m.SVC.Handle(f)
}
