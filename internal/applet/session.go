// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package applet

import (
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/mem"
)

// StackPage is the applet stack page, the stack grows down from its top.
const StackPage = mem.MaxUpper - mem.PageSize

// session builds the applet address space on first use.
func (m *Manager) session(a *Applet) (err error) {
	if a.Built() {
		return
	}

	root := m.mmu.AllocPGD()

	if root == mem.Invalid {
		return mmu.ErrNoMemory
	}

	if err = m.mmu.AllocPage(root, StackPage, mmu.EL0_RW); err != nil {
		return
	}

	a.TTBR = root
	a.Stack = StackPage + mem.PageSize

	klog.Infof("SM applet %s session ttbr:%#x sp:%#x", a.Name, a.TTBR, a.Stack)

	return
}

// drop performs the exception return into the applet entry point, callers
// must return right after it.
func (m *Manager) drop(a *Applet, entry uint64, args ...uint64) {
	r := &arch.Resumption{
		Root: a.TTBR,
	}

	r.Frame.ELR = entry + m.cpu.LoadOffset()
	r.Frame.SavedSP = a.Stack
	r.Frame.SPSR = arch.SPSR(false, false)
	copy(r.Frame.Regs[:], args)

	m.current = a

	m.mmu.SwitchTTBR1(a.TTBR)
	m.cpu.Drop(r)
}

// BootInit runs the initialization routine of the first applet which is
// not ready yet. It reports whether it dropped to S-EL0, in which case the
// caller must return immediately, the applet EXIT call then re-enters the
// monitor and BootInit is invoked again until all applets are ready.
func (m *Manager) BootInit() (dropped bool) {
	for _, a := range m.applets {
		if a.Ready {
			continue
		}

		a.Ready = true

		if a.Init == NoInit {
			continue
		}

		if err := m.session(a); err != nil {
			klog.Warningf("SM applet %s skipped, %v", a.Name, err)
			continue
		}

		klog.Infof("SM applet %s init", a.Name)
		m.drop(a, a.Init)

		return true
	}

	return false
}

// Dispatch invokes the service entry point of applet idx with registers
// {fn, cmd, arg, n, stored}. When n is not zero, the Non-secure buffer at
// physical address arg is copied to the applet reserved window and arg
// becomes its applet address.
//
// On success the monitor has dropped to S-EL0 and the caller must return
// immediately.
func (m *Manager) Dispatch(idx uint64, fn uint64, cmd uint64, arg uint64, n uint64) (err error) {
	if idx >= uint64(len(m.applets)) {
		return ErrIndex
	}

	if n > mem.BufferSize {
		return fmt.Errorf("buffer size %#x exceeds %#x", n, mem.BufferSize)
	}

	a := m.applets[idx]

	if err = m.session(a); err != nil {
		return
	}

	a.Ready = true

	if n > 0 {
		if err = m.mmu.CopyFromNonSecure(a.TTBR, mem.AppletReserved(), arg, n, true); err != nil {
			return
		}

		arg = mem.AppletReserved()
	}

	klog.Infof("SM applet %s service fn:%#x cmd:%#x arg:%#x len:%d", a.Name, fn, cmd, arg, n)
	m.drop(a, a.Service, fn, cmd, arg, n, a.Stored)

	return
}
