// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"runtime"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/syscall"
)

// ISS of data aborts raised by the emulated core (DFSC translation fault
// level 3, WnR in bit 6).
const (
	DFSC_TRANSLATION = 0x07
	DFSC_PERMISSION  = 0x0f
	ISS_WNR          = 1 << 6
)

// thread executes an applet entry point at S-EL0, it implements
// syscall.Kernel.
//
// The thread goroutine and the Machine never run at the same time: each
// exception hands the frame over to the Machine and blocks until it is
// resumed or abandoned.
type thread struct {
	m     *Machine
	frame arch.TrapFrame

	traps  chan *arch.TrapFrame
	resume chan bool
}

func newThread(m *Machine, r *arch.Resumption) *thread {
	return &thread{
		m:      m,
		frame:  r.Frame,
		traps:  make(chan *arch.TrapFrame),
		resume: make(chan bool),
	}
}

// trap raises a synchronous exception and waits for the monitor, the
// goroutine exits if the context is abandoned.
func (t *thread) trap(ec uint64, iss uint64) {
	t.frame.ExcType = arch.EXC_SYNC_LOWER64
	t.frame.ESR = arch.Syndrome(ec, iss)

	t.traps <- &t.frame

	if !<-t.resume {
		runtime.Goexit()
	}
}

func (t *thread) run(entry syscall.Entry) {
	defer close(t.traps)

	defer func() {
		if r := recover(); r != nil {
			klog.Warningf("SM applet fault at %#x, %v", t.frame.ELR, r)
			t.trap(arch.EC_UNKNOWN, 0)
		}
	}()

	var x [5]uint64
	copy(x[:], t.frame.Regs[:])

	entry(t, x)

	// returning from the entry point branches to the zero link register
	t.frame.ELR = 0
	t.trap(arch.EC_IABT_LOWER, 0)
}

// SVC implements syscall.Kernel.
func (t *thread) SVC(num uint64, args ...uint64) uint64 {
	if len(args) > arch.SYSCALL_ARGS_MAX {
		args = args[:arch.SYSCALL_ARGS_MAX]
	}

	for i := 0; i < arch.SYSCALL_ARGS_MAX; i++ {
		t.frame.Regs[i] = 0
	}

	copy(t.frame.Regs[:], args)
	t.frame.Regs[arch.SYSCALL_NUM_REG] = num

	t.trap(arch.EC_SVC64, 0)

	return t.frame.Regs[0]
}

// translate performs an EL0 stage 1 lookup of va.
func (t *thread) translate(va uint64, write bool) (pa uint64, iss uint64) {
	root := t.m.CPU.TTBR0()

	if mem.InUpper(va) {
		root = t.m.CPU.TTBR1()
	}

	if root == 0 {
		return mem.Invalid, DFSC_TRANSLATION
	}

	pa, prot := t.m.Monitor.MMU.Translate(root, va)

	switch {
	case pa == mem.Invalid:
		iss = DFSC_TRANSLATION
	case prot&mmu.AP_EL0 == 0, write && prot&mmu.AP_RO != 0:
		pa, iss = mem.Invalid, DFSC_PERMISSION
	}

	if write && iss != 0 {
		iss |= ISS_WNR
	}

	return pa + va%mem.PageSize, iss
}

func (t *thread) access(va uint64, buf []byte, write bool) {
	for len(buf) > 0 {
		pa, iss := t.translate(va, write)

		if iss != 0 {
			// the frame has no FAR, ELR reports the faulting address
			klog.V(2).Infof("SM applet data abort at %#x (iss:%#x)", va, iss)
			t.frame.ELR = va
			t.trap(arch.EC_DABT_LOWER, iss)
			return
		}

		n := int(mem.PageSize - va%mem.PageSize)

		if n > len(buf) {
			n = len(buf)
		}

		if write {
			t.m.RAM.Write(pa, buf[:n])
		} else {
			t.m.RAM.Read(pa, buf[:n])
		}

		buf = buf[n:]
		va += uint64(n)
	}
}

// Read implements syscall.Kernel.
func (t *thread) Read(va uint64, buf []byte) {
	t.access(va, buf, false)
}

// Write implements syscall.Kernel.
func (t *thread) Write(va uint64, buf []byte) {
	t.access(va, buf, true)
}
