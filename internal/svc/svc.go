// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package svc handles synchronous exceptions taken from S-EL0 applets,
// serving their system calls.
//
// The system call number is passed in x8, arguments in x0-x7, the result is
// returned in x0.
package svc

import (
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/applet"
	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/mem"
)

// System call numbers.
const (
	SYS_EXIT      = 1
	SYS_MMAP      = 2
	SYS_MUNMAP    = 3
	SYS_STORE_PTR = 4
	SYS_LOAD_PTR  = 5
	SYS_WRITE     = 6
)

// Reentrant is implemented by the monitor component resuming after an
// applet exits.
type Reentrant interface {
	Reentry(fn uint64, ret uint64)
}

// Handler serves exceptions from applets.
type Handler struct {
	cpu     arch.CPU
	mmu     *mmu.MMU
	applets *applet.Manager
	exit    Reentrant
	output  func(c byte)
}

// NewHandler returns an exception handler, output receives the characters
// written by applets.
func NewHandler(cpu arch.CPU, m *mmu.MMU, applets *applet.Manager, exit Reentrant, output func(c byte)) *Handler {
	return &Handler{
		cpu:     cpu,
		mmu:     m,
		applets: applets,
		exit:    exit,
		output:  output,
	}
}

// Handle serves the exception described by f. It reports whether the
// trapped context has been abandoned (applet exit or halt), otherwise the
// applet must be resumed with the updated frame.
func (h *Handler) Handle(f *arch.TrapFrame) (left bool) {
	if f.ExcType != arch.EXC_SYNC_LOWER64 {
		klog.Errorf("SM unknown exception, halting (%s)", f)
		h.cpu.Halt("unknown exception")
		return true
	}

	switch f.Class() {
	case arch.EC_SVC64:
		var args [arch.SYSCALL_ARGS_MAX]uint64
		copy(args[:], f.Regs[:arch.SYSCALL_ARGS_MAX])

		num := f.Regs[arch.SYSCALL_NUM_REG]

		if num == SYS_EXIT {
			h.exit.Reentry(args[0], args[1])
			return true
		}

		ret, halted := h.syscall(num, args)

		if halted {
			return true
		}

		f.Regs[0] = ret
	default:
		klog.Errorf("SM unknown exception class, halting (%s)", f)
		h.cpu.Halt("unknown exception class")
		return true
	}

	return false
}

func (h *Handler) syscall(num uint64, args [arch.SYSCALL_ARGS_MAX]uint64) (ret uint64, halted bool) {
	switch num {
	case SYS_MMAP:
		return h.mmap(args[0], args[1], args[2]), false
	case SYS_MUNMAP:
		return h.munmap(args[0], args[1])
	case SYS_STORE_PTR:
		return h.applets.Store(args[0]), false
	case SYS_LOAD_PTR:
		return h.applets.Load(), false
	case SYS_WRITE:
		if h.output != nil {
			h.output(byte(args[0]))
		}

		return 0, false
	default:
		klog.Warningf("SM invalid system call %d", num)
		return mem.Invalid, false
	}
}

func reserved(start uint64, end uint64) bool {
	return mem.Offset(start) < mem.ReservedEnd && mem.Offset(end) >= mem.ReservedStart
}

// mmap maps zeroed pages in the running applet address space, returning
// the page aligned address or mem.Invalid.
func (h *Handler) mmap(addr uint64, size uint64, prot uint64) uint64 {
	size = mem.AlignUp(size, mem.PageSize)
	addr = mem.AlignDown(addr, mem.PageSize)
	last := addr + size - 1

	switch {
	case size == 0:
		klog.Warningf("SM mmap of empty range at %#x", addr)
		return mem.Invalid
	case last < addr || !mem.InUpper(addr) || !mem.InUpper(last):
		klog.Warningf("SM mmap %#x-%#x outside of applet space", addr, last)
		return mem.Invalid
	case reserved(addr, last):
		klog.Warningf("SM mmap %#x-%#x overlaps reserved window", addr, last)
		return mem.Invalid
	}

	p := mmu.MaskEL0(prot)

	if p != prot {
		klog.Warningf("SM BUG: had to mask protection %#x to %#x for EL0", prot, p)
	}

	p = mmu.EnforceEL0(p)
	root := h.cpu.TTBR1()
	n := int(size / mem.PageSize)

	if h.mmu.PagesAvailable(root, addr, n) != n {
		klog.Warningf("SM mmap %#x-%#x overlaps mapped pages", addr, last)
		return mem.Invalid
	}

	if err := h.mmu.AllocPages(root, addr, n, p); err != nil {
		klog.Warningf("SM mmap %#x-%#x failed, %v", addr, last, err)
		return mem.Invalid
	}

	return addr
}

func (h *Handler) munmap(addr uint64, size uint64) (ret uint64, halted bool) {
	if addr%mem.PageSize != 0 {
		klog.Errorf("SM munmap of unaligned address %#x", addr)
		h.cpu.Halt("unaligned munmap")
		return mem.Invalid, true
	}

	if size == 0 {
		return 0, false
	}

	size = mem.AlignUp(size, mem.PageSize)
	last := addr + size - 1

	switch {
	case size == 0, !mem.InUpper(addr) || last < addr || !mem.InUpper(last):
		klog.Warningf("SM munmap %#x-%#x outside of applet space", addr, last)
		return mem.Invalid, false
	}

	h.mmu.UnmapPages(h.cpu.TTBR1(), addr, int(size/mem.PageSize))

	return 0, false
}
