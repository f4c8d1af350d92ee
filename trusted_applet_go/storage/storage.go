// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package storage implements a sample applet holding a single 64-bit value
// on its heap.
package storage

import (
	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/heap"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/syscall"
)

const Name = "storage"

// Service commands (x1).
const (
	CMD_GET = 0
	CMD_SET = 1
	CMD_SUM = 2
)

// InitialValue is the value stored by Init.
const InitialValue = 42

// maximum buffer accepted by CMD_SUM
const maxSum = 1 << 20

// Init allocates the stored value and registers its address with the
// monitor.
func Init(k syscall.Kernel, _ [5]uint64) {
	var ret uint64

	h := heap.New(k)

	if err := h.Init(); err != nil {
		syscall.Printf(k, "storage: %v\n", err)
		syscall.Exit(k, 0, mem.Invalid)
		return
	}

	p, err := h.Alloc(8)

	if err != nil {
		syscall.Printf(k, "storage: %v\n", err)
		ret = mem.Invalid
	} else {
		syscall.Store64(k, p, InitialValue)
		syscall.StorePtr(k, p)
		syscall.Print(k, "storage: ready\n")
	}

	syscall.Exit(k, 0, ret)
}

// Service serves the command in x1, x2 and x3 describe the staged
// Non-secure buffer, x4 holds the registered pointer.
func Service(k syscall.Kernel, x [5]uint64) {
	fn, cmd, arg, n, p := x[0], x[1], x[2], x[3], x[4]
	ret := uint64(mem.Invalid)

	switch {
	case p == mem.Invalid:
		syscall.Print(k, "storage: not initialized\n")
	case cmd == CMD_GET:
		ret = syscall.Load64(k, p)
	case cmd == CMD_SET && n >= 8:
		ret = syscall.Load64(k, p)
		syscall.Store64(k, p, syscall.Load64(k, arg))
	case cmd == CMD_SUM && n <= maxSum:
		buf := make([]byte, n)
		k.Read(arg, buf)

		ret = 0

		for _, b := range buf {
			ret += uint64(b)
		}
	default:
		syscall.Printf(k, "storage: invalid command %d (len:%d)\n", cmd, n)
	}

	syscall.Exit(k, fn, ret)
}
