// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package main

import (
	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_os_qemu/internal"
)

// physicalBus returns the target physical memory, peek and poke bypass the
// emulated board.
func physicalBus(_ *tee.TEE) (mem.Bus, error) {
	return mem.NewDMA()
}
