// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmutest builds a small secure world, with virtual memory enabled,
// for use in tests.
package mmutest

import (
	"testing"

	"github.com/rstenvi/arm64-tee/internal/arch/archtest"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/pmm"
	"github.com/rstenvi/arm64-tee/mem"
)

const (
	SecurePages    = 256
	NonSecurePages = 16
)

// Image is the monitor image used by the test environment.
var Image = mmu.ImageMap{
	Text:   mmu.Range{Start: mem.SecureStart, End: mem.SecureStart + 2*mem.PageSize},
	Rodata: mmu.Range{Start: mem.SecureStart + 2*mem.PageSize, End: mem.SecureStart + 3*mem.PageSize},
	Data:   mmu.Range{Start: mem.SecureStart + 3*mem.PageSize, End: mem.SecureStart + 4*mem.PageSize},
}

// Env holds the test environment subsystems.
type Env struct {
	RAM *mem.RAM
	CPU *archtest.Recorder
	PMM *pmm.PMM
	MMU *mmu.MMU
}

// New returns an environment with SecurePages of secure RAM and
// NonSecurePages of Non-secure RAM.
func New(t testing.TB) *Env {
	t.Helper()

	e := &Env{
		RAM: mem.NewRAM(),
		CPU: &archtest.Recorder{},
	}

	if _, err := e.RAM.Add("secure", mem.SecureStart, SecurePages*mem.PageSize); err != nil {
		t.Fatal(err)
	}

	if _, err := e.RAM.Add("nonsecure", mem.NonSecureStart, NonSecurePages*mem.PageSize); err != nil {
		t.Fatal(err)
	}

	e.PMM = pmm.New(e.RAM)

	if err := e.PMM.Init(mem.SecureStart, SecurePages*mem.PageSize, Image.Text.Start, Image.Data.End); err != nil {
		t.Fatal(err)
	}

	e.MMU = mmu.New(e.CPU, e.PMM, e.RAM)

	if linear := e.MMU.Init(e.MMU.AllocPGD(), Image, mem.SecureStart, SecurePages*mem.PageSize); linear == mem.Invalid {
		t.Fatal("mmu init failed")
	}

	e.PMM.LateInit(mem.LinearStart)
	e.MMU.SetNonSecure(mem.NonSecureStart, NonSecurePages*mem.PageSize)

	return e
}

// Snapshot returns the leaf translations of root, in the upper half.
func (e *Env) Snapshot(root uint64) []mmu.Mapping {
	return e.MMU.Mappings(root, mem.UpperStart)
}
