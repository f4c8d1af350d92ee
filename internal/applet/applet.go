// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package applet manages the unprivileged (S-EL0) applets hosted by the
// Secure Monitor.
//
// Applets are linked with the monitor image and share its code, each applet
// gets a private upper half address space where its stack, its heap and any
// Non-secure buffer passed to it are mapped. Applets run to completion, the
// only way back into the monitor is an EXIT system call.
package applet

import (
	"errors"
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/mem"
)

// NoInit marks an applet without initialization routine.
const NoInit = 0

// Applet describes a registered applet.
type Applet struct {
	Name string

	// Init and Service are link-time entry points.
	Init    uint64
	Service uint64

	// TTBR and Stack are mem.Invalid until the session is built.
	TTBR  uint64
	Stack uint64

	Ready bool

	// Stored holds the value registered with STORE_PTR.
	Stored uint64
}

// New returns the descriptor of an applet which has not run yet.
func New(name string, init uint64, service uint64) *Applet {
	return &Applet{
		Name:    name,
		Init:    init,
		Service: service,
		TTBR:    mem.Invalid,
		Stack:   mem.Invalid,
		Stored:  mem.Invalid,
	}
}

// Built reports whether the applet address space exists.
func (a *Applet) Built() bool {
	return a.TTBR != mem.Invalid
}

func (a *Applet) String() string {
	state := "unbuilt"

	if a.Built() {
		state = fmt.Sprintf("ttbr:%#x sp:%#x", a.TTBR, a.Stack)
	}

	return fmt.Sprintf("%-10s init:%#x service:%#x ready:%v %s", a.Name, a.Init, a.Service, a.Ready, state)
}

// ErrIndex is returned for requests to an unregistered applet.
var ErrIndex = errors.New("invalid applet index")

// Manager holds the applet registry.
type Manager struct {
	cpu arch.CPU
	mmu *mmu.MMU

	applets []*Applet
	current *Applet
}

// NewManager returns a manager for the given applets, in declaration order.
func NewManager(cpu arch.CPU, m *mmu.MMU, applets ...*Applet) *Manager {
	return &Manager{
		cpu:     cpu,
		mmu:     m,
		applets: applets,
	}
}

// List returns the registered applets.
func (m *Manager) List() []*Applet {
	return m.applets
}

// Lookup returns the index of the named applet.
func (m *Manager) Lookup(name string) (idx int, err error) {
	for i, a := range m.applets {
		if a.Name == name {
			return i, nil
		}
	}

	return -1, fmt.Errorf("applet %s not found", name)
}

// Current returns the applet running, or which last ran, at S-EL0.
func (m *Manager) Current() *Applet {
	return m.current
}

// Exit marks the running applet as terminated.
func (m *Manager) Exit() {
	m.current = nil
}

// Store registers an opaque value for the running applet.
func (m *Manager) Store(val uint64) uint64 {
	if m.current == nil {
		klog.Warningf("SM store without running applet")
		return mem.Invalid
	}

	m.current.Stored = val

	return 0
}

// Load returns the opaque value registered by the running applet.
func (m *Manager) Load() uint64 {
	if m.current == nil {
		klog.Warningf("SM load without running applet")
		return mem.Invalid
	}

	return m.current.Stored
}
