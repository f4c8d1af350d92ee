// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tee instantiates the emulated board running the Secure Monitor
// and its applets.
package tee

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/platform"
	"github.com/rstenvi/arm64-tee/internal/sim"
	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/nonsecure_os_go/client"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/storage"
	"github.com/rstenvi/arm64-tee/util"
)

// Normal World buffer shared with the Secure World, as an offset from the
// start of Non-secure RAM.
const (
	SharedOffset = 1 << 20
	SharedSize   = 1 << 20
)

// Programs holds the applets available for linking.
var Programs = map[string]sim.Program{
	storage.Name: {
		Name:    storage.Name,
		Init:    storage.Init,
		Service: storage.Service,
	},
}

// Names returns the available applets.
func Names() (names []string) {
	for name := range Programs {
		names = append(names, name)
	}

	sort.Strings(names)

	return
}

// TEE represents a board instance, its methods serialize access to the
// emulated core.
type TEE struct {
	sync.Mutex

	Config  *platform.Config
	Machine *sim.Machine
	Client  *client.Client
	Output  *util.Output
}

// New links the configured applets with a monitor image, image might be
// nil to use the default layout.
func New(conf *platform.Config, image *mmu.ImageMap) (t *TEE, err error) {
	var programs []sim.Program

	for _, name := range conf.Applets {
		p, ok := Programs[name]

		if !ok {
			return nil, fmt.Errorf("unknown applet %q, available: %v", name, Names())
		}

		programs = append(programs, p)
	}

	if conf.NonSecureSize < SharedOffset+SharedSize {
		return nil, fmt.Errorf("non-secure RAM size %#x too small for shared buffer", conf.NonSecureSize)
	}

	board, err := conf.Platform()

	if err != nil {
		return
	}

	t = &TEE{
		Config: conf,
		Output: &util.Output{},
	}

	if image == nil {
		layout := sim.DefaultImage(board)
		image = &layout
	}

	if t.Machine, err = sim.NewImage(conf, *image, t.Output, programs...); err != nil {
		return nil, err
	}

	t.Client = client.New(t, t.Machine.RAM, board.NonSecure.Start+SharedOffset, SharedSize)

	return
}

// Boot performs the monitor cold boot.
func (t *TEE) Boot() (regs [4]uint64, err error) {
	t.Lock()
	defer t.Unlock()

	defer t.Output.Flush()

	if regs, err = t.Machine.Boot(); err != nil {
		return
	}

	klog.Infof("SM boot completed (%#x)", regs[0])

	return
}

// SMC implements client.Firmware.
func (t *TEE) SMC(args ...uint64) (regs [4]uint64, err error) {
	t.Lock()
	defer t.Unlock()

	defer t.Output.Flush()

	return t.Machine.SMC(args...)
}

// Entry enters the monitor through a power management or interrupt vector.
func (t *TEE) Entry(v smc.Vector) (regs [4]uint64, err error) {
	t.Lock()
	defer t.Unlock()

	return t.Machine.Entry(v, [8]uint64{})
}
