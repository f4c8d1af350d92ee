// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package smc

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/applet"
	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/mem"
)

// Vector identifies the monitor entry point used by the firmware.
type Vector int

const (
	VectorYield Vector = iota
	VectorFast
	VectorCPUOn
	VectorCPUOff
	VectorCPUSuspend
	VectorCPUResume
	VectorFIQ
	VectorSystemOff
	VectorSystemReset
)

var vectorEvents = map[Vector]Event{
	VectorCPUOn:       EventCPUOn,
	VectorCPUOff:      EventCPUOff,
	VectorCPUSuspend:  EventCPUSuspend,
	VectorCPUResume:   EventCPUResume,
	VectorFIQ:         EventFIQ,
	VectorSystemOff:   EventSystemOff,
	VectorSystemReset: EventSystemReset,
}

func (v Vector) String() string {
	switch v {
	case VectorYield:
		return "yield_smc"
	case VectorFast:
		return "fast_smc"
	}

	if ev, ok := vectorEvents[v]; ok {
		return ev.String()
	}

	return fmt.Sprintf("vector(%d)", int(v))
}

// Arithmetic service function numbers (OEN_TSP).
const (
	FNID_ADD      = 0x2000
	FNID_SUB      = 0x2001
	FNID_MUL      = 0x2002
	FNID_DIV      = 0x2003
	FNID_REVISION = 0xff03
)

// Power represents the board power controls.
type Power interface {
	PowerOff()
	Reset()
}

// Router dispatches SMCs to the monitor services.
type Router struct {
	cpu     arch.CPU
	spd     Dispatcher
	applets *applet.Manager
	power   Power
	version *semver.Version
}

// NewRouter returns an SMC router, power and version might be nil.
func NewRouter(cpu arch.CPU, spd Dispatcher, applets *applet.Manager, power Power, version *semver.Version) *Router {
	if version == nil {
		version = &semver.Version{}
	}

	return &Router{
		cpu:     cpu,
		spd:     spd,
		applets: applets,
		power:   power,
		version: version,
	}
}

// Dispatcher returns the dispatcher convention in use.
func (r *Router) Dispatcher() Dispatcher {
	return r.spd
}

// Handle serves a standard or fast SMC, updating args with the results. It
// reports whether control left the monitor (applet drop or halt), in which
// case the caller must return immediately.
func (r *Router) Handle(args *[8]uint64) (left bool) {
	id := CallID(args[0])

	switch id.OEN() {
	case OEN_TSP:
		return r.arithmetic(id.Num(), args)
	case OEN_OPTEE, OEN_APPLET:
		if err := r.applets.Dispatch(uint64(id.Num()), args[0], args[1], args[2], args[3]); err != nil {
			klog.Warningf("SM applet call %s failed, %v", id, err)

			// x0 keeps the function identifier
			args[1] = mem.Invalid
			args[2] = 0
			args[3] = 0

			return false
		}

		args[1] = 0

		return true
	default:
		klog.Infof("SM invalid service range %s", id)
	}

	return false
}

func (r *Router) arithmetic(fn uint32, args *[8]uint64) (left bool) {
	res := mem.Invalid

	switch fn {
	case FNID_ADD:
		res = args[1] + args[2]
	case FNID_SUB:
		res = args[1] - args[2]
	case FNID_MUL:
		res = args[1] * args[2]
	case FNID_DIV:
		if args[2] == 0 {
			klog.Errorf("SM division by zero")
			r.cpu.Halt("division by zero")
			return true
		}

		res = args[1] / args[2]
	case FNID_REVISION:
		args[0] = uint64(r.version.Major)
		res = uint64(r.version.Minor)
	default:
		klog.Infof("SM invalid arithmetic function %#x", fn)
	}

	// x4-x7 are preserved
	args[1] = res
	args[2] = 0
	args[3] = 0

	return false
}

// Entry serves a monitor entry vector and returns to the firmware, unless
// an applet took over the core.
func (r *Router) Entry(v Vector, args *[8]uint64) {
	switch v {
	case VectorYield, VectorFast:
		if r.Handle(args) {
			return
		}

		r.spd.Complete(EventCall, args)
	case VectorFIQ:
		if !r.spd.Complete(EventFIQ, args) {
			klog.Infof("SM %s does not handle FIQs, ignored", r.spd.Name())
		}
	case VectorSystemOff, VectorSystemReset:
		r.spd.Complete(vectorEvents[v], args)

		if r.power == nil {
			break
		}

		if v == VectorSystemOff {
			r.power.PowerOff()
		} else {
			r.power.Reset()
		}
	default:
		ev, ok := vectorEvents[v]

		if !ok {
			klog.Errorf("SM invalid entry vector %d", int(v))
			r.cpu.Halt("invalid vector")
			return
		}

		r.spd.Complete(ev, args)
	}

	r.cpu.ReturnToFirmware([4]uint64{args[0], args[1], args[2], args[3]})
}

// Resume continues applet initialization, once all applets are ready the
// applet address space is disabled and initialization completion is
// reported to the firmware.
func (r *Router) Resume() {
	if r.applets.BootInit() {
		return
	}

	r.cpu.SwitchTTBR1(0)
	r.cpu.ReturnToFirmware([4]uint64{r.spd.EntryDone(), 0, 0, 0})
}

// Reentry is invoked when an applet exits, fn is zero at the end of an
// initialization routine and holds the service function identifier
// otherwise.
func (r *Router) Reentry(fn uint64, ret uint64) {
	r.applets.Exit()

	if fn == 0 {
		klog.Infof("SM back from applet init (ret:%#x)", ret)
		r.Resume()
		return
	}

	klog.Infof("SM back from applet service fn:%#x ret:%#x", fn, ret)
	r.spd.Return(r.cpu, fn, ret)
}
