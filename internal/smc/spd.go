// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package smc

import (
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
)

// Event identifies a request completed by the monitor.
type Event int

const (
	EventEntry Event = iota
	EventCall
	EventCPUOn
	EventCPUOff
	EventCPUSuspend
	EventCPUResume
	EventFIQ
	EventSystemOff
	EventSystemReset
)

var eventNames = map[Event]string{
	EventEntry:       "entry",
	EventCall:        "call",
	EventCPUOn:       "cpu_on",
	EventCPUOff:      "cpu_off",
	EventCPUSuspend:  "cpu_suspend",
	EventCPUResume:   "cpu_resume",
	EventFIQ:         "fiq",
	EventSystemOff:   "system_off",
	EventSystemReset: "system_reset",
}

func (ev Event) String() string {
	if s, ok := eventNames[ev]; ok {
		return s
	}

	return fmt.Sprintf("event(%d)", int(ev))
}

// Dispatcher represents the conventions expected by the Secure Payload
// Dispatcher running in the Trusted Firmware.
type Dispatcher interface {
	// Name returns the convention name.
	Name() string
	// EntryDone returns the code signalling the end of monitor
	// initialization.
	EntryDone() uint64
	// Complete sets the completion registers for an event, it returns
	// false if the convention does not support it.
	Complete(ev Event, args *[8]uint64) bool
	// Return hands an applet service result back to the firmware.
	Return(cpu arch.CPU, fn uint64, ret uint64)
}

// TSP completion codes.
const (
	TSP_ENTRY_DONE        = 0xf2000000
	TSP_ON_DONE           = 0xf2000001
	TSP_OFF_DONE          = 0xf2000002
	TSP_SUSPEND_DONE      = 0xf2000003
	TSP_RESUME_DONE       = 0xf2000004
	TSP_PREEMPTED         = 0xf2000005
	TSP_ABORT_DONE        = 0xf2000007
	TSP_SYSTEM_OFF_DONE   = 0xf2000008
	TSP_SYSTEM_RESET_DONE = 0xf2000009
)

// TSP implements the Test Secure Payload Dispatcher conventions.
type TSP struct{}

// Name implements Dispatcher.
func (TSP) Name() string {
	return "tsp"
}

// EntryDone implements Dispatcher.
func (TSP) EntryDone() uint64 {
	return TSP_ENTRY_DONE
}

// Complete implements Dispatcher.
func (TSP) Complete(ev Event, args *[8]uint64) bool {
	switch ev {
	case EventEntry:
		args[0] = TSP_ENTRY_DONE
	case EventCall:
		// x0 keeps the function identifier
	case EventCPUOn:
		args[0] = TSP_ON_DONE
	case EventCPUOff:
		args[0] = TSP_OFF_DONE
	case EventCPUSuspend:
		args[0] = TSP_SUSPEND_DONE
	case EventCPUResume:
		args[0] = TSP_RESUME_DONE
	case EventSystemOff:
		args[0] = TSP_SYSTEM_OFF_DONE
	case EventSystemReset:
		args[0] = TSP_SYSTEM_RESET_DONE
	default:
		return false
	}

	return true
}

// Return implements Dispatcher, the TSP has no way to complete an applet
// service call.
func (TSP) Return(cpu arch.CPU, fn uint64, ret uint64) {
	klog.Errorf("SM tsp cannot return applet result (fn:%#x ret:%#x)", fn, ret)
	cpu.Halt("tsp service return")
}

// OP-TEE Dispatcher completion codes.
var (
	OPTEE_ENTRY_DONE        = uint64(Fast32(OEN_OPTEE, 0x00))
	OPTEE_ON_DONE           = uint64(Fast32(OEN_OPTEE, 0x01))
	OPTEE_OFF_DONE          = uint64(Fast32(OEN_OPTEE, 0x02))
	OPTEE_SUSPEND_DONE      = uint64(Fast32(OEN_OPTEE, 0x03))
	OPTEE_RESUME_DONE       = uint64(Fast32(OEN_OPTEE, 0x04))
	OPTEE_CALL_DONE         = uint64(Fast32(OEN_OPTEE, 0x05))
	OPTEE_FIQ_DONE          = uint64(Fast32(OEN_OPTEE, 0x06))
	OPTEE_SYSTEM_OFF_DONE   = uint64(Fast32(OEN_OPTEE, 0x07))
	OPTEE_SYSTEM_RESET_DONE = uint64(Fast32(OEN_OPTEE, 0x08))
)

// OPTEE implements the OP-TEE Dispatcher conventions.
type OPTEE struct{}

// Name implements Dispatcher.
func (OPTEE) Name() string {
	return "optee"
}

// EntryDone implements Dispatcher.
func (OPTEE) EntryDone() uint64 {
	return OPTEE_ENTRY_DONE
}

// Complete implements Dispatcher.
func (OPTEE) Complete(ev Event, args *[8]uint64) bool {
	switch ev {
	case EventEntry:
		args[0] = OPTEE_ENTRY_DONE
	case EventCall:
		args[0] = OPTEE_CALL_DONE
	case EventCPUOn:
		args[0] = OPTEE_ON_DONE
		args[1] = 0
	case EventCPUOff:
		args[0] = OPTEE_OFF_DONE
	case EventCPUSuspend:
		args[0] = OPTEE_SUSPEND_DONE
	case EventCPUResume:
		args[0] = OPTEE_RESUME_DONE
	case EventFIQ:
		args[0] = OPTEE_FIQ_DONE
	case EventSystemOff:
		args[0] = OPTEE_SYSTEM_OFF_DONE
	case EventSystemReset:
		args[0] = OPTEE_SYSTEM_RESET_DONE
	default:
		return false
	}

	return true
}

// Return implements Dispatcher.
func (OPTEE) Return(cpu arch.CPU, fn uint64, ret uint64) {
	cpu.ReturnToFirmware([4]uint64{OPTEE_CALL_DONE, ret, 0, 0})
}

// NewDispatcher returns the named dispatcher convention.
func NewDispatcher(name string) (Dispatcher, error) {
	switch name {
	case "tsp":
		return TSP{}, nil
	case "optee":
		return OPTEE{}, nil
	default:
		return nil, fmt.Errorf("unknown dispatcher %q", name)
	}
}
