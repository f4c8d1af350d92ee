// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rstenvi/arm64-tee/internal/applet"
	"github.com/rstenvi/arm64-tee/internal/platform"
	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/nonsecure_os_go/client"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/storage"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/syscall"
)

const (
	securePages    = 256
	nonSecurePages = 16
)

var storageProgram = Program{
	Name:    storage.Name,
	Init:    storage.Init,
	Service: storage.Service,
}

type env struct {
	m      *Machine
	out    *bytes.Buffer
	client *client.Client
}

func newEnv(t *testing.T, dispatcher string, programs ...Program) *env {
	t.Helper()

	conf := platform.DefaultConfig()
	conf.Dispatcher = dispatcher
	conf.SecureSize = securePages * mem.PageSize
	conf.NonSecureSize = nonSecurePages * mem.PageSize

	e := &env{
		out: &bytes.Buffer{},
	}

	m, err := New(conf, e.out, programs...)

	if err != nil {
		t.Fatal(err)
	}

	e.m = m
	e.client = client.New(m, m.RAM, mem.NonSecureStart+4*mem.PageSize, 8*mem.PageSize)

	return e
}

func (e *env) boot(t *testing.T, want uint64) {
	t.Helper()

	regs, err := e.m.Boot()

	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([4]uint64{want}, regs); diff != "" {
		t.Fatalf("boot completion mismatch (-want +got):\n%s", diff)
	}
}

func le64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func TestStorage(t *testing.T) {
	e := newEnv(t, "optee", storageProgram)
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	if got := e.out.String(); got != "storage: ready\n" {
		t.Errorf("applet output %q", got)
	}

	tests := []struct {
		name string
		cmd  uint64
		data []byte
		want uint64
	}{
		{"get", storage.CMD_GET, nil, storage.InitialValue},
		{"set", storage.CMD_SET, le64(7), storage.InitialValue},
		{"get after set", storage.CMD_GET, nil, 7},
		{"sum", storage.CMD_SUM, []byte{1, 2, 3, 4}, 10},
		{"sum across pages", storage.CMD_SUM, bytes.Repeat([]byte{1}, mem.PageSize+10), mem.PageSize + 10},
		{"get again", storage.CMD_GET, nil, 7},
	}

	for _, tt := range tests {
		got, err := e.client.Call(0, tt.cmd, tt.data)

		if err != nil || got != tt.want {
			t.Errorf("%s: Call() = %d, %v, want %d", tt.name, got, err, tt.want)
		}
	}

	a := e.m.Monitor.Applets.List()[0]

	if !a.Ready || !a.Built() || a.Stored == mem.Invalid {
		t.Errorf("applet state %s", a)
	}

	if e.m.CPU.TTBR1() != a.TTBR {
		t.Errorf("applet root not installed")
	}
}

func TestStorageRejects(t *testing.T) {
	e := newEnv(t, "optee", storageProgram)
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	for _, tt := range []struct {
		name string
		idx  int
		cmd  uint64
		data []byte
	}{
		{"unknown command", 0, 9, nil},
		{"short set", 0, storage.CMD_SET, []byte{1}},
		{"unknown applet", 1, storage.CMD_GET, nil},
	} {
		if _, err := e.client.Call(tt.idx, tt.cmd, tt.data); !errors.Is(err, client.ErrFailed) {
			t.Errorf("%s: %v", tt.name, err)
		}
	}

	// secure memory is never staged
	regs, err := e.m.SMC(uint64(smc.Encode(false, true, smc.OEN_OPTEE, 0)), storage.CMD_SUM, mem.SecureStart, 8)

	if err != nil || regs[1] != mem.Invalid {
		t.Errorf("secure buffer staged, %#x %v", regs, err)
	}

	if got, err := e.client.Call(0, storage.CMD_GET, nil); err != nil || got != storage.InitialValue {
		t.Errorf("storage unusable after rejections, %d %v", got, err)
	}
}

func TestNonSecureBuffers(t *testing.T) {
	e := newEnv(t, "optee", storageProgram)
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	// stage once so that the reserved window tables exist
	if got, err := e.client.Call(0, storage.CMD_SUM, []byte{1, 2, 3, 4}); err != nil || got != 10 {
		t.Fatalf("Call() = %d, %v", got, err)
	}

	_, before, _ := e.m.Monitor.PMM.Stats()
	id := uint64(smc.Encode(false, false, smc.OEN_OPTEE, 0))
	nsEnd := uint64(mem.NonSecureStart + nonSecurePages*mem.PageSize)

	tests := []struct {
		name string
		pa   uint64
		n    uint64
	}{
		{"flash", 0x1000, 16},
		{"secure SRAM", mem.SecureSRAMStart, 16},
		{"past Non-secure end", nsEnd, 16},
		{"larger than Non-secure RAM", mem.NonSecureStart, 64 * mem.PageSize},
		{"larger than buffer limit", mem.NonSecureStart, 32 * 64 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs, err := e.m.SMC(id, storage.CMD_SUM, tt.pa, tt.n)

			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff([4]uint64{smc.OPTEE_CALL_DONE, mem.Invalid}, regs); diff != "" {
				t.Errorf("completion mismatch (-want +got):\n%s", diff)
			}

			if _, after, _ := e.m.Monitor.PMM.Stats(); after != before {
				t.Errorf("rejected call left %d pages allocated", after-before)
			}
		})
	}

	if got, err := e.client.Call(0, storage.CMD_SUM, []byte{1, 2, 3, 4}); err != nil || got != 10 {
		t.Errorf("storage unusable after rejections, %d %v", got, err)
	}
}

func TestArithmetic(t *testing.T) {
	e := newEnv(t, "optee")
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	for _, tt := range []struct {
		name string
		fn   func(uint64, uint64) (uint64, error)
		a, b uint64
		want uint64
	}{
		{"add", e.client.Add, 40, 2, 42},
		{"sub", e.client.Sub, 44, 2, 42},
		{"mul", e.client.Mul, 21, 2, 42},
		{"div", e.client.Div, 84, 2, 42},
	} {
		if got, err := tt.fn(tt.a, tt.b); err != nil || got != tt.want {
			t.Errorf("%s(%d, %d) = %d, %v", tt.name, tt.a, tt.b, got, err)
		}
	}

	if _, err := e.client.Revision(); !errors.Is(err, client.ErrConvention) {
		t.Errorf("revision under OP-TEE, %v", err)
	}

	if _, err := e.client.Div(1, 0); !errors.Is(err, ErrHalted) {
		t.Errorf("division by zero, %v", err)
	}

	if _, err := e.client.Add(1, 1); !errors.Is(err, ErrHalted) {
		t.Errorf("halted core served a call, %v", err)
	}
}

func TestRevision(t *testing.T) {
	e := newEnv(t, "tsp")
	e.boot(t, smc.TSP_ENTRY_DONE)

	v, err := e.client.Revision()

	if err != nil {
		t.Fatal(err)
	}

	want := e.m.Monitor.Version

	if v.Major != want.Major || v.Minor != want.Minor {
		t.Errorf("revision %v, want %v", v, want)
	}
}

func TestTSPServiceHalts(t *testing.T) {
	e := newEnv(t, "tsp", storageProgram)
	e.boot(t, smc.TSP_ENTRY_DONE)

	if _, err := e.m.SMC(uint64(smc.Encode(false, true, smc.OEN_APPLET, 0)), storage.CMD_GET); !errors.Is(err, ErrHalted) {
		t.Errorf("tsp service return, %v", err)
	}
}

func TestInitOrder(t *testing.T) {
	var order []string

	program := func(name string, init bool) Program {
		p := Program{
			Name: name,
			Service: func(k syscall.Kernel, x [5]uint64) {
				syscall.Exit(k, x[0], 0)
			},
		}

		if init {
			p.Init = func(k syscall.Kernel, _ [5]uint64) {
				order = append(order, name)
				syscall.Print(k, name)
				syscall.Exit(k, 0, 0)
			}
		}

		return p
	}

	e := newEnv(t, "optee", program("a", true), program("b", false), program("c", true))
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	if diff := cmp.Diff([]string{"a", "c"}, order); diff != "" {
		t.Errorf("init order mismatch (-want +got):\n%s", diff)
	}

	if e.out.String() != "ac" {
		t.Errorf("output %q", e.out.String())
	}

	for _, a := range e.m.Monitor.Applets.List() {
		if !a.Ready {
			t.Errorf("applet %s not ready", a.Name)
		}
	}

	// applets without init routine are built on first call
	b := e.m.Monitor.Applets.List()[1]

	if b.Built() {
		t.Error("applet b built without call")
	}

	if _, err := e.client.Call(1, 0, nil); err != nil {
		t.Fatal(err)
	}

	if !b.Built() {
		t.Error("applet b not built by call")
	}

	// the upper half is disabled once boot completes
	e2 := newEnv(t, "optee", program("a", true))
	e2.boot(t, smc.OPTEE_ENTRY_DONE)

	if e2.m.CPU.TTBR1() != 0 {
		t.Errorf("applet root %#x left installed", e2.m.CPU.TTBR1())
	}
}

func TestAppletFaults(t *testing.T) {
	tests := []struct {
		name    string
		service syscall.Entry
	}{
		{"unmapped load", func(k syscall.Kernel, x [5]uint64) {
			syscall.Load64(k, mem.UpperStart)
		}},
		{"monitor memory", func(k syscall.Kernel, x [5]uint64) {
			syscall.Load64(k, mem.SecureStart+5*mem.PageSize)
		}},
		{"read-only store", func(k syscall.Kernel, x [5]uint64) {
			syscall.Store64(k, mem.AppletReserved(), 1)
		}},
		{"return without exit", func(k syscall.Kernel, x [5]uint64) {}},
		{"panic", func(k syscall.Kernel, x [5]uint64) {
			panic("undefined instruction")
		}},
		{"unaligned munmap", func(k syscall.Kernel, x [5]uint64) {
			syscall.Munmap(k, mem.UpperStart+1, mem.PageSize)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "optee", Program{Name: "faulty", Service: tt.service})
			e.boot(t, smc.OPTEE_ENTRY_DONE)

			if _, err := e.client.Call(0, 0, []byte{1}); !errors.Is(err, ErrHalted) {
				t.Errorf("fault did not halt, %v", err)
			}

			if _, halted := e.m.CPU.Halted(); !halted {
				t.Error("core not halted")
			}
		})
	}
}

func TestInstructionAbort(t *testing.T) {
	e := newEnv(t, "optee", storageProgram)
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	// entry point in the middle of an instruction stream
	e.m.Monitor.Applets.List()[0].Service += 8

	if _, err := e.client.Call(0, storage.CMD_GET, nil); !errors.Is(err, ErrHalted) {
		t.Errorf("fetch outside of text, %v", err)
	}
}

func TestMmap(t *testing.T) {
	var got []uint64

	service := func(k syscall.Kernel, x [5]uint64) {
		va := mem.UpperStart + 0x10000

		got = append(got,
			syscall.Mmap(k, va, 2*mem.PageSize, syscall.PROT_RW),
			syscall.Mmap(k, va, mem.PageSize, syscall.PROT_RW),
			syscall.Mmap(k, mem.AppletReserved(), mem.PageSize, syscall.PROT_RW),
			syscall.Mmap(k, mem.SecureStart, mem.PageSize, syscall.PROT_RW),
		)

		syscall.Store64(k, va+mem.PageSize+8, 42)
		v := syscall.Load64(k, va+mem.PageSize+8)

		got = append(got, syscall.Munmap(k, va, 2*mem.PageSize))

		syscall.Exit(k, x[0], v)
	}

	e := newEnv(t, "optee", Program{Name: "mmap", Service: service})
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	v, err := e.client.Call(0, 0, nil)

	if err != nil || v != 42 {
		t.Errorf("Call() = %d, %v", v, err)
	}

	want := []uint64{mem.UpperStart + 0x10000, mem.Invalid, mem.Invalid, mem.Invalid, 0}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("system call results mismatch (-want +got):\n%s", diff)
	}
}

func TestBootErrors(t *testing.T) {
	e := newEnv(t, "optee")
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	if _, err := e.m.Boot(); err == nil {
		t.Error("second boot accepted")
	}

	conf := platform.DefaultConfig()
	conf.SecureSize = securePages * mem.PageSize
	conf.NonSecureSize = nonSecurePages * mem.PageSize

	m, err := New(conf, nil, storageProgram)

	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.SMC(uint64(smc.Encode(true, true, smc.OEN_TSP, smc.FNID_ADD)), 1, 2); err == nil {
		t.Error("call before boot accepted")
	}

	if _, err := New(conf, nil, Program{Name: "noservice"}); err == nil {
		t.Error("applet without service accepted")
	}
}

func TestPowerOff(t *testing.T) {
	e := newEnv(t, "optee")
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	regs, err := e.m.Entry(smc.VectorSystemOff, [8]uint64{})

	if err != nil || regs[0] != smc.OPTEE_SYSTEM_OFF_DONE {
		t.Errorf("system off %#x, %v", regs, err)
	}

	gpio := platform.NewPL061(e.m.RAM, platform.QEMU.GPIO)

	if !gpio.IsOut(platform.QEMU.PowerOff) {
		t.Error("power off line not driven")
	}
}

func TestNoInitApplet(t *testing.T) {
	e := newEnv(t, "optee", Program{Name: "lazy", Service: storage.Service})
	e.boot(t, smc.OPTEE_ENTRY_DONE)

	if a := e.m.Monitor.Applets.List()[0]; !a.Ready || a.Built() || a.Init != applet.NoInit {
		t.Errorf("applet state %s", a)
	}

	// nothing stored, the storage service rejects the call
	if _, err := e.client.Call(0, storage.CMD_GET, nil); !errors.Is(err, client.ErrFailed) {
		t.Errorf("uninitialized storage, %v", err)
	}
}
