// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestRAM(t *testing.T) *RAM {
	m := NewRAM()

	if _, err := m.Add("secure", SecureStart, SecureSize); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Add("sram", SecureSRAMStart, SecureSRAMSize); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestRAMOverlap(t *testing.T) {
	m := newTestRAM(t)

	if _, err := m.Add("bad", SecureStart+PageSize, PageSize); err == nil {
		t.Fatal("overlapping region accepted")
	}

	var names []string

	for _, r := range m.Regions() {
		names = append(names, r.Name)
	}

	if diff := cmp.Diff([]string{"sram", "secure"}, names); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestRAMReadWrite(t *testing.T) {
	m := newTestRAM(t)

	Write64(m, SecureStart+8, 0x1122334455667788)

	if got := Read64(m, SecureStart+8); got != 0x1122334455667788 {
		t.Errorf("Read64 = %#x", got)
	}

	buf := make([]byte, 2)
	m.Read(SecureStart+8, buf)

	if diff := cmp.Diff([]byte{0x88, 0x77}, buf); diff != "" {
		t.Errorf("little endian mismatch (-want +got):\n%s", diff)
	}
}

func TestRAMBusError(t *testing.T) {
	m := newTestRAM(t)

	defer func() {
		if recover() == nil {
			t.Error("access past region did not fault")
		}
	}()

	m.Read(SecureStart+SecureSize-4, make([]byte, 8))
}

func TestWindow(t *testing.T) {
	m := newTestRAM(t)
	w := Window{Bus: m, Offset: LinearStart}

	w.Write64(LinearStart+SecureStart, 42)

	if got := Read64(m, SecureStart); got != 42 {
		t.Errorf("linear write landed at wrong address, got %d", got)
	}

	w.Write8(LinearStart+SecureStart+16, 0xaa)
	w.Zero(LinearStart+SecureStart, 16)

	if got := w.Read64(LinearStart + SecureStart); got != 0 {
		t.Errorf("Zero did not clear, got %#x", got)
	}

	if got := w.Read8(LinearStart + SecureStart + 16); got != 0xaa {
		t.Errorf("Zero cleared past its range, got %#x", got)
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr uint64
		down uint64
		up   uint64
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	}

	for _, tt := range tests {
		if got := AlignDown(tt.addr, PageSize); got != tt.down {
			t.Errorf("AlignDown(%#x) = %#x, want %#x", tt.addr, got, tt.down)
		}

		if got := AlignUp(tt.addr, PageSize); got != tt.up {
			t.Errorf("AlignUp(%#x) = %#x, want %#x", tt.addr, got, tt.up)
		}
	}
}

func TestHalves(t *testing.T) {
	if InUpper(MaxLower) {
		t.Error("MaxLower reported in upper half")
	}

	if !InUpper(UpperStart) || !InUpper(MaxUpper) {
		t.Error("upper half bounds not in upper half")
	}

	if got := Offset(AppletReserved()); got != ReservedStart {
		t.Errorf("Offset(AppletReserved()) = %#x", got)
	}
}
