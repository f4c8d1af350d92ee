// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dtbtest assembles device tree blobs for use in tests and in the
// simulated firmware.
package dtbtest

import (
	"encoding/binary"
	"strconv"

	"github.com/rstenvi/arm64-tee/internal/dtb"
)

const headerSize = 40

// Builder emits a device tree structure block.
type Builder struct {
	structs []byte
	strings []byte
	names   map[string]uint32
}

func (b *Builder) u32(v uint32) {
	b.structs = binary.BigEndian.AppendUint32(b.structs, v)
}

func (b *Builder) pad() {
	for len(b.structs)%4 != 0 {
		b.structs = append(b.structs, 0)
	}
}

// Begin opens a node, the root node has an empty name.
func (b *Builder) Begin(name string) *Builder {
	b.u32(dtb.FDT_BEGIN_NODE)
	b.structs = append(b.structs, name...)
	b.structs = append(b.structs, 0)
	b.pad()

	return b
}

// End closes the current node.
func (b *Builder) End() *Builder {
	b.u32(dtb.FDT_END_NODE)
	return b
}

// Nop emits a padding token.
func (b *Builder) Nop() *Builder {
	b.u32(dtb.FDT_NOP)
	return b
}

// Prop adds a raw property to the current node.
func (b *Builder) Prop(name string, val []byte) *Builder {
	if b.names == nil {
		b.names = make(map[string]uint32)
	}

	off, ok := b.names[name]

	if !ok {
		off = uint32(len(b.strings))
		b.names[name] = off
		b.strings = append(b.strings, name...)
		b.strings = append(b.strings, 0)
	}

	b.u32(dtb.FDT_PROP)
	b.u32(uint32(len(val)))
	b.u32(off)
	b.structs = append(b.structs, val...)
	b.pad()

	return b
}

// Cells adds a property holding 32-bit cells.
func (b *Builder) Cells(name string, cells ...uint32) *Builder {
	var val []byte

	for _, c := range cells {
		val = binary.BigEndian.AppendUint32(val, c)
	}

	return b.Prop(name, val)
}

// String adds a string property.
func (b *Builder) String(name string, s string) *Builder {
	return b.Prop(name, append([]byte(s), 0))
}

// Reg adds a reg property with two address and two size cells.
func (b *Builder) Reg(addr uint64, size uint64) *Builder {
	return b.Cells("reg", uint32(addr>>32), uint32(addr), uint32(size>>32), uint32(size))
}

// Blob terminates the structure block and returns the complete blob.
func (b *Builder) Blob() []byte {
	b.u32(dtb.FDT_END)

	rsvmap := uint32(headerSize)
	structs := rsvmap + 16
	strings := structs + uint32(len(b.structs))
	total := strings + uint32(len(b.strings))

	var blob []byte

	for _, v := range []uint32{
		dtb.FDT_MAGIC,
		total,
		structs,
		strings,
		rsvmap,
		17, // version
		16, // last compatible version
		0,
		uint32(len(b.strings)),
		uint32(len(b.structs)),
	} {
		blob = binary.BigEndian.AppendUint32(blob, v)
	}

	// empty memory reservation map
	blob = append(blob, make([]byte, 16)...)
	blob = append(blob, b.structs...)
	blob = append(blob, b.strings...)

	return blob
}

// QEMU returns a tree describing the secure memory of the QEMU virt board.
func QEMU(secStart uint64, secSize uint64) []byte {
	b := &Builder{}

	b.Begin("").
		Cells("#address-cells", 2).
		Cells("#size-cells", 2).
		String("compatible", "linux,dummy-virt")

	b.Begin("secram@"+strconv.FormatUint(secStart, 16)).
		String("secure-status", "okay").
		String("status", "disabled").
		Reg(secStart, secSize).
		String("device_type", "memory").
		End()

	b.Begin("pl011@9000000").
		String("status", "okay").
		Reg(0x09000000, 0x1000).
		End()

	return b.End().Blob()
}
