// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dtb implements a minimal reader for Flattened Device Tree (FDT)
// blobs, as passed by the firmware to the secure monitor.
package dtb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/mem"
)

const (
	FDT_MAGIC = 0xd00dfeed

	FDT_BEGIN_NODE = 0x1
	FDT_END_NODE   = 0x2
	FDT_PROP       = 0x3
	FDT_NOP        = 0x4
	FDT_END        = 0x9

	SIZE_CELLS_DEFAULT = 1
	ADDR_CELLS_DEFAULT = 2

	headerSize = 40
	maxSize    = 1 << 20
	maxSkip    = 64
)

var (
	ErrMagic    = errors.New("invalid FDT magic")
	ErrNotFound = errors.New("property not found")
	ErrInvalid  = errors.New("malformed FDT")
)

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// FDT represents a device tree blob.
type FDT struct {
	hdr     header
	structs []byte
	strings []byte
}

// Prop represents a device tree property, along with the cell sizes and
// status in effect for its node.
type Prop struct {
	Value []byte

	AddressCells uint32
	SizeCells    uint32
	Status       string
}

// New parses the header of a device tree blob.
func New(blob []byte) (f *FDT, err error) {
	f = &FDT{}

	if err = binary.Read(bytes.NewReader(blob), binary.BigEndian, &f.hdr); err != nil {
		return nil, fmt.Errorf("%w, %v", ErrInvalid, err)
	}

	if f.hdr.Magic != FDT_MAGIC {
		return nil, ErrMagic
	}

	if int(f.hdr.TotalSize) > len(blob) {
		return nil, fmt.Errorf("%w, size %d exceeds blob (%d)", ErrInvalid, f.hdr.TotalSize, len(blob))
	}

	blob = blob[:f.hdr.TotalSize]

	if f.structs, err = section(blob, f.hdr.OffDtStruct, f.hdr.SizeDtStruct); err != nil {
		return nil, err
	}

	if f.strings, err = section(blob, f.hdr.OffDtStrings, f.hdr.SizeDtStrings); err != nil {
		return nil, err
	}

	return
}

// Load reads a device tree blob from physical memory.
func Load(bus mem.Bus, addr uint64) (f *FDT, err error) {
	hdr := make([]byte, headerSize)
	bus.Read(addr, hdr)

	if binary.BigEndian.Uint32(hdr) != FDT_MAGIC {
		klog.Infof("SM incorrect FDT header at %#x", addr)
		return nil, ErrMagic
	}

	size := binary.BigEndian.Uint32(hdr[4:])

	if size < headerSize || size > maxSize {
		return nil, fmt.Errorf("%w, size %d", ErrInvalid, size)
	}

	blob := make([]byte, size)
	bus.Read(addr, blob)

	return New(blob)
}

func section(blob []byte, off uint32, size uint32) ([]byte, error) {
	end := uint64(off) + uint64(size)

	if end > uint64(len(blob)) {
		return nil, fmt.Errorf("%w, section %#x-%#x out of bounds", ErrInvalid, off, end)
	}

	return blob[off:end], nil
}

// Size returns the blob total size.
func (f *FDT) Size() uint32 {
	return f.hdr.TotalSize
}

// Version returns the blob format version.
func (f *FDT) Version() uint32 {
	return f.hdr.Version
}

func cstring(b []byte) (s string, ok bool) {
	n := bytes.IndexByte(b, 0)

	if n < 0 {
		return "", false
	}

	return string(b[:n]), true
}

// match reports whether a node name matches a path component, a node with
// a unit address (name@unit) matches its bare name unless skipped.
func match(name string, comp string, skip *int) bool {
	if name == comp {
		return true
	}

	if !strings.HasPrefix(name, comp+"@") {
		return false
	}

	if *skip > 0 {
		*skip--
		return false
	}

	return true
}

// FindProp looks up a property by path (e.g. "/secram/reg"), skip tells how
// many nodes with matching unit names are passed over before the search
// starts matching.
func (f *FDT) FindProp(path string, skip int) (p *Prop, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	nodes, name := parts[:len(parts)-1], parts[len(parts)-1]

	res := &Prop{
		AddressCells: ADDR_CELLS_DEFAULT,
		SizeCells:    SIZE_CELLS_DEFAULT,
	}

	var found []byte

	depth := -1
	matched := 0
	off := 0

	for off+4 <= len(f.structs) {
		tok := binary.BigEndian.Uint32(f.structs[off:])
		off += 4

		switch tok {
		case FDT_BEGIN_NODE:
			node, ok := cstring(f.structs[off:])

			if !ok {
				return nil, ErrInvalid
			}

			off += int(mem.AlignUp(uint64(len(node)+1), 4))
			depth++

			if depth > 0 && depth == matched+1 && matched < len(nodes) && match(node, nodes[matched], &skip) {
				matched++

				if matched == len(nodes) {
					res.Status = ""
				}
			}
		case FDT_END_NODE:
			if depth < 0 {
				return nil, ErrInvalid
			}

			if depth == matched && matched == len(nodes) && found != nil {
				res.Value = found
				return res, nil
			}

			if depth > 0 && depth == matched {
				matched--
			}

			depth--
		case FDT_PROP:
			if off+8 > len(f.structs) {
				return nil, ErrInvalid
			}

			n := int(binary.BigEndian.Uint32(f.structs[off:]))
			nameoff := int(binary.BigEndian.Uint32(f.structs[off+4:]))
			off += 8

			if n > len(f.structs)-off || nameoff >= len(f.strings) {
				return nil, ErrInvalid
			}

			val := f.structs[off : off+n]
			off += int(mem.AlignUp(uint64(n), 4))

			if depth != matched {
				break
			}

			prop, ok := cstring(f.strings[nameoff:])

			if !ok {
				return nil, ErrInvalid
			}

			track(res, prop, val)

			if matched == len(nodes) && prop == name {
				found = val
			}
		case FDT_NOP:
		case FDT_END:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("%w, token %#x at %#x", ErrInvalid, tok, off-4)
		}
	}

	return nil, ErrNotFound
}

// track follows the properties affecting the interpretation of the
// requested one.
func track(res *Prop, prop string, val []byte) {
	if len(val) == 4 {
		switch prop {
		case "#size-cells":
			res.SizeCells = binary.BigEndian.Uint32(val)
		case "#address-cells":
			// recorded as size cells, address cells keep the default
			res.SizeCells = binary.BigEndian.Uint32(val)
		}

		return
	}

	if prop == "status" {
		res.Status, _ = cstring(val)
	}
}

// Reg interprets the property as a single (address, size) pair.
func (p *Prop) Reg() (addr uint64, size uint64, err error) {
	if p.AddressCells < 1 || p.AddressCells > 2 || p.SizeCells < 1 || p.SizeCells > 2 {
		return mem.Invalid, mem.Invalid, fmt.Errorf("%w, unsupported cells %d/%d", ErrInvalid, p.AddressCells, p.SizeCells)
	}

	if len(p.Value) != int(p.AddressCells+p.SizeCells)*4 {
		klog.Infof("SM not enough space reserved for reg (%d bytes)", len(p.Value))
		return mem.Invalid, mem.Invalid, fmt.Errorf("%w, reg size %d", ErrInvalid, len(p.Value))
	}

	val := p.Value

	read := func(cells uint32) (v uint64) {
		for i := uint32(0); i < cells; i++ {
			v = v<<32 | uint64(binary.BigEndian.Uint32(val))
			val = val[4:]
		}

		return
	}

	addr = read(p.AddressCells)
	size = read(p.SizeCells)

	return
}

// Reg returns the (address, size) pair of a reg property, nodes marked as
// disabled are skipped.
func (f *FDT) Reg(path string, skip int) (addr uint64, size uint64, err error) {
	for ; skip < maxSkip; skip++ {
		p, err := f.FindProp(path, skip)

		if err != nil {
			return mem.Invalid, mem.Invalid, err
		}

		if p.Status == "disabled" {
			continue
		}

		return p.Reg()
	}

	return mem.Invalid, mem.Invalid, ErrNotFound
}

// SecureMemory returns the secure RAM bounds described by the firmware.
func (f *FDT) SecureMemory() (start uint64, size uint64, err error) {
	p, err := f.FindProp("/secram/reg", 0)

	if err != nil {
		return mem.Invalid, mem.Invalid, err
	}

	return p.Reg()
}
