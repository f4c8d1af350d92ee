// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmu

import (
	"bytes"
	"fmt"
)

// Mapping is a leaf translation.
type Mapping struct {
	VA   uint64
	PA   uint64
	Prot uint64
}

// Mappings returns all leaf translations of root in address order, base is
// added to each address (e.g. mem.UpperStart for applet roots).
func (m *MMU) Mappings(root uint64, base uint64) (res []Mapping) {
	for l1 := uint64(0); l1 < entries; l1++ {
		t2 := m.table(root, l1, false)

		if t2 == 0 {
			continue
		}

		for l2 := uint64(0); l2 < entries; l2++ {
			t3 := m.table(t2, l2, false)

			if t3 == 0 {
				continue
			}

			for l3 := uint64(0); l3 < entries; l3++ {
				e := m.read(t3 + l3*8)

				if e == 0 {
					continue
				}

				res = append(res, Mapping{
					VA:   base | l1<<30 | l2<<21 | l3<<12,
					PA:   OutputAddress(e),
					Prot: Attributes(e),
				})
			}
		}
	}

	return
}

// Dump returns a textual listing of the leaf translations of root,
// contiguous pages with equal attributes are merged.
func (m *MMU) Dump(root uint64, base uint64) string {
	var buf bytes.Buffer
	var run *Mapping
	var n uint64

	flush := func() {
		if run == nil {
			return
		}

		fmt.Fprintf(&buf, "%#.16x-%#.16x -> %#.8x %5d %s\n", run.VA, run.VA+n*4096, run.PA, n, ProtString(run.Prot))
	}

	for _, e := range m.Mappings(root, base) {
		if run != nil && e.VA == run.VA+n*4096 && e.PA == run.PA+n*4096 && e.Prot == run.Prot {
			n++
			continue
		}

		flush()

		e := e
		run = &e
		n = 1
	}

	flush()

	return buf.String()
}
