// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagetables provides a generic implementation of two-level page
// tables.
//
// The layout follows a 32-bit paged architecture: a directory of
// entriesPerTable tables, each holding entriesPerTable entries of one page.
// Tables are allocated on demand and never freed until the PageTables is
// dropped.
package pagetables

import (
	"sync/atomic"

	"gvisor.dev/pager/pkg/hostarch"
)

const (
	entryShift      = 10
	entriesPerTable = 1 << entryShift

	tableShift = hostarch.PageShift + entryShift
	tableSize  = 1 << tableShift

	// UserLimit is the first address that cannot be mapped.
	UserLimit = hostarch.Addr(1) << (tableShift + entryShift)
)

// PTEs is a collection of entries.
type PTEs [entriesPerTable]PTE

// PageTables is a two-level page table.
//
// Walk is safe to call concurrently with itself; the entries it returns are
// shared and must be accessed atomically.
type PageTables struct {
	dir [entriesPerTable]atomic.Pointer[PTEs]
}

// New returns new, empty PageTables.
func New() *PageTables {
	return &PageTables{}
}

func dirIndex(addr hostarch.Addr) int {
	return int(addr >> tableShift)
}

func pteIndex(addr hostarch.Addr) int {
	return int(addr>>hostarch.PageShift) & (entriesPerTable - 1)
}

// Walk returns the entry mapping addr.
//
// If the table covering addr does not exist it is created when alloc is set;
// otherwise Walk returns nil. Walk also returns nil for addresses at or beyond
// UserLimit.
func (p *PageTables) Walk(addr hostarch.Addr, alloc bool) *PTE {
	if addr >= UserLimit {
		return nil
	}
	slot := &p.dir[dirIndex(addr)]
	t := slot.Load()
	if t == nil {
		if !alloc {
			return nil
		}
		// Racing allocators agree on whichever table is installed first.
		slot.CompareAndSwap(nil, new(PTEs))
		t = slot.Load()
	}
	return &t[pteIndex(addr)]
}

// Lookup returns a snapshot of the entry mapping addr, or a clear entry if
// there is none.
func (p *PageTables) Lookup(addr hostarch.Addr) PTE {
	if e := p.Walk(addr, false); e != nil {
		return e.Load()
	}
	return 0
}

// Visit calls fn for every valid entry in ascending address order, until fn
// returns false. Entries are loaded atomically; fn receives the live entry
// and the snapshot it observed.
func (p *PageTables) Visit(fn func(addr hostarch.Addr, pte *PTE, v PTE) bool) {
	for d := range p.dir {
		t := p.dir[d].Load()
		if t == nil {
			continue
		}
		for i := range t {
			v := t[i].Load()
			if !v.Valid() {
				continue
			}
			addr := hostarch.Addr(d)<<tableShift | hostarch.Addr(i)<<hostarch.PageShift
			if !fn(addr, &t[i], v) {
				return
			}
		}
	}
}
