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

package pagetables

import (
	"fmt"
	"strings"
	"sync/atomic"

	"gvisor.dev/pager/pkg/atomicbitops"
	"gvisor.dev/pager/pkg/hostarch"
)

// Bits in page table entries.
const (
	Present  PTE = 0x001
	Writable PTE = 0x002
	User     PTE = 0x004
	Accessed PTE = 0x020
	Dirty    PTE = 0x040

	// Swapped is a software-available bit. It marks a non-present entry
	// whose address field holds the first block of a swap slot.
	Swapped PTE = 0x200

	// FlagMask covers every flag bit; the remaining bits are the address.
	FlagMask PTE = hostarch.PageSize - 1
)

// PTE is a page table entry.
//
// Entries live in page tables and are shared with the hardware walker, so an
// entry in a table must only be accessed through the pointer methods below,
// which are atomic. Value methods operate on a snapshot.
type PTE uint64

// MakePTE returns a present entry mapping the frame at physical address addr.
func MakePTE(addr uintptr, flags PTE) PTE {
	return PTE(addr)&^FlagMask | flags&FlagMask | Present
}

// MakeSwapped returns a non-present entry referring to the block blockno.
func MakeSwapped(blockno uint64) PTE {
	return PTE(blockno<<hostarch.PageShift) | Swapped
}

// Valid returns true iff the entry is not clear.
func (p PTE) Valid() bool {
	return p != 0
}

// Present returns true iff the present bit is set.
func (p PTE) Present() bool {
	return p&Present != 0
}

// Writable returns true iff the writable bit is set.
func (p PTE) Writable() bool {
	return p&Writable != 0
}

// User returns true iff the user bit is set.
func (p PTE) User() bool {
	return p&User != 0
}

// Accessed returns true iff the accessed bit is set.
func (p PTE) Accessed() bool {
	return p&Accessed != 0
}

// Swapped returns true iff the entry refers to a swap slot.
func (p PTE) Swapped() bool {
	return p&Swapped != 0
}

// Address returns the address field: a physical address for present entries.
func (p PTE) Address() uintptr {
	return uintptr(p &^ FlagMask)
}

// Block returns the block number of a swapped entry.
func (p PTE) Block() uint64 {
	return uint64(p) >> hostarch.PageShift
}

// Flags returns the flag bits with the address cleared.
func (p PTE) Flags() PTE {
	return p & FlagMask
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "clear"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit  PTE
		name byte
	}{
		{Present, 'p'},
		{Writable, 'w'},
		{User, 'u'},
		{Accessed, 'a'},
		{Dirty, 'd'},
		{Swapped, 's'},
	} {
		if p&f.bit != 0 {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%#x[%s]", p.Address(), b.String())
}

// Load atomically reads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically replaces the entry.
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// SetFlags atomically sets the given flags and returns the previous entry.
func (p *PTE) SetFlags(flags PTE) PTE {
	return PTE(atomicbitops.OrUint64((*uint64)(p), uint64(flags&FlagMask)))
}

// ClearFlags atomically clears the given flags and returns the previous entry.
func (p *PTE) ClearFlags(flags PTE) PTE {
	return PTE(atomicbitops.AndUint64((*uint64)(p), ^uint64(flags&FlagMask)))
}

// CompareAndSwap atomically replaces the entry with new iff it equals old.
func (p *PTE) CompareAndSwap(old, new PTE) bool {
	return atomic.CompareAndSwapUint64((*uint64)(p), uint64(old), uint64(new))
}

// Clear atomically clears the entry and returns the previous value.
func (p *PTE) Clear() PTE {
	return PTE(atomic.SwapUint64((*uint64)(p), 0))
}
