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

package mm

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/ring0/pagetables"
	"gvisor.dev/pager/pkg/sync"
)

const (
	// SwapStart is the first block used for swap slots. Blocks below it are
	// reserved.
	SwapStart = 2

	// SlotBlocks is the number of blocks in one slot.
	SlotBlocks = hostarch.BlocksPerPage
)

// BlockOf returns the first block of slot.
func BlockOf(slot int) uint64 {
	return SwapStart + uint64(slot)*SlotBlocks
}

// SlotOf returns the slot starting at block. ok is false if no slot starts
// there.
func SlotOf(block uint64) (slot int, ok bool) {
	if block < SwapStart || (block-SwapStart)%SlotBlocks != 0 {
		return 0, false
	}
	return int((block - SwapStart) / SlotBlocks), true
}

// slotEntry is one swap slot.
//
// Invariant: while mu is not held, free == owners.Empty().
type slotEntry struct {
	mu sync.SpinMutex

	// All fields below are protected by mu.

	free bool

	// writing is set from the claim until the page-out write completes. A
	// slot is not reclaimed, and its data is not read, while writing is set.
	writing bool

	// gen is incremented on every claim.
	gen uint64

	// perm holds the flag bits of the evicted entry.
	perm pagetables.PTE

	// owners is the set of processes whose entries refer to this slot.
	owners OwnerSet
}

// SlotTable allocates swap slots on the backing store.
type SlotTable struct {
	slots []slotEntry
}

// NewSlotTable returns a table covering a device of nblocks blocks.
func NewSlotTable(nblocks uint64) *SlotTable {
	n := 0
	if nblocks > SwapStart {
		n = int((nblocks - SwapStart) / SlotBlocks)
	}
	t := &SlotTable{slots: make([]slotEntry, n)}
	for i := range t.slots {
		t.slots[i].free = true
	}
	return t
}

// Len returns the number of slots.
func (t *SlotTable) Len() int {
	return len(t.slots)
}

// lock returns the locked entry for slot.
func (t *SlotTable) lock(slot int) (*slotEntry, error) {
	if slot < 0 || slot >= len(t.slots) {
		return nil, fmt.Errorf("slot %d outside swap table of %d slots: %w", slot, len(t.slots), ErrNotSwapped)
	}
	s := &t.slots[slot]
	s.mu.Lock()
	return s, nil
}

// AllocSlot claims the first free slot for a page with flag bits perm owned
// by owners. Each candidate is locked only while it is tested and claimed.
// The slot is marked as being written until finishWrite.
func (t *SlotTable) AllocSlot(perm pagetables.PTE, owners OwnerSet) (int, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		s.mu.Lock()
		if s.free && !s.writing {
			s.free = false
			s.writing = true
			s.gen++
			s.perm = perm.Flags()
			s.owners = owners
			s.mu.Unlock()
			return i, true
		}
		s.mu.Unlock()
	}
	return 0, false
}

// finishWrite records that the page-out write for slot has completed.
func (t *SlotTable) finishWrite(slot int) {
	s, err := t.lock(slot)
	if err != nil {
		panic(err)
	}
	s.writing = false
	s.mu.Unlock()
}

// ReleaseOwner removes proc from the owners of slot, freeing the slot when no
// owners remain.
func (t *SlotTable) ReleaseOwner(slot, proc int) error {
	if err := checkProc(proc); err != nil {
		return err
	}
	s, err := t.lock(slot)
	if err != nil {
		return err
	}
	s.releaseOwnerLocked(proc)
	s.mu.Unlock()
	return nil
}

// Preconditions: s.mu is locked.
func (s *slotEntry) releaseOwnerLocked(proc int) {
	s.owners = s.owners.Remove(proc)
	if s.owners.Empty() {
		s.free = true
	}
}

// IsOwnedBy returns true iff proc is an owner of slot.
func (t *SlotTable) IsOwnedBy(slot, proc int) bool {
	if checkProc(proc) != nil {
		return false
	}
	s, err := t.lock(slot)
	if err != nil {
		return false
	}
	owned := s.owners.Has(proc)
	s.mu.Unlock()
	return owned
}

// IsFree returns true iff slot is free.
func (t *SlotTable) IsFree(slot int) bool {
	s, err := t.lock(slot)
	if err != nil {
		return false
	}
	free := s.free
	s.mu.Unlock()
	return free
}

// Owners returns a snapshot of the owners of slot.
func (t *SlotTable) Owners(slot int) OwnerSet {
	s, err := t.lock(slot)
	if err != nil {
		return 0
	}
	owners := s.owners
	s.mu.Unlock()
	return owners
}

// Perm returns the saved flag bits of slot.
func (t *SlotTable) Perm(slot int) pagetables.PTE {
	s, err := t.lock(slot)
	if err != nil {
		return 0
	}
	perm := s.perm
	s.mu.Unlock()
	return perm
}

// FreeSlots returns the number of free slots.
func (t *SlotTable) FreeSlots() int {
	n := 0
	for i := range t.slots {
		s := &t.slots[i]
		s.mu.Lock()
		if s.free {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
