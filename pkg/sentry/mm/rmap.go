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
	"gvisor.dev/pager/pkg/sync"
)

// frameEntry is the reverse mapping of one physical frame.
//
// Invariant: while mu is not held, every process in owners maps the frame at
// vaddr with a present entry.
type frameEntry struct {
	mu sync.SpinMutex

	// owners is the set of process slots mapping the frame. Protected by mu.
	owners OwnerSet

	// vaddr is the virtual address shared by all owners. It is stale while
	// owners is empty. Protected by mu.
	vaddr hostarch.Addr

	// pins counts copies from this frame in progress. A pinned frame is not
	// evicted. Protected by mu.
	pins int
}

// addOwnerLocked adds proc at vaddr.
//
// Preconditions: e.mu is locked. proc is a valid index.
func (e *frameEntry) addOwnerLocked(proc int, vaddr hostarch.Addr) error {
	if !e.owners.Empty() && e.vaddr != vaddr {
		return fmt.Errorf("adding owner %d at %v to frame owned by %v at %v: %w", proc, vaddr, e.owners, e.vaddr, ErrVaddrMismatch)
	}
	e.owners = e.owners.Add(proc)
	e.vaddr = vaddr
	return nil
}

// FrameTable is the reverse mapping from physical frame to owning processes.
// Frames are identified by physical address.
type FrameTable struct {
	entries []frameEntry
}

// NewFrameTable returns a table for nframes frames starting at physical
// address 0.
func NewFrameTable(nframes int) *FrameTable {
	return &FrameTable{entries: make([]frameEntry, nframes)}
}

// Len returns the number of frames.
func (t *FrameTable) Len() int {
	return len(t.entries)
}

// entry returns the entry for the frame at addr. An address outside the table
// is a caller bug.
func (t *FrameTable) entry(addr uintptr) *frameEntry {
	idx := addr >> hostarch.PageShift
	if addr&(hostarch.PageSize-1) != 0 || idx >= uintptr(len(t.entries)) {
		panic(fmt.Sprintf("frame address %#x outside frame table of %d frames", addr, len(t.entries)))
	}
	return &t.entries[idx]
}

// lock returns the locked entry for the frame at addr.
func (t *FrameTable) lock(addr uintptr) *frameEntry {
	e := t.entry(addr)
	e.mu.Lock()
	return e
}

func checkProc(proc int) error {
	if proc < 0 || proc >= MaxProcs {
		return fmt.Errorf("process index %d: %w", proc, ErrBadProcess)
	}
	return nil
}

// AddOwner adds proc to the owners of frame.
func (t *FrameTable) AddOwner(frame uintptr, proc int) error {
	if err := checkProc(proc); err != nil {
		return err
	}
	e := t.lock(frame)
	e.owners = e.owners.Add(proc)
	e.mu.Unlock()
	return nil
}

// RemoveOwner removes proc from the owners of frame.
func (t *FrameTable) RemoveOwner(frame uintptr, proc int) error {
	if err := checkProc(proc); err != nil {
		return err
	}
	e := t.lock(frame)
	e.owners = e.owners.Remove(proc)
	e.mu.Unlock()
	return nil
}

// SetVaddr records the virtual address at which frame is mapped.
func (t *FrameTable) SetVaddr(frame uintptr, vaddr hostarch.Addr) {
	e := t.lock(frame)
	e.vaddr = vaddr
	e.mu.Unlock()
}

// CountOwners returns the number of owners of frame. The result may be stale
// by the time it is used; callers that act on it must hold the entry lock.
func (t *FrameTable) CountOwners(frame uintptr) int {
	e := t.lock(frame)
	n := e.owners.Count()
	e.mu.Unlock()
	return n
}

// Owners returns a snapshot of the owners of frame.
func (t *FrameTable) Owners(frame uintptr) OwnerSet {
	e := t.lock(frame)
	s := e.owners
	e.mu.Unlock()
	return s
}

// Pinned returns true if a copy from frame is in progress. Victim policies
// should pass over pinned frames; EvictOnePage declines to evict them.
func (t *FrameTable) Pinned(frame uintptr) bool {
	e := t.lock(frame)
	pinned := e.pins > 0
	e.mu.Unlock()
	return pinned
}

// Vaddr returns the recorded virtual address of frame.
func (t *FrameTable) Vaddr(frame uintptr) hostarch.Addr {
	e := t.lock(frame)
	v := e.vaddr
	e.mu.Unlock()
	return v
}
