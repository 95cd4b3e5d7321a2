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
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

// breakCOW resolves a write fault on p's read-only user entry at va.
//
// If p is the frame's only owner, the entry is made writable in place.
// Otherwise p gets a private writable copy of the frame and leaves the old
// frame's owners.
func (m *Manager) breakCOW(ctx Context, p Process, va hostarch.Addr, pte *pagetables.PTE) error {
	v := pte.Load()
	old := v.Address()

	e := m.frames.lock(old)
	if done, err := m.reuseLocked(ctx, e, p, va, pte, v); done || err != nil {
		e.mu.Unlock()
		return err
	}
	// Shared: copy. No lock is held across allocation, which may evict, but
	// the source frame is pinned so that the eviction takes another page.
	e.pins++
	e.mu.Unlock()

	frame, err := m.alloc.Allocate(ctx)
	if err != nil {
		e = m.frames.lock(old)
		e.pins--
		e.mu.Unlock()
		return fatal("cow", va, p, fmt.Errorf("%w: %w", ErrOutOfMemory, err))
	}
	// No entry maps the new frame yet; claim it for p before one does.
	ne := m.frames.lock(frame)
	ne.owners = OwnerSetOf(p.Index())
	ne.vaddr = va
	ne.mu.Unlock()

	e = m.frames.lock(old)
	e.pins--
	done, err := m.reuseLocked(ctx, e, p, va, pte, v)
	if done || err != nil {
		// The entry changed, or p became the sole owner, while the new
		// frame was allocated.
		e.mu.Unlock()
		m.releaseUnused(frame)
		return err
	}
	copy(m.alloc.Bytes(frame), m.alloc.Bytes(old))
	e.owners = e.owners.Remove(p.Index())
	pte.Store(pagetables.MakePTE(frame, pagetables.Writable|pagetables.User))
	e.mu.Unlock()
	ctx.ReloadTLB()

	faults.Increment("cow_copy")
	if log.IsLogging(log.Debug) {
		log.Debugf("Copied frame %#x to %#x for pid %d at %v", old, frame, p.PID(), va)
	}
	return nil
}

// reuseLocked handles the cases of breakCOW that need no new frame. done is
// true if the fault was resolved or abandoned; it is false if the frame is
// shared and must be copied.
//
// Preconditions: e.mu is locked. e is the entry of v.Address().
func (m *Manager) reuseLocked(ctx Context, e *frameEntry, p Process, va hostarch.Addr, pte *pagetables.PTE, v pagetables.PTE) (done bool, err error) {
	if !sameMapping(pte.Load(), v) {
		races.Increment("cow")
		raceLog.Debugf("Write fault at %v in pid %d: entry changed", va, p.PID())
		return true, nil
	}
	switch n := e.owners.Count(); {
	case n == 0:
		return true, fatal("cow", va, p, fmt.Errorf("frame %#x: %w", v.Address(), ErrNoOwners))
	case !e.owners.Has(p.Index()):
		return true, fatal("cow", va, p, fmt.Errorf("frame %#x owned by %v: %w", v.Address(), e.owners, ErrNoOwners))
	case n == 1:
		pte.SetFlags(pagetables.Writable)
		ctx.ReloadTLB()
		faults.Increment("cow_reuse")
		return true, nil
	default:
		return false, nil
	}
}

// releaseUnused frees a frame claimed by breakCOW that was never mapped.
func (m *Manager) releaseUnused(frame uintptr) {
	e := m.frames.lock(frame)
	e.owners = 0
	e.mu.Unlock()
	m.alloc.Free(frame)
}
