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
	"runtime"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

// swapIn reads the slot referenced by p's entry at va into a new frame and
// maps that frame for every owner of the slot, freeing the slot.
func (m *Manager) swapIn(ctx Context, p Process, va hostarch.Addr, pte *pagetables.PTE) error {
	v := pte.Load()
	if !v.Swapped() {
		return fatal("swap-in", va, p, fmt.Errorf("entry %v: %w", v, ErrNotSwapped))
	}
	slot, ok := SlotOf(v.Block())
	if !ok || slot >= m.slots.Len() {
		return fatal("swap-in", va, p, fmt.Errorf("block %d is not a swap slot: %w", v.Block(), ErrNotSwapped))
	}

	s, err := m.slots.lock(slot)
	if err != nil {
		return fatal("swap-in", va, p, err)
	}
	if pte.Load() != v {
		s.mu.Unlock()
		races.Increment("swap_in")
		raceLog.Debugf("Swap-in of %v in pid %d: entry changed", va, p.PID())
		return nil
	}
	if s.free {
		s.mu.Unlock()
		return fatal("swap-in", va, p, fmt.Errorf("slot %d: %w", slot, ErrSlotFree))
	}
	if !s.owners.Has(p.Index()) {
		owners := s.owners
		s.mu.Unlock()
		return fatal("swap-in", va, p, fmt.Errorf("slot %d owned by %v: %w", slot, owners, ErrNotSlotOwner))
	}
	if s.writing {
		// The page-out write has not completed; retry the access.
		s.mu.Unlock()
		races.Increment("swap_in")
		runtime.Gosched()
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	frame, err := m.alloc.Allocate(ctx)
	if err != nil {
		return fatal("swap-in", va, p, fmt.Errorf("%w: %w", ErrOutOfMemory, err))
	}
	if err := m.dev.ReadPage(m.alloc.Bytes(frame), BlockOf(slot)); err != nil {
		m.alloc.Free(frame)
		return fatal("swap-in", va, p, fmt.Errorf("%w: reading slot %d: %w", ErrIO, slot, err))
	}

	// The new frame is referenced by no entry yet, so taking its lock before
	// the slot lock cannot deadlock, and it lets the frame's owners be set
	// before any entry maps it.
	e := m.frames.lock(frame)
	s, _ = m.slots.lock(slot)
	if s.free || s.gen != gen || pte.Load() != v {
		// Another owner swapped the page in first.
		s.mu.Unlock()
		e.mu.Unlock()
		m.alloc.Free(frame)
		races.Increment("swap_in")
		raceLog.Debugf("Swap-in of %v in pid %d: slot %d already serviced", va, p.PID(), slot)
		return nil
	}

	owners := s.owners
	procs := make([]Process, 0, owners.Count())
	ptes := make([]*pagetables.PTE, 0, owners.Count())
	owners.ForEach(func(proc int) bool {
		op, perr := m.ownerProcess(proc)
		if perr != nil {
			err = perr
			return false
		}
		ope := op.PageTables().Walk(va, false)
		if ope == nil || ope.Load() != v {
			err = fmt.Errorf("owner %d of slot %d does not refer to it at %v: %w", proc, slot, va, ErrNotSlotOwner)
			return false
		}
		procs = append(procs, op)
		ptes = append(ptes, ope)
		return true
	})
	if err != nil {
		s.mu.Unlock()
		e.mu.Unlock()
		m.alloc.Free(frame)
		return fatal("swap-in", va, p, err)
	}

	current := currentIndex(ctx)
	restored := pagetables.MakePTE(frame, s.perm)
	for i, op := range procs {
		op.AddRSS(1)
		if op.Index() == p.Index() {
			// The faulting access is about to be retried.
			ptes[i].Store(restored | pagetables.Accessed)
		} else {
			ptes[i].Store(restored)
		}
		m.invalidate(ctx, op, current)
	}
	s.owners = 0
	s.free = true
	s.mu.Unlock()

	e.owners = owners
	e.vaddr = va
	e.mu.Unlock()

	faults.Increment("swap_in")
	if log.IsLogging(log.Debug) {
		log.Debugf("Swapped in %v from slot %d to frame %#x for owners %v", va, slot, frame, owners)
	}
	return nil
}
