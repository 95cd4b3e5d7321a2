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

	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

// SweepAccessBit clears the accessed bit in every owner's entry for frame. It
// does not change ownership. A frame with no owners is ignored.
func (m *Manager) SweepAccessBit(ctx Context, frame uintptr) error {
	e := m.frames.lock(frame)
	defer e.mu.Unlock()

	current := currentIndex(ctx)
	var err error
	e.owners.ForEach(func(proc int) bool {
		p, perr := m.ownerProcess(proc)
		if perr != nil {
			err = perr
			return false
		}
		pte := p.PageTables().Walk(e.vaddr, false)
		if pte == nil {
			err = fmt.Errorf("owner pid %d has no entry at %v: %w", p.PID(), e.vaddr, ErrVaddrMismatch)
			return false
		}
		if v := pte.Load(); !v.Present() || v.Address() != frame {
			err = fmt.Errorf("owner pid %d maps %v at %v instead of frame %#x: %w", p.PID(), v, e.vaddr, frame, ErrVaddrMismatch)
			return false
		}
		if pte.ClearFlags(pagetables.Accessed).Accessed() {
			m.invalidate(ctx, p, current)
		}
		return true
	})
	if err != nil {
		return fatal("sweep", e.vaddr, nil, err)
	}
	sweeps.Increment()
	return nil
}

// ReleaseSwapInterest removes proc from the owners of slot, freeing the slot
// if proc was the last owner. It is used when a process exits while pages are
// still swapped out on its behalf. Unmap and ReleaseAddressSpace release
// the slot the same way while they clear the entry under the slot lock.
func (m *Manager) ReleaseSwapInterest(slot, proc int) error {
	if proc < 0 || proc >= m.maxProcs {
		return fatal("release-swap", 0, nil, fmt.Errorf("process index %d: %w", proc, ErrBadProcess))
	}
	s, err := m.slots.lock(slot)
	if err != nil {
		return fatal("release-swap", 0, nil, err)
	}
	m.releaseSwapInterestLocked(s, slot, proc)
	s.mu.Unlock()
	return nil
}

// Preconditions: s.mu is locked. s is the entry of slot.
func (m *Manager) releaseSwapInterestLocked(s *slotEntry, slot, proc int) {
	s.releaseOwnerLocked(proc)
	if s.free {
		slotReleases.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("Released swap slot %d: last owner %d left", slot, proc)
		}
	}
}
