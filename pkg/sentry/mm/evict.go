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

// EvictOnePage writes one resident page, chosen by the victim policy, to a
// free swap slot and frees its frame. Every owner's entry for the page is
// rewritten to refer to the slot.
//
// EvictOnePage returns nil without evicting anything if another core changed
// the victim page first; the caller should retry its allocation. It returns a
// fatal error if no victim exists, if swap is exhausted, or if the backing
// store write fails.
func (m *Manager) EvictOnePage(ctx Context) error {
	victim := m.policy.VictimProcess(ctx)
	if victim == nil {
		return fatal("evict", 0, nil, ErrNoVictim)
	}
	va, ok := m.policy.VictimPage(victim)
	if !ok {
		// Second pass: age the victim's accessed pages and look again.
		if err := m.policy.Age(ctx, victim); err != nil {
			return err
		}
		va, ok = m.policy.VictimPage(victim)
	}
	if !ok {
		return fatal("evict", 0, victim, ErrNoVictim)
	}
	va = va.RoundDown()

	pte := victim.PageTables().Walk(va, false)
	if pte == nil {
		return fatal("evict", va, victim, fmt.Errorf("victim page has no entry: %w", ErrUnmapped))
	}
	v := pte.Load()
	if !v.Present() {
		races.Increment("evict")
		raceLog.Debugf("Victim page %v of pid %d is no longer resident (%v)", va, victim.PID(), v)
		return nil
	}
	frame := v.Address()

	e := m.frames.lock(frame)
	if e.owners.Empty() {
		// Another core evicted this frame.
		e.mu.Unlock()
		races.Increment("evict")
		raceLog.Debugf("Frame %#x of victim page %v already evicted", frame, va)
		return nil
	}
	if e.pins > 0 {
		// A copy-on-write fault is copying from this frame. The policy
		// will offer another page on the next attempt.
		e.mu.Unlock()
		races.Increment("evict")
		raceLog.Debugf("Frame %#x of victim page %v is being copied", frame, va)
		return nil
	}
	v = pte.Load()
	if !v.Present() || v.Address() != frame || !e.owners.Has(victim.Index()) {
		// The victim's mapping changed before the frame was locked.
		e.mu.Unlock()
		races.Increment("evict")
		raceLog.Debugf("Victim page %v of pid %d changed to %v", va, victim.PID(), v)
		return nil
	}
	if e.vaddr != va {
		vaddr := e.vaddr
		e.mu.Unlock()
		return fatal("evict", va, victim, fmt.Errorf("frame %#x recorded at %v: %w", frame, vaddr, ErrVaddrMismatch))
	}

	// Resolve every owner's entry before changing any of them.
	owners := e.owners
	procs := make([]Process, 0, owners.Count())
	ptes := make([]*pagetables.PTE, 0, owners.Count())
	var err error
	owners.ForEach(func(proc int) bool {
		p, perr := m.ownerProcess(proc)
		if perr != nil {
			err = perr
			return false
		}
		ope := p.PageTables().Walk(va, false)
		if ope == nil {
			err = fmt.Errorf("owner pid %d has no entry for frame %#x: %w", p.PID(), frame, ErrVaddrMismatch)
			return false
		}
		if ov := ope.Load(); !ov.Present() || ov.Address() != frame {
			err = fmt.Errorf("owner pid %d maps %v instead of frame %#x: %w", p.PID(), ov, frame, ErrVaddrMismatch)
			return false
		}
		procs = append(procs, p)
		ptes = append(ptes, ope)
		return true
	})
	if err != nil {
		e.mu.Unlock()
		return fatal("evict", va, victim, err)
	}

	current := currentIndex(ctx)
	slot, ok := m.slots.AllocSlot(v.Flags(), owners)
	if !ok {
		e.mu.Unlock()
		return fatal("evict", va, victim, ErrSwapExhausted)
	}
	block := BlockOf(slot)
	swapped := pagetables.MakeSwapped(block)
	for i, p := range procs {
		p.AddRSS(-1)
		ptes[i].Store(swapped)
		m.invalidate(ctx, p, current)
	}
	// Ownership now belongs to the slot.
	e.owners = 0
	e.mu.Unlock()

	if err := m.dev.WritePage(m.alloc.Bytes(frame), block); err != nil {
		return fatal("evict", va, victim, fmt.Errorf("%w: writing slot %d: %w", ErrIO, slot, err))
	}
	m.slots.finishWrite(slot)
	m.alloc.Free(frame)

	evictions.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("Evicted %v (frame %#x, owners %v) to slot %d", va, frame, owners, slot)
	}
	return nil
}
