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
	"errors"
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

// CheckInvariants cross-checks every process's page tables against the frame
// and slot tables and returns all violations found, joined. It takes entry
// locks one at a time and is only meaningful while no paging operation is in
// flight.
func (m *Manager) CheckInvariants() error {
	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Owners implied by the page tables.
	frameRefs := make(map[uintptr]OwnerSet)
	slotRefs := make(map[int]OwnerSet)

	for idx := 0; idx < m.maxProcs; idx++ {
		p := m.procs.ProcessAt(idx)
		if p == nil {
			continue
		}
		if p.Index() != idx {
			report("pid %d in slot %d reports index %d", p.PID(), idx, p.Index())
			continue
		}
		var resident int64
		p.PageTables().Visit(func(va hostarch.Addr, _ *pagetables.PTE, v pagetables.PTE) bool {
			switch {
			case v.Present():
				resident++
				frame := v.Address()
				if frame>>hostarch.PageShift >= uintptr(m.frames.Len()) {
					report("pid %d maps %v to frame %#x outside the frame table", p.PID(), va, frame)
					return true
				}
				if frameRefs[frame].Has(idx) {
					report("pid %d maps frame %#x more than once", p.PID(), frame)
				}
				frameRefs[frame] = frameRefs[frame].Add(idx)
				e := m.frames.lock(frame)
				owners, vaddr := e.owners, e.vaddr
				e.mu.Unlock()
				if !owners.Has(idx) {
					report("pid %d maps %v to frame %#x owned by %v", p.PID(), va, frame, owners)
				} else if vaddr != va {
					report("pid %d maps %v to frame %#x recorded at %v", p.PID(), va, frame, vaddr)
				}
			case v.Swapped():
				slot, ok := SlotOf(v.Block())
				if !ok || slot >= m.slots.Len() {
					report("pid %d entry %v at %v names no swap slot", p.PID(), v, va)
					return true
				}
				if slotRefs[slot].Has(idx) {
					report("pid %d refers to slot %d more than once", p.PID(), slot)
				}
				slotRefs[slot] = slotRefs[slot].Add(idx)
			default:
				report("pid %d entry %v at %v is neither present nor swapped", p.PID(), v, va)
			}
			return true
		})
		if rss := p.RSS(); rss != resident {
			report("pid %d has RSS %d but %d resident pages", p.PID(), rss, resident)
		}
	}

	for i := 0; i < m.frames.Len(); i++ {
		frame := uintptr(i) << hostarch.PageShift
		e := m.frames.lock(frame)
		owners, pins := e.owners, e.pins
		e.mu.Unlock()
		if owners != frameRefs[frame] {
			report("frame %#x owned by %v but mapped by %v", frame, owners, frameRefs[frame])
		}
		if pins != 0 {
			report("frame %#x pinned %d times with no copy in flight", frame, pins)
		}
	}

	for slot := 0; slot < m.slots.Len(); slot++ {
		s, _ := m.slots.lock(slot)
		free, writing, owners := s.free, s.writing, s.owners
		s.mu.Unlock()
		switch {
		case free != owners.Empty():
			report("slot %d free=%t with owners %v", slot, free, owners)
		case writing:
			report("slot %d still being written", slot)
		case owners != slotRefs[slot]:
			report("slot %d owned by %v but referenced by %v", slot, owners, slotRefs[slot])
		}
	}

	return errors.Join(errs...)
}
