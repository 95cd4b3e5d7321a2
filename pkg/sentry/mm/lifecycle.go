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

// MapAnon maps a zeroed frame at va in p. The entry is user accessible if
// at.User is set and writable if at.Write is set.
func (m *Manager) MapAnon(ctx Context, p Process, va hostarch.Addr, at hostarch.AccessType) error {
	if err := m.checkProcess(p); err != nil {
		return err
	}
	va = va.RoundDown()
	pte := p.PageTables().Walk(va, true)
	if pte == nil {
		return fmt.Errorf("address %v beyond %v: %w", va, pagetables.UserLimit, ErrUnmapped)
	}
	if pte.Load().Valid() {
		return fmt.Errorf("%v in pid %d: %w", va, p.PID(), ErrMapped)
	}
	var flags pagetables.PTE
	if at.Write {
		flags |= pagetables.Writable
	}
	if at.User {
		flags |= pagetables.User
	}

	frame, err := m.alloc.Allocate(ctx)
	if err != nil {
		return fatal("map", va, p, fmt.Errorf("%w: %w", ErrOutOfMemory, err))
	}
	clear(m.alloc.Bytes(frame))

	e := m.frames.lock(frame)
	if !pte.CompareAndSwap(0, pagetables.MakePTE(frame, flags)) {
		e.mu.Unlock()
		m.alloc.Free(frame)
		return fmt.Errorf("%v in pid %d: %w", va, p.PID(), ErrMapped)
	}
	e.owners = OwnerSetOf(p.Index())
	e.vaddr = va
	e.mu.Unlock()
	p.AddRSS(1)
	return nil
}

// Fork shares every page of parent with child at the same address. Resident
// pages become read-only in both and are copied on the next write; swapped
// pages gain child as a slot owner.
func (m *Manager) Fork(ctx Context, parent, child Process) error {
	if err := m.checkProcess(parent); err != nil {
		return err
	}
	if err := m.checkProcess(child); err != nil {
		return err
	}
	if parent.Index() == child.Index() {
		return fmt.Errorf("fork of pid %d into itself: %w", parent.PID(), ErrBadProcess)
	}
	var err error
	parent.PageTables().Visit(func(va hostarch.Addr, pte *pagetables.PTE, _ pagetables.PTE) bool {
		err = m.forkPage(parent, child, va, pte)
		return err == nil
	})
	// Parent entries lost their write permission.
	m.invalidate(ctx, parent, currentIndex(ctx))
	return err
}

func (m *Manager) forkPage(parent, child Process, va hostarch.Addr, pte *pagetables.PTE) error {
	cpte := child.PageTables().Walk(va, true)
	for {
		v := pte.Load()
		switch {
		case !v.Valid():
			// Unmapped concurrently.
			return nil

		case v.Present():
			frame := v.Address()
			e := m.frames.lock(frame)
			if !sameMapping(pte.Load(), v) {
				e.mu.Unlock()
				continue
			}
			if !e.owners.Has(parent.Index()) {
				owners := e.owners
				e.mu.Unlock()
				return fatal("fork", va, parent, fmt.Errorf("frame %#x owned by %v: %w", frame, owners, ErrNoOwners))
			}
			if err := e.addOwnerLocked(child.Index(), va); err != nil {
				e.mu.Unlock()
				return fatal("fork", va, parent, err)
			}
			shared := pte.ClearFlags(pagetables.Writable).Flags() &^ (pagetables.Writable | pagetables.Accessed | pagetables.Dirty)
			cpte.Store(pagetables.MakePTE(frame, shared))
			e.mu.Unlock()
			child.AddRSS(1)
			return nil

		case v.Swapped():
			slot, ok := SlotOf(v.Block())
			if !ok {
				return fatal("fork", va, parent, fmt.Errorf("block %d is not a swap slot: %w", v.Block(), ErrNotSwapped))
			}
			s, err := m.slots.lock(slot)
			if err != nil {
				return fatal("fork", va, parent, err)
			}
			if pte.Load() != v {
				s.mu.Unlock()
				continue
			}
			if s.free || !s.owners.Has(parent.Index()) {
				s.mu.Unlock()
				return fatal("fork", va, parent, fmt.Errorf("slot %d: %w", slot, ErrNotSlotOwner))
			}
			// Shared pages are restored read-only.
			s.perm &^= pagetables.Writable
			s.owners = s.owners.Add(child.Index())
			cpte.Store(v)
			s.mu.Unlock()
			return nil

		default:
			return fatal("fork", va, parent, fmt.Errorf("entry %v: %w", v, ErrNotSwapped))
		}
	}
}

// Unmap removes p's mapping at va. A resident frame is freed when its last
// owner unmaps it; a swap slot is released when its last owner unmaps it.
func (m *Manager) Unmap(ctx Context, p Process, va hostarch.Addr) error {
	if err := m.checkProcess(p); err != nil {
		return err
	}
	va = va.RoundDown()
	pte := p.PageTables().Walk(va, false)
	if pte == nil {
		return fmt.Errorf("%v in pid %d: %w", va, p.PID(), ErrUnmapped)
	}
	return m.unmapEntry(ctx, p, va, pte)
}

func (m *Manager) unmapEntry(ctx Context, p Process, va hostarch.Addr, pte *pagetables.PTE) error {
	for {
		v := pte.Load()
		switch {
		case !v.Valid():
			return fmt.Errorf("%v in pid %d: %w", va, p.PID(), ErrUnmapped)

		case v.Present():
			frame := v.Address()
			e := m.frames.lock(frame)
			if !sameMapping(pte.Load(), v) {
				e.mu.Unlock()
				continue
			}
			if !e.owners.Has(p.Index()) {
				owners := e.owners
				e.mu.Unlock()
				return fatal("unmap", va, p, fmt.Errorf("frame %#x owned by %v: %w", frame, owners, ErrNoOwners))
			}
			pte.Clear()
			e.owners = e.owners.Remove(p.Index())
			last := e.owners.Empty()
			e.mu.Unlock()
			p.AddRSS(-1)
			m.invalidate(ctx, p, currentIndex(ctx))
			if last {
				m.alloc.Free(frame)
			}
			return nil

		case v.Swapped():
			slot, ok := SlotOf(v.Block())
			if !ok {
				return fatal("unmap", va, p, fmt.Errorf("block %d is not a swap slot: %w", v.Block(), ErrNotSwapped))
			}
			s, err := m.slots.lock(slot)
			if err != nil {
				return fatal("unmap", va, p, err)
			}
			if pte.Load() != v {
				s.mu.Unlock()
				continue
			}
			if s.free || !s.owners.Has(p.Index()) {
				s.mu.Unlock()
				return fatal("unmap", va, p, fmt.Errorf("slot %d: %w", slot, ErrNotSlotOwner))
			}
			pte.Clear()
			m.releaseSwapInterestLocked(s, slot, p.Index())
			s.mu.Unlock()
			return nil

		default:
			return fatal("unmap", va, p, fmt.Errorf("entry %v: %w", v, ErrNotSwapped))
		}
	}
}

// ReleaseAddressSpace unmaps every page of p. It is called when p exits.
func (m *Manager) ReleaseAddressSpace(ctx Context, p Process) error {
	if err := m.checkProcess(p); err != nil {
		return err
	}
	var err error
	p.PageTables().Visit(func(va hostarch.Addr, pte *pagetables.PTE, _ pagetables.PTE) bool {
		if uerr := m.unmapEntry(ctx, p, va, pte); uerr != nil && !errors.Is(uerr, ErrUnmapped) {
			err = uerr
			return false
		}
		return true
	})
	return err
}
