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

// Package mm implements demand paging: reverse mapping of physical frames,
// swap slot allocation, eviction, and resolution of page faults by swap-in or
// copy-on-write.
//
// Lock order:
//
//	frameEntry.mu
//		slotEntry.mu
//
// Both locks are spin locks. Neither is held across frame allocation, frame
// free or backing store I/O. Two frame locks are never held at once.
//
// A frame is shared between processes only at a single virtual address: Fork
// shares pages at the parent's addresses, and every other operation maps a
// frame for exactly one process.
package mm

import (
	"fmt"
	"time"

	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

var (
	evictions = metric.MustCreateNewUint64Metric("/mm/evictions", "Pages written to swap.")
	faults    = metric.MustCreateNewUint64Metric("/mm/faults", "Page faults resolved, by resolution.",
		metric.NewField("kind", []string{"swap_in", "cow_copy", "cow_reuse"}))
	races = metric.MustCreateNewUint64Metric("/mm/races", "Operations abandoned because another core changed the page first.",
		metric.NewField("op", []string{"evict", "swap_in", "cow", "fault", "release"}))
	sweeps       = metric.MustCreateNewUint64Metric("/mm/accessed_sweeps", "Frames whose accessed bits were cleared.")
	slotReleases = metric.MustCreateNewUint64Metric("/mm/slot_releases", "Swap slots freed because their last owner unmapped or exited.")
)

// raceLog logs abandoned operations. Races are expected under load.
var raceLog = log.BasicRateLimitedLogger(time.Second)

// Options configure a Manager.
type Options struct {
	// Frames is the number of physical frames.
	Frames int

	// SwapBlocks is the size of the backing store in blocks.
	SwapBlocks uint64

	// MaxProcs is the size of the process table, at most MaxProcs.
	MaxProcs int

	Processes ProcessTable
	Allocator FrameAllocator
	Device    BlockDevice
	Policy    VictimPolicy

	// Shootdowner, if set, is told about every modified mapping of a
	// process that is not current.
	Shootdowner Shootdowner
}

// Manager owns the frame and slot tables and implements paging operations
// over them.
type Manager struct {
	frames    *FrameTable
	slots     *SlotTable
	maxProcs  int
	procs     ProcessTable
	alloc     FrameAllocator
	dev       BlockDevice
	policy    VictimPolicy
	shootdown Shootdowner
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.MaxProcs <= 0 || opts.MaxProcs > MaxProcs {
		return nil, fmt.Errorf("%d process slots (maximum %d): %w", opts.MaxProcs, MaxProcs, ErrTooManyProcs)
	}
	if opts.Frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", opts.Frames)
	}
	if opts.Processes == nil || opts.Allocator == nil || opts.Device == nil || opts.Policy == nil {
		return nil, fmt.Errorf("processes, allocator, device and policy are required")
	}
	m := &Manager{
		frames:    NewFrameTable(opts.Frames),
		slots:     NewSlotTable(opts.SwapBlocks),
		maxProcs:  opts.MaxProcs,
		procs:     opts.Processes,
		alloc:     opts.Allocator,
		dev:       opts.Device,
		policy:    opts.Policy,
		shootdown: opts.Shootdowner,
	}
	log.Infof("Paging: %d frames, %d swap slots, %d process slots", m.frames.Len(), m.slots.Len(), m.maxProcs)
	return m, nil
}

// FrameTable returns the reverse mapping.
func (m *Manager) FrameTable() *FrameTable {
	return m.frames
}

// SlotTable returns the swap slot table.
func (m *Manager) SlotTable() *SlotTable {
	return m.slots
}

// currentIndex returns the slot of the process running on ctx, or -1.
func currentIndex(ctx Context) int {
	if cur := ctx.Current(); cur != nil {
		return cur.Index()
	}
	return -1
}

// invalidate makes a change to p's mappings visible: the local walker cache
// is reloaded if p is current, otherwise remote cores are notified if a
// Shootdowner is configured.
func (m *Manager) invalidate(ctx Context, p Process, current int) {
	if p.Index() == current {
		ctx.ReloadTLB()
		return
	}
	if m.shootdown != nil {
		m.shootdown.Shootdown(p)
	}
}

// ownerProcess returns the live process in slot proc.
func (m *Manager) ownerProcess(proc int) (Process, error) {
	if proc >= m.maxProcs {
		return nil, fmt.Errorf("owner %d beyond %d process slots: %w", proc, m.maxProcs, ErrBadProcess)
	}
	p := m.procs.ProcessAt(proc)
	if p == nil {
		return nil, fmt.Errorf("owner %d has no process: %w", proc, ErrBadProcess)
	}
	return p, nil
}

func (m *Manager) checkProcess(p Process) error {
	if p == nil {
		return ErrBadProcess
	}
	if idx := p.Index(); idx < 0 || idx >= m.maxProcs {
		return fmt.Errorf("process index %d: %w", idx, ErrBadProcess)
	}
	return nil
}

// sameMapping returns true iff a and b map the same frame with the same
// permissions, ignoring bits the walker sets.
func sameMapping(a, b pagetables.PTE) bool {
	const hw = pagetables.Accessed | pagetables.Dirty
	return a&^hw == b&^hw
}
