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

package kernel

import (
	"sync/atomic"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/ring0/pagetables"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// AgingPolicy is a second-chance replacement policy. It takes pages from the
// process with the largest resident set, scanning its address space like a
// clock hand for a resident user page whose accessed bit is clear. Aging
// clears the accessed bits of the process's resident pages. Frames pinned by a
// copy in progress are passed over.
type AgingPolicy struct {
	procs *ProcessTable

	// mm is set once the Manager is built.
	mm *mm.Manager

	// next rotates the scan start so that processes with equal resident
	// sets take turns.
	next atomic.Uint32
}

// VictimProcess implements mm.VictimPolicy.VictimProcess.
func (a *AgingPolicy) VictimProcess(mm.Context) mm.Process {
	n := a.procs.Size()
	start := int(a.next.Add(1)) % n
	var best *Process
	for i := 0; i < n; i++ {
		p := a.procs.At((start + i) % n)
		if p != nil && p.RSS() > 0 && (best == nil || p.RSS() > best.RSS()) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return best
}

// VictimPage implements mm.VictimPolicy.VictimPage.
func (a *AgingPolicy) VictimPage(mp mm.Process) (hostarch.Addr, bool) {
	p := mp.(*Process)
	hand := hostarch.Addr(p.hand.Load())
	var (
		first, after       hostarch.Addr
		haveFirst, haveAft bool
	)
	p.pt.Visit(func(va hostarch.Addr, _ *pagetables.PTE, v pagetables.PTE) bool {
		if !v.Present() || !v.User() || v.Accessed() || a.mm.FrameTable().Pinned(v.Address()) {
			return true
		}
		if !haveFirst {
			first, haveFirst = va, true
		}
		if va >= hand {
			after, haveAft = va, true
			return false
		}
		return true
	})
	victim := first
	switch {
	case haveAft:
		victim = after
	case !haveFirst:
		return 0, false
	}
	p.hand.Store(uintptr(victim + hostarch.PageSize))
	return victim, true
}

// Age implements mm.VictimPolicy.Age.
func (a *AgingPolicy) Age(ctx mm.Context, mp mm.Process) error {
	var err error
	mp.PageTables().Visit(func(va hostarch.Addr, _ *pagetables.PTE, v pagetables.PTE) bool {
		if v.Present() && v.Accessed() {
			err = a.mm.SweepAccessBit(ctx, v.Address())
		}
		return err == nil
	})
	return err
}
