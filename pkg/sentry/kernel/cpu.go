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
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/ring0/pagetables"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sync"
)

// maxFaultRetries bounds the faults taken by a single access.
const maxFaultRetries = 10000

var (
	// ErrNoProcess is returned for an access on a CPU with no current
	// process.
	ErrNoProcess = errors.New("no process running on CPU")

	// ErrBusy is returned when switching to a process running on another
	// CPU.
	ErrBusy = errors.New("process running on another CPU")

	// ErrLivelock is returned when an access keeps faulting.
	ErrLivelock = errors.New("access did not complete")
)

var tlbFlushes = metric.MustCreateNewUint64Metric("/kernel/tlb_flushes", "Walker cache flushes, by cause.",
	metric.NewField("cause", []string{"switch", "reload", "shootdown"}))

// tlbEntry is a cached translation.
type tlbEntry struct {
	frame    uintptr
	writable bool
}

// CPU is a simulated core: a hardware page table walker with a translation
// cache, running one process at a time. A CPU is driven by one goroutine.
type CPU struct {
	id int
	k  *Kernel

	// accessMu is held while the walker translates and the access copies
	// data. Remote shootdowns acquire it to wait for accesses in flight.
	accessMu sync.SpinMutex

	// tlb is the translation cache of the current process. Protected by
	// accessMu, and only used by the CPU goroutine.
	tlb map[hostarch.Addr]tlbEntry

	// pendingFlush is set by remote shootdowns and consumed before the next
	// translation.
	pendingFlush atomic.Bool

	current atomic.Pointer[Process]
}

func newCPU(k *Kernel, id int) *CPU {
	return &CPU{id: id, k: k, tlb: make(map[hostarch.Addr]tlbEntry)}
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Current returns the running process, or nil.
func (c *CPU) Current() *Process {
	return c.current.Load()
}

// Switch makes p the running process. p may be nil to idle the CPU.
func (c *CPU) Switch(p *Process) error {
	old := c.current.Load()
	if old == p {
		return nil
	}
	if p != nil && !p.cpu.CompareAndSwap(0, int32(c.id)+1) {
		return fmt.Errorf("%v on CPU %d: %w", p, p.cpu.Load()-1, ErrBusy)
	}
	c.accessMu.Lock()
	c.current.Store(p)
	clear(c.tlb)
	c.accessMu.Unlock()
	if old != nil {
		old.cpu.Store(0)
	}
	tlbFlushes.Increment("switch")
	return nil
}

// flushTLB discards the translation cache.
func (c *CPU) flushTLB(cause string) {
	c.accessMu.Lock()
	clear(c.tlb)
	c.accessMu.Unlock()
	tlbFlushes.Increment(cause)
}

// shootdown invalidates the translation cache from another CPU and waits for
// any access in flight to complete.
func (c *CPU) shootdown() {
	c.pendingFlush.Store(true)
	c.accessMu.Lock()
	c.accessMu.Unlock()
}

// translate returns the frame mapping va for an access by the current
// process. If the access must fault, ok is false and fault holds the entry
// the walker observed.
//
// Preconditions: c.accessMu is locked.
func (c *CPU) translate(p *Process, va hostarch.Addr, write bool) (frame uintptr, fault pagetables.PTE, ok bool) {
	if c.pendingFlush.Swap(false) {
		clear(c.tlb)
		tlbFlushes.Increment("shootdown")
	}
	if e, hit := c.tlb[va]; hit && (!write || e.writable) {
		return e.frame, 0, true
	}
	pte := p.pt.Walk(va, false)
	if pte == nil {
		return 0, 0, false
	}
	for {
		v := pte.Load()
		if !v.Present() || !v.User() || (write && !v.Writable()) {
			return 0, v, false
		}
		set := pagetables.Accessed
		if write {
			set |= pagetables.Dirty
		}
		if v&set != set && !pte.CompareAndSwap(v, v|set) {
			// The entry changed under the walker.
			continue
		}
		c.tlb[va] = tlbEntry{frame: v.Address(), writable: v.Writable()}
		return v.Address(), 0, true
	}
}

// access performs a user access to the page containing va, calling fn with
// the frame contents from va's page offset. Faults are resolved by the
// paging core and the access is retried.
func (c *CPU) access(ctx context.Context, va hostarch.Addr, write bool, fn func([]byte)) error {
	p := c.current.Load()
	if p == nil {
		return ErrNoProcess
	}
	page, off := va.RoundDown(), va.PageOffset()
	for i := 0; i < maxFaultRetries; i++ {
		c.accessMu.Lock()
		frame, observed, ok := c.translate(p, page, write)
		if ok {
			fn(c.k.mem.Bytes(frame)[off:])
			c.accessMu.Unlock()
			return nil
		}
		c.accessMu.Unlock()

		fc := &faultContext{cpuContext: cpuContext{Context: ctx, cpu: c}, addr: va, entry: observed}
		if err := c.k.mm.HandleFault(fc); err != nil {
			return err
		}
	}
	return fmt.Errorf("%v at %v: %w", p, va, ErrLivelock)
}

// Read copies len(dst) bytes at va into dst. The range must not cross a page
// boundary.
func (c *CPU) Read(ctx context.Context, va hostarch.Addr, dst []byte) error {
	if err := checkRange(va, len(dst)); err != nil {
		return err
	}
	return c.access(ctx, va, false, func(b []byte) { copy(dst, b) })
}

// Write copies src to va. The range must not cross a page boundary.
func (c *CPU) Write(ctx context.Context, va hostarch.Addr, src []byte) error {
	if err := checkRange(va, len(src)); err != nil {
		return err
	}
	return c.access(ctx, va, true, func(b []byte) { copy(b, src) })
}

func checkRange(va hostarch.Addr, n int) error {
	if va.PageOffset()+uint64(n) > hostarch.PageSize {
		return fmt.Errorf("access of %d bytes at %v crosses a page boundary", n, va)
	}
	return nil
}

// Context returns the paging context of this CPU.
func (c *CPU) Context(ctx context.Context) mm.Context {
	return &cpuContext{Context: ctx, cpu: c}
}

// cpuContext implements mm.Context for code running on a CPU.
type cpuContext struct {
	context.Context
	cpu *CPU
}

// Current implements mm.Context.Current.
func (c *cpuContext) Current() mm.Process {
	if p := c.cpu.Current(); p != nil {
		return p
	}
	return nil
}

// FaultAddr implements mm.Context.FaultAddr.
func (c *cpuContext) FaultAddr() hostarch.Addr {
	return 0
}

// ReloadTLB implements mm.Context.ReloadTLB.
func (c *cpuContext) ReloadTLB() {
	c.cpu.flushTLB("reload")
}

// faultContext is the context of a fault raised by the walker.
type faultContext struct {
	cpuContext
	addr  hostarch.Addr
	entry pagetables.PTE
}

// FaultAddr implements mm.Context.FaultAddr.
func (c *faultContext) FaultAddr() hostarch.Addr {
	return c.addr
}

// FaultEntry implements mm.FaultEntryContext.FaultEntry.
func (c *faultContext) FaultEntry() pagetables.PTE {
	return c.entry
}
