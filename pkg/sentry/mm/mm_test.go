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
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"

	"gvisor.dev/pager/pkg/atomicbitops"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/ring0/pagetables"
	"gvisor.dev/pager/pkg/sentry/blockdev"
	"gvisor.dev/pager/pkg/sentry/pgalloc"
	"gvisor.dev/pager/pkg/sync"
)

type testProcess struct {
	idx int
	pid int32
	pt  *pagetables.PageTables
	rss atomicbitops.Int64
}

func (p *testProcess) Index() int                         { return p.idx }
func (p *testProcess) PID() int32                         { return p.pid }
func (p *testProcess) PageTables() *pagetables.PageTables { return p.pt }
func (p *testProcess) AddRSS(delta int64)                 { p.rss.Add(delta) }
func (p *testProcess) RSS() int64                         { return p.rss.Load() }

type testProcs struct {
	procs [MaxProcs]*testProcess
}

func (t *testProcs) ProcessAt(index int) Process {
	if index < 0 || index >= MaxProcs || t.procs[index] == nil {
		return nil
	}
	return t.procs[index]
}

func (t *testProcs) ProcessByPID(pid int32) Process {
	for _, p := range t.procs {
		if p != nil && p.pid == pid {
			return p
		}
	}
	return nil
}

// testContext is the context of one simulated core.
type testContext struct {
	context.Context
	cur     Process
	addr    hostarch.Addr
	reloads int
}

func (c *testContext) Current() Process         { return c.cur }
func (c *testContext) FaultAddr() hostarch.Addr { return c.addr }
func (c *testContext) ReloadTLB()               { c.reloads++ }

// faultContext additionally reports the entry seen by the faulting access.
type faultContext struct {
	*testContext
	entry pagetables.PTE
}

func (c *faultContext) FaultEntry() pagetables.PTE { return c.entry }

// testAllocator evicts a page when the memory file is exhausted.
type testAllocator struct {
	*pgalloc.MemoryFile
	m *Manager
}

func (a *testAllocator) Allocate(ctx Context) (uintptr, error) {
	for i := 0; i < 1000; i++ {
		addr, err := a.MemoryFile.Allocate(ctx)
		if !errors.Is(err, pgalloc.ErrExhausted) || a.m == nil {
			return addr, err
		}
		if err := a.m.EvictOnePage(ctx); err != nil && !errors.Is(err, ErrNoVictim) {
			return 0, err
		}
		runtime.Gosched()
	}
	return 0, pgalloc.ErrExhausted
}

// hookAllocator runs hook once, before the first allocation it serves.
type hookAllocator struct {
	FrameAllocator
	hook func()
}

func (a *hookAllocator) Allocate(ctx Context) (uintptr, error) {
	if hook := a.hook; hook != nil {
		a.hook = nil
		hook()
	}
	return a.FrameAllocator.Allocate(ctx)
}

// testPolicy evicts the first resident, unpinned page of the process with the
// largest RSS, unless a victim is forced.
type testPolicy struct {
	procs  *testProcs
	frames *FrameTable

	mu        sync.Mutex
	victim    Process
	page      hostarch.Addr
	forced    bool
	needsAge  bool
	aged      int
	noVictims bool
	noPages   bool
}

func (t *testPolicy) force(p Process, va hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.victim, t.page, t.forced = p, va, true
}

func (t *testPolicy) VictimProcess(Context) Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.noVictims {
		return nil
	}
	if t.forced {
		return t.victim
	}
	var best Process
	for _, p := range t.procs.procs {
		if p != nil && (best == nil || p.RSS() > best.RSS()) {
			best = p
		}
	}
	return best
}

func (t *testPolicy) VictimPage(p Process) (hostarch.Addr, bool) {
	t.mu.Lock()
	if t.noPages || (t.needsAge && t.aged == 0) {
		t.mu.Unlock()
		return 0, false
	}
	if t.forced {
		defer t.mu.Unlock()
		return t.page, true
	}
	t.mu.Unlock()
	var (
		va hostarch.Addr
		ok bool
	)
	p.PageTables().Visit(func(addr hostarch.Addr, _ *pagetables.PTE, v pagetables.PTE) bool {
		if v.Present() && (t.frames == nil || !t.frames.Pinned(v.Address())) {
			va, ok = addr, true
			return false
		}
		return true
	})
	return va, ok
}

func (t *testPolicy) Age(Context, Process) error {
	t.mu.Lock()
	t.aged++
	t.mu.Unlock()
	return nil
}

type testShootdowner struct {
	mu    sync.Mutex
	count map[int]int
}

func (t *testShootdowner) Shootdown(p Process) {
	t.mu.Lock()
	t.count[p.Index()]++
	t.mu.Unlock()
}

func (t *testShootdowner) get(idx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[idx]
}

// failingDevice fails every write.
type failingDevice struct {
	BlockDevice
}

func (failingDevice) WritePage([]byte, uint64) error {
	return errors.New("media error")
}

type harness struct {
	m      *Manager
	procs  *testProcs
	mf     *pgalloc.MemoryFile
	dev    *blockdev.MemoryDevice
	policy *testPolicy
	shoot  *testShootdowner
}

func newHarness(t *testing.T, frames, slots int, mods ...func(*Options)) *harness {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(uint64(frames) * hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewMemoryFile got err %v want nil", err)
	}
	t.Cleanup(mf.Destroy)
	h := &harness{
		procs: &testProcs{},
		mf:    mf,
		dev:   blockdev.NewMemoryDevice(BlockOf(slots)),
		shoot: &testShootdowner{count: make(map[int]int)},
	}
	h.policy = &testPolicy{procs: h.procs}
	alloc := &testAllocator{MemoryFile: mf}
	opts := Options{
		Frames:      frames,
		SwapBlocks:  BlockOf(slots),
		MaxProcs:    MaxProcs,
		Processes:   h.procs,
		Allocator:   alloc,
		Device:      h.dev,
		Policy:      h.policy,
		Shootdowner: h.shoot,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	h.m, err = New(opts)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	if a, ok := opts.Allocator.(*testAllocator); ok {
		a.m = h.m
	}
	h.policy.frames = h.m.FrameTable()
	return h
}

func (h *harness) proc(idx int) *testProcess {
	p := &testProcess{idx: idx, pid: int32(100 + idx), pt: pagetables.New()}
	h.procs.procs[idx] = p
	return p
}

func (h *harness) ctx(p Process) *testContext {
	return &testContext{Context: context.Background(), cur: p}
}

func (h *harness) mapAnon(t *testing.T, p *testProcess, va hostarch.Addr, at hostarch.AccessType) uintptr {
	t.Helper()
	if err := h.m.MapAnon(h.ctx(p), p, va, at); err != nil {
		t.Fatalf("MapAnon(%v) got err %v want nil", va, err)
	}
	return p.pt.Lookup(va).Address()
}

func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	if err := h.m.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants got err:\n%v", err)
	}
}

// touch performs an access, resolving faults until it succeeds.
func touch(m *Manager, ctx *testContext, va hostarch.Addr, write bool) error {
	p := ctx.cur
	for i := 0; i < 10000; i++ {
		v := p.PageTables().Lookup(va)
		if v.Present() && (!write || v.Writable()) {
			return nil
		}
		ctx.addr = va
		if err := m.HandleFault(&faultContext{testContext: ctx, entry: v}); err != nil {
			return err
		}
	}
	return fmt.Errorf("access to %v never succeeded", va)
}

func TestNew(t *testing.T) {
	procs := &testProcs{}
	valid := func() Options {
		return Options{
			Frames:     4,
			SwapBlocks: BlockOf(4),
			MaxProcs:   MaxProcs,
			Processes:  procs,
			Allocator:  &testAllocator{},
			Device:     blockdev.NewMemoryDevice(BlockOf(4)),
			Policy:     &testPolicy{procs: procs},
		}
	}
	for _, tc := range []struct {
		name    string
		mod     func(*Options)
		wantErr error
	}{
		{name: "valid", mod: func(*Options) {}},
		{name: "too many processes", mod: func(o *Options) { o.MaxProcs = MaxProcs + 1 }, wantErr: ErrTooManyProcs},
		{name: "no processes", mod: func(o *Options) { o.MaxProcs = 0 }, wantErr: ErrTooManyProcs},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := valid()
			tc.mod(&opts)
			_, err := New(opts)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("New got err %v want %v", err, tc.wantErr)
			}
		})
	}

	opts := valid()
	opts.Policy = nil
	if _, err := New(opts); err == nil {
		t.Errorf("New without policy got nil err")
	}
	if m, err := New(valid()); err == nil && m.SlotTable().Len() != 4 {
		t.Errorf("SlotTable().Len() = %d, want 4", m.SlotTable().Len())
	}
}

func TestMapAnon(t *testing.T) {
	h := newHarness(t, 1, 4)
	p := h.proc(0)
	ctx := h.ctx(p)
	va := hostarch.Addr(0x10000)

	frame := h.mapAnon(t, p, va+0x123, hostarch.ReadWrite)
	if got, want := p.pt.Lookup(va), pagetables.MakePTE(frame, pagetables.Writable|pagetables.User); got != want {
		t.Errorf("entry = %v, want %v", got, want)
	}
	if got := p.RSS(); got != 1 {
		t.Errorf("RSS = %d, want 1", got)
	}
	if got, want := h.m.FrameTable().Owners(frame), OwnerSetOf(0); got != want {
		t.Errorf("owners = %v, want %v", got, want)
	}
	if got := h.m.FrameTable().Vaddr(frame); got != va {
		t.Errorf("vaddr = %v, want %v", got, va)
	}

	if err := h.m.MapAnon(ctx, p, va, hostarch.Read); !errors.Is(err, ErrMapped) || IsFatal(err) {
		t.Errorf("MapAnon of mapped address got err %v want non-fatal %v", err, ErrMapped)
	}
	if err := h.m.MapAnon(ctx, p, hostarch.Addr(pagetables.UserLimit), hostarch.Read); !errors.Is(err, ErrUnmapped) || IsFatal(err) {
		t.Errorf("MapAnon beyond user limit got err %v want non-fatal %v", err, ErrUnmapped)
	}
	// The only frame is in use and the policy has no victim to give.
	h.policy.noVictims = true
	if err := h.m.MapAnon(ctx, p, va+hostarch.PageSize, hostarch.Read); !errors.Is(err, ErrOutOfMemory) || !IsFatal(err) {
		t.Errorf("MapAnon without memory got err %v want fatal %v", err, ErrOutOfMemory)
	}
	h.checkInvariants(t)
}

func TestFork(t *testing.T) {
	h := newHarness(t, 4, 4)
	parent, child := h.proc(0), h.proc(1)
	ctx := h.ctx(parent)
	resident := hostarch.Addr(0x10000)
	swapped := hostarch.Addr(0x20000)

	frame := h.mapAnon(t, parent, resident, hostarch.ReadWrite)
	h.mapAnon(t, parent, swapped, hostarch.ReadWrite)
	parent.pt.Walk(resident, false).SetFlags(pagetables.Accessed)
	h.policy.force(parent, swapped)
	if err := h.m.EvictOnePage(ctx); err != nil {
		t.Fatalf("EvictOnePage got err %v want nil", err)
	}

	forkCtx := h.ctx(parent)
	if err := h.m.Fork(forkCtx, parent, child); err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	if got, want := child.pt.Lookup(resident), pagetables.MakePTE(frame, pagetables.User); got != want {
		t.Errorf("child entry = %v, want %v", got, want)
	}
	if got := parent.pt.Lookup(resident); got.Writable() {
		t.Errorf("parent entry %v is still writable", got)
	}
	if got, want := h.m.FrameTable().Owners(frame), OwnerSetOf(0, 1); got != want {
		t.Errorf("frame owners = %v, want %v", got, want)
	}
	if got, want := child.pt.Lookup(swapped), parent.pt.Lookup(swapped); got != want {
		t.Errorf("child swapped entry = %v, want %v", got, want)
	}
	if got, want := h.m.SlotTable().Owners(0), OwnerSetOf(0, 1); got != want {
		t.Errorf("slot owners = %v, want %v", got, want)
	}
	if got := h.m.SlotTable().Perm(0); got.Writable() {
		t.Errorf("shared slot perm %v is writable", got)
	}
	if got := child.RSS(); got != 1 {
		t.Errorf("child RSS = %d, want 1", got)
	}
	if forkCtx.reloads == 0 {
		t.Errorf("Fork did not reload the parent's translations")
	}
	h.checkInvariants(t)

	if err := h.m.Fork(ctx, parent, parent); !errors.Is(err, ErrBadProcess) {
		t.Errorf("Fork into self got err %v want %v", err, ErrBadProcess)
	}
}

func TestUnmap(t *testing.T) {
	h := newHarness(t, 4, 4)
	parent, child := h.proc(0), h.proc(1)
	ctx := h.ctx(parent)
	va := hostarch.Addr(0x10000)

	frame := h.mapAnon(t, parent, va, hostarch.ReadWrite)
	if err := h.m.Fork(ctx, parent, child); err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	if err := h.m.Unmap(h.ctx(child), child, va); err != nil {
		t.Fatalf("Unmap(child) got err %v want nil", err)
	}
	if !h.mf.IsAllocated(frame) {
		t.Errorf("frame %#x freed while the parent maps it", frame)
	}
	if got, want := h.m.FrameTable().Owners(frame), OwnerSetOf(0); got != want {
		t.Errorf("owners = %v, want %v", got, want)
	}
	if err := h.m.Unmap(ctx, parent, va); err != nil {
		t.Fatalf("Unmap(parent) got err %v want nil", err)
	}
	if h.mf.IsAllocated(frame) {
		t.Errorf("frame %#x still allocated after its last owner unmapped it", frame)
	}
	if err := h.m.Unmap(ctx, parent, va); !errors.Is(err, ErrUnmapped) || IsFatal(err) {
		t.Errorf("second Unmap got err %v want non-fatal %v", err, ErrUnmapped)
	}

	// A swapped page releases its slot.
	h.mapAnon(t, parent, va, hostarch.ReadWrite)
	h.policy.force(parent, va)
	if err := h.m.EvictOnePage(ctx); err != nil {
		t.Fatalf("EvictOnePage got err %v want nil", err)
	}
	released := slotReleases.Value()
	if err := h.m.Unmap(ctx, parent, va); err != nil {
		t.Fatalf("Unmap of swapped page got err %v want nil", err)
	}
	if !h.m.SlotTable().IsFree(0) {
		t.Errorf("slot 0 not freed by Unmap")
	}
	if got := slotReleases.Value() - released; got != 1 {
		t.Errorf("slot releases = %d, want 1", got)
	}
	h.checkInvariants(t)
}

func TestReleaseAddressSpace(t *testing.T) {
	h := newHarness(t, 8, 8)
	parent, child := h.proc(0), h.proc(1)
	ctx := h.ctx(parent)

	for i := 0; i < 3; i++ {
		h.mapAnon(t, parent, hostarch.Addr(0x10000+i*hostarch.PageSize), hostarch.ReadWrite)
	}
	if err := h.m.Fork(ctx, parent, child); err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	h.policy.force(parent, 0x10000)
	if err := h.m.EvictOnePage(ctx); err != nil {
		t.Fatalf("EvictOnePage got err %v want nil", err)
	}

	if err := h.m.ReleaseAddressSpace(h.ctx(child), child); err != nil {
		t.Fatalf("ReleaseAddressSpace(child) got err %v want nil", err)
	}
	h.procs.procs[1] = nil
	if got, want := h.m.SlotTable().Owners(0), OwnerSetOf(0); got != want {
		t.Errorf("slot owners = %v, want %v", got, want)
	}
	if got := child.RSS(); got != 0 {
		t.Errorf("child RSS = %d, want 0", got)
	}
	h.checkInvariants(t)

	if err := h.m.ReleaseAddressSpace(ctx, parent); err != nil {
		t.Fatalf("ReleaseAddressSpace(parent) got err %v want nil", err)
	}
	h.procs.procs[0] = nil
	if got, want := h.mf.FreeFrames(), h.mf.NumFrames(); got != want {
		t.Errorf("FreeFrames = %d, want %d", got, want)
	}
	if got, want := h.m.SlotTable().FreeSlots(), h.m.SlotTable().Len(); got != want {
		t.Errorf("FreeSlots = %d, want %d", got, want)
	}
	h.checkInvariants(t)
}

func TestReleaseSwapInterest(t *testing.T) {
	h := newHarness(t, 1, 2)
	slot, ok := h.m.slots.AllocSlot(pagetables.Present, OwnerSetOf(0, 1))
	if !ok {
		t.Fatalf("AllocSlot failed")
	}
	h.m.slots.finishWrite(slot)
	released := slotReleases.Value()

	if err := h.m.ReleaseSwapInterest(slot, 0); err != nil {
		t.Fatalf("ReleaseSwapInterest got err %v want nil", err)
	}
	if h.m.SlotTable().IsFree(slot) {
		t.Errorf("slot freed with an owner left")
	}
	if err := h.m.ReleaseSwapInterest(slot, 1); err != nil {
		t.Fatalf("ReleaseSwapInterest got err %v want nil", err)
	}
	if !h.m.SlotTable().IsFree(slot) {
		t.Errorf("slot not freed after its last owner left")
	}
	if got := slotReleases.Value() - released; got != 1 {
		t.Errorf("slot_releases delta %d want 1", got)
	}
	if err := h.m.ReleaseSwapInterest(slot+5, 0); !errors.Is(err, ErrNotSwapped) || !IsFatal(err) {
		t.Errorf("ReleaseSwapInterest of bad slot got err %v want fatal %v", err, ErrNotSwapped)
	}
	if err := h.m.ReleaseSwapInterest(slot, MaxProcs); !errors.Is(err, ErrBadProcess) || !IsFatal(err) {
		t.Errorf("ReleaseSwapInterest with bad index got err %v want fatal %v", err, ErrBadProcess)
	}
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	for _, tc := range []struct {
		name    string
		corrupt func(h *harness, p *testProcess, frame uintptr)
	}{
		{
			name:    "rss",
			corrupt: func(h *harness, p *testProcess, frame uintptr) { p.AddRSS(1) },
		},
		{
			name: "extra owner",
			corrupt: func(h *harness, p *testProcess, frame uintptr) {
				h.m.FrameTable().AddOwner(frame, 5)
			},
		},
		{
			name: "missing owner",
			corrupt: func(h *harness, p *testProcess, frame uintptr) {
				h.m.FrameTable().RemoveOwner(frame, 0)
			},
		},
		{
			name: "vaddr",
			corrupt: func(h *harness, p *testProcess, frame uintptr) {
				h.m.FrameTable().SetVaddr(frame, 0x40000)
			},
		},
		{
			name: "slot owner",
			corrupt: func(h *harness, p *testProcess, frame uintptr) {
				slot, _ := h.m.slots.AllocSlot(pagetables.Present, OwnerSetOf(0))
				h.m.slots.finishWrite(slot)
			},
		},
		{
			name: "stray entry",
			corrupt: func(h *harness, p *testProcess, frame uintptr) {
				p.pt.Walk(0x50000, true).Store(pagetables.Writable)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 2, 2)
			p := h.proc(0)
			frame := h.mapAnon(t, p, 0x10000, hostarch.ReadWrite)
			h.checkInvariants(t)
			tc.corrupt(h, p, frame)
			if err := h.m.CheckInvariants(); err == nil {
				t.Errorf("CheckInvariants got nil err after corruption")
			}
		})
	}
}
