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

// Package kernel provides the machine the paging core runs on: a process
// table, CPUs whose page table walkers cache translations, physical memory, a
// backing store and a replacement policy.
//
// Each CPU is driven by a single goroutine. Processes are single threaded and
// run on at most one CPU at a time.
package kernel

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/blockdev"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pgalloc"
)

// InitKernelArgs holds arguments to New.
type InitKernelArgs struct {
	// PhysMem is the size of physical memory in bytes.
	PhysMem uint64

	// SwapBlocks is the size of the backing store in blocks.
	SwapBlocks uint64

	// SwapFile, if set, backs the store with a file instead of host memory.
	SwapFile string

	// SwapLockTimeout bounds the wait for the swap file lock.
	SwapLockTimeout time.Duration

	// SwapSync makes every page-out write to SwapFile synchronous.
	SwapSync bool

	// MaxProcs is the size of the process table.
	MaxProcs int

	// CPUs is the number of CPUs.
	CPUs int

	// TLBShootdown enables invalidation of remote translation caches.
	TLBShootdown bool
}

// swapDevice is a backing store that can be released.
type swapDevice interface {
	mm.BlockDevice
	NumBlocks() uint64
	Flush() error
	Close() error
}

// Kernel is the simulated machine.
type Kernel struct {
	procs   *ProcessTable
	mem     *pgalloc.MemoryFile
	dev     swapDevice
	mm      *mm.Manager
	machine *Machine
}

// New builds a Kernel.
func New(ctx context.Context, args InitKernelArgs) (*Kernel, error) {
	if args.CPUs <= 0 {
		return nil, fmt.Errorf("CPUs is %d", args.CPUs)
	}
	if args.MaxProcs <= 0 || args.MaxProcs > mm.MaxProcs {
		return nil, fmt.Errorf("MaxProcs is %d, want 1 to %d: %w", args.MaxProcs, mm.MaxProcs, mm.ErrTooManyProcs)
	}
	k := &Kernel{procs: NewProcessTable(args.MaxProcs)}

	var err error
	k.mem, err = pgalloc.NewMemoryFile(args.PhysMem)
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(k.mem.Destroy)
	defer cu.Clean()

	if args.SwapFile != "" {
		k.dev, err = blockdev.OpenFile(ctx, args.SwapFile, args.SwapBlocks, blockdev.FileOptions{
			LockTimeout: args.SwapLockTimeout,
			Sync:        args.SwapSync,
		})
		if err != nil {
			return nil, fmt.Errorf("opening swap file: %w", err)
		}
	} else {
		k.dev = blockdev.NewMemoryDevice(args.SwapBlocks)
	}
	cu.Add(func() { k.dev.Close() })

	k.machine = &Machine{}
	for i := 0; i < args.CPUs; i++ {
		k.machine.cpus = append(k.machine.cpus, newCPU(k, i))
	}
	policy := &AgingPolicy{procs: k.procs}
	frames := &frameSource{mem: k.mem}
	opts := mm.Options{
		Frames:     k.mem.NumFrames(),
		SwapBlocks: k.dev.NumBlocks(),
		MaxProcs:   args.MaxProcs,
		Processes:  k.procs,
		Allocator:  frames,
		Device:     k.dev,
		Policy:     policy,
	}
	if args.TLBShootdown {
		opts.Shootdowner = k.machine
	}
	k.mm, err = mm.New(opts)
	if err != nil {
		return nil, err
	}
	policy.mm = k.mm
	frames.mm = k.mm

	cu.Release()
	log.Infof("Kernel: %d CPUs, %d bytes of memory, %d swap blocks, shootdown %t", args.CPUs, args.PhysMem, k.dev.NumBlocks(), args.TLBShootdown)
	return k, nil
}

// Release frees the kernel's memory, and flushes and closes the backing
// store.
func (k *Kernel) Release() error {
	err := k.dev.Flush()
	if cerr := k.dev.Close(); err == nil {
		err = cerr
	}
	k.mem.Destroy()
	return err
}

// MemoryManager returns the paging core.
func (k *Kernel) MemoryManager() *mm.Manager {
	return k.mm
}

// Processes returns the process table.
func (k *Kernel) Processes() *ProcessTable {
	return k.procs
}

// Machine returns the CPUs.
func (k *Kernel) Machine() *Machine {
	return k.machine
}

// CPU returns CPU id.
func (k *Kernel) CPU(id int) *CPU {
	return k.machine.CPU(id)
}

// Spawn creates a process with an empty address space. It does not run.
func (k *Kernel) Spawn() (*Process, error) {
	p, err := k.procs.newProcess()
	if err != nil {
		return nil, err
	}
	log.Debugf("Spawned %v in slot %d", p, p.index)
	return p, nil
}

// Map maps a zeroed page at va in the current process.
func (c *CPU) Map(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) error {
	p := c.Current()
	if p == nil {
		return ErrNoProcess
	}
	return c.k.mm.MapAnon(c.Context(ctx), p, va, at)
}

// Unmap unmaps the page at va in the current process.
func (c *CPU) Unmap(ctx context.Context, va hostarch.Addr) error {
	p := c.Current()
	if p == nil {
		return ErrNoProcess
	}
	return c.k.mm.Unmap(c.Context(ctx), p, va)
}

// Fork creates a child of the current process sharing its address space
// copy-on-write. The child does not run.
func (c *CPU) Fork(ctx context.Context) (*Process, error) {
	p := c.Current()
	if p == nil {
		return nil, ErrNoProcess
	}
	child, err := c.k.procs.newProcess()
	if err != nil {
		return nil, err
	}
	if err := c.k.mm.Fork(c.Context(ctx), p, child); err != nil {
		if rerr := c.k.mm.ReleaseAddressSpace(c.Context(ctx), child); rerr != nil {
			log.Warningf("Releasing failed fork child %v: %v", child, rerr)
		}
		c.k.procs.remove(child)
		return nil, err
	}
	log.Debugf("%v forked %v", p, child)
	return child, nil
}

// Exit releases the current process's address space, removes it from the
// process table and idles the CPU.
func (c *CPU) Exit(ctx context.Context) error {
	p := c.Current()
	if p == nil {
		return ErrNoProcess
	}
	if err := c.k.mm.ReleaseAddressSpace(c.Context(ctx), p); err != nil {
		return err
	}
	if err := c.Switch(nil); err != nil {
		return err
	}
	c.k.procs.remove(p)
	log.Debugf("%v exited", p)
	return nil
}

// Evict evicts one page chosen by the replacement policy.
func (c *CPU) Evict(ctx context.Context) error {
	return c.k.mm.EvictOnePage(c.Context(ctx))
}

// Sweep clears the accessed bits of the frame mapped at va in the current
// process.
func (c *CPU) Sweep(ctx context.Context, va hostarch.Addr) error {
	p := c.Current()
	if p == nil {
		return ErrNoProcess
	}
	v := p.pt.Lookup(va.RoundDown())
	if !v.Present() {
		return fmt.Errorf("%v not resident in %v: %w", va, p, mm.ErrUnmapped)
	}
	return c.k.mm.SweepAccessBit(c.Context(ctx), v.Address())
}

// Stats summarizes resource usage.
type Stats struct {
	Frames     int
	FreeFrames int
	Slots      int
	FreeSlots  int
	Processes  int
}

// Stats returns current resource usage.
func (k *Kernel) Stats() Stats {
	return Stats{
		Frames:     k.mem.NumFrames(),
		FreeFrames: k.mem.FreeFrames(),
		Slots:      k.mm.SlotTable().Len(),
		FreeSlots:  k.mm.SlotTable().FreeSlots(),
		Processes:  k.procs.Len(),
	}
}

// CheckInvariants verifies the paging state. No CPU may be running.
func (k *Kernel) CheckInvariants() error {
	return k.mm.CheckInvariants()
}
