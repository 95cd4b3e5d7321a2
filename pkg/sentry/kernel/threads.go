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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"gvisor.dev/pager/pkg/atomicbitops"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/ring0/pagetables"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sync"
)

// ThreadID is a process identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// InitTID is the TID given to the first process.
const InitTID ThreadID = 1

// ErrProcessLimit is returned when every process-table slot is in use.
var ErrProcessLimit = errors.New("process table full")

var liveProcesses = metric.MustCreateNewUint64Gauge("/kernel/processes", "Live processes.")

// Process is a single-threaded process: an address space and a resident page
// count. It implements mm.Process.
type Process struct {
	// index and tid are immutable.
	index int
	tid   ThreadID

	pt  *pagetables.PageTables
	rss atomicbitops.Int64

	// cpu is 1 + the id of the CPU running the process, or 0.
	cpu atomic.Int32

	// hand is the address after the last victim page, where the aging policy
	// resumes its scan.
	hand atomic.Uintptr
}

// Index implements mm.Process.Index.
func (p *Process) Index() int {
	return p.index
}

// PID implements mm.Process.PID.
func (p *Process) PID() int32 {
	return int32(p.tid)
}

// TID returns the process identifier.
func (p *Process) TID() ThreadID {
	return p.tid
}

// CPU returns the id of the CPU running p, or -1.
func (p *Process) CPU() int {
	return int(p.cpu.Load()) - 1
}

// PageTables implements mm.Process.PageTables.
func (p *Process) PageTables() *pagetables.PageTables {
	return p.pt
}

// AddRSS implements mm.Process.AddRSS.
func (p *Process) AddRSS(delta int64) {
	p.rss.Add(delta)
}

// RSS implements mm.Process.RSS.
func (p *Process) RSS() int64 {
	return p.rss.Load()
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("pid %d", p.tid)
}

// Mappings returns the entries of every mapped page, keyed by address.
func (p *Process) Mappings() map[hostarch.Addr]pagetables.PTE {
	m := make(map[hostarch.Addr]pagetables.PTE)
	p.pt.Visit(func(va hostarch.Addr, _ *pagetables.PTE, v pagetables.PTE) bool {
		m[va] = v
		return true
	})
	return m
}

// A ProcessTable comprises all processes in the system. It implements
// mm.ProcessTable.
//
// Slot lookups are lock-free so that they can be made from paging code
// holding spin locks.
type ProcessTable struct {
	slots []atomic.Pointer[Process]

	// mu protects the fields below.
	mu      sync.Mutex
	byTID   *btree.BTreeG[*Process]
	nextTID ThreadID
}

// NewProcessTable returns an empty table of size slots.
func NewProcessTable(size int) *ProcessTable {
	return &ProcessTable{
		slots:   make([]atomic.Pointer[Process], size),
		byTID:   btree.NewG(2, func(a, b *Process) bool { return a.tid < b.tid }),
		nextTID: InitTID,
	}
}

// Size returns the number of slots.
func (ts *ProcessTable) Size() int {
	return len(ts.slots)
}

// newProcess allocates a slot and a TID for a process with an empty address
// space.
func (ts *ProcessTable) newProcess() (*Process, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range ts.slots {
		if ts.slots[i].Load() != nil {
			continue
		}
		p := &Process{index: i, tid: ts.nextTID, pt: pagetables.New()}
		ts.nextTID++
		ts.byTID.ReplaceOrInsert(p)
		ts.slots[i].Store(p)
		liveProcesses.Set(uint64(ts.byTID.Len()))
		return p, nil
	}
	return nil, fmt.Errorf("%d slots: %w", len(ts.slots), ErrProcessLimit)
}

// remove drops p from the table.
func (ts *ProcessTable) remove(p *Process) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.byTID.Delete(p)
	ts.slots[p.index].CompareAndSwap(p, nil)
	liveProcesses.Set(uint64(ts.byTID.Len()))
}

// ProcessAt implements mm.ProcessTable.ProcessAt.
func (ts *ProcessTable) ProcessAt(index int) mm.Process {
	if p := ts.At(index); p != nil {
		return p
	}
	return nil
}

// At returns the process in slot index, or nil.
func (ts *ProcessTable) At(index int) *Process {
	if index < 0 || index >= len(ts.slots) {
		return nil
	}
	return ts.slots[index].Load()
}

// ProcessByPID implements mm.ProcessTable.ProcessByPID.
func (ts *ProcessTable) ProcessByPID(pid int32) mm.Process {
	if p := ts.Lookup(ThreadID(pid)); p != nil {
		return p
	}
	return nil
}

// Lookup returns the process with the given TID, or nil.
func (ts *ProcessTable) Lookup(tid ThreadID) *Process {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	p, _ := ts.byTID.Get(&Process{tid: tid})
	return p
}

// Processes returns the live processes in TID order.
func (ts *ProcessTable) Processes() []*Process {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ps := make([]*Process, 0, ts.byTID.Len())
	ts.byTID.Ascend(func(p *Process) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

// Len returns the number of live processes.
func (ts *ProcessTable) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.byTID.Len()
}
