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

package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/kernel"
)

var (
	// ErrCorruption is returned when a read does not return the data last
	// written.
	ErrCorruption = errors.New("read returned unexpected data")

	// ErrUnexpectedSuccess is returned when a step expected to fail succeeds.
	ErrUnexpectedSuccess = errors.New("step succeeded, want error")
)

var stepsRun = metric.MustCreateNewUint64Metric("/workload/steps", "Workload operations completed, by op.",
	metric.NewField("op", []string{OpSpawn, OpSwitch, OpMap, OpUnmap, OpWrite, OpRead, OpFork, OpExit, OpEvict, OpSweep, OpCheck}))

// Runner executes scenario steps against a kernel. It tracks processes by the
// names scenarios give them.
type Runner struct {
	k     *kernel.Kernel
	procs map[string]*kernel.Process
}

// NewRunner returns a Runner for k.
func NewRunner(k *kernel.Kernel) *Runner {
	return &Runner{k: k, procs: make(map[string]*kernel.Process)}
}

// Process returns the process named name, or nil.
func (r *Runner) Process(name string) *kernel.Process {
	return r.procs[name]
}

// Run executes every step of sc in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, sc *Scenario) error {
	steps := sc.Expand()
	log.Infof("Running scenario %q: %d steps", sc.Name, len(steps))
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runExpecting(ctx, s); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
	}
	return nil
}

// runExpecting runs s and checks its outcome against s.ExpectError.
func (r *Runner) runExpecting(ctx context.Context, s Step) error {
	err := r.Step(ctx, s)
	switch {
	case s.ExpectError == "":
		return err
	case err == nil:
		return fmt.Errorf("%w: %q", ErrUnexpectedSuccess, s.ExpectError)
	case !strings.Contains(err.Error(), s.ExpectError):
		return fmt.Errorf("got err %w, want %q", err, s.ExpectError)
	}
	log.Debugf("Step %s failed as expected: %v", s.Op, err)
	return nil
}

// Step executes a single step. Repeat steps must be expanded first.
func (r *Runner) Step(ctx context.Context, s Step) error {
	if s.CPU >= r.k.Machine().NumCPUs() {
		return fmt.Errorf("cpu %d out of range, have %d", s.CPU, r.k.Machine().NumCPUs())
	}
	c := r.k.CPU(s.CPU)
	if s.Op != OpSpawn && s.Op != OpCheck && s.Proc != "" {
		if err := r.switchTo(c, s.Proc); err != nil {
			return err
		}
	}

	switch s.Op {
	case OpSpawn:
		if _, ok := r.procs[s.As]; ok {
			return fmt.Errorf("process %q already exists", s.As)
		}
		p, err := r.k.Spawn()
		if err != nil {
			return err
		}
		r.procs[s.As] = p
	case OpSwitch:
		if s.Proc == "" {
			if err := c.Switch(nil); err != nil {
				return err
			}
		}
	case OpMap:
		at, err := accessType(s.Access)
		if err != nil {
			return err
		}
		for i := 0; i < pages(s); i++ {
			if err := c.Map(ctx, pageAt(s.Addr, i), at); err != nil {
				return err
			}
		}
	case OpUnmap:
		for i := 0; i < pages(s); i++ {
			if err := c.Unmap(ctx, pageAt(s.Addr, i)); err != nil {
				return err
			}
		}
	case OpWrite:
		if err := c.Write(ctx, hostarch.Addr(s.Addr), []byte(s.Data)); err != nil {
			return err
		}
	case OpRead:
		buf := make([]byte, len(s.Expect))
		if err := c.Read(ctx, hostarch.Addr(s.Addr), buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, []byte(s.Expect)) {
			return fmt.Errorf("%v at %#x: got %q, want %q: %w", c.Current(), s.Addr, buf, s.Expect, ErrCorruption)
		}
	case OpFork:
		if _, ok := r.procs[s.As]; ok {
			return fmt.Errorf("process %q already exists", s.As)
		}
		child, err := c.Fork(ctx)
		if err != nil {
			return err
		}
		r.procs[s.As] = child
	case OpExit:
		p := c.Current()
		if err := c.Exit(ctx); err != nil {
			return err
		}
		for name, q := range r.procs {
			if q == p {
				delete(r.procs, name)
			}
		}
	case OpEvict:
		n := s.Count
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if err := c.Evict(ctx); err != nil {
				return err
			}
		}
	case OpSweep:
		if err := c.Sweep(ctx, hostarch.Addr(s.Addr)); err != nil {
			return err
		}
	case OpCheck:
		// The paging state is only consistent with every CPU idle.
		for id := 0; id < r.k.Machine().NumCPUs(); id++ {
			if err := r.k.CPU(id).Switch(nil); err != nil {
				return err
			}
		}
		if err := r.k.CheckInvariants(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	stepsRun.Increment(s.Op)
	return nil
}

// switchTo runs the named process on c, taking it off any other CPU first.
func (r *Runner) switchTo(c *kernel.CPU, name string) error {
	p, ok := r.procs[name]
	if !ok {
		return fmt.Errorf("no process named %q", name)
	}
	if id := p.CPU(); id >= 0 && id != c.ID() {
		if err := r.k.CPU(id).Switch(nil); err != nil {
			return err
		}
	}
	return c.Switch(p)
}

func accessType(s string) (hostarch.AccessType, error) {
	switch s {
	case "", "rw":
		return hostarch.ReadWrite, nil
	case "r":
		return hostarch.Read, nil
	case "kernel":
		return hostarch.AccessType{Read: true}, nil
	default:
		return hostarch.AccessType{}, fmt.Errorf("unknown access %q", s)
	}
}

func pages(s Step) int {
	if s.Pages <= 0 {
		return 1
	}
	return s.Pages
}

func pageAt(addr uint64, i int) hostarch.Addr {
	return hostarch.Addr(addr) + hostarch.Addr(i*hostarch.PageSize)
}
