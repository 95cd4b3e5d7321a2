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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sync"
)

// ErrLeak is returned when frames or swap slots remain allocated after every
// process has exited.
var ErrLeak = errors.New("resources leaked")

// StressBase is the address of the first page touched by Stress.
const StressBase = hostarch.Addr(0x10000000)

// StressOptions configures Stress.
type StressOptions struct {
	// Seed seeds the per-CPU generators. CPU i uses Seed+i.
	Seed int64

	// Iterations is the number of operations per CPU.
	Iterations int

	// Pages is the number of pages in each process's address space.
	Pages int

	// ProcsPerCPU bounds the processes each CPU forks.
	ProcsPerCPU int

	// Rate limits operations per second across all CPUs. Zero is unlimited.
	Rate float64
}

// StressResult summarizes a Stress run.
type StressResult struct {
	// Ops counts completed operations by name.
	Ops map[string]uint64

	Duration time.Duration
}

// Stress runs random operations on every CPU concurrently. Each CPU owns a
// family of processes forked from one root and checks every read against a
// shadow copy of what its processes wrote. When all CPUs finish the paging
// invariants are checked, every process exits, and all frames and slots must
// be free again.
func Stress(ctx context.Context, k *kernel.Kernel, opts StressOptions) (StressResult, error) {
	if opts.Iterations <= 0 || opts.Pages <= 0 || opts.ProcsPerCPU <= 0 {
		return StressResult{}, fmt.Errorf("invalid stress options %+v", opts)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.Rate > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	start := time.Now()

	var (
		mu    sync.Mutex
		total = make(map[string]uint64)
		procs []*kernel.Process
	)
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < k.Machine().NumCPUs(); id++ {
		w := &stressWorker{
			c:    k.CPU(id),
			k:    k,
			opts: opts,
			rng:  rand.New(rand.NewSource(opts.Seed + int64(id))),
			lim:  lim,
			ops:  make(map[string]uint64),
		}
		g.Go(func() error {
			err := w.run(gctx)
			if serr := w.c.Switch(nil); err == nil {
				err = serr
			}
			mu.Lock()
			defer mu.Unlock()
			for op, n := range w.ops {
				total[op] += n
			}
			for _, sp := range w.procs {
				procs = append(procs, sp.p)
			}
			if err != nil {
				return fmt.Errorf("CPU %d: %w", w.c.ID(), err)
			}
			return nil
		})
	}
	res := StressResult{Ops: total}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := k.CheckInvariants(); err != nil {
		return res, err
	}

	c := k.CPU(0)
	for _, p := range procs {
		if err := c.Switch(p); err != nil {
			return res, err
		}
		if err := c.Exit(ctx); err != nil {
			return res, err
		}
	}
	if k.Processes().Len() == 0 {
		if s := k.Stats(); s.FreeFrames != s.Frames || s.FreeSlots != s.Slots {
			return res, fmt.Errorf("%+v: %w", s, ErrLeak)
		}
	}
	res.Duration = time.Since(start)
	log.Infof("Stress: %d CPUs, %v in %v", k.Machine().NumCPUs(), res.Ops, res.Duration)
	return res, nil
}

type stressProc struct {
	p      *kernel.Process
	shadow []uint64
	mapped []bool
}

// stressWorker drives one CPU.
type stressWorker struct {
	c     *kernel.CPU
	k     *kernel.Kernel
	opts  StressOptions
	rng   *rand.Rand
	lim   *rate.Limiter
	procs []*stressProc
	cur   *stressProc
	ops   map[string]uint64
}

func (w *stressWorker) run(ctx context.Context) error {
	p, err := w.k.Spawn()
	if err != nil {
		return err
	}
	w.cur = &stressProc{p: p, shadow: make([]uint64, w.opts.Pages), mapped: make([]bool, w.opts.Pages)}
	w.procs = append(w.procs, w.cur)
	if err := w.c.Switch(p); err != nil {
		return err
	}
	for i := 0; i < w.opts.Pages; i++ {
		if err := w.c.Map(ctx, pageAt(uint64(StressBase), i), hostarch.ReadWrite); err != nil {
			return err
		}
		w.cur.mapped[i] = true
	}

	for n := 0; n < w.opts.Iterations; n++ {
		if err := w.lim.Wait(ctx); err != nil {
			return err
		}
		if err := w.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *stressWorker) step(ctx context.Context) error {
	i := w.rng.Intn(w.opts.Pages)
	va := pageAt(uint64(StressBase), i)
	switch op := w.rng.Intn(40); {
	case op == 0:
		if len(w.procs) >= w.opts.ProcsPerCPU {
			return nil
		}
		child, err := w.c.Fork(ctx)
		if errors.Is(err, kernel.ErrProcessLimit) {
			return nil
		}
		if err != nil {
			return err
		}
		w.procs = append(w.procs, &stressProc{
			p:      child,
			shadow: append([]uint64(nil), w.cur.shadow...),
			mapped: append([]bool(nil), w.cur.mapped...),
		})
		w.ops[OpFork]++
	case op == 1 && len(w.procs) > 1:
		if err := w.c.Exit(ctx); err != nil {
			return err
		}
		for j, sp := range w.procs {
			if sp == w.cur {
				w.procs = append(w.procs[:j], w.procs[j+1:]...)
				break
			}
		}
		w.ops[OpExit]++
		return w.switchTo(w.procs[w.rng.Intn(len(w.procs))])
	case op < 5:
		return w.switchTo(w.procs[w.rng.Intn(len(w.procs))])
	case op == 5:
		if !w.cur.mapped[i] {
			return nil
		}
		if err := w.c.Unmap(ctx, va); err != nil {
			return err
		}
		w.cur.mapped[i] = false
		w.ops[OpUnmap]++
	case op == 6:
		if err := w.c.Evict(ctx); err != nil && !errors.Is(err, mm.ErrNoVictim) {
			return err
		}
		w.ops[OpEvict]++
	case op == 7:
		if err := w.c.Sweep(ctx, va); err != nil && !errors.Is(err, mm.ErrUnmapped) {
			return err
		}
		w.ops[OpSweep]++
	case op < 22:
		if !w.cur.mapped[i] {
			if err := w.c.Map(ctx, va, hostarch.ReadWrite); err != nil {
				return err
			}
			w.cur.mapped[i] = true
			w.cur.shadow[i] = 0
			w.ops[OpMap]++
		}
		v := w.rng.Uint64()
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		if err := w.c.Write(ctx, va, b[:]); err != nil {
			return err
		}
		w.cur.shadow[i] = v
		w.ops[OpWrite]++
	default:
		if !w.cur.mapped[i] {
			return nil
		}
		var b [8]byte
		if err := w.c.Read(ctx, va, b[:]); err != nil {
			return err
		}
		if got, want := binary.LittleEndian.Uint64(b[:]), w.cur.shadow[i]; got != want {
			return fmt.Errorf("%v page %d holds %#x, want %#x: %w", w.cur.p, i, got, want, ErrCorruption)
		}
		w.ops[OpRead]++
	}
	return nil
}

func (w *stressWorker) switchTo(sp *stressProc) error {
	if err := w.c.Switch(sp.p); err != nil {
		return err
	}
	w.cur = sp
	w.ops[OpSwitch]++
	return nil
}
