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

package cmd

import (
	"context"
	"flag"
	"sort"
	"time"

	"github.com/google/subcommands"

	"gvisor.dev/pager/pagerctl/config"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/workload"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	pages      int
	procs      int
	rate       float64
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random paging operations on every CPU and verify the results"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - drives every CPU with random map, write, read, fork and exit
operations, checking reads against what was written. Use --cpus, --phys-mem and
--seed to shape the machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 10000, "operations per CPU.")
	f.IntVar(&s.pages, "pages", 32, "pages in each process's address space.")
	f.IntVar(&s.procs, "procs", 4, "processes per CPU.")
	f.Float64Var(&s.rate, "rate", 0, "operations per second across all CPUs; 0 is unlimited.")
	f.DurationVar(&s.timeout, "timeout", 0, "abort the run after this long; 0 waits forever.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var res workload.StressResult
	err := withKernel(ctx, conf, func(k *kernel.Kernel) error {
		var err error
		res, err = workload.Stress(ctx, k, workload.StressOptions{
			Seed:        conf.Seed,
			Iterations:  s.iterations,
			Pages:       s.pages,
			ProcsPerCPU: s.procs,
			Rate:        s.rate,
		})
		return err
	})
	if err != nil {
		Fatalf("stress: %v", err)
	}

	ops := make([]string, 0, len(res.Ops))
	for op := range res.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		Infof("%-8s %d", op, res.Ops[op])
	}
	Infof("Stress passed in %v", res.Duration)
	return subcommands.ExitSuccess
}
