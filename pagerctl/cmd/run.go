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

	"github.com/google/subcommands"

	"gvisor.dev/pager/pagerctl/config"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// check runs the invariant checker after the last step.
	check bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files against a fresh kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - runs each scenario on its own kernel.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.check, "check", true, "check the paging invariants after the last step.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	for _, path := range f.Args() {
		sc, err := workload.Load(path)
		if err != nil {
			Fatalf("loading scenario: %v", err)
		}
		err = withKernel(ctx, conf, func(k *kernel.Kernel) error {
			if err := workload.NewRunner(k).Run(ctx, sc); err != nil {
				return err
			}
			if r.check {
				return workload.NewRunner(k).Step(ctx, workload.Step{Op: workload.OpCheck})
			}
			return nil
		})
		if err != nil {
			Fatalf("scenario %q: %v", sc.Name, err)
		}
		Infof("Scenario %q passed", sc.Name)
	}
	return subcommands.ExitSuccess
}
