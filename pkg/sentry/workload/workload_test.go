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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
)

func newKernel(t *testing.T, frames, slots, cpus int) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(context.Background(), kernel.InitKernelArgs{
		PhysMem:      uint64(frames) * hostarch.PageSize,
		SwapBlocks:   mm.BlockOf(slots),
		MaxProcs:     32,
		CPUs:         cpus,
		TLBShootdown: cpus > 1,
	})
	if err != nil {
		t.Fatalf("kernel.New got err %v want nil", err)
	}
	t.Cleanup(func() { k.Release() })
	return k
}

func mustParse(t *testing.T, text string) *Scenario {
	t.Helper()
	sc, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse got err %v want nil", err)
	}
	return sc
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
		want string
	}{
		{
			name: "unknown field",
			text: "name: x\nsteps:\n- op: spawn\n  as: a\n  colour: red\n",
			want: "colour",
		},
		{
			name: "unknown op",
			text: "name: x\nsteps:\n- op: jump\n",
			want: "unknown op",
		},
		{
			name: "repeat without count",
			text: "name: x\nsteps:\n- op: repeat\n  steps:\n  - op: evict\n",
			want: "repeat count",
		},
		{
			name: "unnamed fork",
			text: "name: x\nsteps:\n- op: fork\n  proc: a\n",
			want: "needs a name",
		},
		{
			name: "nested steps",
			text: "name: x\nsteps:\n- op: evict\n  steps:\n  - op: evict\n",
			want: "only repeat",
		},
		{
			name: "bad nested step",
			text: "name: x\nsteps:\n- op: repeat\n  count: 2\n  steps:\n  - op: spawn\n",
			want: "step 0: step 0",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.text))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse got err %v want error containing %q", err, tc.want)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	sc := mustParse(t, `
name: expand
steps:
- op: spawn
  as: a
- op: repeat
  count: 2
  stride: 0x1000
  steps:
  - op: map
    proc: a
    addr: 0x4000
  - op: repeat
    count: 2
    stride: 0x10
    steps:
    - op: write
      proc: a
      addr: 0x4000
      data: x
`)
	var got []string
	for _, s := range sc.Expand() {
		got = append(got, s.Op+"@"+hostarch.Addr(s.Addr).String())
	}
	want := []string{
		"spawn@0x0",
		"map@0x4000", "write@0x4000", "write@0x4010",
		"map@0x5000", "write@0x5000", "write@0x5010",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
	// Expansion must not alias the parsed body.
	if sc.Steps[1].Steps[0].Addr != 0x4000 {
		t.Errorf("Expand modified the scenario: addr %#x", sc.Steps[1].Steps[0].Addr)
	}
}

const forkScenario = `
name: fork
steps:
- op: spawn
  as: parent
- op: map
  proc: parent
  addr: 0x400000
  pages: 4
- op: repeat
  count: 4
  stride: 0x1000
  steps:
  - op: write
    proc: parent
    addr: 0x400008
    data: parent
- op: evict
  count: 2
- op: fork
  proc: parent
  as: child
- op: write
  proc: child
  cpu: 1
  addr: 0x401008
  data: child!
- op: sweep
  proc: child
  cpu: 1
  addr: 0x401000
- op: read
  proc: parent
  addr: 0x401008
  expect: parent
- op: read
  proc: child
  addr: 0x401008
  expect: child!
- op: check
- op: exit
  proc: parent
- op: read
  proc: child
  addr: 0x403008
  expect: parent
- op: write
  proc: nobody
  addr: 0x400000
  data: x
  expect_error: no process named
- op: write
  proc: child
  addr: 0x500000
  data: x
  expect_error: address not mapped
- op: exit
  proc: child
- op: check
`

func TestRunScenario(t *testing.T) {
	k := newKernel(t, 3, 16, 2)
	r := NewRunner(k)
	if err := r.Run(context.Background(), mustParse(t, forkScenario)); err != nil {
		t.Fatalf("Run got err %v want nil", err)
	}
	if r.Process("parent") != nil || r.Process("child") != nil {
		t.Errorf("exited processes still named")
	}
	want := kernel.Stats{Frames: 3, FreeFrames: 3, Slots: 16, FreeSlots: 16}
	if diff := cmp.Diff(want, k.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFailures(t *testing.T) {
	for _, tc := range []struct {
		name    string
		text    string
		wantErr error
		want    string
	}{
		{
			name:    "corruption",
			text:    "name: x\nsteps:\n- op: spawn\n  as: a\n- op: map\n  proc: a\n  addr: 0x1000\n- op: read\n  proc: a\n  addr: 0x1000\n  expect: abc\n",
			wantErr: ErrCorruption,
		},
		{
			name:    "unexpected success",
			text:    "name: x\nsteps:\n- op: spawn\n  as: a\n- op: map\n  proc: a\n  addr: 0x1000\n  expect_error: mapped\n",
			wantErr: ErrUnexpectedSuccess,
		},
		{
			name:    "double map",
			text:    "name: x\nsteps:\n- op: spawn\n  as: a\n- op: map\n  proc: a\n  addr: 0x1000\n- op: map\n  proc: a\n  addr: 0x1000\n",
			wantErr: mm.ErrMapped,
		},
		{
			name: "bad cpu",
			text: "name: x\nsteps:\n- op: evict\n  cpu: 9\n",
			want: "cpu 9 out of range",
		},
		{
			name: "duplicate name",
			text: "name: x\nsteps:\n- op: spawn\n  as: a\n- op: spawn\n  as: a\n",
			want: "already exists",
		},
		{
			name: "bad access",
			text: "name: x\nsteps:\n- op: spawn\n  as: a\n- op: map\n  proc: a\n  access: x\n",
			want: "unknown access",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newKernel(t, 2, 4, 1)
			err := NewRunner(k).Run(context.Background(), mustParse(t, tc.text))
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Run got err %v want %v", err, tc.wantErr)
			}
			if tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)) {
				t.Errorf("Run got err %v want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fork.yaml")
	if err := os.WriteFile(path, []byte(forkScenario), 0644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load got err %v want nil", err)
	}
	if sc.Name != "fork" {
		t.Errorf("Name = %q, want fork", sc.Name)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load of a missing file got nil err")
	}
}

func TestStress(t *testing.T) {
	k := newKernel(t, 8, 256, 4)
	res, err := Stress(context.Background(), k, StressOptions{
		Seed:        1,
		Iterations:  300,
		Pages:       6,
		ProcsPerCPU: 3,
	})
	if err != nil {
		t.Fatalf("Stress got err %v want nil", err)
	}
	if res.Ops[OpWrite] == 0 || res.Ops[OpRead] == 0 {
		t.Errorf("Stress ops %v, want writes and reads", res.Ops)
	}
	if k.Processes().Len() != 0 {
		t.Errorf("%d processes left after Stress", k.Processes().Len())
	}
}

func TestStressOptions(t *testing.T) {
	k := newKernel(t, 2, 4, 1)
	if _, err := Stress(context.Background(), k, StressOptions{Iterations: 1}); err == nil {
		t.Errorf("Stress with no pages got nil err")
	}
}
