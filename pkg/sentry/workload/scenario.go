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

// Package workload drives a kernel with scripted scenarios and random stress.
package workload

import (
	"fmt"
	"io"
	"os"

	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpSpawn  = "spawn"
	OpSwitch = "switch"
	OpMap    = "map"
	OpUnmap  = "unmap"
	OpWrite  = "write"
	OpRead   = "read"
	OpFork   = "fork"
	OpExit   = "exit"
	OpEvict  = "evict"
	OpSweep  = "sweep"
	OpCheck  = "check"
	OpRepeat = "repeat"
)

var ops = map[string]bool{
	OpSpawn: true, OpSwitch: true, OpMap: true, OpUnmap: true, OpWrite: true, OpRead: true,
	OpFork: true, OpExit: true, OpEvict: true, OpSweep: true, OpCheck: true, OpRepeat: true,
}

// Step is one scenario operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// CPU is the CPU the step runs on.
	CPU int `yaml:"cpu,omitempty"`

	// Proc names the process switched in before the step runs. spawn and
	// fork name the new process with As.
	Proc string `yaml:"proc,omitempty"`
	As   string `yaml:"as,omitempty"`

	// Addr is the virtual address of map, unmap, write, read and sweep.
	Addr uint64 `yaml:"addr,omitempty"`

	// Pages is the number of consecutive pages mapped or unmapped.
	Pages int `yaml:"pages,omitempty"`

	// Access is the permission of mapped pages: "rw" (default), "r", or
	// "kernel".
	Access string `yaml:"access,omitempty"`

	// Data is written by write.
	Data string `yaml:"data,omitempty"`

	// Expect is the data read must return.
	Expect string `yaml:"expect,omitempty"`

	// ExpectError, if set, makes the step succeed only if it fails with an
	// error containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Count is the number of evictions, or of repeat iterations.
	Count int `yaml:"count,omitempty"`

	// Stride is added to the addresses of repeated steps on each iteration.
	Stride uint64 `yaml:"stride,omitempty"`

	// Steps is the body of repeat.
	Steps []Step `yaml:"steps,omitempty"`
}

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Parse decodes a YAML scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := validate(sc.Steps); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return &sc, nil
}

// Load parses the scenario file at path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func validate(steps []Step) error {
	for i, s := range steps {
		if !ops[s.Op] {
			return fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
		if s.CPU < 0 {
			return fmt.Errorf("step %d: negative cpu %d", i, s.CPU)
		}
		switch s.Op {
		case OpRepeat:
			if s.Count <= 0 {
				return fmt.Errorf("step %d: repeat count %d", i, s.Count)
			}
			if err := validate(s.Steps); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case OpSpawn, OpFork:
			if s.As == "" {
				return fmt.Errorf("step %d: %s needs a name (as)", i, s.Op)
			}
		}
		if s.Op != OpRepeat && len(s.Steps) != 0 {
			return fmt.Errorf("step %d: only repeat has steps", i)
		}
	}
	return nil
}

// Expand returns the steps with every repeat unrolled.
func (sc *Scenario) Expand() []Step {
	return expand(sc.Steps)
}

func expand(steps []Step) []Step {
	var out []Step
	for _, s := range steps {
		if s.Op != OpRepeat {
			out = append(out, s)
			continue
		}
		body := expand(s.Steps)
		for i := 0; i < s.Count; i++ {
			iter := deepcopy.Copy(body).([]Step)
			for j := range iter {
				iter[j].Addr += uint64(i) * s.Stride
			}
			out = append(out, iter...)
		}
	}
	return out
}
