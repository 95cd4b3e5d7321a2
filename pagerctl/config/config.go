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

// Package config provides basic infrastructure to set configuration settings
// for pagerctl. Each setting that can be changed from the command line must
// be tagged with `flag:"name"`, and registered in RegisterFlags.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// ConfigFile is a TOML file whose [flags] table sets flags not given on
	// the command line.
	ConfigFile string `flag:"config"`

	// PhysMem is the size of physical memory in bytes.
	PhysMem uint64 `flag:"phys-mem"`

	// SwapBlocks is the size of the backing store in blocks.
	SwapBlocks uint64 `flag:"swap-blocks"`

	// SwapFile backs the store with a file. Empty keeps it in memory.
	SwapFile string `flag:"swap-file"`

	// SwapLockTimeout bounds the wait for the swap file lock.
	SwapLockTimeout time.Duration `flag:"swap-lock-timeout"`

	// SwapSync makes writes to SwapFile synchronous.
	SwapSync bool `flag:"swap-sync"`

	// MaxProcs is the size of the process table.
	MaxProcs int `flag:"max-procs"`

	// CPUs is the number of simulated CPUs.
	CPUs int `flag:"cpus"`

	// TLBShootdown enables invalidation of remote walker caches.
	TLBShootdown bool `flag:"tlb-shootdown"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// DebugLog is the file debug logs are written to. Empty means stderr.
	DebugLog string `flag:"debug-log"`

	// MetricsFile, if set, receives the metrics in Prometheus text format
	// when a command completes.
	MetricsFile string `flag:"metrics-file"`

	// Seed seeds random workloads.
	Seed int64 `flag:"seed"`
}

func (c *Config) validate() error {
	if c.PhysMem == 0 || c.PhysMem%hostarch.PageSize != 0 {
		return fmt.Errorf("phys-mem %d must be a positive multiple of %d", c.PhysMem, hostarch.PageSize)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	if c.MaxProcs <= 0 || c.MaxProcs > mm.MaxProcs {
		return fmt.Errorf("max-procs %d must be between 1 and %d", c.MaxProcs, mm.MaxProcs)
	}
	if c.SwapLockTimeout < 0 {
		return fmt.Errorf("swap-lock-timeout %v is negative", c.SwapLockTimeout)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// KernelArgs returns the arguments of the kernel this configuration
// describes.
func (c *Config) KernelArgs() kernel.InitKernelArgs {
	return kernel.InitKernelArgs{
		PhysMem:         c.PhysMem,
		SwapBlocks:      c.SwapBlocks,
		SwapFile:        c.SwapFile,
		SwapLockTimeout: c.SwapLockTimeout,
		SwapSync:        c.SwapSync,
		MaxProcs:        c.MaxProcs,
		CPUs:            c.CPUs,
		TLBShootdown:    c.TLBShootdown,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
