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

// Package cmd holds implementations of the pagerctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"gvisor.dev/pager/pagerctl/config"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/prometheus"
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user, in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs the same message as Errorf and terminates the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs an error to the debug log and to ErrorLogger.
func Errorf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}

// Infof writes an informational message to stdout and the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// withKernel builds the kernel described by conf, calls fn with it, and
// writes metrics to conf.MetricsFile if set.
func withKernel(ctx context.Context, conf *config.Config, fn func(*kernel.Kernel) error) error {
	k, err := kernel.New(ctx, conf.KernelArgs())
	if err != nil {
		return fmt.Errorf("creating kernel: %w", err)
	}
	ferr := fn(k)
	if err := k.Release(); err != nil && ferr == nil {
		ferr = fmt.Errorf("releasing kernel: %w", err)
	}
	if conf.MetricsFile != "" {
		if err := writeMetricsFile(conf.MetricsFile); err != nil && ferr == nil {
			ferr = err
		}
	}
	return ferr
}

func writeMetricsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := prometheus.WriteSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
