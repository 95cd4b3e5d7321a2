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

package mm

import (
	"errors"
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
)

// Causes of fatal errors. A fatal error means paging state can no longer be
// trusted; the kernel must halt.
var (
	// ErrNoVictim is returned when the replacement policy yields no page to
	// evict even after aging.
	ErrNoVictim = errors.New("no victim page")

	// ErrSwapExhausted is returned when eviction finds no free swap slot.
	ErrSwapExhausted = errors.New("swap space exhausted")

	// ErrOutOfMemory is returned when no physical frame can be allocated.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrNotSwapped is returned when a non-present entry does not carry the
	// swapped flag.
	ErrNotSwapped = errors.New("page not swapped out")

	// ErrSlotFree is returned when a swapped entry refers to a free slot.
	ErrSlotFree = errors.New("swap slot is free")

	// ErrNotSlotOwner is returned when a swapped entry refers to a slot the
	// process does not own.
	ErrNotSlotOwner = errors.New("process does not own swap slot")

	// ErrNoOwners is returned when a present entry maps a frame with no
	// recorded owners.
	ErrNoOwners = errors.New("present page has no owners")

	// ErrKernelPage is returned for a write fault on a read-only page that is
	// not user accessible.
	ErrKernelPage = errors.New("write to read-only kernel page")

	// ErrSpuriousFault is returned for a fault on a present, writable entry.
	ErrSpuriousFault = errors.New("fault on present writable page")

	// ErrBadProcess is returned for a process-table index outside
	// [0, MaxProcs) or a missing current process.
	ErrBadProcess = errors.New("invalid process")

	// ErrVaddrMismatch is returned when a frame would be owned at two
	// different virtual addresses.
	ErrVaddrMismatch = errors.New("frame mapped at conflicting virtual addresses")

	// ErrIO is returned when the backing store fails.
	ErrIO = errors.New("backing store I/O error")

	// ErrUnmapped is returned for a fault on an address with no mapping.
	ErrUnmapped = errors.New("address not mapped")

	// ErrTooManyProcs is returned when more process slots are requested than
	// an OwnerSet can hold.
	ErrTooManyProcs = errors.New("too many processes for owner set")
)

// Errors that do not halt the kernel.
var (
	// ErrMapped is returned by MapAnon for an address that already has an
	// entry.
	ErrMapped = errors.New("address already mapped")
)

// FatalError reports an unrecoverable paging failure. All locks are released
// before a FatalError is returned.
type FatalError struct {
	// Op is the operation that failed, e.g. "swap-in".
	Op string

	// Addr is the virtual address involved, if any.
	Addr hostarch.Addr

	// PID is the process involved, or 0.
	PID int32

	// Err is the cause; one of the Err* values above, possibly wrapped.
	Err error
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("%s at %v (pid %d): %v", e.Op, e.Addr, e.PID, e.Err)
}

// Unwrap returns the cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// LogFields implements log.Fielder.LogFields.
func (e *FatalError) LogFields() map[string]any {
	fields := map[string]any{"op": e.Op, "addr": e.Addr.String()}
	if e.PID != 0 {
		fields["pid"] = e.PID
	}
	return fields
}

// IsFatal returns true iff err is or wraps a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func fatal(op string, addr hostarch.Addr, p Process, err error) error {
	var pid int32
	if p != nil {
		pid = p.PID()
	}
	return &FatalError{Op: op, Addr: addr, PID: pid, Err: err}
}
