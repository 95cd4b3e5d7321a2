// Copyright 2019 The gVisor Authors.
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

// Package blockdev provides backing stores addressed in fixed-size blocks.
//
// A page occupies hostarch.BlocksPerPage consecutive blocks. Devices transfer
// whole pages; ReadPage and WritePage are synchronous and may be called
// concurrently for disjoint block ranges.
package blockdev

import (
	"errors"
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sync"
)

// ErrOutOfRange is returned for transfers beyond the end of the device.
var ErrOutOfRange = errors.New("block out of range")

var (
	pageReads  = metric.MustCreateNewUint64Metric("/blockdev/page_reads", "Pages read from backing store.", metric.NewField("device", []string{"memory", "file"}))
	pageWrites = metric.MustCreateNewUint64Metric("/blockdev/page_writes", "Pages written to backing store.", metric.NewField("device", []string{"memory", "file"}))
)

func checkTransfer(buf []byte, blockno, nblocks uint64) error {
	if len(buf) != hostarch.PageSize {
		return fmt.Errorf("transfer buffer is %d bytes, want %d", len(buf), hostarch.PageSize)
	}
	if blockno > nblocks || nblocks-blockno < hostarch.BlocksPerPage {
		return fmt.Errorf("page at block %d (device has %d blocks): %w", blockno, nblocks, ErrOutOfRange)
	}
	return nil
}

// MemoryDevice is a block device held in host memory.
type MemoryDevice struct {
	mu      sync.RWMutex
	data    []byte
	nblocks uint64
}

// NewMemoryDevice returns a zeroed device of nblocks blocks.
func NewMemoryDevice(nblocks uint64) *MemoryDevice {
	return &MemoryDevice{
		data:    make([]byte, nblocks*hostarch.BlockSize),
		nblocks: nblocks,
	}
}

// NumBlocks returns the device size in blocks.
func (d *MemoryDevice) NumBlocks() uint64 {
	return d.nblocks
}

// ReadPage copies the page starting at blockno into dst.
func (d *MemoryDevice) ReadPage(dst []byte, blockno uint64) error {
	if err := checkTransfer(dst, blockno, d.nblocks); err != nil {
		return err
	}
	off := blockno * hostarch.BlockSize
	d.mu.RLock()
	copy(dst, d.data[off:off+hostarch.PageSize])
	d.mu.RUnlock()
	pageReads.Increment("memory")
	return nil
}

// WritePage copies src to the page starting at blockno.
func (d *MemoryDevice) WritePage(src []byte, blockno uint64) error {
	if err := checkTransfer(src, blockno, d.nblocks); err != nil {
		return err
	}
	off := blockno * hostarch.BlockSize
	d.mu.Lock()
	copy(d.data[off:off+hostarch.PageSize], src)
	d.mu.Unlock()
	pageWrites.Increment("memory")
	return nil
}

// Flush has nothing to commit.
func (d *MemoryDevice) Flush() error {
	return nil
}

// Close implements io.Closer.Close.
func (d *MemoryDevice) Close() error {
	return nil
}
