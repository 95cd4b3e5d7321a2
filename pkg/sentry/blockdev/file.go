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

package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
)

// ErrLocked is returned when another process holds the swap file.
var ErrLocked = errors.New("swap file is locked by another process")

// FileDevice is a block device backed by a host file. The file is locked for
// exclusive use while the device is open.
type FileDevice struct {
	f       *os.File
	lock    *flock.Flock
	nblocks uint64
}

// FileOptions configure OpenFile.
type FileOptions struct {
	// LockTimeout bounds how long OpenFile waits for another holder of the
	// file lock to release it. If it is shorter than the poll interval, the
	// lock is tried once.
	LockTimeout time.Duration

	// Sync opens the file with O_SYNC, so each write reaches stable storage
	// before it returns.
	Sync bool
}

// lockPollInterval is how often OpenFile retries a held lock.
const lockPollInterval = 10 * time.Millisecond

// OpenFile opens (creating if needed) the file at path as a device of nblocks
// blocks. The file is resized to exactly nblocks blocks.
func OpenFile(ctx context.Context, path string, nblocks uint64, opts FileOptions) (*FileDevice, error) {
	lock := flock.New(path + ".lock")
	var b backoff.BackOff = &backoff.StopBackOff{}
	if tries := uint64(opts.LockTimeout / lockPollInterval); tries > 0 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(lockPollInterval), tries)
	}
	op := func() error {
		locked, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return ErrLocked
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}
	cu := cleanup.Make(func() {
		if err := lock.Unlock(); err != nil {
			log.Warningf("Unlocking %q: %v", lock.Path(), err)
		}
	})
	defer cu.Clean()

	flags := os.O_RDWR | os.O_CREATE
	if opts.Sync {
		flags |= os.O_SYNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening swap file: %w", err)
	}
	cu.Add(func() { f.Close() })

	if err := unix.Ftruncate(int(f.Fd()), int64(nblocks*hostarch.BlockSize)); err != nil {
		return nil, fmt.Errorf("resizing swap file %q to %d blocks: %w", path, nblocks, err)
	}

	log.Infof("Opened swap file %q: %d blocks, sync %t", path, nblocks, opts.Sync)
	cu.Release()
	return &FileDevice{f: f, lock: lock, nblocks: nblocks}, nil
}

// NumBlocks returns the device size in blocks.
func (d *FileDevice) NumBlocks() uint64 {
	return d.nblocks
}

// ReadPage reads the page starting at blockno into dst.
func (d *FileDevice) ReadPage(dst []byte, blockno uint64) error {
	if err := checkTransfer(dst, blockno, d.nblocks); err != nil {
		return err
	}
	off := int64(blockno * hostarch.BlockSize)
	for done := 0; done < len(dst); {
		n, err := unix.Pread(int(d.f.Fd()), dst[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading block %d: %w", blockno, err)
		}
		if n == 0 {
			return fmt.Errorf("reading block %d: short read of %d bytes", blockno, done)
		}
		done += n
	}
	pageReads.Increment("file")
	return nil
}

// WritePage writes src to the page starting at blockno.
func (d *FileDevice) WritePage(src []byte, blockno uint64) error {
	if err := checkTransfer(src, blockno, d.nblocks); err != nil {
		return err
	}
	off := int64(blockno * hostarch.BlockSize)
	for done := 0; done < len(src); {
		n, err := unix.Pwrite(int(d.f.Fd()), src[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("writing block %d: %w", blockno, err)
		}
		done += n
	}
	pageWrites.Increment("file")
	return nil
}

// Flush commits written pages to stable storage.
func (d *FileDevice) Flush() error {
	return unix.Fsync(int(d.f.Fd()))
}

// Close releases the file and its lock.
func (d *FileDevice) Close() error {
	err := d.f.Close()
	if uerr := d.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
