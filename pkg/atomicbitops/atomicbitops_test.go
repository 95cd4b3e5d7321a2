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

package atomicbitops

import (
	"runtime"
	"testing"

	"gvisor.dev/pager/pkg/sync"
)

const iterations = 100

func detectRaces64(val, target uint64, fn func(*uint64, uint64) uint64) bool {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		x := val
		var wg sync.WaitGroup
		for i := uint64(0); i < 64; i++ {
			wg.Add(1)
			go func(a *uint64, i uint64) {
				defer wg.Done()
				fn(a, uint64(1<<i))
			}(&x, i)
		}
		wg.Wait()
		if x != target {
			return true
		}
	}
	return false
}

func TestOrUint64(t *testing.T) {
	if detectRaces64(0x0, 0xffffffffffffffff, OrUint64) {
		t.Error("Data race detected!")
	}
}

func TestAndUint64(t *testing.T) {
	if detectRaces64(0xffffffffffffffff, 0x0, func(a *uint64, v uint64) uint64 {
		return AndUint64(a, ^v)
	}) {
		t.Error("Data race detected!")
	}
}

func TestOrReturnsPrevious(t *testing.T) {
	x := uint64(0x5)
	if prev := OrUint64(&x, 0x2); prev != 0x5 || x != 0x7 {
		t.Errorf("OrUint64 = %#x (x=%#x), want 0x5 (x=0x7)", prev, x)
	}
	if prev := AndUint64(&x, ^uint64(0x1)); prev != 0x7 || x != 0x6 {
		t.Errorf("AndUint64 = %#x (x=%#x), want 0x7 (x=0x6)", prev, x)
	}
}

func TestCompareAndSwapUint64(t *testing.T) {
	tests := []struct {
		name string
		prev uint64
		old  uint64
		new  uint64
		next uint64
	}{
		{
			name: "Successful compare-and-swap with prev == new",
			prev: 10,
			old:  10,
			new:  10,
			next: 10,
		},
		{
			name: "Successful compare-and-swap with prev != new",
			prev: 20,
			old:  20,
			new:  22,
			next: 22,
		},
		{
			name: "Failed compare-and-swap",
			prev: 31,
			old:  30,
			new:  33,
			next: 31,
		},
	}
	for _, test := range tests {
		val := test.prev
		prev := CompareAndSwapUint64(&val, test.old, test.new)
		if got, want := prev, test.prev; got != want {
			t.Errorf("%s: incorrect returned previous value: got %d, expected %d", test.name, got, want)
		}
		if got, want := val, test.next; got != want {
			t.Errorf("%s: incorrect value stored in val: got %d, expected %d", test.name, got, want)
		}
	}
}

func TestCounters(t *testing.T) {
	var i Int64
	i.Add(5)
	i.Add(-7)
	if got := i.Load(); got != -2 {
		t.Errorf("Int64 = %d, want -2", got)
	}
	var u Uint64
	u.Add(3)
	if old := u.Swap(9); old != 3 || u.Load() != 9 {
		t.Errorf("Uint64.Swap returned %d (now %d), want 3 (now 9)", old, u.Load())
	}
	var b Bool
	if b.Swap(true) || !b.Load() {
		t.Errorf("Bool.Swap(true) on false did not report false and store true")
	}
}
