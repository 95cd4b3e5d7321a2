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

package bits

import (
	"reflect"
	"testing"
)

func TestIsOn(t *testing.T) {
	type spec struct {
		mask uint64
		bits uint64
		any  bool
		all  bool
	}
	for _, s := range []spec{
		{Mask64(0), Mask64(0), true, true},
		{Mask64(63), Mask64(63), true, true},
		{Mask64(0), Mask64(1), false, false},
		{Mask64(0), Mask64(0, 1), true, false},

		{Mask64(1, 63), Mask64(1), true, true},
		{Mask64(1, 63), Mask64(1, 63), true, true},
		{Mask64(1, 63), Mask64(0, 1, 63), true, false},
		{Mask64(1, 63), Mask64(0, 62), false, false},
	} {
		if ok := IsAnyOn64(s.mask, s.bits); ok != s.any {
			t.Errorf("IsAnyOn64(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.any)
		}
		if ok := IsOn64(s.mask, s.bits); ok != s.all {
			t.Errorf("IsOn64(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.all)
		}
	}
}

func TestPopcount64(t *testing.T) {
	for i := 0; i <= 64; i++ {
		n := ^uint64(0) >> uint(64-i)
		if i == 0 {
			n = 0
		}
		if got := Popcount64(n); got != i {
			t.Errorf("Popcount64(%#x) = %d, want %d", n, got, i)
		}
	}
}

func TestForEachSetBit64(t *testing.T) {
	var got []int
	ForEachSetBit64(Mask64(0, 5, 17, 63), func(i int) bool {
		got = append(got, i)
		return true
	})
	if want := []int{0, 5, 17, 63}; !reflect.DeepEqual(got, want) {
		t.Errorf("ForEachSetBit64 visited %v, want %v", got, want)
	}

	got = nil
	ForEachSetBit64(Mask64(1, 2, 3), func(i int) bool {
		got = append(got, i)
		return i < 2
	})
	if want := []int{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("ForEachSetBit64 with early stop visited %v, want %v", got, want)
	}
}
