// Copyright 2026 The gVisor Authors.
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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{3*PageSize + 17, 3 * PageSize, 4 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", tc.addr, got, ok, tc.up)
		}
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address did not report overflow")
	}
}

func TestGeometry(t *testing.T) {
	if BlocksPerPage*BlockSize != PageSize {
		t.Errorf("BlocksPerPage*BlockSize = %d, want %d", BlocksPerPage*BlockSize, PageSize)
	}
	if BlocksPerPage != 8 {
		t.Errorf("BlocksPerPage = %d, want 8", BlocksPerPage)
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{Read, "r-u"},
		{Write, "-wu"},
		{ReadWrite, "rwu"},
		{AccessType{Read: true}, "r--"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.at, got, tc.want)
		}
	}
}
