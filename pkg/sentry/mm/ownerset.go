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
	"fmt"
	"strings"

	"gvisor.dev/pager/pkg/bits"
)

// MaxProcs is the largest number of process-table slots an OwnerSet can
// represent.
const MaxProcs = 64

// OwnerSet is a set of process-table slot indices.
type OwnerSet uint64

// OwnerSetOf returns the set containing the given indices.
func OwnerSetOf(procs ...int) OwnerSet {
	return OwnerSet(bits.Mask64(procs...))
}

// Has returns true iff proc is in the set.
func (s OwnerSet) Has(proc int) bool {
	return bits.IsOn64(uint64(s), bits.MaskOf64(proc))
}

// Add returns s with proc added.
func (s OwnerSet) Add(proc int) OwnerSet {
	return s | OwnerSet(bits.MaskOf64(proc))
}

// Remove returns s with proc removed.
func (s OwnerSet) Remove(proc int) OwnerSet {
	return s &^ OwnerSet(bits.MaskOf64(proc))
}

// Count returns the number of processes in the set.
func (s OwnerSet) Count() int {
	return bits.Popcount64(uint64(s))
}

// Empty returns true iff the set has no members.
func (s OwnerSet) Empty() bool {
	return s == 0
}

// ForEach calls fn for each member, lowest index first, until fn returns
// false.
func (s OwnerSet) ForEach(fn func(proc int) bool) {
	bits.ForEachSetBit64(uint64(s), fn)
}

// Slice returns the members in ascending order.
func (s OwnerSet) Slice() []int {
	procs := make([]int, 0, s.Count())
	s.ForEach(func(proc int) bool {
		procs = append(procs, proc)
		return true
	})
	return procs
}

// String implements fmt.Stringer.String.
func (s OwnerSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	s.ForEach(func(proc int) bool {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%d", proc)
		return true
	})
	b.WriteByte('}')
	return b.String()
}
