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

package kernel

import (
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/mm"
)

var shootdowns = metric.MustCreateNewUint64Metric("/kernel/shootdowns", "Remote walker cache invalidations.")

// Machine is the set of CPUs.
type Machine struct {
	cpus []*CPU
}

// Shootdown implements mm.Shootdowner.Shootdown. It invalidates the
// translation cache of the CPU running p, if any, and returns once no access
// by p that began before the call is still in flight.
func (m *Machine) Shootdown(p mm.Process) {
	for _, c := range m.cpus {
		if cur := c.Current(); cur != nil && cur.Index() == p.Index() {
			c.shootdown()
			shootdowns.Increment()
		}
	}
}

// CPU returns CPU id.
func (m *Machine) CPU(id int) *CPU {
	return m.cpus[id]
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}
