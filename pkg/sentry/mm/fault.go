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

// HandleFault resolves a page fault taken by the current process at
// ctx.FaultAddr().
//
// A non-present entry is swapped in. A present, read-only user entry is
// copied on write. Any other faulting entry is fatal. On a nil return the
// faulting access should be retried.
func (m *Manager) HandleFault(ctx Context) error {
	p := ctx.Current()
	va := ctx.FaultAddr().RoundDown()
	if err := m.checkProcess(p); err != nil {
		return fatal("fault", va, p, err)
	}
	pte := p.PageTables().Walk(va, false)
	if pte == nil {
		return fatal("fault", va, p, ErrUnmapped)
	}
	v := pte.Load()
	if fc, ok := ctx.(FaultEntryContext); ok && !sameMapping(fc.FaultEntry(), v) {
		// Another core resolved or changed the entry after the walker
		// faulted on it.
		races.Increment("fault")
		raceLog.Debugf("Fault at %v in pid %d: entry changed from %v to %v", va, p.PID(), fc.FaultEntry(), v)
		return nil
	}

	switch {
	case !v.Valid():
		return fatal("fault", va, p, ErrUnmapped)
	case !v.Present():
		return m.swapIn(ctx, p, va, pte)
	case !v.Writable() && v.User():
		return m.breakCOW(ctx, p, va, pte)
	case !v.Writable():
		return fatal("fault", va, p, ErrKernelPage)
	default:
		return fatal("fault", va, p, ErrSpuriousFault)
	}
}
