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

package metric

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = &metricSet{uint64s: make(map[string]*Uint64Metric)}
}

func TestRegister(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", true, "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", true, "again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("Bad Name", true, "bad"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric(bad name) got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/empty", true, "empty", NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric(empty field) got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/mm/faults", "faults",
		NewField("kind", []string{"swapin", "cow"}),
		NewField("result", []string{"ok", "race"}))
	m.Increment("swapin", "ok")
	m.IncrementBy(3, "cow", "race")
	m.Increment("cow", "race")

	if got := m.Value("cow", "race"); got != 4 {
		t.Errorf("Value(cow, race) = %d, want 4", got)
	}
	if got := m.Value("swapin", "race"); got != 0 {
		t.Errorf("Value(swapin, race) = %d, want 0", got)
	}

	want := []Sample{
		{Name: "/mm/faults", Description: "faults", Cumulative: true, Fields: map[string]string{"kind": "swapin", "result": "ok"}, Value: 1},
		{Name: "/mm/faults", Description: "faults", Cumulative: true, Fields: map[string]string{"kind": "swapin", "result": "race"}, Value: 0},
		{Name: "/mm/faults", Description: "faults", Cumulative: true, Fields: map[string]string{"kind": "cow", "result": "ok"}, Value: 0},
		{Name: "/mm/faults", Description: "faults", Cumulative: true, Fields: map[string]string{"kind": "cow", "result": "race"}, Value: 4},
	}
	if diff := cmp.Diff(want, Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedFieldPanics(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/x", "x", NewField("kind", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}

func TestGauge(t *testing.T) {
	defer reset()

	g := MustCreateNewUint64Gauge("/swap/free_slots", "free slots")
	g.Set(12)
	g.Set(7)
	s := Snapshot()
	if len(s) != 1 || s[0].Value != 7 || s[0].Cumulative {
		t.Errorf("Snapshot() = %+v, want one gauge sample of 7", s)
	}
}
