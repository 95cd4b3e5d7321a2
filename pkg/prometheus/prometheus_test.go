// Copyright 2023 The gVisor Authors.
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

package prometheus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/common/expfmt"
	"gvisor.dev/pager/pkg/metric"
)

func TestName(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{in: "/mm/evictions", want: "pager_mm_evictions"},
		{in: "/swap_ins", want: "pager_swap_ins"},
	} {
		if got := Name(tc.in); got != tc.want {
			t.Errorf("Name(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	samples := []metric.Sample{
		{Name: "/mm/faults", Description: "Page faults handled.", Cumulative: true, Fields: map[string]string{"kind": "cow"}, Value: 3},
		{Name: "/mm/faults", Description: "Page faults handled.", Cumulative: true, Fields: map[string]string{"kind": "swapin"}, Value: 5},
		{Name: "/swap/free_slots", Description: "Free swap slots.", Value: 9},
	}
	var buf bytes.Buffer
	if err := Write(&buf, samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE pager_mm_faults counter",
		`pager_mm_faults{kind="cow"} 3`,
		`pager_mm_faults{kind="swapin"} 5`,
		"# TYPE pager_swap_free_slots gauge",
		"pager_swap_free_slots 9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(out))
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	if got := len(families["pager_mm_faults"].GetMetric()); got != 2 {
		t.Errorf("parsed %d pager_mm_faults samples, want 2", got)
	}
	if got := families["pager_swap_free_slots"].GetMetric()[0].GetGauge().GetValue(); got != 9 {
		t.Errorf("parsed gauge = %v, want 9", got)
	}
}
