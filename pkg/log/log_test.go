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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	fmt.Printf("writer: %#v\n", &w)

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %#v, expected: %#v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file/line.
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("hidden")
	bl.Infof("shown")
	bl.Warningf("shown")
	if got := len(tw.lines); got != 2 {
		t.Errorf("got %d lines at Info, want 2: %q", got, tw.lines)
	}
	bl.SetLevel(Warning)
	bl.Infof("hidden")
	if got := len(tw.lines); got != 2 {
		t.Errorf("got %d lines at Warning, want 2: %q", got, tw.lines)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Debug,
	}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("repeated %d", i)
	}
	if got := len(tw.lines); got != 1 {
		t.Errorf("rate limited logger emitted %d lines, want 1", got)
	}
}

type fieldError struct {
	addr string
}

func (e fieldError) Error() string             { return "fault at " + e.addr }
func (e fieldError) LogFields() map[string]any { return map[string]any{"addr": e.addr} }

func TestJSONEmitter(t *testing.T) {
	ts := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name       string
		args       []any
		wantMsg    string
		wantFields map[string]any
	}{
		{
			name:    "plain",
			args:    []any{7},
			wantMsg: "frame 7",
		},
		{
			name:       "wrapped fields",
			args:       []any{fmt.Errorf("evict: %w", fieldError{addr: "0x4000"})},
			wantMsg:    "frame evict: fault at 0x4000",
			wantFields: map[string]any{"addr": "0x4000"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tw := &testWriter{}
			e := JSONEmitter{Writer: &Writer{Next: tw}}
			e.Emit(0, Warning, ts, "frame %v", tc.args...)
			if len(tw.lines) != 1 {
				t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
			}
			var got jsonLog
			if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
				t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
			}
			if got.Level != Warning || !got.Time.Equal(ts) || got.Msg != tc.wantMsg {
				t.Errorf("got %+v, want level warning, time %v, msg %q", got, ts, tc.wantMsg)
			}
			if !strings.HasPrefix(got.Source, "log_test.go:") {
				t.Errorf("Source = %q, want log_test.go:<line>", got.Source)
			}
			if diff := cmp.Diff(tc.wantFields, got.Fields); diff != "" {
				t.Errorf("Fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `1`, want: Info},
		{in: `"debug"`, want: Debug},
	} {
		var l Level
		if err := l.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s): %v", tc.in, err)
			continue
		}
		if l != tc.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tc.in, l, tc.want)
		}
	}
	var l Level
	if err := l.UnmarshalJSON([]byte(`"verbose"`)); err == nil {
		t.Errorf("UnmarshalJSON of unknown level succeeded")
	}
}
