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
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// Fielder is implemented by log arguments that carry structured data, such as
// a paging failure naming the faulting process and address. JSONEmitter
// records the fields of every such argument, or of the first such error in an
// argument's chain, beside the message.
type Fielder interface {
	LogFields() map[string]any
}

// jsonLog is one JSON record.
type jsonLog struct {
	Msg    string         `json:"msg"`
	Level  Level          `json:"level"`
	Time   time.Time      `json:"time"`
	Source string         `json:"source,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		var n uint32
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("unknown level %s", b)
		}
		name = levelNames[Level(n)]
	}
	for level, s := range levelNames {
		if s == name {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown level %s", b)
}

// logFields merges the fields carried by args. Later arguments win.
func logFields(args []any) map[string]any {
	var fields map[string]any
	for _, a := range args {
		var f Fielder
		switch v := a.(type) {
		case error:
			if !errors.As(v, &f) {
				continue
			}
		case Fielder:
			f = v
		default:
			continue
		}
		for k, val := range f.LogFields() {
			if fields == nil {
				fields = make(map[string]any)
			}
			fields[k] = val
		}
	}
	return fields
}

// JSONEmitter logs one JSON record per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:    fmt.Sprintf(format, v...),
		Level:  level,
		Time:   timestamp,
		Fields: logFields(v),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		j.Source = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		// A field value that does not marshal is logged as text.
		j.Fields = map[string]any{"error": err.Error()}
		b, _ = json.Marshal(j)
	}
	e.Writer.Write(append(b, '\n'))
}
