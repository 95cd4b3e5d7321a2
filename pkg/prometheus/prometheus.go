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

// Package prometheus contains Prometheus-compliant metric data structures and
// utilities. It can export data in Prometheus data format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/pager/pkg/metric"
)

// Prefix is prepended to every exported metric name.
const Prefix = "pager"

// Name converts a registered metric name such as "/mm/evictions" into a
// Prometheus metric name such as "pager_mm_evictions".
func Name(metricName string) string {
	return Prefix + strings.ReplaceAll(metricName, "/", "_")
}

// Families groups samples into metric families, one per registered metric.
func Families(samples []metric.Sample) []*dto.MetricFamily {
	var families []*dto.MetricFamily
	byName := make(map[string]*dto.MetricFamily)
	for _, s := range samples {
		mf, ok := byName[s.Name]
		if !ok {
			typ := dto.MetricType_GAUGE
			if s.Cumulative {
				typ = dto.MetricType_COUNTER
			}
			mf = &dto.MetricFamily{
				Name: proto.String(Name(s.Name)),
				Help: proto.String(s.Description),
				Type: typ.Enum(),
			}
			byName[s.Name] = mf
			families = append(families, mf)
		}
		m := &dto.Metric{Label: labels(s.Fields)}
		v := proto.Float64(float64(s.Value))
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: v}
		} else {
			m.Gauge = &dto.Gauge{Value: v}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return families
}

func labels(fields map[string]string) []*dto.LabelPair {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(fields[name]),
		})
	}
	return pairs
}

// Write writes the given samples to w in the Prometheus text exposition
// format.
func Write(w io.Writer, samples []metric.Sample) error {
	for _, mf := range Families(samples) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteSnapshot writes every registered metric to w.
func WriteSnapshot(w io.Writer) error {
	return Write(w, metric.Snapshot())
}
