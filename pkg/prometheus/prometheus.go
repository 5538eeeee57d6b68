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

// Package prometheus writes metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String returns the type as written in a TYPE comment.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// Metric is Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name, without the exporter prefix.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional string explaining what the metric is about.
	Help string
}

// writeHeaderTo writes the HELP and TYPE comments of m.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, m.Type)
	return err
}

// Data is an observation of the value of a single metric.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string

	// Value is the observed value. Prometheus values are floats; every
	// value exported here is an integer count.
	Value int64
}

// NewIntData returns a new Data with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Value: val}
}

// LabeledIntData returns a new Data with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

// OrderedLabels returns the list of 'label_key="label_value"' in sorted order.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	seen := make(map[string]struct{})
	var ordered []string
	for _, labelMap := range labels {
		for k, v := range labelMap {
			if _, found := seen[k]; found {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(ordered)
	return ordered, nil
}

// writeTo writes the line for d.
func (d *Data) writeTo(w io.Writer, when time.Time, options ExportOptions) error {
	if _, err := io.WriteString(w, options.ExporterPrefix+d.Metric.Name); err != nil {
		return err
	}
	labels, err := OrderedLabels(d.Labels, options.ExtraLabels)
	if err != nil {
		return fmt.Errorf("metric %s: %w", d.Metric.Name, err)
	}
	if len(labels) > 0 {
		if _, err := fmt.Fprintf(w, "{%s}", strings.Join(labels, ",")); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, " %d %d\n", d.Value, when.UnixMilli())
	return err
}

// Snapshot is a snapshot of the values of all the metrics at a certain
// point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time

	// Data is the whole snapshot data. Each Data must be a unique
	// combination of (Metric, Labels) within a Snapshot.
	Data []*Data
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions control how a snapshot is written.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// Write writes s to w. Data of the same metric are written together under
// a single header, in the order each metric first appears in s.
func Write(w io.Writer, options ExportOptions, s *Snapshot) error {
	bw := bufio.NewWriter(w)
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(bw, "# %s\n", line); err != nil {
				return err
			}
		}
	}

	var order []*Metric
	byMetric := make(map[string][]*Data)
	for _, d := range s.Data {
		if _, ok := byMetric[d.Metric.Name]; !ok {
			order = append(order, d.Metric)
		}
		byMetric[d.Metric.Name] = append(byMetric[d.Metric.Name], d)
	}
	for _, m := range order {
		if err := m.writeHeaderTo(bw, options.ExporterPrefix); err != nil {
			return err
		}
		for _, d := range byMetric[m.Name] {
			if err := d.writeTo(bw, s.When, options); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
