// Copyright 2025 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics about memory
// object activity.
package metric

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Field contains the field name and allowed values for a metric with
// fields.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. A metric with fields keeps one counter per combination of field
// values.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// counters maps joined field values to their counter. It is immutable
	// after creation.
	counters map[string]*atomic.Uint64
}

var (
	// allMetricsMu protects allMetrics.
	allMetricsMu sync.Mutex

	// allMetrics are the registered metrics, by name.
	allMetrics = make(map[string]*Uint64Metric)
)

const fieldSep = "\x00"

func combinations(fields []Field) []string {
	keys := []string{""}
	for i, f := range fields {
		var next []string
		for _, prefix := range keys {
			for _, v := range f.allowedValues {
				if i == 0 {
					next = append(next, v)
				} else {
					next = append(next, prefix+fieldSep+v)
				}
			}
		}
		keys = next
	}
	return keys
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("invalid metric name %q", name)
	}
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("field %q of metric %q has no allowed values", f.name, name)
		}
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		counters:    make(map[string]*atomic.Uint64),
	}
	for _, key := range combinations(fields) {
		m.counters[key] = new(atomic.Uint64)
	}

	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, fmt.Errorf("metric %q already registered", name)
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q takes %d field values, got %d", m.name, len(m.fields), len(fieldValues)))
	}
	c, ok := m.counters[strings.Join(fieldValues, fieldSep)]
	if !ok {
		panic(fmt.Sprintf("metric %q: invalid field values %v", m.name, fieldValues))
	}
	return c
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// Sample is one counter value of a metric.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  uint64
}

func (m *Uint64Metric) samples() []Sample {
	keys := make([]string, 0, len(m.counters))
	for k := range m.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Sample, 0, len(keys))
	for _, k := range keys {
		s := Sample{Name: m.name, Value: m.counters[k].Load()}
		if len(m.fields) > 0 {
			s.Labels = make(map[string]string, len(m.fields))
			for i, v := range strings.Split(k, fieldSep) {
				s.Labels[m.fields[i].name] = v
			}
		}
		out = append(out, s)
	}
	return out
}

// Values returns a snapshot of every registered metric, ordered by name and
// then by field values.
func Values() []Sample {
	allMetricsMu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		ms = append(ms, m)
	}
	allMetricsMu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	var out []Sample
	for _, m := range ms {
		out = append(out, m.samples()...)
	}
	return out
}
