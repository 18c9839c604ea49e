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

// Package metric provides primitives for collecting kernel metrics and
// exporting them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/common/expfmt"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrInvalidName indicates a name that cannot be exported.
	ErrInvalidName = errors.New("metric name must be a lowercase path starting with /")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// index returns the position of v in the allowed values. It panics on a
// value that was not declared.
func (f *Field) index(v string) int {
	for i, a := range f.allowedValues {
		if a == v {
			return i
		}
	}
	panic(fmt.Sprintf("metric field %q: value %q not allowed", f.name, v))
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. It is broken down by at most one field.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool
	field       *Field

	// values holds one counter per allowed field value, or a single
	// counter when there is no field.
	values []atomic.Uint64
}

func (m *Uint64Metric) key(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %q has no fields", m.name))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %q needs exactly one field value", m.name))
	}
	return m.field.index(fieldValues[0])
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Set stores v. It is only meaningful for gauges.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Store(v)
}

// gaugeFunc is a gauge whose value is computed on export.
type gaugeFunc struct {
	name        string
	description string
	value       func() uint64
}

// Registry holds a set of metrics. Each kernel owns one.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
	gauges  map[string]*gaugeFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Uint64Metric),
		gauges:  make(map[string]*gaugeFunc),
	}
}

func (r *Registry) checkName(name string) error {
	if !strings.HasPrefix(name, "/") || strings.ToLower(name) != name || strings.ContainsAny(name, " -") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.metrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	if _, ok := r.gauges[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	return nil
}

// NewUint64Metric creates and registers a new metric with the given name.
// Cumulative metrics are exported as counters and others as gauges.
func (r *Registry) NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	if len(fields) > 1 {
		return nil, fmt.Errorf("metric %q: at most one field is supported", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		values:      make([]atomic.Uint64, 1),
	}
	if len(fields) == 1 {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	}
	r.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustRegisterGaugeFunc registers a gauge computed by value at export time.
func (r *Registry) MustRegisterGaugeFunc(name, description string, value func() uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		panic(fmt.Sprintf("Unable to register gauge %q: %s", name, err))
	}
	r.gauges[name] = &gaugeFunc{name: name, description: description, value: value}
}

// Values returns every metric value keyed by name, with field values joined
// as name{value}.
func (r *Registry) Values() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64)
	for name, m := range r.metrics {
		if m.field == nil {
			out[name] = m.values[0].Load()
			continue
		}
		for i, v := range m.field.allowedValues {
			out[fmt.Sprintf("%s{%s}", name, v)] = m.values[i].Load()
		}
	}
	for name, g := range r.gauges {
		out[name] = g.value()
	}
	return out
}

// promName converts a metric path to a Prometheus metric name.
func promName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// families returns the registry contents as Prometheus metric families,
// sorted by name.
func (r *Registry) families(prefix string) []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fams []*dto.MetricFamily
	for _, m := range r.metrics {
		fam := &dto.MetricFamily{
			Name: proto.String(promName(prefix, m.name)),
			Help: proto.String(m.description),
		}
		typ := dto.MetricType_GAUGE
		if m.cumulative {
			typ = dto.MetricType_COUNTER
		}
		fam.Type = typ.Enum()
		sample := func(v uint64, labels []*dto.LabelPair) *dto.Metric {
			if m.cumulative {
				return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: proto.Float64(float64(v))}}
			}
			return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(float64(v))}}
		}
		if m.field == nil {
			fam.Metric = append(fam.Metric, sample(m.values[0].Load(), nil))
		} else {
			for i, v := range m.field.allowedValues {
				labels := []*dto.LabelPair{{Name: proto.String(m.field.name), Value: proto.String(v)}}
				fam.Metric = append(fam.Metric, sample(m.values[i].Load(), labels))
			}
		}
		fams = append(fams, fam)
	}
	for _, g := range r.gauges {
		fams = append(fams, &dto.MetricFamily{
			Name:   proto.String(promName(prefix, g.name)),
			Help:   proto.String(g.description),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(float64(g.value()))}}},
		})
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// WritePrometheus writes all metrics in the Prometheus text exposition
// format. Names are derived from metric paths and prefixed with prefix.
func (r *Registry) WritePrometheus(w io.Writer, prefix string) error {
	for _, fam := range r.families(prefix) {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return fmt.Errorf("writing %s: %w", fam.GetName(), err)
		}
	}
	return nil
}
