// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"sort"
	"time"
)

// TimestampedValue is a single metric sample.
type TimestampedValue struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricReading is a named series of samples gathered during one measure
// operation.
type MetricReading struct {
	Name   string             `json:"name"`
	Unit   string             `json:"unit,omitempty"`
	Values []TimestampedValue `json:"values"`
}

// Latest returns the most recent sample in the reading, or a zero value if
// the reading is empty.
func (m *MetricReading) Latest() TimestampedValue {
	if len(m.Values) == 0 {
		return TimestampedValue{}
	}
	return m.Values[len(m.Values)-1]
}

// Measurement is the payload of a successful measure operation.
type Measurement struct {
	Readings []*MetricReading `json:"readings"`

	// Duration is the measurement window the readings cover.
	Duration time.Duration `json:"duration,omitempty"`
}

// SortReadings orders the readings by metric name so measurement payloads are
// deterministic regardless of gathering order.
func (m *Measurement) SortReadings() {
	sort.Slice(m.Readings, func(i, j int) bool {
		return m.Readings[i].Name < m.Readings[j].Name
	})
}
