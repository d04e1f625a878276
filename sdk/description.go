// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

// Setting is a single adjustable parameter of a component, such as a replica
// count or a CPU allocation. The Min/Max/Step bounds describe the range the
// optimizer may propose values within.
type Setting struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value any     `json:"value,omitempty"`
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
	Step  float64 `json:"step,omitempty"`
	Unit  string  `json:"unit,omitempty"`

	// Pinned settings are reported for context but must not be modified by
	// an adjustment.
	Pinned bool `json:"pinned,omitempty"`
}

const (
	SettingTypeRange = "range"
	SettingTypeEnum  = "enum"
)

// Component is a logical part of the application under optimization that
// exposes one or more adjustable settings.
type Component struct {
	Name     string     `json:"name"`
	Settings []*Setting `json:"settings"`
}

// Metric declares a measurable quantity a connector can gather.
type Metric struct {
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// Description is the component/setting and metric baseline reported to the
// optimizer by a describe operation.
type Description struct {
	Components []*Component `json:"components,omitempty"`
	Metrics    []*Metric    `json:"metrics,omitempty"`
}

// Merge folds another description into this one. Dispatch fans describe out
// to every connector; the orchestrator merges the per-connector results into
// the single baseline transmitted upstream.
func (d *Description) Merge(other *Description) {
	if other == nil {
		return
	}
	d.Components = append(d.Components, other.Components...)
	d.Metrics = append(d.Metrics, other.Metrics...)
}

// Adjustment is the set of setting changes proposed by the optimizer for a
// single component.
type Adjustment struct {
	Component string         `json:"component"`
	Settings  map[string]any `json:"settings"`
}

// AdjustmentOutcome reports what an adjust operation actually did. A
// connector must not report success until the underlying system has
// converged on the change or its deadline elapsed.
type AdjustmentOutcome struct {
	Applied []*Adjustment `json:"applied,omitempty"`

	// ConvergedIn is the time between submitting the change and the system
	// reporting it had taken effect.
	ConvergedIn string `json:"converged_in,omitempty"`
}
