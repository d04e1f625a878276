// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

import "time"

// OperationKind identifies one of the four protocol operations a connector
// can implement. The runtime uses these values both as operation selectors
// and as connector capability markers.
type OperationKind string

const (
	// OperationCheck validates that a connector and its remote target are
	// ready before a measure or adjust is attempted.
	OperationCheck OperationKind = "check"

	// OperationDescribe reports the adjustable components and settings, as
	// well as the metrics a connector can gather.
	OperationDescribe OperationKind = "describe"

	// OperationMeasure collects metrics reflecting the effect of a prior or
	// ongoing adjustment.
	OperationMeasure OperationKind = "measure"

	// OperationAdjust changes a live setting of the application under
	// optimization and awaits convergence.
	OperationAdjust OperationKind = "adjust"
)

// OperationStatus is the terminal status of a single connector invocation
// within a dispatch.
type OperationStatus string

const (
	StatusSuccess   OperationStatus = "success"
	StatusFailure   OperationStatus = "failure"
	StatusTimeout   OperationStatus = "timeout"
	StatusCancelled OperationStatus = "cancelled"
)

// TargetAll is the OperationRequest target wildcard which fans an operation
// out to every activated connector whose capability set matches.
const TargetAll = "*"

// OperationRequest describes a single operation to be dispatched against the
// connector runtime. Requests are created per optimizer directive and
// consumed exactly once; they are never persisted.
type OperationRequest struct {

	// Kind is the operation to perform.
	Kind OperationKind

	// Targets lists the connectors the operation is aimed at. An empty list
	// or the TargetAll wildcard selects every connector whose capability set
	// contains Kind. A named connector lacking the capability is rejected
	// with a failure result rather than silently dropped.
	Targets []string

	// Params carries operation specific parameters, typically decoded from
	// the optimizer directive.
	Params map[string]any

	// Deadline bounds each connector invocation. A zero value selects the
	// runtime's default deadline for the operation kind.
	Deadline time.Duration
}

// Matches returns whether the request selects the named connector.
func (r *OperationRequest) Matches(name string) bool {
	if len(r.Targets) == 0 {
		return true
	}
	for _, t := range r.Targets {
		if t == TargetAll || t == name {
			return true
		}
	}
	return false
}

// OperationResult is the outcome of one connector invocation. Results are
// immutable once produced and are aggregated by the orchestrator into the
// report sent to the optimizer.
type OperationResult struct {
	Connector string          `json:"connector"`
	Kind      OperationKind   `json:"operation"`
	Status    OperationStatus `json:"status"`

	// Error carries the failure detail when Status is not success.
	Error string `json:"error,omitempty"`

	// Duration is the observed wall-clock time of the invocation.
	Duration time.Duration `json:"duration"`

	// Exactly one of the payload fields below is populated on success,
	// matching the operation kind.
	Checks      []*Check           `json:"checks,omitempty"`
	Description *Description       `json:"description,omitempty"`
	Measurement *Measurement       `json:"measurement,omitempty"`
	Adjustment  *AdjustmentOutcome `json:"adjustment,omitempty"`
}

// Succeeded is a small helper to make call sites easier to read.
func (r *OperationResult) Succeeded() bool { return r.Status == StatusSuccess }
