// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connector

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
)

// Connector is the common interface all servo connectors implement. It
// defines basic functionality which helps the runtime deal with connectors in
// a common manner; the operation surface of a connector is declared by
// additionally implementing one or more of the capability interfaces below.
type Connector interface {

	// Descriptor returns the immutable metadata registered for the
	// connector, including its declared capability set and the schema its
	// configuration is validated against.
	Descriptor() *Descriptor

	// SetConfig hands the connector its validated configuration slice. If
	// this call fails the connector is considered in a terminal state and is
	// excluded from the active set.
	SetConfig(config map[string]any) error

	// Close releases any resources the connector holds. It is called exactly
	// once, on deactivation or process shutdown, and never while an
	// operation against the connector is outstanding.
	Close() error
}

// Checker is implemented by connectors able to validate that their remote
// target is ready and reachable.
type Checker interface {
	Connector
	Check(ctx context.Context) ([]*sdk.Check, error)
}

// Describer is implemented by connectors able to report adjustable
// components and available metrics.
type Describer interface {
	Connector
	Describe(ctx context.Context) (*sdk.Description, error)
}

// Measurer is implemented by connectors able to gather metrics.
type Measurer interface {
	Connector
	Measure(ctx context.Context, params map[string]any) (*sdk.Measurement, error)
}

// Adjuster is implemented by connectors able to apply setting changes to the
// system under optimization. Adjust must not return nil until the change has
// taken effect or ctx expires, whichever comes first.
type Adjuster interface {
	Connector
	Adjust(ctx context.Context, adjustments []*sdk.Adjustment) (*sdk.AdjustmentOutcome, error)
}

// Descriptor contains connector metadata and is immutable after
// registration. One descriptor exists per connector type.
type Descriptor struct {
	Name    string
	Version string

	// Capabilities is the subset of operations the connector implements. The
	// runtime capability-checks requests against this set before dispatch
	// rather than probing dynamically.
	Capabilities []sdk.OperationKind

	// ConfigSchema is the JSON-Schema-shaped contract for the connector's
	// settings. The configuration registry composes these fragments into a
	// whole-document schema before any connector is activated.
	ConfigSchema *openapi3.Schema
}

// Has returns whether the descriptor declares the passed capability.
func (d *Descriptor) Has(k sdk.OperationKind) bool {
	for _, c := range d.Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// String returns a human readable version of the descriptor identity.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%q (%s)", d.Name, d.Version)
}

// Factory is used to return a new connector instance. The factory must not
// perform I/O; connectors reach their remote systems lazily from SetConfig
// or from operation calls.
type Factory func(log hclog.Logger, bus *eventbus.Bus) Connector

// Implements reports whether the connector's concrete type satisfies the
// capability interface for the passed operation kind. Descriptors declare
// capabilities; this guards against a descriptor advertising an operation
// the type does not actually implement.
func Implements(c Connector, k sdk.OperationKind) bool {
	switch k {
	case sdk.OperationCheck:
		_, ok := c.(Checker)
		return ok
	case sdk.OperationDescribe:
		_, ok := c.(Describer)
		return ok
	case sdk.OperationMeasure:
		_, ok := c.(Measurer)
		return ok
	case sdk.OperationAdjust:
		_, ok := c.(Adjuster)
		return ok
	default:
		return false
	}
}
