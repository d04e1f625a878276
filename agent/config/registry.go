// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

// SchemaViolation is one validation failure found while checking the merged
// connector configuration document.
type SchemaViolation struct {

	// Field is the JSON pointer style path of the offending value.
	Field string

	// Reason describes the expected shape.
	Reason string
}

func (v *SchemaViolation) Error() string {
	if v.Field == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// ConfigError is the aggregate of all schema violations. It is fatal at
// startup and never retried.
type ConfigError struct {
	Violations []*SchemaViolation
}

func (e *ConfigError) Error() string {
	points := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		points[i] = v.Error()
	}
	return "invalid connector configuration: " + strings.Join(points, ", ")
}

// Registry composes per-connector configuration schema fragments into a
// whole-document schema and validates the merged configuration against it.
// Each connector contributes its fragment through its descriptor.
type Registry struct {
	descriptors map[string]*connector.Descriptor
}

// NewRegistry returns a registry holding the passed connector descriptors.
func NewRegistry(descs ...*connector.Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]*connector.Descriptor)}
	for _, d := range descs {
		r.descriptors[d.Name] = d
	}
	return r
}

// Descriptors returns the registered descriptors sorted by connector name.
func (r *Registry) Descriptors() []*connector.Descriptor {
	out := make([]*connector.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ComposeSchema builds the whole-document schema: one property per known
// connector, no additional top-level properties permitted. Connectors which
// do not publish a schema fragment accept any object.
func (r *Registry) ComposeSchema() *openapi3.Schema {
	doc := openapi3.NewObjectSchema()
	doc.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}

	for _, d := range r.Descriptors() {
		frag := d.ConfigSchema
		if frag == nil {
			frag = openapi3.NewObjectSchema()
		}
		doc.WithProperty(d.Name, frag)
	}
	return doc
}

// Validate checks the merged connector configuration document against the
// composed schema, returning a ConfigError describing every violation found.
func (r *Registry) Validate(connectors map[string]map[string]any) error {
	doc, err := normalize(connectors)
	if err != nil {
		return &ConfigError{Violations: []*SchemaViolation{{Reason: err.Error()}}}
	}

	schema := r.ComposeSchema()
	if err := schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return &ConfigError{Violations: violationsFromError(err)}
	}
	return nil
}

// normalize round-trips the configuration through JSON so the validator sees
// canonical JSON value types rather than whatever the YAML decoder produced.
func normalize(connectors map[string]map[string]any) (map[string]any, error) {
	data, err := json.Marshal(connectors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration for validation: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration for validation: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func violationsFromError(err error) []*SchemaViolation {
	var out []*SchemaViolation

	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case openapi3.MultiError:
			for _, sub := range e {
				walk(sub)
			}
		case *openapi3.SchemaError:
			out = append(out, &SchemaViolation{
				Field:  strings.Join(e.JSONPointer(), "."),
				Reason: e.Reason,
			})
		default:
			out = append(out, &SchemaViolation{Reason: err.Error()})
		}
	}
	walk(err)

	return out
}
