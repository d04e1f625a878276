// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"context"
	"time"
)

// Check records the status of a single runtime condition a connector has
// verified, such as reachability of its remote system or well-formedness of
// a configured query.
type Check struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Required marks the check as a pre-condition for the checks that follow
	// it. A failing required check halts the remainder of the sequence so a
	// single root cause is reported instead of a cascade of secondary
	// failures.
	Required bool `json:"required"`

	Tags []string `json:"tags,omitempty"`

	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	RanAt    time.Time     `json:"ran_at,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// CheckFunc verifies one condition, returning a non-nil error on failure.
type CheckFunc func(ctx context.Context) error

// NamedCheck pairs check metadata with the function that verifies it.
type NamedCheck struct {
	Check
	Run CheckFunc
}

// RunChecks executes the checks in order and returns one Check result per
// entry. Execution halts after a required check fails; checks that did not
// run are excluded from the results. Individual check errors are captured in
// the result, never returned.
func RunChecks(ctx context.Context, checks []*NamedCheck) []*Check {
	results := make([]*Check, 0, len(checks))

	for _, nc := range checks {
		c := nc.Check
		c.RanAt = time.Now().UTC()

		err := nc.Run(ctx)
		c.Duration = time.Since(c.RanAt)

		if err != nil {
			c.Success = false
			c.Message = err.Error()
		} else {
			c.Success = true
		}

		results = append(results, &c)

		if !c.Success && c.Required {
			break
		}
	}

	return results
}
