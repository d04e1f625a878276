// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
	errHelper "github.com/hashicorp/servo-agent/sdk/helper/error"
)

// Runtime is the brains of the connector operation and should be used to
// manage connector lifecycle as well as provide the uniform operation surface
// over the activated set.
type Runtime struct {
	logger hclog.Logger
	bus    *eventbus.Bus

	// factories contains all the information needed to construct the
	// connectors this agent knows how to run.
	factories map[string]connector.Factory

	deadlines Deadlines

	// instances are our activated connectors. The map is mutated only by
	// Activate/Deactivate, which are mutually exclusive with in-flight
	// dispatches against the same connector via per-instance reference
	// counting.
	instancesLock sync.RWMutex
	instances     map[string]*instance
}

// Deadlines holds the per-operation default deadlines enforced around each
// connector invocation. Zero values fall back to the package defaults.
type Deadlines struct {
	Check    time.Duration
	Describe time.Duration
	Measure  time.Duration
	Adjust   time.Duration
}

const (
	defaultCheckDeadline    = 30 * time.Second
	defaultDescribeDeadline = 30 * time.Second
	defaultMeasureDeadline  = 5 * time.Minute
	defaultAdjustDeadline   = 5 * time.Minute
)

// For returns the deadline to enforce for the passed operation kind.
func (d Deadlines) For(kind sdk.OperationKind) time.Duration {
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}

	switch kind {
	case sdk.OperationCheck:
		return pick(d.Check, defaultCheckDeadline)
	case sdk.OperationDescribe:
		return pick(d.Describe, defaultDescribeDeadline)
	case sdk.OperationMeasure:
		return pick(d.Measure, defaultMeasureDeadline)
	case sdk.OperationAdjust:
		return pick(d.Adjust, defaultAdjustDeadline)
	default:
		return defaultCheckDeadline
	}
}

// NewRuntime sets up a new connector runtime for use.
func NewRuntime(log hclog.Logger, bus *eventbus.Bus, factories map[string]connector.Factory, deadlines Deadlines) *Runtime {
	return &Runtime{
		logger:    log.Named("connector_runtime"),
		bus:       bus,
		factories: factories,
		deadlines: deadlines,
		instances: make(map[string]*instance),
	}
}

// ActivationError records a single connector which failed to initialize. It
// is non-fatal to the runtime as a whole; the session can proceed with a
// reduced connector set.
type ActivationError struct {
	Connector string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate connector %q: %v", e.Connector, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Activate constructs and initializes one connector, adding it to the active
// set. On initialization failure the connector is excluded and an
// ActivationError returned.
func (r *Runtime) Activate(name string, cfg map[string]any) error {
	factory, ok := r.factories[name]
	if !ok {
		return &ActivationError{Connector: name, Err: fmt.Errorf("no such connector")}
	}

	conn := factory(r.logger.ResetNamed("connector."+name), r.bus)
	if conn == nil {
		return &ActivationError{Connector: name, Err: fmt.Errorf("connector factory returned nil")}
	}

	// The descriptor identifies the connector type. If it doesn't match the
	// configured name the connector would be unable to fulfill its role, so
	// refuse to activate it.
	desc := conn.Descriptor()
	if desc == nil || desc.Name != name {
		return &ActivationError{Connector: name, Err: fmt.Errorf("connector descriptor doesn't match configured name")}
	}

	if err := conn.SetConfig(cfg); err != nil {
		return &ActivationError{Connector: name, Err: err}
	}

	r.instancesLock.Lock()
	if _, exists := r.instances[name]; exists {
		r.instancesLock.Unlock()
		return &ActivationError{Connector: name, Err: fmt.Errorf("connector already activated")}
	}
	r.instances[name] = newInstance(conn, desc)
	r.instancesLock.Unlock()

	// When logging to INFO, connectors do not log anything during startup
	// therefore log something useful to show the connector is ready.
	r.logger.Info("successfully activated connector", "connector_name", name, "version", desc.Version)
	r.bus.Publish(eventbus.TopicConnectorActivated, eventbus.Event{Connector: name})

	return nil
}

// ActivateAll activates every configured connector in name order, applying a
// best-effort partial activation policy: a failing connector is recorded and
// skipped rather than aborting the remaining activations. Callers decide
// whether the surviving set is sufficient via ActiveNames.
func (r *Runtime) ActivateAll(cfgs map[string]map[string]any) error {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var mErr *multierror.Error
	for _, name := range names {
		if err := r.Activate(name, cfgs[name]); err != nil {
			r.logger.Error("connector excluded from active set", "connector_name", name, "error", err)
			mErr = multierror.Append(mErr, err)
		}
	}

	return errHelper.FormattedMultiError(mErr)
}

// ActiveNames returns the sorted names of the activated connectors.
func (r *Runtime) ActiveNames() []string {
	r.instancesLock.RLock()
	defer r.instancesLock.RUnlock()

	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capable reports whether at least one activated connector offers the passed
// operation.
func (r *Runtime) Capable(kind sdk.OperationKind) bool {
	r.instancesLock.RLock()
	defer r.instancesLock.RUnlock()

	for _, inst := range r.instances {
		if inst.desc.Has(kind) {
			return true
		}
	}
	return false
}

// Deactivate removes the named connector from the active set and releases its
// held resources. It blocks until any operation in flight against the
// connector has completed; a connector is never torn down mid-operation.
// Failures during deactivation are logged, not returned, since shutdown must
// always complete.
func (r *Runtime) Deactivate(name string) {
	r.instancesLock.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.instancesLock.Unlock()
		return
	}

	// Mark the instance as closing first so no new dispatch can acquire it,
	// then release the map lock while draining so dispatches against other
	// connectors are not held up.
	inst.beginClose()
	delete(r.instances, name)
	r.instancesLock.Unlock()

	inst.inflight.Wait()

	r.logger.Info("shutting down connector", "connector_name", name)
	if err := inst.conn.Close(); err != nil {
		r.logger.Error("failed to close connector", "connector_name", name, "error", err)
	}

	r.bus.Publish(eventbus.TopicConnectorDeactivated, eventbus.Event{Connector: name})
}

// DeactivateAll deactivates every activated connector. It is safe to call
// during both normal shutdown and upstream failure handling.
func (r *Runtime) DeactivateAll() {
	for _, name := range r.ActiveNames() {
		r.Deactivate(name)
	}
}
