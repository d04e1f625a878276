// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
)

// Dispatch fans the request out to every activated connector whose capability
// set matches and invokes each concurrently under an enforced deadline.
//
// Failures are contained per connector: a connector that errors or panics
// yields a failure result carrying the error detail, one that exceeds its
// deadline yields a timeout result, and neither blocks nor cancels sibling
// invocations. A session-level cancellation of ctx yields cancelled results
// for the invocations still in flight.
//
// Exactly one result is returned per selected connector and the list is
// ordered by connector name for deterministic reporting.
func (r *Runtime) Dispatch(ctx context.Context, req *sdk.OperationRequest) []*sdk.OperationResult {
	labels := []metrics.Label{{Name: "operation", Value: string(req.Kind)}}
	defer metrics.MeasureSinceWithLabels([]string{"runtime", "dispatch", "invoke_ms"}, time.Now(), labels)

	results, targets := r.collectTargets(req)

	var (
		wg          sync.WaitGroup
		resultsLock sync.Mutex
	)

	for name, inst := range targets {
		wg.Add(1)
		go func(name string, inst *instance) {
			defer wg.Done()
			res := r.invoke(ctx, name, inst, req)

			resultsLock.Lock()
			results = append(results, res)
			resultsLock.Unlock()
		}(name, inst)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Connector < results[j].Connector
	})
	return results
}

// collectTargets resolves the request's target set against the active
// connectors, acquiring an in-flight reference on each selected instance.
// Named targets which cannot serve the operation are rejected with an
// immediate failure result rather than silently dropped; under wildcard
// fan-out, connectors lacking the capability are not selected.
func (r *Runtime) collectTargets(req *sdk.OperationRequest) ([]*sdk.OperationResult, map[string]*instance) {
	var results []*sdk.OperationResult
	targets := make(map[string]*instance)

	reject := func(name string, err error) {
		results = append(results, &sdk.OperationResult{
			Connector: name,
			Kind:      req.Kind,
			Status:    sdk.StatusFailure,
			Error:     err.Error(),
		})
	}

	r.instancesLock.RLock()
	defer r.instancesLock.RUnlock()

	named := len(req.Targets) > 0
	for _, t := range req.Targets {
		if t == sdk.TargetAll {
			named = false
			break
		}
	}

	if named {
		for _, name := range req.Targets {
			inst, ok := r.instances[name]
			if !ok {
				reject(name, fmt.Errorf("unknown connector %q", name))
				continue
			}
			if !inst.desc.Has(req.Kind) || !connector.Implements(inst.conn, req.Kind) {
				reject(name, fmt.Errorf("connector %q does not support operation %q", name, req.Kind))
				continue
			}
			if !inst.acquire() {
				reject(name, fmt.Errorf("connector %q is deactivating", name))
				continue
			}
			targets[name] = inst
		}
		return results, targets
	}

	for name, inst := range r.instances {
		if !inst.desc.Has(req.Kind) || !connector.Implements(inst.conn, req.Kind) {
			continue
		}
		// A connector leaving the active set is treated as if it had
		// already left it.
		if !inst.acquire() {
			continue
		}
		targets[name] = inst
	}
	return results, targets
}

// invoke runs a single connector operation under its deadline and classifies
// the outcome. The instance's in-flight reference is held until the
// connector call itself returns, even when invoke gives up on it at the
// deadline, so deactivation can never release resources under a running
// operation.
func (r *Runtime) invoke(ctx context.Context, name string, inst *instance, req *sdk.OperationRequest) *sdk.OperationResult {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = r.deadlines.For(req.Kind)
	}

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	before, after := operationTopics(req.Kind)
	r.bus.Publish(before, eventbus.Event{Connector: name})

	start := time.Now()
	done := make(chan callOutcome, 1)

	go func() {
		defer inst.release()
		res, err := r.call(opCtx, name, inst.conn, req)
		done <- callOutcome{res: res, err: err}
	}()

	var res *sdk.OperationResult
	select {
	case out := <-done:
		res = r.classify(ctx, opCtx, out.res, out.err)

	case <-opCtx.Done():
		// The connector overran its deadline or the session was cancelled.
		// The goroutine above keeps the in-flight reference until the
		// connector actually returns.
		status := sdk.StatusTimeout
		errDetail := fmt.Sprintf("operation deadline of %s exceeded", deadline)
		if ctx.Err() != nil {
			status = sdk.StatusCancelled
			errDetail = "operation cancelled"
		}
		res = &sdk.OperationResult{
			Connector: name,
			Kind:      req.Kind,
			Status:    status,
			Error:     errDetail,
		}
	}
	res.Duration = time.Since(start)

	labels := []metrics.Label{
		{Name: "connector_name", Value: name},
		{Name: "operation", Value: string(req.Kind)},
		{Name: "status", Value: string(res.Status)},
	}
	metrics.IncrCounterWithLabels([]string{"runtime", "operation", "count"}, 1, labels)

	r.bus.Publish(after, eventbus.Event{
		Connector: name,
		Payload:   map[string]any{"status": string(res.Status)},
	})

	return res
}

// callOutcome pairs a connector result with the raw error behind it, so
// classification can inspect the error chain rather than its rendering.
type callOutcome struct {
	res *sdk.OperationResult
	err error
}

// call performs the capability-typed connector invocation, containing panics
// as failure results.
func (r *Runtime) call(ctx context.Context, name string, conn connector.Connector, req *sdk.OperationRequest) (res *sdk.OperationResult, err error) {
	res = &sdk.OperationResult{Connector: name, Kind: req.Kind, Status: sdk.StatusSuccess}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("connector panicked during operation", "connector_name", name,
				"operation", req.Kind, "panic", p)
			res.Status = sdk.StatusFailure
			res.Error = fmt.Sprintf("connector panicked: %v", p)
			err = nil
		}
	}()

	switch req.Kind {
	case sdk.OperationCheck:
		res.Checks, err = conn.(connector.Checker).Check(ctx)
	case sdk.OperationDescribe:
		res.Description, err = conn.(connector.Describer).Describe(ctx)
	case sdk.OperationMeasure:
		res.Measurement, err = conn.(connector.Measurer).Measure(ctx, req.Params)
	case sdk.OperationAdjust:
		res.Adjustment, err = conn.(connector.Adjuster).Adjust(ctx, decodeAdjustments(req.Params))
	default:
		err = fmt.Errorf("unsupported operation %q", req.Kind)
	}

	if err != nil {
		res.Status = sdk.StatusFailure
		res.Error = err.Error()
	}
	return res, err
}

// classify upgrades a raw failure result to timeout or cancelled when the
// error stems from a deadline or a cancellation rather than a rejection by
// the remote system. The connector's own error chain is consulted as well as
// the dispatch contexts: a connector that enforces an internal deadline
// shorter than the operation's (the kubernetes rollout timeout, for one)
// reports timeout, since its change may still be in flight.
func (r *Runtime) classify(ctx, opCtx context.Context, res *sdk.OperationResult, err error) *sdk.OperationResult {
	if res.Status != sdk.StatusFailure {
		return res
	}

	switch {
	case ctx.Err() != nil:
		res.Status = sdk.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded):
		res.Status = sdk.StatusTimeout
	case errors.Is(err, context.Canceled):
		res.Status = sdk.StatusCancelled
	}
	return res
}

// decodeAdjustments extracts the adjustment list from operation params. The
// orchestrator places the decoded optimizer directive under "adjustments".
func decodeAdjustments(params map[string]any) []*sdk.Adjustment {
	if params == nil {
		return nil
	}
	adjs, _ := params["adjustments"].([]*sdk.Adjustment)
	return adjs
}

func operationTopics(kind sdk.OperationKind) (eventbus.Topic, eventbus.Topic) {
	switch kind {
	case sdk.OperationCheck:
		return eventbus.TopicBeforeCheck, eventbus.TopicAfterCheck
	case sdk.OperationDescribe:
		return eventbus.TopicBeforeDescribe, eventbus.TopicAfterDescribe
	case sdk.OperationMeasure:
		return eventbus.TopicBeforeMeasure, eventbus.TopicAfterMeasure
	default:
		return eventbus.TopicBeforeAdjust, eventbus.TopicAfterAdjust
	}
}
