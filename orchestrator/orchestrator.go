// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/servo-agent/optimizer"
	"github.com/hashicorp/servo-agent/sdk"
)

// sessionState is the representation of the orchestrator's position within
// one optimization session, it works as a state machine with the following
// rules:
//
//	┌──────┐ session   ┌────────────┐ baseline  ┌───────────────────┐
//	│ Idle ├───────────► Describing ├───────────► AwaitingDirective │◄───┐
//	└──────┘ start     └──────┬─────┘ sent      └───┬─────────┬─────┘    │
//	                          │                     │         │          │
//	              fatal error │      measure/adjust │         │ sleep    │ report
//	                          │                     │         └──────────┤ sent
//	                          │               ┌─────▼─────┐              │
//	                          │               │ Measuring │ results      │
//	                          │               │ Adjusting ├──────────┐   │
//	                          │               └─────┬─────┘          │   │
//	                          │                     │ comm/protocol  │   │
//	┌────────────┐  stop      │                     │ failure   ┌────▼───┴──┐
//	│ Terminated │◄───────────┴─────────────────────┴───────────┤ Reporting │
//	└────────────┘                                              └───────────┘
type sessionState int

const (
	StateIdle sessionState = iota
	StateDescribing
	StateAwaitingDirective
	StateMeasuring
	StateAdjusting
	StateReporting
	StateTerminated
)

func (s sessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDescribing:
		return "describing"
	case StateAwaitingDirective:
		return "awaiting-directive"
	case StateMeasuring:
		return "measuring"
	case StateAdjusting:
		return "adjusting"
	case StateReporting:
		return "reporting"
	default:
		return "terminated"
	}
}

// Dispatcher is the slice of the connector runtime the orchestrator drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *sdk.OperationRequest) []*sdk.OperationResult
}

// Session holds the mutable state of one optimization session. It is owned
// and mutated only by the orchestrator and discarded at session end.
type Session struct {
	ID        string
	Directive *optimizer.Directive
	History   []*sdk.OperationResult
}

// Report is the message shape transmitted to the optimizer after each
// operation. Per-connector failures are carried inside Results rather than
// aborting the session so the optimizer can reason about partial data.
type Report struct {
	SessionID   string                 `json:"session_id"`
	Results     []*sdk.OperationResult `json:"results"`
	Description *sdk.Description       `json:"description,omitempty"`

	// Degraded lists configured connectors that failed to activate and so
	// are absent from the baseline and every result set of this session.
	Degraded []string `json:"degraded_connectors,omitempty"`
}

// Config are the dependencies and parameters used to build an Orchestrator.
type Config struct {
	Logger     hclog.Logger
	Client     optimizer.Client
	Dispatcher Dispatcher

	// SleepLimit caps the duration of an optimizer sleep directive. Zero
	// selects the default.
	SleepLimit time.Duration

	// Degraded names the configured connectors excluded at activation.
	Degraded []string
}

const (
	defaultSleepLimit = 10 * time.Minute

	// defaultSleep applies when a sleep directive omits its duration. It is
	// a short floor so a sparse directive pauses the loop briefly instead
	// of stalling it for the full clamp window.
	defaultSleep = 30 * time.Second
)

// Orchestrator drives the optimization control loop: it establishes the
// baseline, awaits optimizer directives, translates them into operation
// requests against the connector runtime and reports the outcomes back.
type Orchestrator struct {
	log        hclog.Logger
	client     optimizer.Client
	dispatcher Dispatcher
	sleepLimit time.Duration
	degraded   []string

	stateLock sync.RWMutex
	state     sessionState

	session *Session
}

func New(cfg Config) *Orchestrator {
	sleepLimit := cfg.SleepLimit
	if sleepLimit <= 0 {
		sleepLimit = defaultSleepLimit
	}

	return &Orchestrator{
		log:        cfg.Logger.Named("orchestrator"),
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		sleepLimit: sleepLimit,
		degraded:   cfg.Degraded,
		state:      StateIdle,
	}
}

// Run executes one optimization session until the optimizer issues a stop
// directive, a fatal error occurs, or the context is cancelled. Cancellation
// is treated as a clean shutdown; fatal communication and protocol failures
// are returned to the caller after the session has been terminated.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.session = &Session{ID: uuid.NewString()}
	o.log.Info("starting optimization session", "session_id", o.session.ID)

	if _, err := o.client.PostEvent(ctx, optimizer.EventHello, o.reportParam(nil, nil)); err != nil {
		return o.terminate(ctx, err)
	}

	if err := o.describeAndReport(ctx); err != nil {
		return o.terminate(ctx, err)
	}

	for {
		if ctx.Err() != nil {
			return o.terminate(ctx, nil)
		}

		o.updateState(StateAwaitingDirective)

		directive, err := o.client.WhatsNext(ctx)
		if err != nil {
			return o.terminate(ctx, err)
		}

		o.session.Directive = directive
		o.log.Debug("received directive", "session_id", o.session.ID,
			"command", directive.Command)

		start := time.Now()
		err = o.handleDirective(ctx, directive)
		metrics.MeasureSinceWithLabels([]string{"session", "directive_ms"}, start,
			[]metrics.Label{{Name: "command", Value: string(directive.Command)}})

		switch {
		case err == nil:
		case errors.Is(err, errStopped):
			return o.terminate(ctx, nil)
		default:
			return o.terminate(ctx, err)
		}
	}
}

// State returns the orchestrator's current session state.
func (o *Orchestrator) State() sessionState {
	o.stateLock.RLock()
	defer o.stateLock.RUnlock()

	return o.state
}

// errStopped signals a clean session end requested by the optimizer.
var errStopped = errors.New("session stopped by optimizer")

func (o *Orchestrator) handleDirective(ctx context.Context, d *optimizer.Directive) error {
	switch d.Command {
	case optimizer.CommandDescribe:
		return o.describeAndReport(ctx)

	case optimizer.CommandMeasure:
		return o.measureAndReport(ctx, d.Param)

	case optimizer.CommandAdjust:
		return o.adjustAndReport(ctx, d.Param)

	case optimizer.CommandSleep:
		return o.sleep(ctx, d.Param)

	case optimizer.CommandStop:
		return errStopped

	default:
		// A command this agent does not understand means the two sides
		// disagree about the protocol, which is not recoverable.
		return &optimizer.ProtocolError{Reason: fmt.Sprintf("unknown directive command %q", d.Command)}
	}
}

// describeAndReport establishes the component/setting baseline from every
// describe-capable connector and transmits the merged description. Only
// connectors that activated successfully contribute to the baseline.
func (o *Orchestrator) describeAndReport(ctx context.Context) error {
	o.updateState(StateDescribing)

	results := o.dispatch(ctx, &sdk.OperationRequest{Kind: sdk.OperationDescribe})

	merged := &sdk.Description{}
	for _, res := range results {
		if res.Succeeded() {
			merged.Merge(res.Description)
		}
	}

	return o.report(ctx, optimizer.EventDescription, results, merged)
}

// measureAndReport validates readiness with a check pass, runs the measure
// and transmits both result sets. Check failures are reported alongside the
// measurements rather than aborting the session.
func (o *Orchestrator) measureAndReport(ctx context.Context, rawParam json.RawMessage) error {
	o.updateState(StateMeasuring)

	params, err := decodeParams(rawParam)
	if err != nil {
		return err
	}

	results := o.dispatch(ctx, &sdk.OperationRequest{Kind: sdk.OperationCheck})
	results = append(results, o.dispatch(ctx, &sdk.OperationRequest{
		Kind:   sdk.OperationMeasure,
		Params: params,
	})...)

	return o.report(ctx, optimizer.EventMeasurement, results, nil)
}

// adjustAndReport applies the proposed setting changes and then runs a
// follow-up measure so the optimizer receives the adjustment outcome and its
// observed effect in a single combined report.
func (o *Orchestrator) adjustAndReport(ctx context.Context, rawParam json.RawMessage) error {
	o.updateState(StateAdjusting)

	adjustments, err := decodeAdjustments(rawParam)
	if err != nil {
		return err
	}

	results := o.dispatch(ctx, &sdk.OperationRequest{
		Kind:   sdk.OperationAdjust,
		Params: map[string]any{"adjustments": adjustments},
	})

	o.updateState(StateMeasuring)
	results = append(results, o.dispatch(ctx, &sdk.OperationRequest{
		Kind: sdk.OperationMeasure,
	})...)

	return o.report(ctx, optimizer.EventAdjustment, results, nil)
}

// sleep suspends the loop for the optimizer-requested duration, bounded by
// the configured limit and the session context.
func (o *Orchestrator) sleep(ctx context.Context, rawParam json.RawMessage) error {
	d, err := o.sleepDuration(rawParam)
	if err != nil {
		return err
	}

	o.log.Debug("sleeping on optimizer request", "session_id", o.session.ID, "duration", d)

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// sleepDuration resolves the requested sleep: an absent or non-positive
// duration falls back to the short default, and everything is clamped to
// the configured limit.
func (o *Orchestrator) sleepDuration(rawParam json.RawMessage) (time.Duration, error) {
	var param struct {
		Duration float64 `json:"duration"`
	}
	if len(rawParam) > 0 {
		if err := json.Unmarshal(rawParam, &param); err != nil {
			return 0, &optimizer.ProtocolError{Reason: fmt.Sprintf("malformed sleep directive: %v", err)}
		}
	}

	d := time.Duration(param.Duration * float64(time.Second))
	if d <= 0 {
		d = defaultSleep
	}
	if d > o.sleepLimit {
		d = o.sleepLimit
	}
	return d, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req *sdk.OperationRequest) []*sdk.OperationResult {
	results := o.dispatcher.Dispatch(ctx, req)
	o.session.History = append(o.session.History, results...)
	return results
}

// report transmits one event and folds the optimizer's reply into the loop.
// An unexpected-event status means the optimizer lost track of this session,
// so the baseline is re-established before awaiting the next directive.
func (o *Orchestrator) report(ctx context.Context, event optimizer.Event,
	results []*sdk.OperationResult, desc *sdk.Description) error {

	o.updateState(StateReporting)

	resp, err := o.client.PostEvent(ctx, event, o.reportParam(results, desc))
	if err != nil {
		return err
	}
	metrics.IncrCounterWithLabels([]string{"session", "report"}, 1,
		[]metrics.Label{{Name: "event", Value: string(event)}})

	if resp.Status == optimizer.StatusUnexpectedEvent && event != optimizer.EventDescription {
		o.log.Warn("optimizer rejected event as out of sequence, resending baseline",
			"session_id", o.session.ID, "event", event, "reason", resp.Reason)
		return o.describeAndReport(ctx)
	}
	return nil
}

func (o *Orchestrator) reportParam(results []*sdk.OperationResult, desc *sdk.Description) *Report {
	return &Report{
		SessionID:   o.session.ID,
		Results:     results,
		Description: desc,
		Degraded:    o.degraded,
	}
}

// terminate moves the session into its final state, announcing the departure
// to the optimizer on a best-effort basis. The goodbye is sent on a short
// detached context so it still goes out when the session context is the
// reason for the shutdown.
func (o *Orchestrator) terminate(ctx context.Context, cause error) error {
	o.updateState(StateTerminated)

	// Cancellation of the session context is a clean shutdown, not a fault.
	if cause != nil && ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		cause = nil
	}

	reason := "shutdown"
	if cause != nil {
		reason = cause.Error()
		o.log.Error("terminating optimization session", "session_id", o.session.ID,
			"error", cause)
	} else {
		o.log.Info("optimization session ended", "session_id", o.session.ID)
	}

	byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := o.client.PostEvent(byeCtx, optimizer.EventGoodbye, map[string]any{
		"session_id": o.session.ID,
		"reason":     reason,
	}); err != nil {
		o.log.Warn("failed to send goodbye", "session_id", o.session.ID, "error", err)
	}

	return cause
}

func (o *Orchestrator) updateState(s sessionState) {
	o.stateLock.Lock()
	defer o.stateLock.Unlock()

	if o.state != s {
		o.log.Trace("session state changed", "from", o.state, "to", s)
	}
	o.state = s
}

// decodeParams turns a raw directive param document into the generic param
// map handed to measure-capable connectors.
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &optimizer.ProtocolError{Reason: fmt.Sprintf("malformed measure directive: %v", err)}
	}
	return params, nil
}

// decodeAdjustments accepts either the list form {"adjustments": [...]} or a
// single bare adjustment object.
func decodeAdjustments(raw json.RawMessage) ([]*sdk.Adjustment, error) {
	if len(raw) == 0 {
		return nil, &optimizer.ProtocolError{Reason: "adjust directive without parameters"}
	}

	var list struct {
		Adjustments []*sdk.Adjustment `json:"adjustments"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list.Adjustments) > 0 {
		return list.Adjustments, nil
	}

	var single sdk.Adjustment
	if err := json.Unmarshal(raw, &single); err != nil || single.Component == "" {
		return nil, &optimizer.ProtocolError{Reason: "malformed adjust directive"}
	}
	return []*sdk.Adjustment{&single}, nil
}
