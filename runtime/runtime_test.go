// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
)

// fakeConnector implements every capability interface; the descriptor's
// capability list controls what the runtime will dispatch to it.
type fakeConnector struct {
	name         string
	capabilities []sdk.OperationKind

	measureDelay time.Duration
	measureErr   error
	measurePanic bool
	honorCtx     bool

	adjustErr error

	mu          sync.Mutex
	measureDone time.Time
	closedAt    time.Time
	setConfig   map[string]any
	setConfigFn func(map[string]any) error
}

func (f *fakeConnector) Descriptor() *connector.Descriptor {
	return &connector.Descriptor{
		Name:         f.name,
		Version:      "0.0.1",
		Capabilities: f.capabilities,
	}
}

func (f *fakeConnector) SetConfig(cfg map[string]any) error {
	f.mu.Lock()
	f.setConfig = cfg
	f.mu.Unlock()
	if f.setConfigFn != nil {
		return f.setConfigFn(cfg)
	}
	return nil
}

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	f.closedAt = time.Now()
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) Check(ctx context.Context) ([]*sdk.Check, error) {
	return []*sdk.Check{{ID: "ready", Name: "target is ready", Success: true}}, nil
}

func (f *fakeConnector) Describe(ctx context.Context) (*sdk.Description, error) {
	return &sdk.Description{
		Components: []*sdk.Component{{Name: f.name, Settings: []*sdk.Setting{
			{Name: "replicas", Type: sdk.SettingTypeRange, Value: 1, Min: 1, Max: 10, Step: 1},
		}}},
	}, nil
}

func (f *fakeConnector) Measure(ctx context.Context, params map[string]any) (*sdk.Measurement, error) {
	if f.measurePanic {
		panic("boom")
	}

	if f.measureDelay > 0 {
		if f.honorCtx {
			select {
			case <-time.After(f.measureDelay):
			case <-ctx.Done():
				f.markMeasureDone()
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(f.measureDelay)
		}
	}
	f.markMeasureDone()

	if f.measureErr != nil {
		return nil, f.measureErr
	}
	return &sdk.Measurement{Readings: []*sdk.MetricReading{{Name: "throughput", Unit: "rps"}}}, nil
}

func (f *fakeConnector) Adjust(ctx context.Context, adjs []*sdk.Adjustment) (*sdk.AdjustmentOutcome, error) {
	if f.adjustErr != nil {
		return nil, f.adjustErr
	}
	return &sdk.AdjustmentOutcome{Applied: adjs}, nil
}

func (f *fakeConnector) markMeasureDone() {
	f.mu.Lock()
	f.measureDone = time.Now()
	f.mu.Unlock()
}

func testRuntime(t *testing.T, fakes ...*fakeConnector) *Runtime {
	t.Helper()

	bus := eventbus.NewBus(hclog.NewNullLogger())
	t.Cleanup(func() { _ = bus.Close() })

	factories := make(map[string]connector.Factory)
	cfgs := make(map[string]map[string]any)
	for _, f := range fakes {
		f := f
		factories[f.name] = func(log hclog.Logger, bus *eventbus.Bus) connector.Connector { return f }
		cfgs[f.name] = map[string]any{}
	}

	r := NewRuntime(hclog.NewNullLogger(), bus, factories, Deadlines{})
	require.NoError(t, r.ActivateAll(cfgs))
	return r
}

func TestRuntime_Dispatch_capabilityFanout(t *testing.T) {
	measurer := &fakeConnector{name: "prom", capabilities: []sdk.OperationKind{sdk.OperationMeasure}}
	adjuster := &fakeConnector{name: "k8s", capabilities: []sdk.OperationKind{sdk.OperationAdjust}}

	r := testRuntime(t, measurer, adjuster)

	results := r.Dispatch(context.Background(), &sdk.OperationRequest{Kind: sdk.OperationMeasure})
	require.Len(t, results, 1)
	assert.Equal(t, "prom", results[0].Connector)
	assert.Equal(t, sdk.StatusSuccess, results[0].Status)
	assert.NotNil(t, results[0].Measurement)
}

func TestRuntime_Dispatch_namedTargetMissingCapability(t *testing.T) {
	adjuster := &fakeConnector{name: "k8s", capabilities: []sdk.OperationKind{sdk.OperationAdjust}}

	r := testRuntime(t, adjuster)

	results := r.Dispatch(context.Background(), &sdk.OperationRequest{
		Kind:    sdk.OperationMeasure,
		Targets: []string{"k8s", "ghost"},
	})
	require.Len(t, results, 2)

	for _, res := range results {
		assert.Equal(t, sdk.StatusFailure, res.Status)
	}
	assert.Contains(t, results[0].Error, "ghost")
	assert.Contains(t, results[1].Error, "does not support")
}

func TestRuntime_Dispatch_timeoutIsolation(t *testing.T) {
	slow := &fakeConnector{
		name:         "slow",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		measureDelay: 2 * time.Second,
		honorCtx:     true,
	}
	fast := &fakeConnector{name: "fast", capabilities: []sdk.OperationKind{sdk.OperationMeasure}}

	r := testRuntime(t, slow, fast)

	start := time.Now()
	results := r.Dispatch(context.Background(), &sdk.OperationRequest{
		Kind:     sdk.OperationMeasure,
		Deadline: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	assert.Equal(t, "fast", results[0].Connector)
	assert.Equal(t, sdk.StatusSuccess, results[0].Status)
	assert.Equal(t, "slow", results[1].Connector)
	assert.Equal(t, sdk.StatusTimeout, results[1].Status)
	assert.NotEmpty(t, results[1].Error)

	// Dispatch is bounded by the deadline, not by the slow connector.
	assert.Less(t, elapsed, time.Second)

	// The fast connector finished well before the slow one's deadline.
	fast.mu.Lock()
	fastDone := fast.measureDone
	fast.mu.Unlock()
	assert.True(t, fastDone.Before(start.Add(100*time.Millisecond)))
}

func TestRuntime_Dispatch_failureIsolation(t *testing.T) {
	bad := &fakeConnector{
		name:         "bad",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		measureErr:   errors.New("remote system unavailable"),
	}
	good := &fakeConnector{name: "good", capabilities: []sdk.OperationKind{sdk.OperationMeasure}}

	r := testRuntime(t, bad, good)

	results := r.Dispatch(context.Background(), &sdk.OperationRequest{Kind: sdk.OperationMeasure})
	require.Len(t, results, 2)

	assert.Equal(t, sdk.StatusFailure, results[0].Status)
	assert.Equal(t, "remote system unavailable", results[0].Error)
	assert.Equal(t, sdk.StatusSuccess, results[1].Status)
}

func TestRuntime_Dispatch_panicIsolation(t *testing.T) {
	angry := &fakeConnector{
		name:         "angry",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		measurePanic: true,
	}
	calm := &fakeConnector{name: "calm", capabilities: []sdk.OperationKind{sdk.OperationMeasure}}

	r := testRuntime(t, angry, calm)

	results := r.Dispatch(context.Background(), &sdk.OperationRequest{Kind: sdk.OperationMeasure})
	require.Len(t, results, 2)

	assert.Equal(t, sdk.StatusFailure, results[0].Status)
	assert.Contains(t, results[0].Error, "panicked")
	assert.Equal(t, sdk.StatusSuccess, results[1].Status)
}

func TestRuntime_Dispatch_adjustConnectorDeadline(t *testing.T) {
	// A connector enforcing a shorter internal deadline than the dispatch
	// one, the way the kubernetes connector caps rollout convergence. The
	// change may still be in flight, so the result must be timeout rather
	// than failure.
	stalled := &fakeConnector{
		name:         "stalled",
		capabilities: []sdk.OperationKind{sdk.OperationAdjust},
		adjustErr: fmt.Errorf("rollout of deployment %q did not converge: %w",
			"web", context.DeadlineExceeded),
	}
	rejected := &fakeConnector{
		name:         "rejected",
		capabilities: []sdk.OperationKind{sdk.OperationAdjust},
		adjustErr:    errors.New("replicas out of bounds"),
	}

	r := testRuntime(t, stalled, rejected)

	results := r.Dispatch(context.Background(), &sdk.OperationRequest{
		Kind:     sdk.OperationAdjust,
		Deadline: 2 * time.Second,
	})
	require.Len(t, results, 2)

	assert.Equal(t, sdk.StatusFailure, results[0].Status)
	assert.Equal(t, "replicas out of bounds", results[0].Error)

	assert.Equal(t, sdk.StatusTimeout, results[1].Status)
	assert.Contains(t, results[1].Error, "did not converge")
}

func TestRuntime_Dispatch_cancellation(t *testing.T) {
	slow := &fakeConnector{
		name:         "slow",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		measureDelay: 2 * time.Second,
		honorCtx:     true,
	}

	r := testRuntime(t, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	results := r.Dispatch(ctx, &sdk.OperationRequest{Kind: sdk.OperationMeasure})
	require.Len(t, results, 1)
	assert.Equal(t, sdk.StatusCancelled, results[0].Status)
}

func TestRuntime_Deactivate_waitsForInflight(t *testing.T) {
	slow := &fakeConnector{
		name:         "slow",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		measureDelay: 200 * time.Millisecond,
		honorCtx:     true,
	}

	r := testRuntime(t, slow)

	done := make(chan []*sdk.OperationResult, 1)
	go func() {
		done <- r.Dispatch(context.Background(), &sdk.OperationRequest{Kind: sdk.OperationMeasure})
	}()

	// Let the measure begin, then deactivate concurrently.
	time.Sleep(50 * time.Millisecond)
	r.Deactivate("slow")

	results := <-done
	require.Len(t, results, 1)
	assert.Equal(t, sdk.StatusSuccess, results[0].Status)

	// Close must have happened only after the in-flight measure returned.
	slow.mu.Lock()
	defer slow.mu.Unlock()
	require.False(t, slow.closedAt.IsZero())
	require.False(t, slow.measureDone.IsZero())
	assert.True(t, slow.closedAt.After(slow.measureDone),
		"connector closed while measure was in flight")

	assert.Empty(t, r.ActiveNames())
}

func TestRuntime_ActivateAll_partialActivation(t *testing.T) {
	bad := &fakeConnector{
		name:         "bad",
		capabilities: []sdk.OperationKind{sdk.OperationMeasure},
		setConfigFn:  func(map[string]any) error { return errors.New("bad credentials") },
	}
	good := &fakeConnector{name: "good", capabilities: []sdk.OperationKind{sdk.OperationMeasure}}

	bus := eventbus.NewBus(hclog.NewNullLogger())
	t.Cleanup(func() { _ = bus.Close() })

	factories := map[string]connector.Factory{
		"bad":  func(hclog.Logger, *eventbus.Bus) connector.Connector { return bad },
		"good": func(hclog.Logger, *eventbus.Bus) connector.Connector { return good },
	}

	r := NewRuntime(hclog.NewNullLogger(), bus, factories, Deadlines{})
	err := r.ActivateAll(map[string]map[string]any{"bad": {}, "good": {}})

	require.Error(t, err)
	var aErr *ActivationError
	assert.True(t, errors.As(err, &aErr))

	assert.Equal(t, []string{"good"}, r.ActiveNames())
	assert.True(t, r.Capable(sdk.OperationMeasure))
	assert.False(t, r.Capable(sdk.OperationAdjust))
}
