// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/servo-agent/agent/config"
	agentHTTP "github.com/hashicorp/servo-agent/agent/http"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/optimizer"
	"github.com/hashicorp/servo-agent/orchestrator"
	"github.com/hashicorp/servo-agent/runtime"
)

// Agent assembles and runs the servo: configuration registry, event bus,
// connector runtime, telemetry, HTTP endpoints and the optimization control
// loop.
type Agent struct {
	logger hclog.Logger
	config *config.Agent

	bus        *eventbus.Bus
	runtime    *runtime.Runtime
	httpServer *agentHTTP.Server
	inMemSink  *metrics.InmemSink
}

func NewAgent(c *config.Agent, logger hclog.Logger) *Agent {
	return &Agent{
		logger: logger,
		config: c,
	}
}

// Run starts the agent and blocks until the optimization session ends, a
// fatal error occurs, or an exit signal is received. Connector deactivation
// always runs on the way out so held resources are released regardless of
// why the agent is stopping.
func (a *Agent) Run(ctx context.Context) error {

	// Create context to handle propagation to downstream routines.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Validate the merged connector configuration document before anything
	// is constructed. Schema violations are fatal at startup.
	reg := builtinRegistry()
	if err := reg.Validate(a.config.Connectors); err != nil {
		return err
	}

	// Setup the telemetry sinks.
	inMem, err := a.setupTelemetry(a.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %v", err)
	}
	a.inMemSink = inMem

	a.bus = eventbus.NewBus(a.logger)
	defer a.bus.Close()

	a.runtime = runtime.NewRuntime(a.logger, a.bus, builtinFactories(),
		operationDeadlines(a.config.Operations))

	// Best-effort partial activation: a connector that fails to initialize
	// degrades the capability set rather than stopping the agent, as long as
	// something activated.
	if err := a.runtime.ActivateAll(a.config.Connectors); err != nil {
		var actErr *runtime.ActivationError
		if !errors.As(err, &actErr) {
			return err
		}
		a.logger.Warn("continuing with reduced connector set", "error", err)
	}
	if len(a.runtime.ActiveNames()) == 0 {
		return fmt.Errorf("no connectors activated")
	}
	defer a.runtime.DeactivateAll()

	// Setup the agent HTTP server for health and metrics.
	httpServer, err := agentHTTP.NewHTTPServer(a.config.EnableDebug,
		a.config.Telemetry.PrometheusMetrics, a.config.HTTP, a.logger, a.inMemSink)
	if err != nil {
		return fmt.Errorf("failed to setup HTTP server: %v", err)
	}
	a.httpServer = httpServer
	go a.httpServer.Start()
	defer a.httpServer.Stop()

	orch := orchestrator.New(orchestrator.Config{
		Logger:     a.logger,
		Client:     a.optimizerClient(),
		Dispatcher: a.runtime,
		Degraded:   a.degradedConnectors(),
	})

	// Run the control loop, surfacing its terminal error through the done
	// channel so signals and session end are handled in one place.
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- orch.Run(ctx)
	}()

	return a.handleSignals(cancel, doneCh)
}

// degradedConnectors returns the configured connectors missing from the
// active set, so the optimizer learns which parts of the baseline are absent.
func (a *Agent) degradedConnectors() []string {
	active := a.runtime.ActiveNames()

	var degraded []string
	for name := range a.config.Connectors {
		if !slices.Contains(active, name) {
			degraded = append(degraded, name)
		}
	}
	sort.Strings(degraded)
	return degraded
}

func (a *Agent) optimizerClient() optimizer.Client {
	opt := a.config.Optimizer
	return optimizer.NewHTTPClient(a.logger, optimizer.Config{
		URL:               opt.URL,
		Account:           opt.Account,
		Application:       opt.Application,
		Token:             opt.Token,
		MaxRetries:        opt.MaxRetries,
		BackoffBase:       opt.BackoffBase,
		BackoffLimit:      opt.BackoffLimit,
		RequestsPerSecond: opt.RequestsPerSecond,
	})
}

func operationDeadlines(ops *config.Operations) runtime.Deadlines {
	if ops == nil {
		return runtime.Deadlines{}
	}
	return runtime.Deadlines{
		Check:    ops.CheckTimeout,
		Describe: ops.DescribeTimeout,
		Measure:  ops.MeasureTimeout,
		Adjust:   ops.AdjustTimeout,
	}
}

// handleSignals blocks until the agent receives an exit signal or the
// control loop finishes on its own.
func (a *Agent) handleSignals(cancel context.CancelFunc, doneCh <-chan error) error {

	signalCh := make(chan os.Signal, 3)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		a.logger.Info("caught signal", "signal", sig.String())

		// Cancel the session and wait for the control loop to say goodbye
		// and unwind before releasing connector resources.
		cancel()
		return <-doneCh

	case err := <-doneCh:
		return err
	}
}
