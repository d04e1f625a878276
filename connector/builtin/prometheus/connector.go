// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package prometheus

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

const (
	// connectorName is the name of the connector.
	connectorName = "prometheus"

	// configKeyAddress is the accepted configuration key which holds the
	// address param.
	configKeyAddress = "address"

	// configKeyBasicAuthUser and configKeyBasicAuthPassword are the
	// configuration keys used to set the Prometheus client basic auth.
	configKeyBasicAuthUser     = "basic_auth_user"
	configKeyBasicAuthPassword = "basic_auth_password"

	// configKeyHeaders holds additional HTTP headers sent with every query.
	configKeyHeaders = "headers"

	// configKeyCACert is the path to the CA certificate the Prometheus client
	// should use.
	configKeyCACert = "ca_cert"

	// configKeySkipVerify indicates that the Prometheus client should not
	// verify TLS certificates.
	configKeySkipVerify = "skip_verify"

	// configKeyStep and configKeyMetrics control what is gathered during a
	// measure operation.
	configKeyStep    = "step"
	configKeyMetrics = "metrics"

	// defaultStep is the query resolution used when the configuration does
	// not name one. It matches the scrape interval of the sidecar deployment.
	defaultStep = 5 * time.Second

	// defaultWindow is the measurement window used when the optimizer
	// directive does not carry one.
	defaultWindow = 2 * time.Minute
)

// metricQuery is one configured PromQL expression gathered during measure.
type metricQuery struct {
	Name  string
	Query string
	Unit  string
}

var Descriptor = &connector.Descriptor{
	Name:    connectorName,
	Version: "1.0.0",
	Capabilities: []sdk.OperationKind{
		sdk.OperationCheck,
		sdk.OperationDescribe,
		sdk.OperationMeasure,
	},
	ConfigSchema: configSchema(),
}

func configSchema() *openapi3.Schema {
	metric := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("query", openapi3.NewStringSchema()).
		WithProperty("unit", openapi3.NewStringSchema())
	metric.Required = []string{"name", "query"}
	metric.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}

	metricList := openapi3.NewArraySchema()
	metricList.Items = openapi3.NewSchemaRef("", metric)

	s := openapi3.NewObjectSchema().
		WithProperty(configKeyAddress, openapi3.NewStringSchema()).
		WithProperty(configKeyBasicAuthUser, openapi3.NewStringSchema()).
		WithProperty(configKeyBasicAuthPassword, openapi3.NewStringSchema()).
		WithProperty(configKeyCACert, openapi3.NewStringSchema()).
		WithProperty(configKeySkipVerify, openapi3.NewBoolSchema()).
		WithProperty(configKeyHeaders, openapi3.NewObjectSchema().
			WithAdditionalProperties(openapi3.NewStringSchema())).
		WithProperty(configKeyStep, openapi3.NewStringSchema()).
		WithProperty(configKeyMetrics, metricList)
	s.Required = []string{configKeyAddress}
	s.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}
	return s
}

// Connector gathers metrics from a Prometheus compatible query endpoint,
// typically the sidecar scraper deployed next to the application under
// optimization.
type Connector struct {
	logger hclog.Logger
	bus    *eventbus.Bus

	client  api.Client
	address string
	step    time.Duration
	queries []metricQuery
}

// New returns a Prometheus connector. The client is built lazily from
// SetConfig.
func New(log hclog.Logger, bus *eventbus.Bus) connector.Connector {
	return &Connector{
		logger: log,
		bus:    bus,
	}
}

func (c *Connector) Descriptor() *connector.Descriptor { return Descriptor }

func (c *Connector) SetConfig(config map[string]any) error {

	// If the address is not set, or is empty within the config, any client
	// calls will fail. It seems logical to catch this here rather than just
	// let queries fail.
	addr := stringValue(config, configKeyAddress)
	if addr == "" {
		return fmt.Errorf("%q config value cannot be empty", configKeyAddress)
	}

	tlsConfig, err := generateTLSConfig(config)
	if err != nil {
		return fmt.Errorf("failed to parse TLS configuration: %v", err)
	}

	client, err := api.NewClient(api.Config{
		Address:      addr,
		RoundTripper: newRoundTripper(config, tlsConfig),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Prometheus client: %v", err)
	}

	step := defaultStep
	if raw := stringValue(config, configKeyStep); raw != "" {
		step, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %q config value: %v", configKeyStep, err)
		}
	}

	queries, err := decodeMetricQueries(config)
	if err != nil {
		return err
	}

	c.client = client
	c.address = addr
	c.step = step
	c.queries = queries

	return nil
}

func (c *Connector) Close() error { return nil }

// Check verifies the endpoint is reachable and every configured query
// evaluates. Reachability is required; a broken query halts nothing else.
func (c *Connector) Check(ctx context.Context) ([]*sdk.Check, error) {
	checks := []*sdk.NamedCheck{
		{
			Check: sdk.Check{
				ID:       "prometheus:client",
				Name:     "Prometheus client configured",
				Required: true,
			},
			Run: func(ctx context.Context) error {
				if c.client == nil {
					return fmt.Errorf("connector has not been configured")
				}
				return nil
			},
		},
		{
			Check: sdk.Check{
				ID:       "prometheus:reachable",
				Name:     fmt.Sprintf("Prometheus endpoint %s is reachable", c.address),
				Required: true,
			},
			Run: func(ctx context.Context) error {
				_, _, err := v1.NewAPI(c.client).Query(ctx, "vector(1)", time.Now())
				return err
			},
		},
	}

	for _, q := range c.queries {
		q := q
		checks = append(checks, &sdk.NamedCheck{
			Check: sdk.Check{
				ID:   fmt.Sprintf("prometheus:query:%s", q.Name),
				Name: fmt.Sprintf("query %q evaluates", q.Name),
			},
			Run: func(ctx context.Context) error {
				_, _, err := v1.NewAPI(c.client).Query(ctx, q.Query, time.Now())
				return err
			},
		})
	}

	return sdk.RunChecks(ctx, checks), nil
}

// Describe reports the configured metrics. The connector adjusts nothing, so
// the description carries no components.
func (c *Connector) Describe(_ context.Context) (*sdk.Description, error) {
	desc := &sdk.Description{}
	for _, q := range c.queries {
		desc.Metrics = append(desc.Metrics, &sdk.Metric{Name: q.Name, Unit: q.Unit})
	}
	return desc, nil
}

// Measure evaluates every configured query over the measurement window and
// returns one reading per query.
func (c *Connector) Measure(ctx context.Context, params map[string]any) (*sdk.Measurement, error) {
	if c.client == nil {
		return nil, fmt.Errorf("connector has not been configured")
	}

	window := measurementWindow(params)
	promRange := v1.Range{
		Start: time.Now().Add(-window),
		End:   time.Now(),
		Step:  c.step,
	}

	c.logger.Debug("gathering measurement", "window", window, "queries", len(c.queries))

	m := &sdk.Measurement{Duration: window}
	v1api := v1.NewAPI(c.client)

	for _, q := range c.queries {
		result, warnings, err := v1api.QueryRange(ctx, q.Query, promRange)
		if err != nil {
			return nil, fmt.Errorf("failed to query %q: %v", q.Name, err)
		}

		// If Prometheus returned warnings, report these to the user.
		for _, w := range warnings {
			c.logger.Warn("prometheus query returned warning", "query", q.Name, "warning", w)
		}

		values, err := parseQueryResult(result)
		if err != nil {
			return nil, fmt.Errorf("failed to parse result of query %q: %v", q.Name, err)
		}

		m.Readings = append(m.Readings, &sdk.MetricReading{
			Name:   q.Name,
			Unit:   q.Unit,
			Values: values,
		})
	}

	m.SortReadings()
	return m, nil
}

// measurementWindow extracts the measurement duration from the directive
// control block, in seconds.
func measurementWindow(params map[string]any) time.Duration {
	control, ok := params["control"].(map[string]any)
	if !ok {
		return defaultWindow
	}

	if secs, ok := control["duration"].(float64); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultWindow
}

func parseQueryResult(result model.Value) ([]sdk.TimestampedValue, error) {
	switch t := result.(type) {
	case *model.Scalar:
		if t == nil {
			return nil, nil
		}
		return appendSample(nil, t.Value, t.Timestamp)

	case model.Vector:
		var values []sdk.TimestampedValue
		var err error
		for _, s := range t {
			if values, err = appendSample(values, s.Value, s.Timestamp); err != nil {
				return nil, err
			}
		}
		return values, nil

	case model.Matrix:
		var values []sdk.TimestampedValue
		var err error
		for _, ss := range t {
			for _, sp := range ss.Values {
				if values, err = appendSample(values, sp.Value, sp.Timestamp); err != nil {
					return nil, err
				}
			}
		}
		return values, nil

	default:
		return nil, fmt.Errorf("result type (`%v`) is not supported", result.Type())
	}
}

func appendSample(values []sdk.TimestampedValue, val model.SampleValue, ts model.Time) ([]sdk.TimestampedValue, error) {
	v := float64(val)
	// Check whether the sample value is an IEEE 754 not-a-number value.
	if math.IsNaN(v) {
		return nil, fmt.Errorf("query result value is not-a-number")
	}

	return append(values, sdk.TimestampedValue{
		Timestamp: ts.Time(),
		Value:     v,
	}), nil
}

func stringValue(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func decodeMetricQueries(config map[string]any) ([]metricQuery, error) {
	raw, ok := config[configKeyMetrics].([]any)
	if !ok {
		return nil, nil
	}

	queries := make([]metricQuery, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not an object", configKeyMetrics, i)
		}

		q := metricQuery{
			Name:  stringValue(obj, "name"),
			Query: stringValue(obj, "query"),
			Unit:  stringValue(obj, "unit"),
		}
		if q.Name == "" || q.Query == "" {
			return nil, fmt.Errorf("%s[%d] must set name and query", configKeyMetrics, i)
		}
		queries = append(queries, q)
	}
	return queries, nil
}
