// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vegeta

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

const (
	connectorName = "vegeta"

	configKeyMethod = "method"
	configKeyURL    = "url"
	configKeyBody   = "body"
	configKeyHeader = "header"

	// vegetaBin is the load generator executable resolved from PATH.
	vegetaBin = "vegeta"

	defaultRate     = "50/1s"
	defaultDuration = 60 * time.Second
)

var httpMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
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

// configSchema is the attack target contract: a required HTTP method and
// URL, an optional body and an optional header map of string to list of
// string values.
func configSchema() *openapi3.Schema {
	method := openapi3.NewStringSchema()
	for _, m := range httpMethods {
		method.Enum = append(method.Enum, m)
	}

	headerValues := openapi3.NewArraySchema()
	headerValues.Items = openapi3.NewSchemaRef("", openapi3.NewStringSchema())

	s := openapi3.NewObjectSchema().
		WithProperty(configKeyMethod, method).
		WithProperty(configKeyURL, openapi3.NewStringSchema()).
		WithProperty(configKeyBody, openapi3.NewStringSchema()).
		WithProperty(configKeyHeader, openapi3.NewObjectSchema().
			WithAdditionalProperties(headerValues))
	s.Required = []string{configKeyMethod, configKeyURL}
	s.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}
	return s
}

// attackTarget is the wire shape of one target handed to the load
// generator. The body is base64 encoded per its JSON target format.
type attackTarget struct {
	Method string              `json:"method"`
	URL    string              `json:"url"`
	Body   string              `json:"body,omitempty"`
	Header map[string][]string `json:"header,omitempty"`
}

// reportMetrics is the subset of the generator's JSON report the connector
// turns into a measurement. Latencies are reported in nanoseconds.
type reportMetrics struct {
	Latencies struct {
		Mean int64 `json:"mean"`
		P50  int64 `json:"50th"`
		P95  int64 `json:"95th"`
		P99  int64 `json:"99th"`
		Max  int64 `json:"max"`
	} `json:"latencies"`
	Requests   uint64  `json:"requests"`
	Throughput float64 `json:"throughput"`
	Success    float64 `json:"success"`
}

// Connector generates synthetic load against the application under
// optimization and measures the latency and throughput it observed, by
// shelling out to the vegeta binary.
type Connector struct {
	logger hclog.Logger
	bus    *eventbus.Bus

	target attackTarget

	// runAttack is swapped out in tests.
	runAttack func(ctx context.Context, target []byte, rate string, duration time.Duration) ([]byte, error)
}

func New(log hclog.Logger, bus *eventbus.Bus) connector.Connector {
	c := &Connector{
		logger: log,
		bus:    bus,
	}
	c.runAttack = c.execAttack
	return c
}

func (c *Connector) Descriptor() *connector.Descriptor { return Descriptor }

func (c *Connector) SetConfig(config map[string]any) error {
	method, _ := config[configKeyMethod].(string)
	rawURL, _ := config[configKeyURL].(string)
	if method == "" || rawURL == "" {
		return fmt.Errorf("%q and %q config values cannot be empty", configKeyMethod, configKeyURL)
	}

	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return fmt.Errorf("failed to parse %q config value: %v", configKeyURL, err)
	}

	target := attackTarget{Method: method, URL: rawURL}

	if body, _ := config[configKeyBody].(string); body != "" {
		target.Body = base64.StdEncoding.EncodeToString([]byte(body))
	}

	if rawHeader, ok := config[configKeyHeader].(map[string]any); ok {
		target.Header = make(map[string][]string, len(rawHeader))
		for k, v := range rawHeader {
			values, ok := v.([]any)
			if !ok {
				return fmt.Errorf("header %q is not a list of values", k)
			}
			for _, value := range values {
				s, ok := value.(string)
				if !ok {
					return fmt.Errorf("header %q contains a non-string value", k)
				}
				target.Header[k] = append(target.Header[k], s)
			}
		}
	}

	c.target = target
	return nil
}

func (c *Connector) Close() error { return nil }

// Check verifies the load generator binary is installed and the target is
// well formed.
func (c *Connector) Check(ctx context.Context) ([]*sdk.Check, error) {
	checks := []*sdk.NamedCheck{
		{
			Check: sdk.Check{
				ID:       "vegeta:binary",
				Name:     fmt.Sprintf("%s binary is installed", vegetaBin),
				Required: true,
			},
			Run: func(ctx context.Context) error {
				_, err := exec.LookPath(vegetaBin)
				return err
			},
		},
		{
			Check: sdk.Check{
				ID:   "vegeta:target",
				Name: "attack target is configured",
			},
			Run: func(ctx context.Context) error {
				if c.target.URL == "" {
					return fmt.Errorf("connector has not been configured")
				}
				_, err := url.ParseRequestURI(c.target.URL)
				return err
			},
		},
	}

	return sdk.RunChecks(ctx, checks), nil
}

// Describe reports the metrics one attack produces. The connector adjusts
// nothing.
func (c *Connector) Describe(_ context.Context) (*sdk.Description, error) {
	return &sdk.Description{
		Metrics: []*sdk.Metric{
			{Name: "latency_mean", Unit: "ms"},
			{Name: "latency_p50", Unit: "ms"},
			{Name: "latency_p95", Unit: "ms"},
			{Name: "latency_p99", Unit: "ms"},
			{Name: "latency_max", Unit: "ms"},
			{Name: "throughput", Unit: "rps"},
			{Name: "error_rate", Unit: "ratio"},
		},
	}, nil
}

// Measure runs one attack for the directive's duration and rate and
// converts the generator's report into a measurement.
func (c *Connector) Measure(ctx context.Context, params map[string]any) (*sdk.Measurement, error) {
	if c.target.URL == "" {
		return nil, fmt.Errorf("connector has not been configured")
	}

	rate, duration := loadParams(params)

	targetJSON, err := json.Marshal(c.target)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attack target: %v", err)
	}

	c.logger.Info("starting attack", "url", c.target.URL, "rate", rate,
		"duration", duration)

	report, err := c.runAttack(ctx, targetJSON, rate, duration)
	if err != nil {
		return nil, err
	}

	return parseReport(report, duration)
}

// execAttack pipes the target through `vegeta attack | vegeta report` and
// returns the JSON report. Both processes inherit ctx, so a deadline or
// cancellation tears the attack down.
func (c *Connector) execAttack(ctx context.Context, target []byte, rate string, duration time.Duration) ([]byte, error) {
	attack := exec.CommandContext(ctx, vegetaBin, attackArgs(rate, duration)...)
	attack.Stdin = bytes.NewReader(target)

	var attackErr bytes.Buffer
	attack.Stderr = &attackErr

	results, err := attack.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe attack results: %v", err)
	}

	report := exec.CommandContext(ctx, vegetaBin, "report", "-type=json")
	report.Stdin = results

	if err := attack.Start(); err != nil {
		return nil, fmt.Errorf("failed to start attack: %v", err)
	}

	out, reportErr := report.Output()

	if err := attack.Wait(); err != nil {
		return nil, fmt.Errorf("attack failed: %v: %s", err, attackErr.String())
	}
	if reportErr != nil {
		return nil, fmt.Errorf("report failed: %v", reportErr)
	}

	return out, nil
}

func attackArgs(rate string, duration time.Duration) []string {
	return []string{
		"attack",
		"-format=json",
		fmt.Sprintf("-rate=%s", rate),
		fmt.Sprintf("-duration=%s", duration),
	}
}

// loadParams extracts the attack rate and duration from the directive
// control block.
func loadParams(params map[string]any) (string, time.Duration) {
	rate := defaultRate
	duration := defaultDuration

	control, ok := params["control"].(map[string]any)
	if !ok {
		return rate, duration
	}

	switch r := control["rate"].(type) {
	case string:
		if r != "" {
			rate = r
		}
	case float64:
		if r > 0 {
			rate = fmt.Sprintf("%d/1s", int(r))
		}
	}

	if secs, ok := control["duration"].(float64); ok && secs > 0 {
		duration = time.Duration(secs * float64(time.Second))
	}
	return rate, duration
}

func parseReport(raw []byte, duration time.Duration) (*sdk.Measurement, error) {
	var rep reportMetrics
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode attack report: %v", err)
	}

	now := time.Now().UTC()
	ms := func(ns int64) float64 { return float64(ns) / float64(time.Millisecond) }

	m := &sdk.Measurement{Duration: duration}
	for name, value := range map[string]float64{
		"latency_mean": ms(rep.Latencies.Mean),
		"latency_p50":  ms(rep.Latencies.P50),
		"latency_p95":  ms(rep.Latencies.P95),
		"latency_p99":  ms(rep.Latencies.P99),
		"latency_max":  ms(rep.Latencies.Max),
		"throughput":   rep.Throughput,
		"error_rate":   1 - rep.Success,
	} {
		m.Readings = append(m.Readings, &sdk.MetricReading{
			Name:   name,
			Values: []sdk.TimestampedValue{{Timestamp: now, Value: value}},
		})
	}

	m.SortReadings()
	return m, nil
}
