package vegeta

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/servo-agent/agent/config"
)

const sampleReport = `{
  "latencies": {"mean": 2000000, "50th": 1500000, "95th": 4000000, "99th": 8000000, "max": 12000000},
  "requests": 3000,
  "throughput": 49.9,
  "success": 0.98
}`

func TestConnector_configSchema(t *testing.T) {
	registry := config.NewRegistry(Descriptor)

	testCases := []struct {
		name      string
		target    map[string]any
		expectErr bool
	}{
		{
			name:   "minimal valid document",
			target: map[string]any{"method": "GET", "url": "http://example.com"},
		},
		{
			name: "full valid document",
			target: map[string]any{
				"method": "POST",
				"url":    "http://example.com/api",
				"body":   `{"k":"v"}`,
				"header": map[string]any{"Accept": []any{"application/json"}},
			},
		},
		{
			name:      "missing method",
			target:    map[string]any{"url": "http://example.com"},
			expectErr: true,
		},
		{
			name:      "missing url",
			target:    map[string]any{"method": "GET"},
			expectErr: true,
		},
		{
			name:      "method not an accepted verb",
			target:    map[string]any{"method": "FETCH", "url": "http://example.com"},
			expectErr: true,
		},
		{
			name: "unknown property rejected",
			target: map[string]any{
				"method": "GET", "url": "http://example.com", "rate": "50/1s",
			},
			expectErr: true,
		},
		{
			name: "header values must be lists",
			target: map[string]any{
				"method": "GET",
				"url":    "http://example.com",
				"header": map[string]any{"Accept": "application/json"},
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := registry.Validate(map[string]map[string]any{
				connectorName: tc.target,
			})
			if tc.expectErr {
				var cfgErr *config.ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.NotEmpty(t, cfgErr.Violations)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConnector_SetConfig(t *testing.T) {
	testCases := []struct {
		name        string
		inputConfig map[string]any
		expectErr   string
	}{
		{
			name:        "no required config parameters set",
			inputConfig: map[string]any{},
			expectErr:   `"method" and "url" config values cannot be empty`,
		},
		{
			name:        "malformed url",
			inputConfig: map[string]any{"method": "GET", "url": "not a url"},
			expectErr:   `failed to parse "url" config value`,
		},
		{
			name: "header with non-list value",
			inputConfig: map[string]any{
				"method": "GET",
				"url":    "http://example.com",
				"header": map[string]any{"Accept": "application/json"},
			},
			expectErr: `header "Accept" is not a list of values`,
		},
		{
			name: "valid configuration with body and headers",
			inputConfig: map[string]any{
				"method": "POST",
				"url":    "http://example.com/api",
				"body":   `{"k":"v"}`,
				"header": map[string]any{"Accept": []any{"application/json"}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(hclog.NewNullLogger(), nil).(*Connector)

			err := c.SetConfig(tc.inputConfig)
			if tc.expectErr != "" {
				require.ErrorContains(t, err, tc.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "POST", c.target.Method)
			assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(`{"k":"v"}`)), c.target.Body)
			assert.Equal(t, []string{"application/json"}, c.target.Header["Accept"])
		})
	}
}

func TestConnector_Measure(t *testing.T) {
	c := New(hclog.NewNullLogger(), nil).(*Connector)
	require.NoError(t, c.SetConfig(map[string]any{
		"method": "GET",
		"url":    "http://example.com",
	}))

	var gotRate string
	var gotDuration time.Duration
	c.runAttack = func(_ context.Context, target []byte, rate string, duration time.Duration) ([]byte, error) {
		gotRate = rate
		gotDuration = duration
		assert.Contains(t, string(target), `"url":"http://example.com"`)
		return []byte(sampleReport), nil
	}

	m, err := c.Measure(context.Background(), map[string]any{
		"control": map[string]any{"rate": float64(100), "duration": float64(30)},
	})
	require.NoError(t, err)

	assert.Equal(t, "100/1s", gotRate)
	assert.Equal(t, 30*time.Second, gotDuration)
	assert.Equal(t, 30*time.Second, m.Duration)

	readings := map[string]float64{}
	for _, r := range m.Readings {
		readings[r.Name] = r.Latest().Value
	}

	assert.Equal(t, 2.0, readings["latency_mean"])
	assert.Equal(t, 8.0, readings["latency_p99"])
	assert.Equal(t, 49.9, readings["throughput"])
	assert.InDelta(t, 0.02, readings["error_rate"], 0.0001)

	// Readings come back sorted by name.
	for i := 1; i < len(m.Readings); i++ {
		assert.Less(t, m.Readings[i-1].Name, m.Readings[i].Name)
	}
}

func TestConnector_Measure_defaultLoad(t *testing.T) {
	c := New(hclog.NewNullLogger(), nil).(*Connector)
	require.NoError(t, c.SetConfig(map[string]any{
		"method": "GET",
		"url":    "http://example.com",
	}))

	var gotRate string
	var gotDuration time.Duration
	c.runAttack = func(_ context.Context, _ []byte, rate string, duration time.Duration) ([]byte, error) {
		gotRate = rate
		gotDuration = duration
		return []byte(sampleReport), nil
	}

	_, err := c.Measure(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, defaultRate, gotRate)
	assert.Equal(t, defaultDuration, gotDuration)
}

func TestConnector_Measure_unconfigured(t *testing.T) {
	c := New(hclog.NewNullLogger(), nil).(*Connector)

	_, err := c.Measure(context.Background(), nil)
	require.ErrorContains(t, err, "has not been configured")
}

func Test_attackArgs(t *testing.T) {
	args := attackArgs("50/1s", time.Minute)
	assert.Equal(t, []string{
		"attack", "-format=json", "-rate=50/1s", "-duration=1m0s",
	}, args)
}

func TestConnector_Describe(t *testing.T) {
	c := New(hclog.NewNullLogger(), nil)

	desc, err := c.(*Connector).Describe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, desc.Components)
	assert.Len(t, desc.Metrics, 7)
}
