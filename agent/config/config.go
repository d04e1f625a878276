// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is where the agent looks for its configuration file
	// when neither the CLI flag nor the environment variable name a path.
	DefaultConfigPath = "/servo/servo.yaml"

	// ConfigPathEnvVar is the environment variable holding the path of the
	// configuration file.
	ConfigPathEnvVar = "SERVO_CONFIG"

	// envPrefix is the prefix applied to environment variable overrides of
	// file configuration values, e.g. SERVO_LOG_LEVEL.
	envPrefix = "SERVO"
)

// Agent is the overall configuration of a servo agent and includes all
// required information for it to start successfully. Values are layered:
// built-in defaults, then the configuration file, then SERVO_* environment
// variables, then CLI flags via Merge.
type Agent struct {

	// LogLevel is the level of the logs to emit.
	LogLevel string `mapstructure:"log_level"`

	// LogJSON enables log output in JSON format.
	LogJSON bool `mapstructure:"log_json"`

	// EnableDebug is used to enable debugging HTTP endpoints.
	EnableDebug bool `mapstructure:"enable_debug"`

	// HTTP is the configuration used to setup the HTTP health server.
	HTTP *HTTP `mapstructure:"http"`

	// Telemetry is the configuration used to setup metrics collection.
	Telemetry *Telemetry `mapstructure:"telemetry"`

	// Optimizer is the configuration for the remote optimization engine the
	// control loop reports to.
	Optimizer *Optimizer `mapstructure:"optimizer"`

	// Operations holds the default deadlines enforced around connector
	// operations.
	Operations *Operations `mapstructure:"operations"`

	// Connectors maps connector name to its raw configuration document. The
	// registry validates the merged document against the composed connector
	// schemas before any connector is activated.
	Connectors map[string]map[string]any `mapstructure:"connectors"`
}

// HTTP contains all configuration details for the running of the agent HTTP
// server.
type HTTP struct {

	// BindAddress is the tcp address to bind to.
	BindAddress string `mapstructure:"bind_address"`

	// BindPort is the port used to run the HTTP server.
	BindPort int `mapstructure:"bind_port"`
}

// Telemetry holds the user specified configuration for metrics collection.
type Telemetry struct {
	DisableHostname     bool   `mapstructure:"disable_hostname"`
	EnableHostnameLabel bool   `mapstructure:"enable_hostname_label"`
	StatsiteAddr        string `mapstructure:"statsite_address"`
	StatsdAddr          string `mapstructure:"statsd_address"`

	DogStatsDAddr string   `mapstructure:"dogstatsd_address"`
	DogStatsDTags []string `mapstructure:"dogstatsd_tags"`

	PrometheusMetrics       bool          `mapstructure:"prometheus_metrics"`
	PrometheusRetentionTime time.Duration `mapstructure:"prometheus_retention_time"`
}

// Optimizer holds the identity of the remote optimizer and the retry budget
// applied to communication with it.
type Optimizer struct {

	// URL is the base endpoint of the optimizer service.
	URL string `mapstructure:"url"`

	// Account and Application identify the optimization target with the
	// optimizer service.
	Account     string `mapstructure:"account"`
	Application string `mapstructure:"application"`

	// Token authenticates the agent. TokenFile names a file-mounted secret
	// which is read when Token itself is unset.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	// MaxRetries bounds the attempts made for a single optimizer exchange
	// before the communication failure is considered terminal.
	MaxRetries int `mapstructure:"max_retries"`

	// BackoffBase and BackoffLimit shape the exponential backoff applied
	// between retried optimizer exchanges.
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffLimit time.Duration `mapstructure:"backoff_limit"`

	// RequestsPerSecond rate limits calls to the optimizer API. Set to -1
	// to disable rate limiting.
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

// Operations holds per-operation deadline overrides.
type Operations struct {
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	DescribeTimeout time.Duration `mapstructure:"describe_timeout"`
	MeasureTimeout  time.Duration `mapstructure:"measure_timeout"`
	AdjustTimeout   time.Duration `mapstructure:"adjust_timeout"`
}

// Default returns the agent configuration defaults applied underneath file,
// environment and flag layers.
func Default() *Agent {
	return &Agent{
		LogLevel: "info",
		HTTP: &HTTP{
			BindAddress: "127.0.0.1",
			BindPort:    8080,
		},
		Telemetry: &Telemetry{},
		Optimizer: &Optimizer{
			MaxRetries:        10,
			BackoffBase:       500 * time.Millisecond,
			BackoffLimit:      30 * time.Second,
			RequestsPerSecond: 10,
		},
		Operations: &Operations{},
		Connectors: map[string]map[string]any{},
	}
}

// ConfigPath resolves the configuration file path from the passed flag value,
// the SERVO_CONFIG environment variable, or the default, in that order.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(ConfigPathEnvVar); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads the configuration file at path and layers SERVO_* environment
// variables over it. A missing or malformed file is fatal; the agent cannot
// start without its configuration.
func Load(path string) (*Agent, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("http.bind_address", def.HTTP.BindAddress)
	v.SetDefault("http.bind_port", def.HTTP.BindPort)
	v.SetDefault("optimizer.max_retries", def.Optimizer.MaxRetries)
	v.SetDefault("optimizer.backoff_base", def.Optimizer.BackoffBase)
	v.SetDefault("optimizer.backoff_limit", def.Optimizer.BackoffLimit)
	v.SetDefault("optimizer.requests_per_second", def.Optimizer.RequestsPerSecond)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %q: %w", path, err)
	}

	if err := resolveOptimizerToken(cfg.Optimizer); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveOptimizerToken loads the optimizer token from its file-mounted
// secret when the token is not set directly.
func resolveOptimizerToken(opt *Optimizer) error {
	if opt == nil || opt.Token != "" || opt.TokenFile == "" {
		return nil
	}

	data, err := os.ReadFile(opt.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read optimizer token file: %w", err)
	}

	opt.Token = strings.TrimSpace(string(data))
	return nil
}

// Merge is used to merge CLI flag values over the loaded configuration.
func (a *Agent) Merge(b *Agent) *Agent {
	if b == nil {
		return a
	}

	result := *a

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.HTTP != nil {
		if b.HTTP.BindAddress != "" {
			result.HTTP.BindAddress = b.HTTP.BindAddress
		}
		if b.HTTP.BindPort != 0 {
			result.HTTP.BindPort = b.HTTP.BindPort
		}
	}
	if b.Optimizer != nil {
		if b.Optimizer.URL != "" {
			result.Optimizer.URL = b.Optimizer.URL
		}
		if b.Optimizer.Account != "" {
			result.Optimizer.Account = b.Optimizer.Account
		}
		if b.Optimizer.Application != "" {
			result.Optimizer.Application = b.Optimizer.Application
		}
		if b.Optimizer.Token != "" {
			result.Optimizer.Token = b.Optimizer.Token
		}
	}
	if b.Telemetry != nil {
		if b.Telemetry.DisableHostname {
			result.Telemetry.DisableHostname = true
		}
		if b.Telemetry.EnableHostnameLabel {
			result.Telemetry.EnableHostnameLabel = true
		}
		if b.Telemetry.StatsiteAddr != "" {
			result.Telemetry.StatsiteAddr = b.Telemetry.StatsiteAddr
		}
		if b.Telemetry.StatsdAddr != "" {
			result.Telemetry.StatsdAddr = b.Telemetry.StatsdAddr
		}
		if b.Telemetry.DogStatsDAddr != "" {
			result.Telemetry.DogStatsDAddr = b.Telemetry.DogStatsDAddr
		}
		if len(b.Telemetry.DogStatsDTags) != 0 {
			result.Telemetry.DogStatsDTags = b.Telemetry.DogStatsDTags
		}
		if b.Telemetry.PrometheusMetrics {
			result.Telemetry.PrometheusMetrics = true
		}
		if b.Telemetry.PrometheusRetentionTime != 0 {
			result.Telemetry.PrometheusRetentionTime = b.Telemetry.PrometheusRetentionTime
		}
	}
	if b.Operations != nil {
		if b.Operations.CheckTimeout != 0 {
			result.Operations.CheckTimeout = b.Operations.CheckTimeout
		}
		if b.Operations.DescribeTimeout != 0 {
			result.Operations.DescribeTimeout = b.Operations.DescribeTimeout
		}
		if b.Operations.MeasureTimeout != 0 {
			result.Operations.MeasureTimeout = b.Operations.MeasureTimeout
		}
		if b.Operations.AdjustTimeout != 0 {
			result.Operations.AdjustTimeout = b.Operations.AdjustTimeout
		}
	}

	return &result
}
