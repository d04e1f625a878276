// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/servo-agent/agent"
	"github.com/hashicorp/servo-agent/agent/config"
	flaghelper "github.com/hashicorp/servo-agent/sdk/helper/flag"
	"github.com/hashicorp/servo-agent/version"
)

type AgentCommand struct {
	args []string

	agent *agent.Agent
}

// Help should return long-form help text that includes the command-line
// usage, a brief few sentences explaining the function of the command,
// and the complete list of flags the command accepts.
func (c *AgentCommand) Help() string {
	helpText := `
Usage: servo-agent agent [options] [args]

  Starts the Servo agent and runs until the optimizer ends the session or an
  interrupt is received.

  The Servo agent's configuration primarily comes from the config file used,
  but a subset of the options may also be passed directly as CLI arguments or
  environment variables, listed below.

Options:

  -config=<path>
    The path to the config file to use for configuring the Servo agent. If
    not specified, the path is read from the SERVO_CONFIG environment
    variable and defaults to /servo/servo.yaml.

  -log-level=<level>
    Specify the verbosity level of the Servo agent's logs. Valid values
    include DEBUG, INFO, and WARN, in decreasing order of verbosity. The
    default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

  -enable-debug
    Enable the agent debugging HTTP endpoints. The default is false.

HTTP Options:

  -http-bind-address=<addr>
    The HTTP address that the health server will bind to. The default is
    127.0.0.1.

  -http-bind-port=<port>
    The port that the health server will bind to. The default is 8080.

Optimizer Options:

  -optimizer-url=<url>
    The base URL of the optimizer service.

  -optimizer-account=<account>
    The optimizer account the application belongs to.

  -optimizer-application=<app>
    The application under optimization.

  -optimizer-token=<token>
    The bearer token used to authenticate with the optimizer.

Operation Options:

  -check-timeout=<dur>
    The time limit applied to a single connector check operation.

  -describe-timeout=<dur>
    The time limit applied to a single connector describe operation.

  -measure-timeout=<dur>
    The time limit applied to a single connector measure operation.

  -adjust-timeout=<dur>
    The time limit applied to a single connector adjust operation.

Telemetry Options:

  -telemetry-disable-hostname
    Specifies whether gauge values should be prefixed with the local hostname.

  -telemetry-enable-hostname-label
    Enable adding hostname to metric labels.

  -telemetry-statsite-address=<addr>
    The address of the statsite aggregation server.

  -telemetry-statsd-address=<addr>
    The address of the statsd aggregation server.

  -telemetry-dogstatsd-address=<addr>
    The address of the Datadog statsd server.

  -telemetry-dogstatsd-tag=<tag_list>
    A list of global tags that will be added to all telemetry packets sent to
    DogStatsD.

  -telemetry-prometheus-metrics
    Indicates whether the agent should make Prometheus formatted metrics
    available. Defaults to false.

  -telemetry-prometheus-retention-time=<dur>
    The time to retain Prometheus metrics before they are expired and
    untracked.
`
	return strings.TrimSpace(helpText)
}

// Synopsis should return a one-line, short synopsis of the command.
// This should be less than 50 characters ideally.
func (c *AgentCommand) Synopsis() string {
	return "Runs a Servo agent"
}

// Run should run the actual command with the given CLI instance and
// command-line arguments. It should return the exit status when it is
// finished.
func (c *AgentCommand) Run(args []string) int {

	c.args = args

	parsedConfig, configPath := c.readConfig()
	if parsedConfig == nil {
		fmt.Println("Run 'servo-agent agent --help' for more information.")
		return 1
	}

	// Create the agent logger.
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "agent",
		Level:      hclog.LevelFromString(parsedConfig.LogLevel),
		JSONFormat: parsedConfig.LogJSON,
	})

	logger.Info("Starting Servo agent")

	// Compile agent information for output later
	info := make(map[string]string)
	info["bind addrs"] = parsedConfig.HTTP.BindAddress
	info["log level"] = parsedConfig.LogLevel
	info["version"] = version.GetHumanVersion()
	info["config"] = configPath
	info["optimizer"] = parsedConfig.Optimizer.URL
	info["application"] = fmt.Sprintf("%s/%s",
		parsedConfig.Optimizer.Account, parsedConfig.Optimizer.Application)
	info["connectors"] = strings.Join(connectorNames(parsedConfig), ", ")

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	logger.Info("Servo agent configuration:")
	logger.Info("")
	for _, k := range infoKeys {
		logger.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			strings.Title(k),
			info[k]))
	}
	logger.Info("")

	// Output the header that the server has started
	logger.Info("Servo agent started! Log data will stream in below:")

	c.agent = agent.NewAgent(parsedConfig, logger)
	if err := c.agent.Run(context.Background()); err != nil {
		logger.Error("agent exited with error", "error", err)
		return 1
	}
	return 0
}

func (c *AgentCommand) readConfig() (*config.Agent, string) {
	var configFlag string

	// cmdConfig is used to store any passed CLI flags.
	cmdConfig := &config.Agent{
		HTTP:       &config.HTTP{},
		Optimizer:  &config.Optimizer{},
		Operations: &config.Operations{},
		Telemetry:  &config.Telemetry{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Help() }

	// Specify our top level CLI flags.
	flags.StringVar(&configFlag, "config", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJSON, "log-json", false, "")
	flags.BoolVar(&cmdConfig.EnableDebug, "enable-debug", false, "")

	// Specify our HTTP bind flags.
	flags.StringVar(&cmdConfig.HTTP.BindAddress, "http-bind-address", "", "")
	flags.IntVar(&cmdConfig.HTTP.BindPort, "http-bind-port", 0, "")

	// Specify our optimizer CLI flags.
	flags.StringVar(&cmdConfig.Optimizer.URL, "optimizer-url", "", "")
	flags.StringVar(&cmdConfig.Optimizer.Account, "optimizer-account", "", "")
	flags.StringVar(&cmdConfig.Optimizer.Application, "optimizer-application", "", "")
	flags.StringVar(&cmdConfig.Optimizer.Token, "optimizer-token", "", "")

	// Specify our operation deadline flags.
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Operations.CheckTimeout = d
		return nil
	}), "check-timeout", "")
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Operations.DescribeTimeout = d
		return nil
	}), "describe-timeout", "")
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Operations.MeasureTimeout = d
		return nil
	}), "measure-timeout", "")
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Operations.AdjustTimeout = d
		return nil
	}), "adjust-timeout", "")

	// Specify our Telemetry CLI flags.
	flags.BoolVar(&cmdConfig.Telemetry.DisableHostname, "telemetry-disable-hostname", false, "")
	flags.BoolVar(&cmdConfig.Telemetry.EnableHostnameLabel, "telemetry-enable-hostname-label", false, "")
	flags.StringVar(&cmdConfig.Telemetry.StatsiteAddr, "telemetry-statsite-address", "", "")
	flags.StringVar(&cmdConfig.Telemetry.StatsdAddr, "telemetry-statsd-address", "", "")
	flags.StringVar(&cmdConfig.Telemetry.DogStatsDAddr, "telemetry-dogstatsd-address", "", "")
	flags.Var((*flaghelper.StringFlag)(&cmdConfig.Telemetry.DogStatsDTags), "telemetry-dogstatsd-tag", "")
	flags.BoolVar(&cmdConfig.Telemetry.PrometheusMetrics, "telemetry-prometheus-metrics", false, "")
	flags.Var((flaghelper.FuncDurationVar)(func(d time.Duration) error {
		cmdConfig.Telemetry.PrometheusRetentionTime = d
		return nil
	}), "telemetry-prometheus-retention-time", "")

	if err := flags.Parse(c.args); err != nil {
		return nil, ""
	}

	configPath := config.ConfigPath(configFlag)

	fileConfig, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("%s\n", err)
		return nil, configPath
	}

	return fileConfig.Merge(cmdConfig), configPath
}

func connectorNames(cfg *config.Agent) []string {
	names := make([]string, 0, len(cfg.Connectors))
	for name := range cfg.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
