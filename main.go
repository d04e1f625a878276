// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/servo-agent/command"
	"github.com/hashicorp/servo-agent/version"
)

func main() {

	humanVersion := version.GetHumanVersion()

	c := cli.NewCLI("servo-agent", humanVersion)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Version: humanVersion}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
