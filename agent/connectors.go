// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"github.com/hashicorp/servo-agent/agent/config"
	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/connector/builtin/kubernetes"
	"github.com/hashicorp/servo-agent/connector/builtin/prometheus"
	"github.com/hashicorp/servo-agent/connector/builtin/vegeta"
)

// builtinFactories is the catalog of connectors compiled into the agent,
// keyed by the name connectors are configured under.
func builtinFactories() map[string]connector.Factory {
	return map[string]connector.Factory{
		prometheus.Descriptor.Name: prometheus.New,
		kubernetes.Descriptor.Name: kubernetes.New,
		vegeta.Descriptor.Name:     vegeta.New,
	}
}

// builtinRegistry composes the schemas of every builtin connector so the
// merged configuration document can be validated before activation.
func builtinRegistry() *config.Registry {
	return config.NewRegistry(
		prometheus.Descriptor,
		kubernetes.Descriptor,
		vegeta.Descriptor,
	)
}
