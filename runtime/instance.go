// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"sync"

	"github.com/hashicorp/servo-agent/connector"
)

// instance wraps an activated connector together with the in-flight
// reference counting used to exclude deactivation during dispatch.
type instance struct {
	conn connector.Connector
	desc *connector.Descriptor

	mu      sync.Mutex
	closing bool

	// inflight tracks operations currently dispatched against the
	// connector. Deactivation waits on it before Close is called.
	inflight sync.WaitGroup
}

func newInstance(conn connector.Connector, desc *connector.Descriptor) *instance {
	return &instance{conn: conn, desc: desc}
}

// acquire registers a new in-flight operation. It fails once the instance
// has begun closing.
func (i *instance) acquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closing {
		return false
	}
	i.inflight.Add(1)
	return true
}

// release marks one in-flight operation as finished. It must be called once
// per successful acquire, after the connector call has fully returned.
func (i *instance) release() { i.inflight.Done() }

// beginClose transitions the instance into its closing state so no further
// operations can acquire it.
func (i *instance) beginClose() {
	i.mu.Lock()
	i.closing = true
	i.mu.Unlock()
}
