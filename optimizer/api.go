// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package optimizer

import (
	"context"
	"encoding/json"
)

// Event is the kind of a report message posted to the optimizer.
type Event string

const (
	// EventHello announces the agent at session start.
	EventHello Event = "hello"

	// EventGoodbye announces session teardown, with a reason.
	EventGoodbye Event = "goodbye"

	// EventWhatsNext requests the next directive.
	EventWhatsNext Event = "whats-next"

	// EventDescription carries the component/setting baseline.
	EventDescription Event = "description"

	// EventMeasurement carries the results of a measure operation.
	EventMeasurement Event = "measurement"

	// EventAdjustment carries the outcome of an adjust operation.
	EventAdjustment Event = "adjustment"
)

// Command is the directive kind issued by the optimizer.
type Command string

const (
	CommandDescribe Command = "describe"
	CommandMeasure  Command = "measure"
	CommandAdjust   Command = "adjust"
	CommandSleep    Command = "sleep"
	CommandStop     Command = "stop"
)

const (
	// StatusOK is the optimizer's acknowledgement status.
	StatusOK = "ok"

	// StatusUnexpectedEvent is returned when the optimizer receives an event
	// out of sequence. The event is ignored upstream; the agent logs the
	// reason and carries on with the next directive.
	StatusUnexpectedEvent = "unexpected-event"
)

// Request is the wire shape of a posted event.
type Request struct {
	Event Event `json:"event"`
	Param any   `json:"param,omitempty"`
}

// Response is the wire shape of the optimizer's reply.
type Response struct {
	Status  string          `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	Command Command         `json:"cmd,omitempty"`
	Param   json.RawMessage `json:"param,omitempty"`
}

// Directive is an instruction issued by the optimizer to the control loop.
type Directive struct {
	Command Command
	Param   json.RawMessage
}

// Client is the abstract send-report/receive-directive interface the
// orchestrator drives. Transport and encoding are behind it; implementations
// own their retry behavior for transient communication failures.
type Client interface {

	// PostEvent transmits one event and returns the optimizer's reply.
	PostEvent(ctx context.Context, event Event, param any) (*Response, error)

	// WhatsNext blocks until the optimizer issues the next directive.
	WhatsNext(ctx context.Context) (*Directive, error)
}
