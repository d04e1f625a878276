// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	hclog "github.com/hashicorp/go-hclog"
)

// Topic identifies an event stream on the bus. Delivery order is guaranteed
// within a single topic only; there is no global ordering across topics.
type Topic string

const (
	// TopicConnectorActivated and TopicConnectorDeactivated are published by
	// the runtime around connector lifecycle transitions.
	TopicConnectorActivated   Topic = "connector.activated"
	TopicConnectorDeactivated Topic = "connector.deactivated"

	// The operation topics are published by the runtime around each
	// connector invocation so connectors can react to each other's
	// operations without the runtime hard-coding cross-connector
	// relationships.
	TopicBeforeCheck    Topic = "operation.check.before"
	TopicAfterCheck     Topic = "operation.check.after"
	TopicBeforeMeasure  Topic = "operation.measure.before"
	TopicAfterMeasure   Topic = "operation.measure.after"
	TopicBeforeAdjust   Topic = "operation.adjust.before"
	TopicAfterAdjust    Topic = "operation.adjust.after"
	TopicBeforeDescribe Topic = "operation.describe.before"
	TopicAfterDescribe  Topic = "operation.describe.after"
)

// Event is a transient notification delivered over the bus. Events are not
// persisted.
type Event struct {
	Topic Topic `json:"topic"`

	// Connector names the originating connector, or is empty for
	// runtime-generated events.
	Connector string `json:"connector,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// Handler processes one event. A handler error or panic is caught and logged
// per handler; it never aborts delivery to the remaining handlers.
type Handler func(Event) error

type handlerEntry struct {
	id int
	fn Handler
}

// Bus is the in-process publish/subscribe mechanism connectors use to observe
// each other's lifecycle and operation events. It is a thin typed facade over
// a watermill go-channel pub/sub: one consumer goroutine per topic fans each
// message out to the current handlers in subscription order.
//
// Publish blocks until the topic's consumer has taken delivery, so handlers
// observe events in publish order. A handler must not publish to its own
// topic, as that would deadlock the topic's consumer.
type Bus struct {
	log    hclog.Logger
	pubsub *gochannel.GoChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nextID   int
	handlers map[Topic][]handlerEntry
	consumed map[Topic]bool
}

// NewBus returns a started bus ready for use.
func NewBus(log hclog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		log:      log.Named("eventbus"),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[Topic][]handlerEntry),
		consumed: make(map[Topic]bool),
	}

	b.pubsub = gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		newLoggerAdapter(b.log),
	)
	return b
}

// Publish delivers the event to all current subscribers of the topic. It is
// best-effort; delivery problems are logged, never returned.
func (b *Bus) Publish(topic Topic, ev Event) {
	ev.Topic = topic

	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("failed to encode event", "topic", topic, "error", err)
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(string(topic), msg); err != nil {
		b.log.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// Subscription is the handle returned by Subscribe; Cancel removes the
// handler from the topic.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    int
}

// Cancel removes the subscription's handler. Events already taken by the
// topic consumer may still be delivered to it.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	entries := s.bus.handlers[s.topic]
	for i, e := range entries {
		if e.id == s.id {
			s.bus.handlers[s.topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Subscribe registers a handler for the topic and returns its subscription
// handle. Handlers on one topic are invoked in subscription order.
func (b *Bus) Subscribe(topic Topic, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.consumed[topic] {
		messages, err := b.pubsub.Subscribe(b.ctx, string(topic))
		if err != nil {
			return nil, err
		}
		b.consumed[topic] = true
		go b.consume(topic, messages)
	}

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, fn: h})

	return &Subscription{bus: b, topic: topic, id: id}, nil
}

// consume runs as the single consumer goroutine for a topic.
func (b *Bus) consume(topic Topic, messages <-chan *message.Message) {
	for msg := range messages {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.log.Error("failed to decode event", "topic", topic, "error", err)
			msg.Ack()
			continue
		}

		b.mu.Lock()
		entries := make([]handlerEntry, len(b.handlers[topic]))
		copy(entries, b.handlers[topic])
		b.mu.Unlock()

		for _, e := range entries {
			b.invoke(topic, e, ev)
		}
		msg.Ack()
	}
}

// invoke calls a single handler, containing any error or panic it raises.
func (b *Bus) invoke(topic Topic, e handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()

	if err := e.fn(ev); err != nil {
		b.log.Error("event handler failed", "topic", topic, "connector", ev.Connector, "error", err)
	}
}

// Close shuts the bus down. Publishing after Close is a no-op beyond an
// error log entry.
func (b *Bus) Close() error {
	b.cancel()
	return b.pubsub.Close()
}
