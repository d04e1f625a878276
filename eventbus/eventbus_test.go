// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(hclog.NewNullLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_orderWithinTopic(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []string

	_, err := b.Subscribe(TopicBeforeMeasure, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Connector)
		return nil
	})
	require.NoError(t, err)

	for _, name := range []string{"one", "two", "three", "four"} {
		b.Publish(TopicBeforeMeasure, Event{Connector: name})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
}

func TestBus_subscriptionOrder(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []int

	for i := 1; i <= 3; i++ {
		i := i
		_, err := b.Subscribe(TopicAfterAdjust, func(ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
			return nil
		})
		require.NoError(t, err)
	}

	b.Publish(TopicAfterAdjust, Event{})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_handlerFailureIsContained(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var delivered []string

	_, err := b.Subscribe(TopicConnectorActivated, func(ev Event) error {
		return errors.New("handler error")
	})
	require.NoError(t, err)

	_, err = b.Subscribe(TopicConnectorActivated, func(ev Event) error {
		panic("handler panic")
	})
	require.NoError(t, err)

	_, err = b.Subscribe(TopicConnectorActivated, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, ev.Connector)
		return nil
	})
	require.NoError(t, err)

	b.Publish(TopicConnectorActivated, Event{Connector: "survivor"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0] == "survivor"
	}, time.Second, 10*time.Millisecond)
}

func TestBus_cancelSubscription(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var first, second int

	sub, err := b.Subscribe(TopicConnectorDeactivated, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		first++
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe(TopicConnectorDeactivated, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		second++
		return nil
	})
	require.NoError(t, err)

	b.Publish(TopicConnectorDeactivated, Event{})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first == 1 && second == 1
	}, time.Second, 10*time.Millisecond)

	sub.Cancel()
	b.Publish(TopicConnectorDeactivated, Event{})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, first)
}
