// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, url string, maxRetries int) *HTTPClient {
	t.Helper()
	return NewHTTPClient(hclog.NewNullLogger(), Config{
		URL:               url,
		Token:             "secret",
		MaxRetries:        maxRetries,
		BackoffBase:       5 * time.Millisecond,
		BackoffLimit:      50 * time.Millisecond,
		RequestsPerSecond: -1,
	})
}

func TestHTTPClient_PostEvent(t *testing.T) {
	var gotReq Request
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(&Response{Status: StatusOK})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 3)

	resp, err := c.PostEvent(context.Background(), EventHello, map[string]any{"agent": userAgent})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, EventHello, gotReq.Event)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPClient_unsetRateLimitDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&Response{Status: StatusOK})
	}))
	defer srv.Close()

	// A zero RequestsPerSecond disables rate limiting rather than starving
	// the transport of tokens.
	c := NewHTTPClient(hclog.NewNullLogger(), Config{URL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.PostEvent(ctx, EventHello, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestHTTPClient_retriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n < 3 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(&Response{Status: StatusOK})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)

	resp, err := c.PostEvent(context.Background(), EventWhatsNext, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestHTTPClient_backoffExhaustion(t *testing.T) {
	var mu sync.Mutex
	var callTimes []time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 4)

	_, err := c.PostEvent(context.Background(), EventWhatsNext, nil)
	require.Error(t, err)

	var commErr *CommError
	require.True(t, errors.As(err, &commErr))
	assert.Equal(t, 4, commErr.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 4)

	// Each retry must wait at least its doubled backoff delay.
	expect := 5 * time.Millisecond
	for i := 1; i < len(callTimes); i++ {
		gap := callTimes[i].Sub(callTimes[i-1])
		assert.GreaterOrEqual(t, gap, expect)
		expect *= 2
	}
}

func TestHTTPClient_authRejectionIsFatal(t *testing.T) {
	var mu sync.Mutex
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)

	_, err := c.PostEvent(context.Background(), EventHello, nil)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, http.StatusUnauthorized, protoErr.StatusCode)

	// No retries for non-transient failures.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestHTTPClient_malformedReplyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)

	_, err := c.PostEvent(context.Background(), EventDescription, nil)
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
}

func TestHTTPClient_WhatsNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&Response{
			Status:  StatusOK,
			Command: CommandAdjust,
			Param:   json.RawMessage(`{"component":"web","settings":{"replicas":3}}`),
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 3)

	d, err := c.WhatsNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CommandAdjust, d.Command)
	assert.NotEmpty(t, d.Param)
}

func TestHTTPClient_endpointComposition(t *testing.T) {
	c := NewHTTPClient(hclog.NewNullLogger(), Config{
		URL:         "https://api.example.com/",
		Account:     "example.com",
		Application: "app-one",
	})
	assert.Equal(t, "https://api.example.com/accounts/example.com/applications/app-one/servo", c.endpoint)
}
