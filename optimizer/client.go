// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

const userAgent = "servo-agent"

// Config holds the settings for the HTTP optimizer client.
type Config struct {

	// URL is the base endpoint of the optimizer service. The account and
	// application identifiers are appended to form the servo endpoint.
	URL         string
	Account     string
	Application string

	Token string

	// MaxRetries bounds the attempts made for a single exchange before a
	// CommError is returned.
	MaxRetries int

	// BackoffBase and BackoffLimit shape the exponential backoff between
	// attempts: base doubling per attempt, capped at the limit.
	BackoffBase  time.Duration
	BackoffLimit time.Duration

	// RequestsPerSecond rate limits calls to the optimizer API; -1 disables
	// rate limiting.
	RequestsPerSecond int
}

// HTTPClient implements Client over a JSON request/response exchange with
// the optimizer service.
type HTTPClient struct {
	log        hclog.Logger
	endpoint   string
	token      string
	httpClient *http.Client

	maxRetries   int
	backoffBase  time.Duration
	backoffLimit time.Duration
}

// NewHTTPClient returns a configured optimizer API client.
func NewHTTPClient(log hclog.Logger, cfg Config) *HTTPClient {
	endpoint := strings.TrimSuffix(cfg.URL, "/")
	if cfg.Account != "" && cfg.Application != "" {
		endpoint = fmt.Sprintf("%s/accounts/%s/applications/%s/servo",
			endpoint, cfg.Account, cfg.Application)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	backoffLimit := cfg.BackoffLimit
	if backoffLimit <= 0 {
		backoffLimit = 30 * time.Second
	}

	return &HTTPClient{
		log:          log.Named("optimizer"),
		endpoint:     endpoint,
		token:        cfg.Token,
		httpClient:   NewInstrumentedClient("optimizer", cfg.RequestsPerSecond, nil),
		maxRetries:   maxRetries,
		backoffBase:  backoffBase,
		backoffLimit: backoffLimit,
	}
}

// PostEvent transmits one event, retrying transient failures with
// exponential backoff up to the configured attempt budget.
func (c *HTTPClient) PostEvent(ctx context.Context, event Event, param any) (*Response, error) {
	body, err := json.Marshal(&Request{Event: event, Param: param})
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("failed to encode %s event: %v", event, err)}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.log.Debug("retrying optimizer exchange", "event", event,
				"attempt", attempt+1, "delay", delay, "error", lastErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}

		if hErr, ok := err.(*httpError); ok && !hErr.transient() {
			return nil, &ProtocolError{StatusCode: hErr.code, Reason: hErr.body}
		}
		if pErr, ok := err.(*ProtocolError); ok {
			return nil, pErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, &CommError{Attempts: c.maxRetries, Err: lastErr}
}

// WhatsNext requests the next directive from the optimizer.
func (c *HTTPClient) WhatsNext(ctx context.Context) (*Directive, error) {
	resp, err := c.PostEvent(ctx, EventWhatsNext, nil)
	if err != nil {
		return nil, err
	}

	if resp.Command == "" {
		return nil, &ProtocolError{Reason: fmt.Sprintf("directive without command, status %q", resp.Status)}
	}

	return &Directive{Command: resp.Command, Param: resp.Param}, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &httpError{code: httpResp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed optimizer reply: %v", err)}
	}
	return &resp, nil
}

// backoff returns the delay before the given retry, doubling from the base
// and capped at the limit.
func (c *HTTPClient) backoff(retry int) time.Duration {
	delay := c.backoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= c.backoffLimit {
			return c.backoffLimit
		}
	}
	if delay > c.backoffLimit {
		return c.backoffLimit
	}
	return delay
}
