// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package optimizer

import "fmt"

// CommError indicates the retry budget for transient communication failures
// with the optimizer has been exhausted. The orchestrator treats it as
// terminal for the session.
type CommError struct {
	Attempts int
	Err      error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("optimizer unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// ProtocolError indicates a non-transient protocol failure such as an
// authentication rejection or a malformed reply. It is fatal to the session
// and never retried.
type ProtocolError struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("optimizer protocol error (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("optimizer protocol error: %s", e.Reason)
}

// httpError carries a non-2xx response through the retry loop.
type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected response code %d: %s", e.code, e.body)
}

// transient reports whether the response code represents a failure worth
// retrying. Server-side failures and throttling are transient; everything
// else, notably authentication and authorization rejections, is not.
func (e *httpError) transient() bool {
	return e.code >= 500 || e.code == 429
}
