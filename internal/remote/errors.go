// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// APIError is a failed call against one of the external ticketing
// platforms, classified by an HTTP-status-like taxonomy:
//
//	429                      rate-limited (transient, feeds the limiter)
//	5xx, connection errors   transient
//	other 4xx, conflicts     permanent
type APIError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

// Transient reports whether a retry may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// RetryAfterOf extracts the server-advertised Retry-After, or zero.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsTransient classifies an error as retryable. Connection failures and
// per-call deadline hits count as transient; a canceled run does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// PermanentError wraps an exhausted retry chain: the underlying failures
// were transient, but the attempt budget is spent, so for this unit the
// outcome is permanent.
type PermanentError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }
