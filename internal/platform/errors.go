package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

type ErrorKind string

const (
	KindAuthExpired        ErrorKind = "auth_expired"
	KindReconnectRequired  ErrorKind = "reconnect_required"
	KindRateLimited        ErrorKind = "rate_limited"
	KindContentRejected    ErrorKind = "content_rejected"
	KindTransientNetwork   ErrorKind = "transient_network"
	KindTimedOutProcessing ErrorKind = "timed_out_processing"
	KindUnknown            ErrorKind = "unknown"
)

// Retryable reports whether the dispatcher may try again after a backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientNetwork, KindUnknown:
		return true
	}
	return false
}

// Describe renders the kind for end users.
func (k ErrorKind) Describe() string {
	switch k {
	case KindAuthExpired:
		return "authorization expired"
	case KindReconnectRequired:
		return "reconnect required"
	case KindRateLimited:
		return "rate limited"
	case KindContentRejected:
		return "content rejected"
	case KindTransientNetwork:
		return "network error"
	case KindTimedOutProcessing:
		return "timed out while processing"
	}
	return "unknown error"
}

type PublishError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *PublishError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Retryable() bool { return e.Kind.Retryable() }

func Errorf(kind ErrorKind, format string, args ...any) *PublishError {
	return &PublishError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsPublishError maps any error returned from an adapter onto the taxonomy.
func AsPublishError(err error) *PublishError {
	if err == nil {
		return nil
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PublishError{Kind: KindTransientNetwork, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &PublishError{Kind: KindTransientNetwork, Message: netErr.Error(), Err: err}
	}
	return &PublishError{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// KindForStatus is the fallback classification when a platform's error
// envelope says nothing more specific.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthExpired
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout:
		return KindTransientNetwork
	case code >= 500:
		return KindTransientNetwork
	case code >= 400:
		return KindContentRejected
	}
	return KindUnknown
}

// RetryAfter reads Retry-After or one of the common rate-limit reset headers.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	for _, name := range []string{"X-Rate-Limit-Reset", "RateLimit-Reset", "X-RateLimit-Reset"} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		// small values are deltas, large ones epoch seconds
		if n < 1_000_000_000 {
			return time.Duration(n) * time.Second
		}
		if at := time.Unix(n, 0); at.After(now) {
			return at.Sub(now)
		}
	}
	return 0
}
