package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// TimeoutError reports that a single attempt exceeded its time budget while
// the caller's context was still live.
type TimeoutError struct {
	Err     error
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// UpstreamUnavailableError is returned when the retry budget is spent and the
// upstream was still answering 503/unavailable.
type UpstreamUnavailableError struct {
	Err      error
	Attempts int
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream temporarily unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// IsUpstreamUnavailable reports whether err carries an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var ue *UpstreamUnavailableError
	return errors.As(err, &ue)
}

var transientPatterns = []string{
	"getaddrinfo failed",
	"name or service not known",
	"temporary failure in name resolution",
	"no such host",
	"errno 11001",
	"server disconnected",
	"unexpected_eof_while_reading",
	"eof occurred in violation of protocol",
	"unexpected eof",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"server closed idle connection",
	"timed out",
	"timeout",
}

// IsRetryable returns true if the error (or any error in its chain) is a
// TransientError or TimeoutError, signals an unavailable upstream, or matches
// a known transient network signature.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Explicit markers in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}

	if IsUnavailable(err) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for errors surfaced as text by SDKs.
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsUnavailable reports whether err means the upstream answered 503 or
// described itself as unavailable.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "503") || strings.Contains(strings.ToUpper(msg), "UNAVAILABLE")
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
