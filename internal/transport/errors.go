package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	ErrRefNotFound  = errors.New("transport: ref not found")
	ErrFileNotFound = errors.New("transport: file not found")
	ErrUnavailable  = errors.New("transport: unavailable")
)

const (
	// Generic request/server errors
	CodeBadRequest    = "E_BAD_REQUEST"    // bad or invalid request
	CodeUnauthorized  = "E_UNAUTHORIZED"   // authentication failed
	CodeAccessDenied  = "E_ACCESS_DENIED"  // access denied
	CodeRateLimited   = "E_RATE_LIMITED"   // rate limit exceeded
	CodeNotFound      = "E_NOT_FOUND"      // resource not found
	CodeInternalError = "E_INTERNAL_ERROR" // remote server error
	CodeUnknownError  = "E_UNKNOWN_ERR"    // unknown error
)

// APIError is a non-2xx response from the structured API.
type APIError struct {
	Code       string
	StatusCode int
	Message    string
}

func NewAPIError(code string, status int, message string) *APIError {
	return &APIError{Code: code, StatusCode: status, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s (%d) %s", e.Code, e.StatusCode, e.Message)
}

// QuotaError signals remote quota exhaustion. The pool pauses dispatch
// until Reset instead of failing tasks.
type QuotaError struct {
	Reset time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exhausted, resets at %s", e.Reset.Format(time.RFC3339))
}

// IsUnavailable reports whether err means the transport itself is unusable
// (connection refused, DNS failure, persistent auth denial on the host) as
// opposed to a per-item failure. This is the condition that triggers a
// one-shot fallback to the secondary transport.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// persistent denial on the API host, e.g. a corporate proxy
		// blanket-blocking api.github.com
		return apiErr.StatusCode == 403 && apiErr.Code == CodeAccessDenied
	}

	return false
}

// IsTransient reports whether err is worth retrying for the same task:
// timeouts, connection resets and 5xx-class responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 && apiErr.StatusCode < 600
	}

	return false
}

// IsQuota extracts a QuotaError if present.
func IsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
