package isapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork indicates a connect, timeout or TLS failure
	ErrNetwork = errors.New("isapi: network error")
	// ErrAuthentication indicates the device rejected two consecutive digest attempts
	ErrAuthentication = errors.New("isapi: authentication failed")
	// ErrProtocol indicates a malformed HTTP exchange or an unexpected document
	ErrProtocol = errors.New("isapi: protocol error")
	// ErrDecode indicates a body that is not well-formed XML
	ErrDecode = errors.New("isapi: xml decode error")
	// ErrFraming indicates a multipart header block without a usable Content-Length
	ErrFraming = errors.New("isapi: framing error")
	// ErrStreamEnded indicates the device closed the event stream cleanly
	ErrStreamEnded = errors.New("isapi: event stream ended")
	// ErrStreamStalled indicates no bytes arrived within the idle timeout
	ErrStreamStalled = errors.New("isapi: event stream stalled")
)

// StatusError describes a non-success HTTP status returned by the device
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	kind       error
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("ISAPI %s %s failed: %d %s", e.Method, e.URL, e.StatusCode, statusText(e.StatusCode))
}

// Unwrap returns the taxonomy sentinel for the status
func (e *StatusError) Unwrap() error {
	return e.kind
}

func newStatusError(statusCode int, method, url string) *StatusError {
	kind := ErrProtocol
	if statusCode == http.StatusUnauthorized {
		kind = ErrAuthentication
	}
	return &StatusError{
		StatusCode: statusCode,
		Method:     method,
		URL:        url,
		kind:       kind,
	}
}

func statusText(statusCode int) string {
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("Unknown Status %d", statusCode)
}

// FramingError reports a part header block that could not be framed
type FramingError struct {
	Reason string
	Header string
}

// Error implements the error interface
func (e *FramingError) Error() string {
	return fmt.Sprintf("isapi: framing error: %s", e.Reason)
}

// Unwrap returns ErrFraming
func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// StatusCode extracts the HTTP status from err, or 0 if err carries none
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsNonceExpiry reports whether err most likely signals an expired digest nonce.
// Devices answer 403 on the event stream once the nonce has aged out.
func IsNonceExpiry(err error) bool {
	return StatusCode(err) == http.StatusForbidden || errors.Is(err, ErrAuthentication)
}

// IsRetryable reports whether a discovery caller may reasonably retry err
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}

	switch StatusCode(err) {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
