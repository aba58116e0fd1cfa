package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeNetwork indicates a network-level error (connection refused, unreachable, etc.)
	ErrTypeNetwork ErrorType = iota
	// ErrTypeTimeout indicates a request or read timeout
	ErrTypeTimeout
	// ErrTypeHTTP indicates an HTTP-level error (non-2xx status code)
	ErrTypeHTTP
	// ErrTypeProtocol indicates a malformed or unrecognized device response
	ErrTypeProtocol
	// ErrTypeHandshake indicates the identification exchange was rejected
	ErrTypeHandshake
	// ErrTypeConfig indicates invalid construction-time configuration
	ErrTypeConfig
	// ErrTypeUnknown indicates an unknown or unexpected error
	ErrTypeUnknown
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeHTTP:
		return "HTTP Error"
	case ErrTypeProtocol:
		return "Protocol Error"
	case ErrTypeHandshake:
		return "Handshake Error"
	case ErrTypeConfig:
		return "Configuration Error"
	case ErrTypeUnknown:
		return "Unknown Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Error represents a failure during transport or device communication.
type Error struct {
	Type       ErrorType // Category of error
	Message    string    // Human-readable error message
	StatusCode int       // HTTP status code (if applicable)
	Err        error     // Underlying error (if any)
	Target     string    // Connection target (port path or URL) for context
	Retryable  bool      // Whether the error is retryable
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the error category onto a Result error code.
func (e *Error) Code() string {
	switch e.Type {
	case ErrTypeTimeout:
		return CodeTimeout
	case ErrTypeHTTP:
		return CodeHTTPError
	case ErrTypeProtocol, ErrTypeHandshake:
		return CodeProtocolError
	default:
		return CodeConnectionError
	}
}

// Classify analyzes a transport error and returns a typed *Error.
// Returns nil when err is nil.
func Classify(err error, target string) *Error {
	if err == nil {
		return nil
	}

	// Context cancellation and deadline expiry surface as timeouts so a
	// pending call always resolves to a distinguishable result code.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || os.IsTimeout(err) {
		return &Error{
			Type:      ErrTypeTimeout,
			Message:   "request timed out",
			Err:       err,
			Target:    target,
			Retryable: true,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{
			Type:      ErrTypeNetwork,
			Message:   fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name),
			Err:       err,
			Target:    target,
			Retryable: false,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return &Error{
				Type:      ErrTypeNetwork,
				Message:   "device refused connection",
				Err:       err,
				Target:    target,
				Retryable: true,
			}
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return &Error{
				Type:      ErrTypeNetwork,
				Message:   "host unreachable",
				Err:       err,
				Target:    target,
				Retryable: true,
			}
		case errors.Is(opErr.Err, syscall.ENETUNREACH):
			return &Error{
				Type:      ErrTypeNetwork,
				Message:   "network unreachable",
				Err:       err,
				Target:    target,
				Retryable: true,
			}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Recursively classify the underlying error
		return Classify(urlErr.Err, target)
	}

	return &Error{
		Type:      ErrTypeNetwork,
		Message:   "network error occurred",
		Err:       err,
		Target:    target,
		Retryable: true,
	}
}

// NewHandshakeError creates an identification-handshake failure
func NewHandshakeError(target string, message string) *Error {
	return &Error{
		Type:      ErrTypeHandshake,
		Message:   message,
		Target:    target,
		Retryable: false,
	}
}

// NewHTTPError creates an HTTP-level error
func NewHTTPError(statusCode int, message string) *Error {
	retryable := statusCode >= 500 // Server errors are retryable
	return &Error{
		Type:       ErrTypeHTTP,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

// NewProtocolError creates a malformed-response error
func NewProtocolError(message string, err error) *Error {
	return &Error{
		Type:      ErrTypeProtocol,
		Message:   message,
		Err:       err,
		Retryable: false,
	}
}

// NewConfigError creates a construction-time configuration error
func NewConfigError(message string) *Error {
	return &Error{
		Type:      ErrTypeConfig,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable reports whether an error is worth retrying at the caller's
// discretion. The subsystem itself never retries silently.
func IsRetryable(err error) bool {
	var connErr *Error
	if errors.As(err, &connErr) {
		return connErr.Retryable
	}
	return false
}
