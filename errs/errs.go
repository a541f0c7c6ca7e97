// Package errs provides the structured network failure taxonomy shared across Relink.
package errs

import (
	"strconv"
	"strings"
	"time"
)

// Kind identifies a network failure category.
type Kind string

const (
	// KindNetworkUnavailable indicates the device has no usable network path.
	KindNetworkUnavailable Kind = "network_unavailable"
	// KindConnectionTimeout indicates the connection attempt timed out.
	KindConnectionTimeout Kind = "connection_timeout"
	// KindServerNotResponding indicates the server accepted the connection but never answered.
	KindServerNotResponding Kind = "server_not_responding"
	// KindServerError indicates a server-side failure.
	KindServerError Kind = "server_error"
	// KindClientError indicates the request itself was invalid.
	KindClientError Kind = "client_error"
	// KindAuthenticationFailed indicates credential verification failed.
	KindAuthenticationFailed Kind = "authentication_failed"
	// KindUnauthorized indicates missing or expired authentication.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden indicates the caller lacks permission.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a concurrent mutation conflict.
	KindConflict Kind = "conflict"
	// KindTooManyRequests indicates the request was rate limited.
	KindTooManyRequests Kind = "too_many_requests"
	// KindServiceUnavailable indicates the service is temporarily unavailable.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindGatewayTimeout indicates an upstream gateway timed out.
	KindGatewayTimeout Kind = "gateway_timeout"
	// KindInvalidResponse indicates the server answer could not be decoded.
	KindInvalidResponse Kind = "invalid_response"
	// KindOperationCancelled indicates the caller cancelled the operation.
	KindOperationCancelled Kind = "operation_cancelled"
	// KindProtocolStateMismatch indicates client and server disagree about protocol state.
	KindProtocolStateMismatch Kind = "protocol_state_mismatch"
	// KindHandshakeFailed indicates the connection handshake failed.
	KindHandshakeFailed Kind = "handshake_failed"
	// KindConnectionFailed indicates the transport connection broke.
	KindConnectionFailed Kind = "connection_failed"
	// KindUnavailable indicates the channel is unavailable.
	KindUnavailable Kind = "unavailable"
	// KindTimeout indicates a call-level timeout.
	KindTimeout Kind = "timeout"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// RetryInfo describes where an operation stands in its retry budget.
type RetryInfo struct {
	CurrentAttempt  int
	MaxAttempts     int
	NextRetryDelay  time.Duration
	BackoffStrategy string
}

// Failure captures structured network failure information produced across the stack.
type Failure struct {
	Kind      Kind
	Message   string
	ConnectID string
	Retry     *RetryInfo

	cause error
}

// Option configures a failure envelope.
type Option func(*Failure)

// New constructs a failure envelope for the given kind.
func New(kind Kind, opts ...Option) *Failure {
	f := &Failure{
		Kind:      kind,
		Message:   "",
		ConnectID: "",
		Retry:     nil,
		cause:     nil,
	}
	if f.Kind == "" {
		f.Kind = KindUnknown
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// WithMessage attaches a human-readable message to the failure.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(f *Failure) {
		f.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(f *Failure) {
		f.cause = err
	}
}

// WithConnectID associates the failure with a logical connection.
func WithConnectID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(f *Failure) {
		f.ConnectID = trimmed
	}
}

// WithRetryInfo records the retry budget state at the time of failure.
func WithRetryInfo(info RetryInfo) Option {
	return func(f *Failure) {
		clone := info
		f.Retry = &clone
	}
}

// Wrap converts an arbitrary error into a Failure, preserving existing envelopes.
func Wrap(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return New(KindUnknown, WithMessage(err.Error()), WithCause(err))
}

// ShouldRetry reports whether operations failing with this kind may be reattempted.
// The policy is fixed; callers never configure retryability per call.
func (f *Failure) ShouldRetry() bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case KindNetworkUnavailable, KindConnectionTimeout, KindServerNotResponding,
		KindServerError, KindTooManyRequests, KindServiceUnavailable,
		KindGatewayTimeout, KindConnectionFailed, KindUnavailable,
		KindTimeout, KindUnknown, KindProtocolStateMismatch, KindHandshakeFailed:
		return true
	default:
		return false
	}
}

// ConnectionBroken reports whether the failure implies the underlying
// channel itself is broken rather than this single call.
func (f *Failure) ConnectionBroken() bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case KindProtocolStateMismatch, KindHandshakeFailed, KindConnectionFailed,
		KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	var parts []string

	kind := strings.TrimSpace(string(f.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)

	if f.Message != "" {
		parts = append(parts, "message="+strconv.Quote(f.Message))
	}
	if f.ConnectID != "" {
		parts = append(parts, "connect_id="+f.ConnectID)
	}
	if f.Retry != nil {
		parts = append(parts, "attempt="+strconv.Itoa(f.Retry.CurrentAttempt)+"/"+strconv.Itoa(f.Retry.MaxAttempts))
		if f.Retry.NextRetryDelay > 0 {
			parts = append(parts, "next_retry="+f.Retry.NextRetryDelay.String())
		}
		if f.Retry.BackoffStrategy != "" {
			parts = append(parts, "backoff="+f.Retry.BackoffStrategy)
		}
	}
	if f.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(f.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (f *Failure) Unwrap() error { return f.cause }
