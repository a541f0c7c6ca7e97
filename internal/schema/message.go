package schema

import (
	"time"

	"github.com/google/uuid"
)

// MessageType keys bus subscriptions by concrete message shape.
type MessageType string

const (
	// MessageManualRetryRequested announces a user-initiated retry.
	MessageManualRetryRequested MessageType = "manual_retry.requested"
	// MessageManualRetryResponse summarizes a completed replay sweep.
	MessageManualRetryResponse MessageType = "manual_retry.response"
	// MessageConnectivityRestored announces a transition back into connected.
	MessageConnectivityRestored MessageType = "connectivity.restored"
	// MessageRetriesExhausted announces a spent retry budget.
	MessageRetriesExhausted MessageType = "retries.exhausted"
	// MessageConnectionRecoveryRequested asks the transport owner to repair the channel.
	MessageConnectionRecoveryRequested MessageType = "connection_recovery.requested"
	// MessageConnectionRecoveryResponse reports the outcome of a recovery attempt.
	MessageConnectionRecoveryResponse MessageType = "connection_recovery.response"
	// MessageOperationStarted announces a retried operation starting.
	MessageOperationStarted MessageType = "operation.started"
	// MessageOperationCompleted announces a retried operation finishing.
	MessageOperationCompleted MessageType = "operation.completed"
)

// Message is the base contract every bus message satisfies.
type Message interface {
	MessageID() string
	OccurredAt() time.Time
	Type() MessageType
}

// Request extends Message with correlation and a response deadline.
type Request interface {
	Message
	CorrelationID() string
	Timeout() time.Duration
}

// Response extends Message with correlation back to its request.
type Response interface {
	Message
	CorrelationID() string
	RequestID() string
}

// Envelope carries the fields shared by every concrete message.
type Envelope struct {
	ID   string
	Time time.Time
}

// NewEnvelope stamps a fresh message identity.
func NewEnvelope() Envelope {
	return Envelope{ID: uuid.NewString(), Time: time.Now()}
}

// MessageID returns the unique message identifier.
func (e Envelope) MessageID() string { return e.ID }

// OccurredAt returns the message creation time.
func (e Envelope) OccurredAt() time.Time { return e.Time }
