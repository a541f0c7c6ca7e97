package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/pulsegrid/relink/errs"
)

// ManualRetryRequested asks listeners to retry deferred work now.
type ManualRetryRequested struct {
	Envelope
	Source      Source
	ConnectID   ConnectID
	Correlation string
	Deadline    time.Duration
}

// NewManualRetryRequested constructs a manual retry request with a fresh correlation id.
func NewManualRetryRequested(source Source, connectID ConnectID, timeout time.Duration) ManualRetryRequested {
	return ManualRetryRequested{
		Envelope:    NewEnvelope(),
		Source:      source,
		ConnectID:   connectID,
		Correlation: uuid.NewString(),
		Deadline:    timeout,
	}
}

// Type identifies the message shape.
func (ManualRetryRequested) Type() MessageType { return MessageManualRetryRequested }

// CorrelationID links the request to its eventual response.
func (m ManualRetryRequested) CorrelationID() string { return m.Correlation }

// Timeout bounds how long the requester waits for a response.
func (m ManualRetryRequested) Timeout() time.Duration { return m.Deadline }

// ManualRetryResponse summarizes the outcome of one replay sweep.
type ManualRetryResponse struct {
	Envelope
	Correlation  string
	ReqID        string
	RetriedCount int
	SuccessCount int
	FailureCount int
}

// Type identifies the message shape.
func (ManualRetryResponse) Type() MessageType { return MessageManualRetryResponse }

// CorrelationID links the response back to the originating request.
func (m ManualRetryResponse) CorrelationID() string { return m.Correlation }

// RequestID identifies the request message answered by this response.
func (m ManualRetryResponse) RequestID() string { return m.ReqID }

// ConnectivityRestored announces a transition back into the connected state.
type ConnectivityRestored struct {
	Envelope
	PreviousStatus Status
	RestoredAt     time.Time
}

// Type identifies the message shape.
func (ConnectivityRestored) Type() MessageType { return MessageConnectivityRestored }

// RetriesExhausted announces that an operation spent its full retry budget.
type RetriesExhausted struct {
	Envelope
	ConnectID     ConnectID
	OperationName string
	TotalAttempts int
	Failure       *errs.Failure
}

// Type identifies the message shape.
func (RetriesExhausted) Type() MessageType { return MessageRetriesExhausted }

// ConnectionRecoveryRequested asks the transport owner to rebuild the channel.
type ConnectionRecoveryRequested struct {
	Envelope
	Reason      Reason
	ConnectID   ConnectID
	Failure     *errs.Failure
	Correlation string
	Deadline    time.Duration
}

// NewConnectionRecoveryRequested constructs a recovery request with a fresh correlation id.
func NewConnectionRecoveryRequested(reason Reason, connectID ConnectID, failure *errs.Failure, timeout time.Duration) ConnectionRecoveryRequested {
	return ConnectionRecoveryRequested{
		Envelope:    NewEnvelope(),
		Reason:      reason,
		ConnectID:   connectID,
		Failure:     failure,
		Correlation: uuid.NewString(),
		Deadline:    timeout,
	}
}

// Type identifies the message shape.
func (ConnectionRecoveryRequested) Type() MessageType { return MessageConnectionRecoveryRequested }

// CorrelationID links the request to its eventual response.
func (m ConnectionRecoveryRequested) CorrelationID() string { return m.Correlation }

// Timeout bounds how long the requester waits for a response.
func (m ConnectionRecoveryRequested) Timeout() time.Duration { return m.Deadline }

// ConnectionRecoveryResponse reports the outcome of a channel rebuild.
type ConnectionRecoveryResponse struct {
	Envelope
	Correlation  string
	ReqID        string
	Success      bool
	NewConnectID ConnectID
	Err          *errs.Failure
}

// Type identifies the message shape.
func (ConnectionRecoveryResponse) Type() MessageType { return MessageConnectionRecoveryResponse }

// CorrelationID links the response back to the originating request.
func (m ConnectionRecoveryResponse) CorrelationID() string { return m.Correlation }

// RequestID identifies the request message answered by this response.
func (m ConnectionRecoveryResponse) RequestID() string { return m.ReqID }

// OperationStarted announces a retried operation beginning execution.
type OperationStarted struct {
	Envelope
	OperationID   string
	OperationName string
	ConnectID     ConnectID
}

// Type identifies the message shape.
func (OperationStarted) Type() MessageType { return MessageOperationStarted }

// OperationCompleted announces a retried operation finishing.
type OperationCompleted struct {
	Envelope
	OperationID   string
	OperationName string
	Success       bool
	Err           *errs.Failure
	Duration      time.Duration
}

// Type identifies the message shape.
func (OperationCompleted) Type() MessageType { return MessageOperationCompleted }
