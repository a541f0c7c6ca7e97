// Package schema defines canonical value types shared across the Relink stack.
package schema

import (
	"time"

	"github.com/pulsegrid/relink/errs"
)

// Status enumerates connectivity states.
type Status string

const (
	// StatusConnected indicates a healthy connection to the service.
	StatusConnected Status = "connected"
	// StatusConnecting indicates a connection attempt in progress.
	StatusConnecting Status = "connecting"
	// StatusDisconnected indicates the service is unreachable.
	StatusDisconnected Status = "disconnected"
	// StatusRecovering indicates a retry is about to run.
	StatusRecovering Status = "recovering"
	// StatusUnavailable indicates no usable network path exists.
	StatusUnavailable Status = "unavailable"
	// StatusShuttingDown indicates the server announced a shutdown.
	StatusShuttingDown Status = "shutting_down"
	// StatusRetriesExhausted indicates the retry budget is spent and manual action is required.
	StatusRetriesExhausted Status = "retries_exhausted"
)

// Reason categorizes the cause of a connectivity transition.
type Reason string

const (
	// ReasonHandshakeFailed marks transitions caused by a failed handshake.
	ReasonHandshakeFailed Reason = "handshake_failed"
	// ReasonInternetRecovered marks transitions caused by the internet path returning.
	ReasonInternetRecovered Reason = "internet_recovered"
	// ReasonInternetLost marks transitions caused by losing the internet path.
	ReasonInternetLost Reason = "internet_lost"
	// ReasonManualRetry marks transitions triggered by explicit user action.
	ReasonManualRetry Reason = "manual_retry"
	// ReasonRPCFailure marks transitions caused by a failed remote call.
	ReasonRPCFailure Reason = "rpc_failure"
	// ReasonServerShutdown marks transitions caused by a server-announced shutdown.
	ReasonServerShutdown Reason = "server_shutdown"
	// ReasonRecoveryRequested marks transitions caused by a connection recovery request.
	ReasonRecoveryRequested Reason = "recovery_requested"
	// ReasonUnknown captures uncategorized transitions.
	ReasonUnknown Reason = "unknown"
)

// Source identifies which producer proposed a transition.
type Source string

const (
	// SourceSystem marks transitions produced by internal components.
	SourceSystem Source = "system"
	// SourceDataCenter marks transitions produced by the server-health probe.
	SourceDataCenter Source = "data_center"
	// SourceInternetProbe marks transitions produced by the reachability probe.
	SourceInternetProbe Source = "internet_probe"
	// SourceManualAction marks transitions produced by explicit user action.
	SourceManualAction Source = "manual_action"
)

// ConnectID is an opaque handle correlating events to one logical connection.
type ConnectID string

// Snapshot is the single current, immutable view of connectivity state.
// Snapshots are never mutated in place; every published intent yields a
// new snapshot with a fresh timestamp.
type Snapshot struct {
	Status        Status
	Reason        Reason
	Source        Source
	Failure       *errs.Failure
	ConnectID     ConnectID
	RetryAttempt  int
	RetryBackoff  time.Duration
	CorrelationID string
	OccurredAt    time.Time
}

// Offline reports whether the snapshot describes a state where remote
// calls cannot be expected to succeed.
func (s Snapshot) Offline() bool {
	switch s.Status {
	case StatusDisconnected, StatusShuttingDown, StatusRecovering,
		StatusRetriesExhausted, StatusUnavailable:
		return true
	default:
		return false
	}
}

// Intent is a proposed connectivity transition submitted to the publisher.
// The publisher assigns the timestamp and correlation id.
type Intent struct {
	Status        Status
	Reason        Reason
	Source        Source
	Failure       *errs.Failure
	ConnectID     ConnectID
	RetryAttempt  int
	RetryBackoff  time.Duration
	CorrelationID string
}

// ConnectedIntent proposes a transition into the connected state.
func ConnectedIntent(source Source, connectID ConnectID) Intent {
	return Intent{Status: StatusConnected, Source: source, ConnectID: connectID}
}

// ConnectingIntent proposes a transition into the connecting state.
func ConnectingIntent(source Source, connectID ConnectID) Intent {
	return Intent{Status: StatusConnecting, Source: source, ConnectID: connectID}
}

// DisconnectedIntent proposes a transition into the disconnected state.
func DisconnectedIntent(source Source, failure *errs.Failure, connectID ConnectID) Intent {
	return Intent{Status: StatusDisconnected, Source: source, Failure: failure, ConnectID: connectID}
}

// RecoveringIntent proposes a transition announcing an upcoming retry attempt.
func RecoveringIntent(failure *errs.Failure, connectID ConnectID, attempt int, backoff time.Duration) Intent {
	return Intent{
		Status:       StatusRecovering,
		Source:       SourceSystem,
		Failure:      failure,
		ConnectID:    connectID,
		RetryAttempt: attempt,
		RetryBackoff: backoff,
	}
}

// InternetLostIntent proposes the unavailable state after the internet path dropped.
func InternetLostIntent() Intent {
	return Intent{Status: StatusUnavailable, Reason: ReasonInternetLost, Source: SourceInternetProbe}
}

// InternetRecoveredIntent proposes the connecting state after the internet path returned.
func InternetRecoveredIntent() Intent {
	return Intent{Status: StatusConnecting, Reason: ReasonInternetRecovered, Source: SourceInternetProbe}
}

// ManualRetryIntent proposes the connecting state in response to user action.
func ManualRetryIntent(connectID ConnectID) Intent {
	return Intent{Status: StatusConnecting, Reason: ReasonManualRetry, Source: SourceManualAction, ConnectID: connectID}
}

// RetriesExhaustedIntent proposes the retries-exhausted state.
func RetriesExhaustedIntent(failure *errs.Failure, connectID ConnectID, attempts int) Intent {
	return Intent{
		Status:       StatusRetriesExhausted,
		Reason:       ReasonRPCFailure,
		Source:       SourceSystem,
		Failure:      failure,
		ConnectID:    connectID,
		RetryAttempt: attempts,
	}
}

// ShuttingDownIntent proposes the shutting-down state announced by the server.
func ShuttingDownIntent(failure *errs.Failure) Intent {
	return Intent{Status: StatusShuttingDown, Reason: ReasonServerShutdown, Source: SourceDataCenter, Failure: failure}
}

// ResolveReason derives the effective reason for an intent: the explicit
// reason wins, then the failure kind, then unknown.
func (i Intent) ResolveReason() Reason {
	if i.Reason != "" {
		return i.Reason
	}
	if i.Failure != nil {
		switch i.Failure.Kind {
		case errs.KindHandshakeFailed:
			return ReasonHandshakeFailed
		case errs.KindNetworkUnavailable:
			return ReasonInternetLost
		default:
			return ReasonRPCFailure
		}
	}
	return ReasonUnknown
}
