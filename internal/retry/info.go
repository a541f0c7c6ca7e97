// Package retry executes operations with bounded, jittered retries and a
// global exhaustion circuit-breaker.
package retry

import (
	"time"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/schema"
)

// operationActiveWindow bounds how long per-operation bookkeeping counts
// toward the global exhaustion decision before the sweep reaps it.
const operationActiveWindow = 10 * time.Minute

// OperationInfo tracks one named operation's retry bookkeeping. It is
// owned exclusively by the engine and mutated only under the engine lock.
type OperationInfo struct {
	ID          string
	Name        string
	ConnectID   schema.ConnectID
	ServiceType string
	StartedAt   time.Time
	Attempt     int
	Exhausted   bool
	LastFailure *errs.Failure
	Schedule    []time.Duration
}

// Active reports whether the bookkeeping is fresh enough to count toward
// the global exhaustion decision.
func (o *OperationInfo) Active(now time.Time) bool {
	if o == nil {
		return false
	}
	return now.Sub(o.StartedAt) < operationActiveWindow
}
