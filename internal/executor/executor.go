// Package executor defines the boundary to the external process that
// performs the actual work of a phase. The scheduling core launches
// executors fire-and-forget and observes completion separately, either by
// polling a StatusSource or through a push callback carrying the same
// tri-state result.
package executor

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnknownHandle is returned when a status source has no record of the
// handle, e.g. after the tracking process restarted and lost the result.
var ErrUnknownHandle = errors.New("executor: unknown handle")

// State is the tri-state outcome an executor reports.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Result is a completion observation for one executor instance.
type Result struct {
	State       State  `json:"state"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Spec carries everything an executor needs to work on one phase. The
// payload is opaque to the core and handed through untouched. The handle is
// chosen by the coordinator before the phase is committed to running, so
// the queue store and the executor always agree on it.
type Spec struct {
	Handle      string
	QueueID     string
	FeatureID   string
	PhaseNumber int
	PortA       int
	PortB       int
	Payload     json.RawMessage
}

// Spawner launches an executor for a phase under the handle in the spec.
// Launch must not block on the executor's work; it returns as soon as the
// process is started.
type Spawner interface {
	Launch(ctx context.Context, spec Spec) error
}

// StatusSource answers "how is this executor doing" for reconciliation.
// Implementations must be idempotent: the coordinator may ask about the
// same handle on every tick.
type StatusSource interface {
	QueryStatus(ctx context.Context, handle string) (Result, error)
}
