package phase

import "fmt"

// Status labels the lifecycle state of a phase.
type Status string

const (
	// StatusQueued indicates the phase is waiting on its dependencies.
	StatusQueued Status = "queued"
	// StatusReady indicates every dependency has completed.
	StatusReady Status = "ready"
	// StatusRunning indicates an executor is working on the phase.
	StatusRunning Status = "running"
	// StatusCompleted indicates the executor reported success. Terminal.
	StatusCompleted Status = "completed"
	// StatusBlocked indicates a dependency failed; requires manual reset.
	StatusBlocked Status = "blocked"
	// StatusFailed indicates the executor reported failure or timed out.
	StatusFailed Status = "failed"
)

// allowedTransitions defines the permitted lifecycle state changes.
// queued may move straight to blocked when a dependency fails before the
// phase ever becomes ready.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusReady:   {},
		StatusBlocked: {},
	},
	StatusReady: {
		StatusRunning: {},
		StatusBlocked: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {},
	StatusFailed: {
		StatusQueued: {}, // explicit operator reset
	},
	StatusBlocked: {
		StatusQueued: {}, // explicit operator reset
	},
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether the status ends the automated lifecycle.
// Failed and blocked phases only move again via explicit reset.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// IsValidTransition reports whether the lifecycle allows the requested change.
func IsValidTransition(from Status, to Status) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns an error when a lifecycle change is not allowed.
func ValidateTransition(from Status, to Status) error {
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid phase status transition from %q to %q", from, to)
	}
	return nil
}
