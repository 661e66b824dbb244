// Package ticket defines the tracking-ticket collaborator consumed by the
// coordinator and a REST implementation of it. Tickets are created just in
// time: a ready phase is never launched until its ticket reference exists.
package ticket

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrTransient marks failures worth retrying on a later tick (network
// errors, timeouts, server-side 5xx). Callers check with errors.Is.
var ErrTransient = errors.New("ticket: transient service error")

// Service is the boundary to the external issue tracker. Only ticket
// creation and commenting are part of the scheduling core; everything else
// the tracker does is out of scope.
type Service interface {
	// Create opens a tracking ticket for the phase and returns its
	// reference.
	Create(ctx context.Context, featureID string, phaseNumber int, payload json.RawMessage) (string, error)

	// Comment appends a note to an existing ticket, used to surface failure
	// cascades.
	Comment(ctx context.Context, ref string, text string) error
}
