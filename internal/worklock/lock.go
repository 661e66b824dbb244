// Package worklock guards the one-running-phase-per-feature invariant. The
// lock is logically a query over the phase queue ("is anything running for
// this feature?"), so it holds no state that could desynchronize from the
// store and needs no recovery after a restart.
package worklock

import (
	"context"
	"sync"

	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/phase"
)

// RunMarker is the slice of the queue store the lock needs: the atomic
// check-and-mark plus the derived running set.
type RunMarker interface {
	TryMarkRunning(ctx context.Context, featureID, queueID, executorHandle string, alloc phase.Allocation) (bool, error)
	RunningFeatures(ctx context.Context) (map[string]struct{}, error)
}

// Guard serializes acquisition attempts. The store's conditional update is
// already atomic; the mutex keeps an event-driven launch path and the
// periodic tick from interleaving their surrounding read-modify-write
// bookkeeping.
type Guard struct {
	mu    sync.Mutex
	store RunMarker
}

// New builds a guard over the given store.
func New(store RunMarker) *Guard {
	return &Guard{store: store}
}

// TryAcquire attempts the atomic ready->running promotion for the phase,
// which succeeds only when no other phase of the feature is running. A lost
// race returns false, not an error; that is a normal scheduling outcome.
func (g *Guard) TryAcquire(ctx context.Context, featureID, queueID, executorHandle string, alloc phase.Allocation) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acquired, err := g.store.TryMarkRunning(ctx, featureID, queueID, executorHandle, alloc)
	if err != nil {
		return false, err
	}
	if !acquired {
		ctxlog.FromContext(ctx).Debug("Workflow lock contended.", "feature", featureID, "phase", queueID)
	}
	return acquired, nil
}

// Held reports whether the feature currently has a running phase.
func (g *Guard) Held(ctx context.Context, featureID string) (bool, error) {
	running, err := g.store.RunningFeatures(ctx)
	if err != nil {
		return false, err
	}
	_, held := running[featureID]
	return held, nil
}
