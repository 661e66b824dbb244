// Package hopper ranks ready phases for launch. Selection is advisory: pool
// and lock state can change between ranking and acquisition, so the
// coordinator still attempts the lock per candidate and falls through to the
// next one on a lost race.
package hopper

import (
	"sort"

	"github.com/vk/phaseline/internal/phase"
)

// Select orders the ready phases by priority (ascending), then creation time
// (strict FIFO among equals), then queue ID for determinism. Phases whose
// feature already has a running phase are dropped up front to avoid wasted
// lock attempts, and the result is truncated to the number of free pool
// slots.
func Select(ready []phase.Phase, runningFeatures map[string]struct{}, freeSlots int) []phase.Phase {
	if freeSlots <= 0 || len(ready) == 0 {
		return nil
	}

	candidates := make([]phase.Phase, 0, len(ready))
	for _, p := range ready {
		if _, busy := runningFeatures[p.FeatureID]; busy {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		if left.Priority != right.Priority {
			return left.Priority < right.Priority
		}
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.Before(right.CreatedAt)
		}
		return left.QueueID < right.QueueID
	})

	// One launch per feature per tick: a second candidate from the same
	// feature cannot win the lock once the first one does.
	seen := make(map[string]struct{}, len(candidates))
	selected := make([]phase.Phase, 0, freeSlots)
	for _, p := range candidates {
		if _, dup := seen[p.FeatureID]; dup {
			continue
		}
		seen[p.FeatureID] = struct{}{}
		selected = append(selected, p)
		if len(selected) == freeSlots {
			break
		}
	}
	return selected
}
