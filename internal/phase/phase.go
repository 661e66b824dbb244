// Package phase defines the domain model for schedulable pipeline phases:
// the lifecycle state machine, the typed dependency set, and the boundary
// validation that keeps dependency lists well-formed at creation time.
package phase

import (
	"encoding/json"
	"time"
)

// DefaultPriority is the mid-range priority assigned when a phase does not
// specify one. Lower values are more urgent.
const DefaultPriority = 50

// Feature is the unit of work a set of phases belongs to. The scheduling
// core never mutates features; they are owned by the planning side.
type Feature struct {
	ID       string
	Title    string
	Priority int
}

// Allocation is a pair of reserved ports granted to a running phase.
type Allocation struct {
	PortA int `json:"port_a"`
	PortB int `json:"port_b"`
}

// Phase is the core schedulable entity. One row in the queue store.
type Phase struct {
	// QueueID is the opaque unique identifier assigned at insertion.
	QueueID string

	// FeatureID references the owning feature.
	FeatureID string

	// PhaseNumber orders the phase within its feature. Positive, unique per
	// feature. Ordering is informational; dependencies are explicit.
	PhaseNumber int

	// DependsOn lists phase numbers (same feature) that must complete before
	// this phase may leave queued.
	DependsOn DepSet

	// Status is the lifecycle state. The only field scheduling reasons about.
	Status Status

	// ExternalRef is the tracking-ticket reference, empty until the
	// coordinator creates the ticket just in time.
	ExternalRef string

	// ExecutorHandle identifies the running or most recent executor
	// instance. Retained after completion for audit.
	ExecutorHandle string

	// Allocation holds the reserved port pair while the phase is running,
	// nil otherwise.
	Allocation *Allocation

	// Priority ranks the phase across features. Lower is more urgent.
	Priority int

	// ErrorMessage is populated when the phase fails.
	ErrorMessage string

	// Payload carries opaque phase instructions handed to the executor.
	Payload json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DepSet is an ordered set of phase numbers scoped to a single feature.
type DepSet []int

// Contains reports whether the set includes the phase number.
func (s DepSet) Contains(n int) bool {
	for _, dep := range s {
		if dep == n {
			return true
		}
	}
	return false
}

// Satisfied reports whether every dependency has completed according to the
// provided status index. Unknown numbers count as unsatisfied.
func (s DepSet) Satisfied(statusByNumber map[int]Status) bool {
	for _, dep := range s {
		if statusByNumber[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

// CascadeTargets returns the queue IDs of every phase in the same feature
// that depends, directly or through a chain, on the failed phase number.
// The walk is breadth-first and deduplicated, so re-running it over phases
// that are already blocked yields the same set.
func CascadeTargets(phases []Phase, failedNumber int) []string {
	frontier := []int{failedNumber}
	seen := map[int]struct{}{failedNumber: {}}
	var targets []string

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, p := range phases {
			if !p.DependsOn.Contains(current) {
				continue
			}
			if _, ok := seen[p.PhaseNumber]; ok {
				continue
			}
			seen[p.PhaseNumber] = struct{}{}
			frontier = append(frontier, p.PhaseNumber)
			targets = append(targets, p.QueueID)
		}
	}
	return targets
}
