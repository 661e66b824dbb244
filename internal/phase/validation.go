package phase

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validation sentinels. Callers branch on these when rejecting a feature
// decomposition at the boundary.
var (
	ErrSelfDependency    = errors.New("phase depends on itself")
	ErrUnknownDependency = errors.New("phase depends on a phase number that does not exist")
	ErrForwardDependency = errors.New("phase depends on a higher phase number")
	ErrDependencyCycle   = errors.New("circular dependency detected")
	ErrDuplicateNumber   = errors.New("duplicate phase number within feature")
)

// ValidateSet checks a feature's full phase set at creation time: phase
// numbers are positive and unique, dependency lists reference existing,
// strictly lower phase numbers, and the dependency graph is acyclic.
// Forward references are rejected; dependencies must point at earlier
// phases (see DESIGN.md for the ordering decision).
func ValidateSet(phases []Phase) error {
	numbers := make(map[int]struct{}, len(phases))
	for _, p := range phases {
		if p.PhaseNumber <= 0 {
			return fmt.Errorf("feature %s: phase number %d must be positive", p.FeatureID, p.PhaseNumber)
		}
		if _, ok := numbers[p.PhaseNumber]; ok {
			return fmt.Errorf("feature %s phase %d: %w", p.FeatureID, p.PhaseNumber, ErrDuplicateNumber)
		}
		numbers[p.PhaseNumber] = struct{}{}
	}

	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if dep == p.PhaseNumber {
				return fmt.Errorf("feature %s phase %d: %w", p.FeatureID, p.PhaseNumber, ErrSelfDependency)
			}
			if _, ok := numbers[dep]; !ok {
				return fmt.Errorf("feature %s phase %d: %w: %d", p.FeatureID, p.PhaseNumber, ErrUnknownDependency, dep)
			}
			if dep > p.PhaseNumber {
				return fmt.Errorf("feature %s phase %d: %w: %d", p.FeatureID, p.PhaseNumber, ErrForwardDependency, dep)
			}
		}
	}

	return detectCycles(phases)
}

// detectCycles walks the dependency graph depth-first and reports the first
// cycle found. With forward references rejected a cycle cannot form, but the
// check guards the store against sets assembled outside ValidateSet.
func detectCycles(phases []Phase) error {
	depsByNumber := make(map[int]DepSet, len(phases))
	for _, p := range phases {
		depsByNumber[p.PhaseNumber] = p.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	visitState := make(map[int]int, len(depsByNumber))

	ordered := make([]int, 0, len(depsByNumber))
	for n := range depsByNumber {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	var visit func(n int, stack []int) error
	visit = func(n int, stack []int) error {
		switch visitState[n] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, formatCycle(stack, n))
		case done:
			return nil
		}
		visitState[n] = visiting
		stack = append(stack, n)
		for _, dep := range depsByNumber[n] {
			if _, ok := depsByNumber[dep]; !ok {
				continue
			}
			if err := visit(dep, stack); err != nil {
				return err
			}
		}
		visitState[n] = done
		return nil
	}

	for _, n := range ordered {
		if visitState[n] != unvisited {
			continue
		}
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}

// formatCycle renders the cycle slice starting at the repeated number.
func formatCycle(stack []int, repeat int) string {
	start := 0
	for i, n := range stack {
		if n == repeat {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(stack)-start+1)
	for _, n := range stack[start:] {
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	parts = append(parts, fmt.Sprintf("%d", repeat))
	return strings.Join(parts, " -> ")
}
