package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	t.Run("allowed transitions", func(t *testing.T) {
		allowed := [][2]Status{
			{StatusQueued, StatusReady},
			{StatusQueued, StatusBlocked},
			{StatusReady, StatusRunning},
			{StatusReady, StatusBlocked},
			{StatusRunning, StatusCompleted},
			{StatusRunning, StatusFailed},
			{StatusFailed, StatusQueued},
			{StatusBlocked, StatusQueued},
		}
		for _, pair := range allowed {
			assert.NoError(t, ValidateTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
		}
	})

	t.Run("rejected transitions", func(t *testing.T) {
		rejected := [][2]Status{
			{StatusQueued, StatusRunning},
			{StatusReady, StatusCompleted},
			{StatusCompleted, StatusQueued},
			{StatusCompleted, StatusRunning},
			{StatusFailed, StatusRunning},
			{StatusRunning, StatusReady},
			{Status("bogus"), StatusReady},
			{StatusQueued, Status("bogus")},
		}
		for _, pair := range rejected {
			err := ValidateTransition(pair[0], pair[1])
			assert.Error(t, err, "%s -> %s", pair[0], pair[1])
		}
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusBlocked.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestDepSetSatisfied(t *testing.T) {
	statuses := map[int]Status{
		1: StatusCompleted,
		2: StatusCompleted,
		3: StatusRunning,
	}

	assert.True(t, DepSet{}.Satisfied(statuses))
	assert.True(t, DepSet{1, 2}.Satisfied(statuses))
	assert.False(t, DepSet{1, 3}.Satisfied(statuses))
	assert.False(t, DepSet{4}.Satisfied(statuses), "unknown number counts as unsatisfied")
}

func TestValidateSet(t *testing.T) {
	mk := func(n int, deps ...int) Phase {
		return Phase{FeatureID: "feat-1", PhaseNumber: n, DependsOn: DepSet(deps)}
	}

	t.Run("valid chain", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(1), mk(2, 1), mk(3, 1, 2)})
		require.NoError(t, err)
	})

	t.Run("self dependency", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(1), mk(2, 2)})
		assert.ErrorIs(t, err, ErrSelfDependency)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(1), mk(2, 9)})
		assert.ErrorIs(t, err, ErrUnknownDependency)
	})

	t.Run("forward dependency", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(1, 2), mk(2)})
		assert.ErrorIs(t, err, ErrForwardDependency)
	})

	t.Run("duplicate phase number", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(1), mk(1)})
		assert.ErrorIs(t, err, ErrDuplicateNumber)
	})

	t.Run("non positive phase number", func(t *testing.T) {
		err := ValidateSet([]Phase{mk(0)})
		assert.Error(t, err)
	})
}

func TestDetectCycles(t *testing.T) {
	// Assembled by hand so the cycle bypasses the forward-reference check.
	cyclic := []Phase{
		{FeatureID: "f", PhaseNumber: 1, DependsOn: DepSet{3}},
		{FeatureID: "f", PhaseNumber: 2, DependsOn: DepSet{1}},
		{FeatureID: "f", PhaseNumber: 3, DependsOn: DepSet{2}},
	}
	err := detectCycles(cyclic)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestCascadeTargets(t *testing.T) {
	phases := []Phase{
		{QueueID: "a", PhaseNumber: 1},
		{QueueID: "b", PhaseNumber: 2, DependsOn: DepSet{1}},
		{QueueID: "c", PhaseNumber: 3, DependsOn: DepSet{2}},
		{QueueID: "d", PhaseNumber: 4},
	}

	t.Run("transitive", func(t *testing.T) {
		targets := CascadeTargets(phases, 1)
		assert.ElementsMatch(t, []string{"b", "c"}, targets)
	})

	t.Run("leaf failure cascades nothing", func(t *testing.T) {
		assert.Empty(t, CascadeTargets(phases, 3))
		assert.Empty(t, CascadeTargets(phases, 4))
	})

	t.Run("deterministic under repetition", func(t *testing.T) {
		first := CascadeTargets(phases, 1)
		second := CascadeTargets(phases, 1)
		assert.Equal(t, first, second)
	})
}
