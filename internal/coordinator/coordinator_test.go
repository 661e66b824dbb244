package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/phaseline/internal/executor"
	"github.com/vk/phaseline/internal/metrics"
	"github.com/vk/phaseline/internal/phase"
	"github.com/vk/phaseline/internal/respool"
	"github.com/vk/phaseline/internal/store"
	"github.com/vk/phaseline/internal/ticket"
	"github.com/vk/phaseline/internal/worklock"
)

// fakeTickets records creations and can be told to fail.
type fakeTickets struct {
	mu       sync.Mutex
	created  []string
	comments []string
	failWith error
	failFor  int
}

func (f *fakeTickets) Create(ctx context.Context, featureID string, phaseNumber int, payload json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return "", f.failWith
	}
	ref := fmt.Sprintf("TCK-%s-%d", featureID, phaseNumber)
	f.created = append(f.created, ref)
	return ref, nil
}

func (f *fakeTickets) Comment(ctx context.Context, ref string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, ref+": "+text)
	return nil
}

func (f *fakeTickets) createdRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeTickets) commentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

// fakeExecutor is a scriptable spawner and status source. Launched phases
// report running until a result is set.
type fakeExecutor struct {
	mu       sync.Mutex
	launched []executor.Spec
	results  map[string]executor.Result
	specs    map[string]executor.Spec
	spawnErr error
	lostAll  bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: map[string]executor.Result{},
		specs:   map[string]executor.Spec{},
	}
}

func (f *fakeExecutor) Launch(ctx context.Context, spec executor.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.launched = append(f.launched, spec)
	f.results[spec.Handle] = executor.Result{State: executor.StateRunning}
	f.specs[spec.Handle] = spec
	return nil
}

func (f *fakeExecutor) QueryStatus(ctx context.Context, handle string) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lostAll {
		return executor.Result{}, executor.ErrUnknownHandle
	}
	result, ok := f.results[handle]
	if !ok {
		return executor.Result{}, executor.ErrUnknownHandle
	}
	return result, nil
}

// finish marks the executor for the given queue ID as done.
func (f *fakeExecutor) finish(t *testing.T, queueID string, result executor.Result) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for handle, spec := range f.specs {
		if spec.QueueID == queueID {
			f.results[handle] = result
			return handle
		}
	}
	t.Fatalf("no launched executor for queue ID %s", queueID)
	return ""
}

func (f *fakeExecutor) launchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.launched))
	for _, spec := range f.launched {
		ids = append(ids, spec.QueueID)
	}
	return ids
}

type fixture struct {
	coord    *Coordinator
	store    *store.Store
	pool     *respool.Pool
	tickets  *fakeTickets
	executor *fakeExecutor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	poolOpts := respool.Options{Path: filepath.Join(dir, "pool.json"), Capacity: 4}
	pool, err := respool.Open(ctx, poolOpts)
	require.NoError(t, err)

	tickets := &fakeTickets{}
	exec := newFakeExecutor()
	m := metrics.New(prometheus.NewRegistry())

	coord := New(st, pool, worklock.New(st), tickets, exec, exec, m, opts)
	return &fixture{coord: coord, store: st, pool: pool, tickets: tickets, executor: exec}
}

func seed(t *testing.T, st *store.Store, featureID string, phases ...phase.Phase) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateFeature(ctx, phase.Feature{ID: featureID, Title: featureID}))
	require.NoError(t, st.InsertPhases(ctx, featureID, phases))
}

func mk(n int, deps ...int) phase.Phase {
	return phase.Phase{
		QueueID:     uuid.NewString(),
		PhaseNumber: n,
		DependsOn:   phase.DepSet(deps),
		Payload:     []byte(`{"step":"build"}`),
	}
}

func status(t *testing.T, st *store.Store, queueID string) phase.Status {
	t.Helper()
	p, err := st.Get(context.Background(), queueID)
	require.NoError(t, err)
	return p.Status
}

func TestTickPromotesAndLaunchesIndependentPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
	assert.Equal(t, []string{p1.QueueID}, f.executor.launchedIDs())
	assert.Equal(t, []string{"TCK-feat-1-1"}, f.tickets.createdRefs())

	got, err := f.store.Get(ctx, p1.QueueID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExecutorHandle)
	require.NotNil(t, got.Allocation)
	assert.NotZero(t, got.Allocation.PortA)
	assert.Greater(t, got.Allocation.PortB, got.Allocation.PortA)
}

func TestDependentPhaseWaitsForUpstreamCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	seed(t, f.store, "feat-1", p1, p2)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusQueued, status(t, f.store, p2.QueueID))

	f.executor.finish(t, p1.QueueID, executor.Result{State: executor.StateSucceeded})
	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusCompleted, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p2.QueueID))
	assert.Equal(t, []string{p1.QueueID, p2.QueueID}, f.executor.launchedIDs())
}

func TestOnlyOnePhasePerFeatureRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	// Independent phases of the same feature: both promotable, one launch.
	p1 := mk(1)
	p2 := mk(2)
	seed(t, f.store, "feat-1", p1, p2)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Len(t, f.executor.launchedIDs(), 1)

	counts, err := f.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[phase.StatusRunning])
	assert.Equal(t, 1, counts[phase.StatusReady])
}

func TestPhasesOfDifferentFeaturesRunConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(1)
	seed(t, f.store, "feat-1", p1)
	seed(t, f.store, "feat-2", p2)

	require.NoError(t, f.coord.Tick(ctx))
	assert.ElementsMatch(t, []string{p1.QueueID, p2.QueueID}, f.executor.launchedIDs())
}

func TestFailureCascadeBlocksTransitiveDependents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	p3 := mk(3, 2)
	p4 := mk(4) // independent, untouched by the cascade
	seed(t, f.store, "feat-1", p1, p2, p3, p4)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))

	f.executor.finish(t, p1.QueueID, executor.Result{State: executor.StateFailed, ErrorDetail: "compile error"})
	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusFailed, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p2.QueueID))
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p3.QueueID))
	assert.NotEqual(t, phase.StatusBlocked, status(t, f.store, p4.QueueID))

	comments := f.tickets.commentTexts()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "compile error")
	assert.Contains(t, comments[0], "TCK-feat-1-1")
}

func TestFailedLeafPhaseCascadesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	p3 := mk(3, 1, 2)
	seed(t, f.store, "feat-1", p1, p2, p3)

	// Drive the chain: 1 and 2 complete, 3 fails.
	require.NoError(t, f.coord.Tick(ctx))
	f.executor.finish(t, p1.QueueID, executor.Result{State: executor.StateSucceeded})
	require.NoError(t, f.coord.Tick(ctx))
	f.executor.finish(t, p2.QueueID, executor.Result{State: executor.StateSucceeded})
	require.NoError(t, f.coord.Tick(ctx))
	f.executor.finish(t, p3.QueueID, executor.Result{State: executor.StateFailed, ErrorDetail: "tests failed"})
	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusCompleted, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusCompleted, status(t, f.store, p2.QueueID))
	assert.Equal(t, phase.StatusFailed, status(t, f.store, p3.QueueID))

	counts, err := f.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[phase.StatusBlocked])

	// All port pairs returned.
	assert.Zero(t, f.pool.Status().Allocated)
}

func TestPromoteBlocksDependentsOfInterruptedFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	p3 := mk(3, 2)
	seed(t, f.store, "feat-1", p1, p2, p3)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))

	// Fail the phase directly in the store, as if the process died after
	// the failure mark but before the dependents were blocked.
	require.NoError(t, f.store.MarkFailed(ctx, p1.QueueID, "worktree lost"))

	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusFailed, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p2.QueueID))
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p3.QueueID))
}

func TestLaunchCommitsHandleBeforeSpawn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	require.NoError(t, f.coord.Tick(ctx))

	got, err := f.store.Get(ctx, p1.QueueID)
	require.NoError(t, err)
	require.Len(t, f.executor.launched, 1)
	// The queue row and the spawner must agree on the handle. A handle
	// recorded after the spawn could be lost to a crash and the phase
	// relaunched alongside a live executor.
	assert.Equal(t, f.executor.launched[0].Handle, got.ExecutorHandle)
	assert.NotEmpty(t, got.ExecutorHandle)
}

func TestResetAfterFailureReRunsPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	seed(t, f.store, "feat-1", p1, p2)

	require.NoError(t, f.coord.Tick(ctx))
	f.executor.finish(t, p1.QueueID, executor.Result{State: executor.StateFailed, ErrorDetail: "flaky"})
	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusFailed, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p2.QueueID))

	require.NoError(t, f.coord.ResetPhase(ctx, p1.QueueID))
	require.NoError(t, f.coord.ResetPhase(ctx, p2.QueueID))
	require.NoError(t, f.coord.Tick(ctx))

	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusQueued, status(t, f.store, p2.QueueID))
}

func TestPoolExhaustionDefersLaunches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	// Capacity is 4; burn 3 slots with unrelated owners so one remains.
	for i := 0; i < 3; i++ {
		_, err := f.pool.Reserve(ctx, fmt.Sprintf("external-%d", i))
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		seed(t, f.store, fmt.Sprintf("feat-%d", i), mk(1))
	}

	require.NoError(t, f.coord.Tick(ctx))
	assert.Len(t, f.executor.launchedIDs(), 1)

	counts, err := f.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[phase.StatusRunning])
	assert.Equal(t, 2, counts[phase.StatusReady])

	// Freeing a slot lets the next candidate through.
	released, err := f.pool.Release(ctx, "external-0")
	require.NoError(t, err)
	require.True(t, released)
	require.NoError(t, f.coord.Tick(ctx))
	assert.Len(t, f.executor.launchedIDs(), 2)
}

func TestPriorityOrdersLaunches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	urgent := mk(1)
	urgent.Priority = 1
	casual := mk(1)
	casual.Priority = 90
	seed(t, f.store, "feat-casual", casual)
	seed(t, f.store, "feat-urgent", urgent)

	// One free slot forces a choice.
	for i := 0; i < 3; i++ {
		_, err := f.pool.Reserve(ctx, fmt.Sprintf("external-%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, []string{urgent.QueueID}, f.executor.launchedIDs())
}

func TestTransientTicketFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.tickets.failWith = fmt.Errorf("gateway sad: %w", ticket.ErrTransient)
	f.tickets.failFor = 1

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusReady, status(t, f.store, p1.QueueID))
	assert.Empty(t, f.executor.launchedIDs())

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
	assert.Equal(t, []string{"TCK-feat-1-1"}, f.tickets.createdRefs())
}

func TestTicketRetryCeilingFlagsPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{TicketRetryLimit: 2})
	f.tickets.failWith = fmt.Errorf("down: %w", ticket.ErrTransient)
	f.tickets.failFor = 100

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.coord.Tick(ctx))
	}

	// Two attempts, then the phase is parked without a ticket.
	f.tickets.mu.Lock()
	attempts := 100 - f.tickets.failFor
	f.tickets.mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, phase.StatusReady, status(t, f.store, p1.QueueID))
	assert.Empty(t, f.executor.launchedIDs())

	// Reset clears the failure count and allows fresh attempts.
	f.tickets.mu.Lock()
	f.tickets.failFor = 0
	f.tickets.failWith = nil
	f.tickets.mu.Unlock()
	require.NoError(t, f.coord.ResetPhase(ctx, p1.QueueID))
	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
}

func TestSpawnFailureReturnsPhaseToReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.executor.spawnErr = errors.New("binary missing")

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusReady, status(t, f.store, p1.QueueID))
	assert.Zero(t, f.pool.Status().Allocated)

	// Spawner recovers; phase launches with its existing ticket.
	f.executor.mu.Lock()
	f.executor.spawnErr = nil
	f.executor.mu.Unlock()
	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p1.QueueID))
	assert.Equal(t, []string{"TCK-feat-1-1"}, f.tickets.createdRefs())
}

func TestUnknownHandleFailsPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(2, 1)
	seed(t, f.store, "feat-1", p1, p2)

	require.NoError(t, f.coord.Tick(ctx))
	f.executor.mu.Lock()
	f.executor.lostAll = true
	f.executor.mu.Unlock()
	require.NoError(t, f.coord.Tick(ctx))

	got, err := f.store.Get(ctx, p1.QueueID)
	require.NoError(t, err)
	assert.Equal(t, phase.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lost track of handle")
	assert.Equal(t, phase.StatusBlocked, status(t, f.store, p2.QueueID))
}

func TestPushedResultAppliedWithoutPolling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)
	require.NoError(t, f.coord.Tick(ctx))

	got, err := f.store.Get(ctx, p1.QueueID)
	require.NoError(t, err)

	// Simulate the executor's own record being gone; only the pushed
	// result carries the outcome.
	f.executor.mu.Lock()
	f.executor.lostAll = true
	f.executor.mu.Unlock()

	f.coord.NotifyExecutorDone(got.ExecutorHandle, executor.Result{State: executor.StateSucceeded})
	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusCompleted, status(t, f.store, p1.QueueID))
}

func TestPauseSuspendsLaunchesButReconciles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	p1 := mk(1)
	p2 := mk(1)
	seed(t, f.store, "feat-1", p1)
	require.NoError(t, f.coord.Tick(ctx))

	f.coord.Pause(ctx)
	seed(t, f.store, "feat-2", p2)
	f.executor.finish(t, p1.QueueID, executor.Result{State: executor.StateSucceeded})
	require.NoError(t, f.coord.Tick(ctx))

	// Completion was reconciled, ticket created, but no new launch.
	assert.Equal(t, phase.StatusCompleted, status(t, f.store, p1.QueueID))
	assert.Equal(t, phase.StatusReady, status(t, f.store, p2.QueueID))
	assert.Len(t, f.executor.launchedIDs(), 1)

	f.coord.Resume(ctx)
	require.NoError(t, f.coord.Tick(ctx))
	assert.Equal(t, phase.StatusRunning, status(t, f.store, p2.QueueID))
}

func TestRestartRecoversRunningPhase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	poolPath := filepath.Join(dir, "pool.json")

	p1 := mk(1)
	p2 := mk(2, 1)

	exec := newFakeExecutor()
	tickets := &fakeTickets{}

	// First life: launch phase 1, then drop the coordinator.
	{
		st, err := store.Open(ctx, dbPath)
		require.NoError(t, err)
		pool, err := respool.Open(ctx, respool.Options{Path: poolPath, Capacity: 4})
		require.NoError(t, err)
		coord := New(st, pool, worklock.New(st), tickets, exec, exec,
			metrics.New(prometheus.NewRegistry()), Options{})

		seed(t, st, "feat-1", p1, p2)
		require.NoError(t, coord.Tick(ctx))
		require.Equal(t, 1, pool.Status().Allocated)
		require.NoError(t, st.Close())
	}

	// The executor finished while nobody was watching.
	exec.finish(t, p1.QueueID, executor.Result{State: executor.StateSucceeded})

	// Second life: a fresh coordinator over the same state files picks the
	// completion up by polling and carries on.
	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	pool, err := respool.Open(ctx, respool.Options{Path: poolPath, Capacity: 4})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Status().Allocated)

	coord := New(st, pool, worklock.New(st), tickets, exec, exec,
		metrics.New(prometheus.NewRegistry()), Options{})
	require.NoError(t, coord.Tick(ctx))

	assert.Equal(t, phase.StatusCompleted, status(t, st, p1.QueueID))
	assert.Equal(t, phase.StatusRunning, status(t, st, p2.QueueID))
	assert.Equal(t, []string{p1.QueueID, p2.QueueID}, exec.launchedIDs())
}

func TestRunLoopWakesOnNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Options{TickInterval: time.Hour})

	p1 := mk(1)
	seed(t, f.store, "feat-1", p1)

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	inStatus := func(want phase.Status) func() bool {
		return func() bool {
			p, err := f.store.Get(context.Background(), p1.QueueID)
			return err == nil && p.Status == want
		}
	}

	// The initial tick launches the phase without waiting for the ticker.
	require.Eventually(t, inStatus(phase.StatusRunning), 5*time.Second, 10*time.Millisecond)

	// A pushed completion wakes the loop long before the hour is up.
	got, err := f.store.Get(ctx, p1.QueueID)
	require.NoError(t, err)
	f.coord.NotifyExecutorDone(got.ExecutorHandle, executor.Result{State: executor.StateSucceeded})

	require.Eventually(t, inStatus(phase.StatusCompleted), 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
