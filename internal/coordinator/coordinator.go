// Package coordinator drives the scheduling loop. One goroutine owns all
// scheduling decisions; executors and the ticket service only feed it
// observations, either through push notifications or by being polled during
// a tick. Every decision is re-derivable from the queue store, so a crash
// between any two steps loses no work.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/executor"
	"github.com/vk/phaseline/internal/hopper"
	"github.com/vk/phaseline/internal/metrics"
	"github.com/vk/phaseline/internal/phase"
	"github.com/vk/phaseline/internal/respool"
	"github.com/vk/phaseline/internal/store"
	"github.com/vk/phaseline/internal/ticket"
	"github.com/vk/phaseline/internal/worklock"
)

// Options tune the scheduling loop. Zero values fall back to the defaults
// applied in New.
type Options struct {
	// TickInterval is the period of the fallback ticker. Notifications wake
	// the loop earlier; the ticker bounds the staleness of pull-based
	// reconciliation.
	TickInterval time.Duration

	// TicketTimeout bounds a single just-in-time ticket creation call.
	TicketTimeout time.Duration

	// TicketRetryLimit is the per-phase ceiling on failed ticket creation
	// attempts before the phase is flagged and left alone.
	TicketRetryLimit int

	// StuckReadyAge is how long a phase may sit in ready before it is
	// flagged as stuck.
	StuckReadyAge time.Duration

	// StaleAllocAge is the age past which a pool allocation with no running
	// phase behind it is reaped.
	StaleAllocAge time.Duration
}

const (
	defaultTickInterval     = 15 * time.Second
	defaultTicketTimeout    = 10 * time.Second
	defaultTicketRetryLimit = 5
	defaultStuckReadyAge    = 30 * time.Minute
	defaultStaleAllocAge    = 2 * time.Hour
)

// Coordinator wires the queue store, resource pool, workflow lock, priority
// selector, ticket service and executor into the scheduling loop.
type Coordinator struct {
	store   *store.Store
	pool    *respool.Pool
	lock    *worklock.Guard
	tickets ticket.Service
	spawner executor.Spawner
	status  executor.StatusSource
	metrics *metrics.Metrics
	opts    Options

	wake   chan struct{}
	paused atomic.Bool

	mu             sync.Mutex
	pushedResults  map[string]executor.Result
	ticketFailures map[string]int
	flaggedTickets map[string]struct{}
	flaggedStuck   map[string]struct{}
}

// New assembles a coordinator. The loop does not start until Run is called.
func New(st *store.Store, pool *respool.Pool, lock *worklock.Guard, tickets ticket.Service, spawner executor.Spawner, status executor.StatusSource, m *metrics.Metrics, opts Options) *Coordinator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.TicketTimeout <= 0 {
		opts.TicketTimeout = defaultTicketTimeout
	}
	if opts.TicketRetryLimit <= 0 {
		opts.TicketRetryLimit = defaultTicketRetryLimit
	}
	if opts.StuckReadyAge <= 0 {
		opts.StuckReadyAge = defaultStuckReadyAge
	}
	if opts.StaleAllocAge <= 0 {
		opts.StaleAllocAge = defaultStaleAllocAge
	}
	return &Coordinator{
		store:          st,
		pool:           pool,
		lock:           lock,
		tickets:        tickets,
		spawner:        spawner,
		status:         status,
		metrics:        m,
		opts:           opts,
		wake:           make(chan struct{}, 1),
		pushedResults:  make(map[string]executor.Result),
		ticketFailures: make(map[string]int),
		flaggedTickets: make(map[string]struct{}),
		flaggedStuck:   make(map[string]struct{}),
	}
}

// Run executes the scheduling loop until the context is cancelled. An
// initial tick runs immediately so restart recovery does not wait for the
// first interval.
func (c *Coordinator) Run(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	log.Info("Coordinator loop starting.", "tick_interval", c.opts.TickInterval)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	if err := c.Tick(ctx); err != nil {
		log.Error("Scheduling tick failed.", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Coordinator loop stopping.")
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
		if err := c.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Error("Scheduling tick failed.", "error", err)
		}
	}
}

// Pause stops new executor launches. Reconciliation, promotion and ticket
// creation keep running so in-flight work still drains.
func (c *Coordinator) Pause(ctx context.Context) {
	if c.paused.CompareAndSwap(false, true) {
		ctxlog.FromContext(ctx).Info("Scheduling paused; launches suspended.")
	}
}

// Resume re-enables launches and wakes the loop.
func (c *Coordinator) Resume(ctx context.Context) {
	if c.paused.CompareAndSwap(true, false) {
		ctxlog.FromContext(ctx).Info("Scheduling resumed.")
		c.Wake()
	}
}

// Paused reports whether launches are currently suspended.
func (c *Coordinator) Paused() bool {
	return c.paused.Load()
}

// Wake requests an immediate tick. Safe from any goroutine; coalesces with
// a pending wakeup.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// NotifyTicketCreated wakes the loop after an out-of-band ticket creation,
// so a waiting phase launches without sitting out a full interval.
func (c *Coordinator) NotifyTicketCreated() {
	c.Wake()
}

// NotifyExecutorDone records a pushed completion for the given handle and
// wakes the loop. The result is held until reconciliation applies it; if
// the process dies first, the next tick's status poll recovers the same
// information.
func (c *Coordinator) NotifyExecutorDone(handle string, result executor.Result) {
	c.mu.Lock()
	c.pushedResults[handle] = result
	c.mu.Unlock()
	c.Wake()
}

// Tick runs one scheduling pass: reconcile running phases, promote phases
// whose dependencies completed, create missing tickets, then launch. The
// steps run in that fixed order so a completion observed at the top of the
// pass can unblock a launch at the bottom of the same pass.
func (c *Coordinator) Tick(ctx context.Context) error {
	started := time.Now()
	c.metrics.Ticks.Inc()
	defer func() {
		c.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := c.promote(ctx); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	if err := c.ensureTickets(ctx); err != nil {
		return fmt.Errorf("ensure tickets: %w", err)
	}
	if !c.paused.Load() {
		if err := c.launch(ctx); err != nil {
			return fmt.Errorf("launch: %w", err)
		}
	}

	c.flagStuckReady(ctx)
	c.reapStaleAllocations(ctx)
	c.metrics.PoolAllocated.Set(float64(c.pool.Status().Allocated))
	return nil
}

// reconcile walks every running phase and applies any completion it can
// observe, preferring pushed results over polling the status source.
func (c *Coordinator) reconcile(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	running, err := c.store.ListByStatus(ctx, phase.StatusRunning)
	if err != nil {
		return err
	}
	c.metrics.Running.Set(float64(len(running)))

	for _, p := range running {
		result, ok := c.takePushedResult(p.ExecutorHandle)
		if !ok {
			result, err = c.status.QueryStatus(ctx, p.ExecutorHandle)
			if errors.Is(err, executor.ErrUnknownHandle) {
				// The executor's record of this run is gone, usually after a
				// host restart. The outcome is unknowable, so the phase
				// fails and a human decides whether to reset it.
				result = executor.Result{
					State:       executor.StateFailed,
					ErrorDetail: fmt.Sprintf("executor lost track of handle %s", p.ExecutorHandle),
				}
			} else if err != nil {
				log.Warn("Executor status query failed; retrying next tick.", "phase", p.QueueID, "error", err)
				continue
			}
		}

		switch result.State {
		case executor.StateRunning:
			// Still working.
		case executor.StateSucceeded:
			c.complete(ctx, p)
		case executor.StateFailed:
			c.fail(ctx, p, result.ErrorDetail)
		default:
			log.Error("Executor reported unknown state.", "phase", p.QueueID, "state", string(result.State))
		}
	}
	return nil
}

func (c *Coordinator) takePushedResult(handle string) (executor.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.pushedResults[handle]
	if ok {
		delete(c.pushedResults, handle)
	}
	return result, ok
}

func (c *Coordinator) complete(ctx context.Context, p phase.Phase) {
	log := ctxlog.FromContext(ctx)
	if err := c.store.MarkCompleted(ctx, p.QueueID); err != nil {
		log.Error("Failed to mark phase completed.", "phase", p.QueueID, "error", err)
		return
	}
	c.releaseAllocation(ctx, p.QueueID)
	c.metrics.Completed.WithLabelValues("completed").Inc()
	log.Info("Phase completed.", "phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber)
}

func (c *Coordinator) fail(ctx context.Context, p phase.Phase, detail string) {
	log := ctxlog.FromContext(ctx)
	if detail == "" {
		detail = "executor reported failure"
	}
	if err := c.store.MarkFailed(ctx, p.QueueID, detail); err != nil {
		log.Error("Failed to mark phase failed.", "phase", p.QueueID, "error", err)
		return
	}
	c.releaseAllocation(ctx, p.QueueID)
	c.metrics.Completed.WithLabelValues("failed").Inc()
	log.Warn("Phase failed.", "phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber, "detail", detail)

	c.cascade(ctx, p, detail)
}

// cascade blocks every phase downstream of the failure, transitively, and
// annotates the failed phase's ticket with what got held up.
func (c *Coordinator) cascade(ctx context.Context, failed phase.Phase, detail string) {
	log := ctxlog.FromContext(ctx)

	siblings, err := c.store.ListByFeature(ctx, failed.FeatureID)
	if err != nil {
		log.Error("Failed to list feature phases for cascade.", "feature", failed.FeatureID, "error", err)
		return
	}

	var blocked []int
	for _, queueID := range phase.CascadeTargets(siblings, failed.PhaseNumber) {
		changed, err := c.store.MarkBlocked(ctx, queueID)
		if err != nil {
			log.Error("Failed to block downstream phase.", "phase", queueID, "error", err)
			continue
		}
		if changed {
			c.metrics.Blocked.Inc()
			for _, s := range siblings {
				if s.QueueID == queueID {
					blocked = append(blocked, s.PhaseNumber)
				}
			}
		}
	}
	if len(blocked) > 0 {
		log.Warn("Failure cascade blocked downstream phases.",
			"feature", failed.FeatureID, "failed_number", failed.PhaseNumber, "blocked_numbers", blocked)
	}

	if failed.ExternalRef == "" {
		return
	}
	text := fmt.Sprintf("Phase %d failed: %s", failed.PhaseNumber, detail)
	if len(blocked) > 0 {
		text = fmt.Sprintf("%s. Blocked downstream phases: %v", text, blocked)
	}
	commentCtx, cancel := context.WithTimeout(ctx, c.opts.TicketTimeout)
	defer cancel()
	if err := c.tickets.Comment(commentCtx, failed.ExternalRef, text); err != nil {
		// Best effort. The queue store is the source of truth; the ticket
		// note is a courtesy for humans.
		log.Warn("Failed to comment on ticket.", "ticket", failed.ExternalRef, "error", err)
	}
}

func (c *Coordinator) releaseAllocation(ctx context.Context, queueID string) {
	released, err := c.pool.Release(ctx, queueID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to release pool allocation.", "phase", queueID, "error", err)
		return
	}
	if released {
		c.metrics.PoolAllocated.Set(float64(c.pool.Status().Allocated))
	}
}

// promote moves queued phases whose dependencies have all completed into
// ready. Evaluation is per feature against the feature's full phase set.
// It also re-applies the failure cascade: a queued phase with a failed or
// blocked dependency is blocked here, so a crash or transient store error
// between a failure mark and its cascade is healed on the next tick.
func (c *Coordinator) promote(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	queued, err := c.store.ListByStatus(ctx, phase.StatusQueued)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	statusIndex := map[string]map[int]phase.Status{}
	for _, p := range queued {
		byNumber, ok := statusIndex[p.FeatureID]
		if !ok {
			siblings, err := c.store.ListByFeature(ctx, p.FeatureID)
			if err != nil {
				return err
			}
			byNumber = make(map[int]phase.Status, len(siblings))
			for _, s := range siblings {
				byNumber[s.PhaseNumber] = s.Status
			}
			statusIndex[p.FeatureID] = byNumber
		}

		if dep, doomed := firstDoomedDependency(p.DependsOn, byNumber); doomed {
			changed, err := c.store.MarkBlocked(ctx, p.QueueID)
			if err != nil {
				log.Error("Failed to block phase with failed dependency.", "phase", p.QueueID, "error", err)
				continue
			}
			if changed {
				c.metrics.Blocked.Inc()
				log.Warn("Phase blocked by failed dependency.",
					"phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber, "dependency", dep)
			}
			// Update the cached index so phases depending on this one block
			// in the same pass.
			byNumber[p.PhaseNumber] = phase.StatusBlocked
			continue
		}

		if !p.DependsOn.Satisfied(byNumber) {
			continue
		}
		if err := c.store.UpdateStatus(ctx, p.QueueID, phase.StatusReady); err != nil {
			log.Error("Failed to promote phase to ready.", "phase", p.QueueID, "error", err)
			continue
		}
		log.Info("Phase promoted to ready.", "phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber)
	}
	return nil
}

// firstDoomedDependency returns a dependency that has failed or been
// blocked, if any. Such a dependency can never complete without an operator
// reset, so the dependent cannot ever become ready.
func firstDoomedDependency(deps phase.DepSet, statusByNumber map[int]phase.Status) (int, bool) {
	for _, dep := range deps {
		switch statusByNumber[dep] {
		case phase.StatusFailed, phase.StatusBlocked:
			return dep, true
		}
	}
	return 0, false
}

// ensureTickets creates tracking tickets for ready phases that lack one.
// Creation is just in time: tickets never exist for phases that may still
// be blocked away by an upstream failure.
func (c *Coordinator) ensureTickets(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	ready, err := c.store.ListByStatus(ctx, phase.StatusReady)
	if err != nil {
		return err
	}

	for _, p := range ready {
		if p.ExternalRef != "" {
			continue
		}

		c.mu.Lock()
		failures := c.ticketFailures[p.QueueID]
		_, alreadyFlagged := c.flaggedTickets[p.QueueID]
		c.mu.Unlock()

		if failures >= c.opts.TicketRetryLimit {
			if !alreadyFlagged {
				log.Error("Ticket creation retry ceiling reached; operator attention needed.",
					"phase", p.QueueID, "feature", p.FeatureID, "attempts", failures)
				c.mu.Lock()
				c.flaggedTickets[p.QueueID] = struct{}{}
				c.mu.Unlock()
			}
			continue
		}

		createCtx, cancel := context.WithTimeout(ctx, c.opts.TicketTimeout)
		ref, err := c.tickets.Create(createCtx, p.FeatureID, p.PhaseNumber, p.Payload)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.ticketFailures[p.QueueID]++
			c.mu.Unlock()
			if errors.Is(err, ticket.ErrTransient) {
				c.metrics.TicketRetries.Inc()
				log.Warn("Ticket creation failed transiently; retrying next tick.", "phase", p.QueueID, "error", err)
			} else {
				log.Error("Ticket creation rejected.", "phase", p.QueueID, "error", err)
			}
			continue
		}

		if err := c.store.SetExternalRef(ctx, p.QueueID, ref); err != nil {
			log.Error("Failed to record ticket reference.", "phase", p.QueueID, "ticket", ref, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.ticketFailures, p.QueueID)
		delete(c.flaggedTickets, p.QueueID)
		c.mu.Unlock()
		log.Info("Ticket created.", "phase", p.QueueID, "ticket", ref)
	}
	return nil
}

// launch runs the selector over ticketed ready phases and attempts the
// commit sequence for each candidate: pool reservation, then the atomic
// per-feature lock acquisition, then the executor spawn. Any step failing
// skips just that candidate, except pool exhaustion, which aborts the rest
// of the pass since later candidates cannot fare better.
func (c *Coordinator) launch(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	ready, err := c.store.ListByStatus(ctx, phase.StatusReady)
	if err != nil {
		return err
	}
	ticketed := ready[:0:0]
	for _, p := range ready {
		if p.ExternalRef != "" {
			ticketed = append(ticketed, p)
		}
	}
	if len(ticketed) == 0 {
		return nil
	}

	runningFeatures, err := c.store.RunningFeatures(ctx)
	if err != nil {
		return err
	}
	freeSlots := c.pool.Status().Available

	for _, p := range hopper.Select(ticketed, runningFeatures, freeSlots) {
		alloc, err := c.pool.Reserve(ctx, p.QueueID)
		var exhausted *respool.ExhaustedError
		if errors.As(err, &exhausted) {
			c.metrics.PoolExhausted.Inc()
			log.Warn("Resource pool exhausted; deferring remaining launches.",
				"phase", p.QueueID, "held_by", len(exhausted.Owners))
			break
		}
		if err != nil {
			log.Error("Pool reservation failed.", "phase", p.QueueID, "error", err)
			continue
		}

		// The handle is chosen here so the lock row commits with it.
		// Recording it after the spawn would open a window where a crash
		// leaves a handleless running row that gets relaunched while the
		// first executor is still alive.
		handle := uuid.NewString()
		acquired, err := c.lock.TryAcquire(ctx, p.FeatureID, p.QueueID, handle,
			phase.Allocation{PortA: alloc.PortA, PortB: alloc.PortB})
		if err != nil {
			log.Error("Lock acquisition failed.", "phase", p.QueueID, "error", err)
			c.releaseAllocation(ctx, p.QueueID)
			continue
		}
		if !acquired {
			c.metrics.LockContention.Inc()
			c.releaseAllocation(ctx, p.QueueID)
			continue
		}

		err = c.spawner.Launch(ctx, executor.Spec{
			Handle:      handle,
			QueueID:     p.QueueID,
			FeatureID:   p.FeatureID,
			PhaseNumber: p.PhaseNumber,
			PortA:       alloc.PortA,
			PortB:       alloc.PortB,
			Payload:     p.Payload,
		})
		if err != nil {
			log.Error("Executor spawn failed; phase returned to ready.", "phase", p.QueueID, "error", err)
			if revertErr := c.store.RevertLaunch(ctx, p.QueueID); revertErr != nil {
				log.Error("Failed to revert aborted launch.", "phase", p.QueueID, "error", revertErr)
			}
			c.releaseAllocation(ctx, p.QueueID)
			continue
		}

		c.metrics.Launched.Inc()
		log.Info("Phase launched.",
			"phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber,
			"handle", handle, "port_a", alloc.PortA, "port_b", alloc.PortB)
	}
	return nil
}

// flagStuckReady surfaces ready phases older than the configured threshold.
// A ready phase with a ticket that never launches usually means its feature
// is saturated or the pool is undersized; either way a human should look.
func (c *Coordinator) flagStuckReady(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	ready, err := c.store.ListByStatus(ctx, phase.StatusReady)
	if err != nil {
		log.Error("Failed to list ready phases for stuck check.", "error", err)
		return
	}

	cutoff := time.Now().Add(-c.opts.StuckReadyAge)
	stuck := 0
	for _, p := range ready {
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		stuck++
		c.mu.Lock()
		_, flagged := c.flaggedStuck[p.QueueID]
		if !flagged {
			c.flaggedStuck[p.QueueID] = struct{}{}
		}
		c.mu.Unlock()
		if !flagged {
			log.Warn("Phase stuck in ready.",
				"phase", p.QueueID, "feature", p.FeatureID, "number", p.PhaseNumber,
				"age", time.Since(p.UpdatedAt).Round(time.Second))
		}
	}
	c.metrics.StuckReady.Set(float64(stuck))
}

// reapStaleAllocations frees pool slots whose owning phase is no longer
// running, covering crashes between a completion mark and the release.
func (c *Coordinator) reapStaleAllocations(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	running, err := c.store.ListByStatus(ctx, phase.StatusRunning)
	if err != nil {
		log.Error("Failed to list running phases for allocation reap.", "error", err)
		return
	}
	active := make(map[string]struct{}, len(running))
	for _, p := range running {
		active[p.QueueID] = struct{}{}
	}

	reaped, err := c.pool.ReapStale(ctx, c.opts.StaleAllocAge, func(ownerKey string) bool {
		_, ok := active[ownerKey]
		return ok
	})
	if err != nil {
		log.Error("Stale allocation reap failed.", "error", err)
		return
	}
	if reaped > 0 {
		log.Warn("Reaped stale pool allocations.", "count", reaped)
	}
}

// ResetPhase re-queues a failed or blocked phase on operator request and
// wakes the loop so the reset takes effect immediately.
func (c *Coordinator) ResetPhase(ctx context.Context, queueID string) error {
	if err := c.store.ResetToQueued(ctx, queueID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.ticketFailures, queueID)
	delete(c.flaggedTickets, queueID)
	delete(c.flaggedStuck, queueID)
	c.mu.Unlock()
	ctxlog.FromContext(ctx).Info("Phase reset to queued.", "phase", queueID)
	c.Wake()
	return nil
}
