package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/phase"
)

const phaseColumns = `queue_id, feature_id, phase_number, depends_on, status,
	priority, external_ref, executor_handle, port_a, port_b, error_message,
	payload, created_at, updated_at`

// CreateFeature inserts the feature row referenced by its phases. Inserting
// an existing ID is an error; feature lifecycle is owned by the planning
// side and the core only records the reference.
func (s *Store) CreateFeature(ctx context.Context, f phase.Feature) error {
	if f.ID == "" {
		return fmt.Errorf("store: feature id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO features (id, title, priority, created_at) VALUES (?, ?, ?, ?)`,
		f.ID, f.Title, f.Priority, now())
	if err != nil {
		return fmt.Errorf("store: create feature %s: %w", f.ID, err)
	}
	return nil
}

// FeatureExists reports whether the feature is already known. Startup
// seeding uses it to keep config-declared features idempotent across
// restarts.
func (s *Store) FeatureExists(ctx context.Context, featureID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM features WHERE id = ?`, featureID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check feature %s: %w", featureID, err)
	}
	return count > 0, nil
}

// InsertPhases bulk-creates the phases of one feature decomposition inside a
// single transaction. The combined set (existing rows plus the new batch) is
// validated first, so a malformed dependency list or a cycle rejects the
// whole batch.
func (s *Store) InsertPhases(ctx context.Context, featureID string, phases []phase.Phase) error {
	if len(phases) == 0 {
		return nil
	}

	existing, err := s.ListByFeature(ctx, featureID)
	if err != nil {
		return err
	}
	combined := append(append([]phase.Phase{}, existing...), phases...)
	if err := phase.ValidateSet(combined); err != nil {
		return fmt.Errorf("store: reject phase batch for feature %s: %w", featureID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range phases {
		depSet := p.DependsOn
		if depSet == nil {
			depSet = phase.DepSet{}
		}
		deps, err := json.Marshal(depSet)
		if err != nil {
			return fmt.Errorf("store: encode depends_on for phase %d: %w", p.PhaseNumber, err)
		}
		status := p.Status
		if status == "" {
			status = phase.StatusQueued
		}
		priority := p.Priority
		if priority == 0 {
			priority = phase.DefaultPriority
		}
		created := p.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO phases (queue_id, feature_id, phase_number, depends_on,
				status, priority, payload, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.QueueID, featureID, p.PhaseNumber, string(deps),
			status, priority, nullable(string(p.Payload)),
			created.Format(time.RFC3339Nano), created.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: insert phase %d for feature %s: %w", p.PhaseNumber, featureID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit phase batch: %w", err)
	}
	ctxlog.FromContext(ctx).Info("Phase batch inserted.", "feature", featureID, "count", len(phases))
	return nil
}

// Get returns a single phase by queue ID.
func (s *Store) Get(ctx context.Context, queueID string) (phase.Phase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE queue_id = ?`, queueID)
	p, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return phase.Phase{}, fmt.Errorf("%w: %s", ErrNotFound, queueID)
	}
	return p, err
}

// List returns every phase, ordered by feature then phase number.
func (s *Store) List(ctx context.Context) ([]phase.Phase, error) {
	return s.query(ctx,
		`SELECT `+phaseColumns+` FROM phases ORDER BY feature_id, phase_number`)
}

// ListByStatus returns phases in the given status ordered by creation time.
func (s *Store) ListByStatus(ctx context.Context, status phase.Status) ([]phase.Phase, error) {
	return s.query(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE status = ?
		 ORDER BY created_at, queue_id`, string(status))
}

// ListByFeature returns the full phase set of one feature.
func (s *Store) ListByFeature(ctx context.Context, featureID string) ([]phase.Phase, error) {
	return s.query(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE feature_id = ?
		 ORDER BY phase_number`, featureID)
}

// UpdateStatus applies a plain lifecycle transition after validating it
// against the state machine. Side-effect-bearing transitions (running,
// completed, failed) have dedicated methods below.
func (s *Store) UpdateStatus(ctx context.Context, queueID string, to phase.Status) error {
	current, err := s.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if err := phase.ValidateTransition(current.Status, to); err != nil {
		return fmt.Errorf("store: phase %s: %w", queueID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE phases SET status = ?, updated_at = ? WHERE queue_id = ? AND status = ?`,
		string(to), now(), queueID, string(current.Status))
	if err != nil {
		return fmt.Errorf("store: update status for %s: %w", queueID, err)
	}
	return nil
}

// SetExternalRef records the just-in-time created ticket reference.
func (s *Store) SetExternalRef(ctx context.Context, queueID string, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases SET external_ref = ?, updated_at = ? WHERE queue_id = ?`,
		ref, now(), queueID)
	if err != nil {
		return fmt.Errorf("store: set external ref for %s: %w", queueID, err)
	}
	return requireRow(res, queueID)
}

// TryMarkRunning atomically promotes a ready phase to running, recording the
// executor handle and port allocation, but only when no other phase of the
// feature is running. The guard and the mark are a single UPDATE, so two
// concurrent callers can never both succeed; the partial unique index is the
// backstop. Returns false on a lost race or when another phase already runs.
func (s *Store) TryMarkRunning(ctx context.Context, featureID, queueID, executorHandle string, alloc phase.Allocation) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases
		 SET status = ?, executor_handle = ?, port_a = ?, port_b = ?, updated_at = ?
		 WHERE queue_id = ?
		   AND status = ?
		   AND NOT EXISTS (
				SELECT 1 FROM phases running
				WHERE running.feature_id = ? AND running.status = ?)`,
		string(phase.StatusRunning), executorHandle, alloc.PortA, alloc.PortB, now(),
		queueID, string(phase.StatusReady),
		featureID, string(phase.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: mark running for %s: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevertLaunch rolls a phase back from running to ready when the executor
// could not be spawned after the lock was taken. This is the launch
// sequence's internal abort path, not a lifecycle transition: the phase was
// never actually worked on.
func (s *Store) RevertLaunch(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases
		 SET status = ?, executor_handle = NULL, port_a = NULL, port_b = NULL, updated_at = ?
		 WHERE queue_id = ? AND status = ?`,
		string(phase.StatusReady), now(), queueID, string(phase.StatusRunning))
	if err != nil {
		return fmt.Errorf("store: revert launch for %s: %w", queueID, err)
	}
	return requireRow(res, queueID)
}

// MarkCompleted finishes a running phase, clearing its port allocation. The
// executor handle is retained for audit.
func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases
		 SET status = ?, port_a = NULL, port_b = NULL, updated_at = ?
		 WHERE queue_id = ? AND status = ?`,
		string(phase.StatusCompleted), now(), queueID, string(phase.StatusRunning))
	if err != nil {
		return fmt.Errorf("store: mark completed for %s: %w", queueID, err)
	}
	return requireRow(res, queueID)
}

// MarkFailed fails a running phase with the given message and clears its
// port allocation.
func (s *Store) MarkFailed(ctx context.Context, queueID string, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases
		 SET status = ?, error_message = ?, port_a = NULL, port_b = NULL, updated_at = ?
		 WHERE queue_id = ? AND status = ?`,
		string(phase.StatusFailed), message, now(), queueID, string(phase.StatusRunning))
	if err != nil {
		return fmt.Errorf("store: mark failed for %s: %w", queueID, err)
	}
	return requireRow(res, queueID)
}

// MarkBlocked blocks a queued or ready phase because a dependency failed.
// Phases that are already blocked (or have moved on) are left alone, which
// keeps the failure cascade idempotent across reconcile passes.
func (s *Store) MarkBlocked(ctx context.Context, queueID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases SET status = ?, updated_at = ?
		 WHERE queue_id = ? AND status IN (?, ?)`,
		string(phase.StatusBlocked), now(), queueID,
		string(phase.StatusQueued), string(phase.StatusReady))
	if err != nil {
		return false, fmt.Errorf("store: mark blocked for %s: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetToQueued is the explicit operator escape hatch for failed or blocked
// phases. It clears the error message; dependency list and phase number are
// untouched.
func (s *Store) ResetToQueued(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases SET status = ?, error_message = NULL, updated_at = ?
		 WHERE queue_id = ? AND status IN (?, ?)`,
		string(phase.StatusQueued), now(), queueID,
		string(phase.StatusFailed), string(phase.StatusBlocked))
	if err != nil {
		return fmt.Errorf("store: reset %s: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: reset %s: phase is not failed or blocked", queueID)
	}
	return nil
}

// RunningFeatures returns the set of feature IDs with a running phase.
// This is the workflow lock's source of truth; it survives restarts because
// it is nothing but a query.
func (s *Store) RunningFeatures(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT feature_id FROM phases WHERE status = ?`,
		string(phase.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("store: query running features: %w", err)
	}
	defer rows.Close()

	features := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		features[id] = struct{}{}
	}
	return features, rows.Err()
}

// CountByStatus returns occupancy per lifecycle state, for the control API.
func (s *Store) CountByStatus(ctx context.Context) (map[phase.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM phases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[phase.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[phase.Status(status)] = n
	}
	return counts, rows.Err()
}

// query runs a SELECT over phaseColumns and scans the result set.
func (s *Store) query(ctx context.Context, q string, args ...any) ([]phase.Phase, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query phases: %w", err)
	}
	defer rows.Close()

	var phases []phase.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPhase maps one row onto the domain struct.
func scanPhase(row rowScanner) (phase.Phase, error) {
	var (
		p         phase.Phase
		deps      string
		status    string
		extRef    sql.NullString
		handle    sql.NullString
		portA     sql.NullInt64
		portB     sql.NullInt64
		errMsg    sql.NullString
		payload   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.QueueID, &p.FeatureID, &p.PhaseNumber, &deps, &status,
		&p.Priority, &extRef, &handle, &portA, &portB, &errMsg, &payload,
		&createdAt, &updatedAt)
	if err != nil {
		return phase.Phase{}, err
	}

	if err := json.Unmarshal([]byte(deps), &p.DependsOn); err != nil {
		return phase.Phase{}, fmt.Errorf("store: decode depends_on for %s: %w", p.QueueID, err)
	}
	p.Status = phase.Status(status)
	p.ExternalRef = extRef.String
	p.ExecutorHandle = handle.String
	p.ErrorMessage = errMsg.String
	if payload.Valid {
		p.Payload = json.RawMessage(payload.String)
	}
	if portA.Valid && portB.Valid {
		p.Allocation = &phase.Allocation{PortA: int(portA.Int64), PortB: int(portB.Int64)}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return phase.Phase{}, fmt.Errorf("store: parse created_at for %s: %w", p.QueueID, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return phase.Phase{}, fmt.Errorf("store: parse updated_at for %s: %w", p.QueueID, err)
	}
	return p, nil
}

// requireRow converts a zero-rows UPDATE into ErrNotFound-flavored feedback.
func requireRow(res sql.Result, queueID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w or not in expected status: %s", ErrNotFound, queueID)
	}
	return nil
}

// nullable maps an empty string to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// now formats the current UTC time the way the schema stores timestamps.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
