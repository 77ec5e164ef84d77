// Package store provides SQLite-backed persistence for queues, runs and checkpoints.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/simqueue/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the queue or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates the queue is not in a state that allows the change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunConflict indicates the run changed state between read and write.
	ErrRunConflict = errors.New("run status changed concurrently")
	// ErrRunNotTerminal indicates a restart was requested for a run that is still pending or running.
	ErrRunNotTerminal = errors.New("run is not in a terminal state")
	// ErrQueueActive indicates the negotiation already has a queue that has not finished.
	ErrQueueActive = errors.New("negotiation already has an active queue")
	// ErrConcurrencyViolation indicates an admission would push current_concurrent past max_concurrent.
	ErrConcurrencyViolation = errors.New("concurrency limit violated")
	// ErrCheckpointLost indicates the run's checkpoint entry is gone or owned by someone else.
	ErrCheckpointLost = errors.New("checkpoint entry lost")
	// ErrUnavailable marks a failed read or write against the database.
	ErrUnavailable = errors.New("store unavailable")
)

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string   { return e.op + ": " + e.err.Error() }
func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

func unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}

// Store provides access to the simqueue SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queues (
		id TEXT PRIMARY KEY,
		negotiation_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_runs INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		running_count INTEGER NOT NULL DEFAULT 0,
		pending_count INTEGER NOT NULL DEFAULT 0,
		max_concurrent INTEGER NOT NULL,
		current_concurrent INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		estimated_total_cost REAL NOT NULL DEFAULT 0,
		actual_total_cost REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		eta_sec INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		CHECK (current_concurrent >= 0 AND current_concurrent <= max_concurrent)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		queue_id TEXT NOT NULL,
		negotiation_id TEXT NOT NULL,
		run_number INTEGER NOT NULL,
		execution_order INTEGER NOT NULL,
		technique_id TEXT NOT NULL,
		tactic_id TEXT NOT NULL,
		personality_id TEXT,
		zopa_distance TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		current_round INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		payload TEXT,
		next_attempt_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (queue_id, run_number),
		FOREIGN KEY (queue_id) REFERENCES queues(id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		queue_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		admitted_at DATETIME NOT NULL,
		heartbeat_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queues_negotiation ON queues(negotiation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queues_status ON queues(status);
	CREATE INDEX IF NOT EXISTS idx_runs_queue_order ON runs(queue_id, status, execution_order, run_number);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_queue ON checkpoints(queue_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_subject ON pdr(subject_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Row scanning ---

type scanner interface {
	Scan(dest ...any) error
}

const queueColumns = `id, negotiation_id, status, total_runs, completed_count, failed_count, running_count,
	pending_count, max_concurrent, current_concurrent, max_retries, estimated_total_cost, actual_total_cost,
	success_rate, eta_sec, error_count, last_error, created_at, updated_at, started_at, completed_at`

func scanQueue(row scanner) (*models.Queue, error) {
	q := &models.Queue{}
	var lastError sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&q.ID, &q.NegotiationID, &q.Status, &q.TotalRuns, &q.CompletedCount, &q.FailedCount,
		&q.RunningCount, &q.PendingCount, &q.MaxConcurrent, &q.CurrentConcurrent, &q.MaxRetries,
		&q.EstimatedTotalCost, &q.ActualTotalCost, &q.SuccessRate, &q.EstimatedTimeRemainingSec,
		&q.ErrorCount, &lastError, &q.CreatedAt, &q.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	q.LastError = lastError.String
	if startedAt.Valid {
		q.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		q.CompletedAt = &completedAt.Time
	}
	return q, nil
}

const runColumns = `r.id, r.queue_id, r.negotiation_id, r.run_number, r.execution_order, r.technique_id,
	r.tactic_id, r.personality_id, r.zopa_distance, r.status, r.retry_count, r.max_retries, r.current_round,
	r.last_error, r.payload, r.next_attempt_at, r.started_at, r.completed_at, r.created_at, r.updated_at`

func scanRun(row scanner) (*models.Run, error) {
	r := &models.Run{}
	var personality, lastError, payload sql.NullString
	var nextAttempt, startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.QueueID, &r.NegotiationID, &r.RunNumber, &r.ExecutionOrder, &r.TechniqueID,
		&r.TacticID, &personality, &r.ZopaDistance, &r.Status, &r.RetryCount, &r.MaxRetries, &r.CurrentRound,
		&lastError, &payload, &nextAttempt, &startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.PersonalityID = personality.String
	r.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		var p models.Payload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return nil, fmt.Errorf("decode payload of run %s: %w", r.ID, err)
		}
		r.Payload = &p
	}
	if nextAttempt.Valid {
		r.NextAttemptAt = &nextAttempt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]models.Run, error) {
	defer rows.Close()
	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodePayload(p *models.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- Queue Operations ---

var activeStatuses = []models.QueueStatus{models.QueueStatusPending, models.QueueStatusRunning, models.QueueStatusPaused}

// CreateQueue persists a queue and one pending run per spec in a single transaction.
func (s *Store) CreateQueue(ctx context.Context, negotiationID string, opts models.QueueOptions, specs []models.RunSpec) (*models.Queue, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("create queue: no runs")
	}
	if opts.MaxConcurrent < 1 {
		return nil, fmt.Errorf("create queue: max concurrent must be at least 1")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("create queue: max retries must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	args := []any{negotiationID}
	for _, st := range activeStatuses {
		args = append(args, st)
	}
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queues WHERE negotiation_id = ? AND status IN (`+placeholders(len(activeStatuses))+`) LIMIT 1`,
		args...,
	).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueActive, existing)
	}
	if err != sql.ErrNoRows {
		return nil, unavailable("check active queue", err)
	}

	now := s.now()
	q := &models.Queue{
		ID:                 uuid.New().String(),
		NegotiationID:      negotiationID,
		Status:             models.QueueStatusPending,
		TotalRuns:          len(specs),
		PendingCount:       len(specs),
		MaxConcurrent:      opts.MaxConcurrent,
		MaxRetries:         opts.MaxRetries,
		EstimatedTotalCost: opts.EstimatedTotalCost,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queues (id, negotiation_id, status, total_runs, pending_count, max_concurrent, max_retries,
			estimated_total_cost, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.NegotiationID, q.Status, q.TotalRuns, q.PendingCount, q.MaxConcurrent, q.MaxRetries,
		q.EstimatedTotalCost, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return nil, unavailable("insert queue", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs (id, queue_id, negotiation_id, run_number, execution_order, technique_id, tactic_id,
			personality_id, zopa_distance, status, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, unavailable("prepare insert run", err)
	}
	defer stmt.Close()

	for _, spec := range specs {
		_, err := stmt.ExecContext(ctx, uuid.New().String(), q.ID, negotiationID, spec.RunNumber, spec.ExecutionOrder,
			spec.TechniqueID, spec.TacticID, nullString(spec.PersonalityID), spec.ZopaDistance,
			models.RunStatusPending, opts.MaxRetries, now, now)
		if err != nil {
			return nil, unavailable("insert run", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transaction", err)
	}
	return q, nil
}

// GetQueue retrieves a queue by ID.
func (s *Store) GetQueue(ctx context.Context, id string) (*models.Queue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query queue", err)
	}
	return q, nil
}

// GetQueueByNegotiation returns the newest unfinished queue of a negotiation,
// or its newest queue when all of them have finished.
func (s *Store) GetQueueByNegotiation(ctx context.Context, negotiationID string) (*models.Queue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE negotiation_id = ?
		 ORDER BY CASE WHEN status IN (?, ?, ?) THEN 0 ELSE 1 END, created_at DESC LIMIT 1`,
		negotiationID, models.QueueStatusPending, models.QueueStatusRunning, models.QueueStatusPaused,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query queue by negotiation", err)
	}
	return q, nil
}

// ListQueues returns queues, optionally filtered by status, newest first.
func (s *Store) ListQueues(ctx context.Context, statuses ...models.QueueStatus) ([]models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query queues", err)
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, unavailable("scan queue", err)
		}
		queues = append(queues, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate queues", err)
	}
	return queues, nil
}

// UpdateQueueStatus moves a queue to status `to` if it is currently in one of `from`.
func (s *Store) UpdateQueueStatus(ctx context.Context, id string, to models.QueueStatus, from ...models.QueueStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("update queue status: no source status given")
	}
	now := s.now()
	var completedAt sql.NullTime
	if to.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	args := []any{to, now, to, now, completedAt, id}
	for _, st := range from {
		args = append(args, st)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE queues SET status = ?, updated_at = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return unavailable("update queue status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		if _, err := s.GetQueue(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// CompleteQueue moves a running or paused queue to completed, but only while
// none of its runs is pending or running. A queue that still has live runs
// yields ErrInvalidTransition.
func (s *Store) CompleteQueue(ctx context.Context, id string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE queues SET status = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)
		   AND NOT EXISTS (SELECT 1 FROM runs WHERE queue_id = ? AND status IN (?, ?))`,
		models.QueueStatusCompleted, now, now,
		id, models.QueueStatusRunning, models.QueueStatusPaused,
		id, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return unavailable("complete queue", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		if _, err := s.GetQueue(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// UpdateQueueStats persists the derived counters of a queue. The actual cost never decreases.
func (s *Store) UpdateQueueStats(ctx context.Context, id string, st models.QueueStats) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queues SET total_runs = ?, completed_count = ?, failed_count = ?, running_count = ?,
			pending_count = ?, success_rate = ?, eta_sec = ?, actual_total_cost = MAX(actual_total_cost, ?),
			updated_at = ?
		 WHERE id = ?`,
		st.Total, st.Completed, st.Failed, st.Running, st.Pending, st.SuccessRate,
		int64(st.EstimatedTimeRemaining/time.Second), st.ActualTotalCost, s.now(), id,
	)
	if err != nil {
		return unavailable("update queue stats", err)
	}
	return nil
}

// ResetQueueErrors clears the queue-level error counter and last error.
func (s *Store) ResetQueueErrors(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queues SET error_count = 0, last_error = NULL, updated_at = ? WHERE id = ?`,
		s.now(), id,
	)
	if err != nil {
		return unavailable("reset queue errors", err)
	}
	return nil
}

// --- Run Operations ---

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query run", err)
	}
	return run, nil
}

// ListRuns returns the runs of a queue in admission order.
func (s *Store) ListRuns(ctx context.Context, queueID string) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r WHERE r.queue_id = ? ORDER BY r.execution_order, r.run_number`,
		queueID,
	)
	if err != nil {
		return nil, unavailable("query runs", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	return runs, nil
}

// UpdateRun writes the mutable fields of run, provided its stored status is still `from`.
func (s *Store) UpdateRun(ctx context.Context, run *models.Run, from models.RunStatus) error {
	return updateRun(ctx, s.db, run, from, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateRun(ctx context.Context, db execer, run *models.Run, from models.RunStatus, now time.Time) error {
	payload, err := encodePayload(run.Payload)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx,
		`UPDATE runs SET status = ?, retry_count = ?, current_round = ?, last_error = ?, payload = ?,
			next_attempt_at = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		run.Status, run.RetryCount, run.CurrentRound, nullString(run.LastError), payload,
		nullTime(run.NextAttemptAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), now,
		run.ID, from,
	)
	if err != nil {
		return unavailable("update run", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		return ErrRunConflict
	}
	run.UpdatedAt = now
	return nil
}

// UpdateRunRound records the latest round reported for a running run.
func (s *Store) UpdateRunRound(ctx context.Context, runID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_round = ?, updated_at = ? WHERE id = ? AND status = ? AND current_round < ?`,
		round, s.now(), runID, models.RunStatusRunning, round,
	)
	if err != nil {
		return unavailable("update run round", err)
	}
	return nil
}

// FailPendingRuns marks every pending run of a queue as failed with reason.
func (s *Store) FailPendingRuns(ctx context.Context, queueID, reason string) (int, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_error = ?, next_attempt_at = NULL, completed_at = ?, updated_at = ?
		 WHERE queue_id = ? AND status = ?`,
		models.RunStatusFailed, reason, now, now, queueID, models.RunStatusPending,
	)
	if err != nil {
		return 0, unavailable("fail pending runs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("check rows affected", err)
	}
	return int(n), nil
}

// RequeueFailedRuns moves every failed or timed-out run of a queue back to pending
// with a fresh retry budget.
func (s *Store) RequeueFailedRuns(ctx context.Context, queueID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, retry_count = 0, current_round = 0, last_error = NULL, payload = NULL,
			next_attempt_at = NULL, started_at = NULL, completed_at = NULL, updated_at = ?
		 WHERE queue_id = ? AND status IN (?, ?)`,
		models.RunStatusPending, s.now(), queueID, models.RunStatusFailed, models.RunStatusTimeout,
	)
	if err != nil {
		return 0, unavailable("requeue failed runs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("check rows affected", err)
	}
	return int(n), nil
}

// RestartRun deletes a terminal run and recreates it as pending under a new id,
// keeping its run number, order and scenario combination.
func (s *Store) RestartRun(ctx context.Context, runID string) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	old, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query run", err)
	}
	if !old.Status.Terminal() {
		return nil, ErrRunNotTerminal
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ? AND status = ?`, old.ID, old.Status)
	if err != nil {
		return nil, unavailable("delete run", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrRunConflict
	}

	now := s.now()
	fresh := &models.Run{
		ID:             uuid.New().String(),
		QueueID:        old.QueueID,
		NegotiationID:  old.NegotiationID,
		RunNumber:      old.RunNumber,
		ExecutionOrder: old.ExecutionOrder,
		TechniqueID:    old.TechniqueID,
		TacticID:       old.TacticID,
		PersonalityID:  old.PersonalityID,
		ZopaDistance:   old.ZopaDistance,
		Status:         models.RunStatusPending,
		MaxRetries:     old.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, queue_id, negotiation_id, run_number, execution_order, technique_id, tactic_id,
			personality_id, zopa_distance, status, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fresh.ID, fresh.QueueID, fresh.NegotiationID, fresh.RunNumber, fresh.ExecutionOrder, fresh.TechniqueID,
		fresh.TacticID, nullString(fresh.PersonalityID), fresh.ZopaDistance, fresh.Status, fresh.MaxRetries,
		fresh.CreatedAt, fresh.UpdatedAt,
	)
	if err != nil {
		return nil, unavailable("insert run", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transaction", err)
	}
	return fresh, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, subject_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.SubjectID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, unavailable("insert pdr", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records for a subject, newest first.
func (s *Store) ListPDR(ctx context.Context, subjectID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, subject_id, details, timestamp FROM pdr
		 WHERE subject_id = ? ORDER BY timestamp DESC LIMIT ?`,
		subjectID, limit,
	)
	if err != nil {
		return nil, unavailable("query pdr", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var subject, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subject, &details, &e.Timestamp); err != nil {
			return nil, unavailable("scan pdr", err)
		}
		e.SubjectID = subject.String
		e.Details = details.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pdr", err)
	}
	return entries, nil
}
