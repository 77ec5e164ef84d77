package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/fentz26/simqueue/internal/models"
)

// --- Admission Operations ---

// ClaimRuns atomically admits up to limit eligible pending runs of a running queue.
// Each admitted run is marked running and gets a checkpoint entry owned by ownerID,
// and the queue's current_concurrent grows by the number admitted. If the increment
// would exceed max_concurrent the whole admission is rolled back with
// ErrConcurrencyViolation. A queue that is not running, or has no free slot,
// yields no runs and no error.
func (s *Store) ClaimRuns(ctx context.Context, queueID string, limit int, ownerID string) ([]models.Run, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	var status models.QueueStatus
	var maxConcurrent, current int
	err = tx.QueryRowContext(ctx,
		`SELECT status, max_concurrent, current_concurrent FROM queues WHERE id = ?`, queueID,
	).Scan(&status, &maxConcurrent, &current)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query queue", err)
	}
	if status != models.QueueStatusRunning {
		return nil, nil
	}
	free := maxConcurrent - current
	if free <= 0 {
		return nil, nil
	}
	if limit > free {
		limit = free
	}

	now := s.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r
		 WHERE r.queue_id = ? AND r.status = ? AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= ?)
		 ORDER BY r.execution_order, r.run_number LIMIT ?`,
		queueID, models.RunStatusPending, now, limit,
	)
	if err != nil {
		return nil, unavailable("select pending runs", err)
	}
	candidates, err := collectRuns(rows)
	if err != nil {
		return nil, unavailable("select pending runs", err)
	}

	var claimed []models.Run
	for _, run := range candidates {
		startedAt := now
		run.Status = models.RunStatusRunning
		run.StartedAt = &startedAt
		run.CompletedAt = nil
		run.NextAttemptAt = nil
		run.CurrentRound = 0
		run.Payload = nil
		if err := updateRun(ctx, tx, &run, models.RunStatusPending, now); err == ErrRunConflict {
			continue
		} else if err != nil {
			return nil, err
		}

		entry := models.CheckpointEntry{RunID: run.ID, QueueID: queueID, OwnerID: ownerID, AdmittedAt: now, HeartbeatAt: now}
		if err := appendCheckpoint(ctx, tx, entry); err != nil {
			return nil, err
		}
		claimed = append(claimed, run)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE queues SET current_concurrent = current_concurrent + ?, updated_at = ?
		 WHERE id = ? AND status = ? AND current_concurrent + ? <= max_concurrent`,
		len(claimed), now, queueID, models.QueueStatusRunning, len(claimed),
	)
	if err != nil {
		return nil, unavailable("increment concurrency", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, unavailable("check rows affected", err)
	}
	if n == 0 {
		return nil, ErrConcurrencyViolation
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transaction", err)
	}
	return claimed, nil
}

// ReleaseRun writes the post-execution state of a running run, removes its
// checkpoint entry and frees its concurrency slot in one transaction. When
// queueErr is non-empty the queue's error counter grows and lastError is set.
// A run that is no longer running yields ErrRunConflict and nothing changes,
// which makes recovery of a given admission happen at most once.
func (s *Store) ReleaseRun(ctx context.Context, run *models.Run, queueErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	now := s.now()
	if err := updateRun(ctx, tx, run, models.RunStatusRunning, now); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, run.ID)
	if err != nil {
		return unavailable("delete checkpoint", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}

	errInc := 0
	if queueErr != "" {
		errInc = 1
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE queues SET current_concurrent = MAX(current_concurrent - ?, 0), error_count = error_count + ?,
			last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE id = ?`,
		released, errInc, nullString(queueErr), now, run.QueueID,
	)
	if err != nil {
		return unavailable("release concurrency", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// --- Checkpoint Operations ---

// AppendCheckpoint records that a run has been admitted by ownerID.
func (s *Store) AppendCheckpoint(ctx context.Context, entry models.CheckpointEntry) error {
	return appendCheckpoint(ctx, s.db, entry)
}

func appendCheckpoint(ctx context.Context, db execer, entry models.CheckpointEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, queue_id, owner_id, admitted_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET owner_id = excluded.owner_id, admitted_at = excluded.admitted_at,
			heartbeat_at = excluded.heartbeat_at`,
		entry.RunID, entry.QueueID, entry.OwnerID, entry.AdmittedAt.UTC(), entry.HeartbeatAt.UTC(),
	)
	if err != nil {
		return unavailable("insert checkpoint", err)
	}
	return nil
}

// RenewCheckpoint refreshes the heartbeat of an entry still owned by ownerID.
func (s *Store) RenewCheckpoint(ctx context.Context, runID, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET heartbeat_at = ? WHERE run_id = ? AND owner_id = ?`,
		s.now(), runID, ownerID,
	)
	if err != nil {
		return unavailable("renew checkpoint", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		return ErrCheckpointLost
	}
	return nil
}

// RemoveCheckpoint deletes a run's checkpoint entry without touching the run.
func (s *Store) RemoveCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return unavailable("delete checkpoint", err)
	}
	return nil
}

// GetCheckpoint returns the admitted set of a queue.
func (s *Store) GetCheckpoint(ctx context.Context, queueID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{QueueID: queueID, TakenAt: s.now()}
	err := s.db.QueryRowContext(ctx, `SELECT current_concurrent FROM queues WHERE id = ?`, queueID).Scan(&cp.CurrentConcurrent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query queue", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, queue_id, owner_id, admitted_at, heartbeat_at FROM checkpoints
		 WHERE queue_id = ? ORDER BY admitted_at, run_id`,
		queueID,
	)
	if err != nil {
		return nil, unavailable("query checkpoints", err)
	}
	defer rows.Close()

	cp.Entries = []models.CheckpointEntry{}
	for rows.Next() {
		var e models.CheckpointEntry
		if err := rows.Scan(&e.RunID, &e.QueueID, &e.OwnerID, &e.AdmittedAt, &e.HeartbeatAt); err != nil {
			return nil, unavailable("scan checkpoint", err)
		}
		cp.Entries = append(cp.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate checkpoints", err)
	}
	return cp, nil
}

// ListOrphanedRuns returns running runs that no live scheduler owns: their
// checkpoint entry is missing, its heartbeat is older than staleBefore, or it
// belongs to deadOwner (the previous incarnation of a restarted scheduler).
func (s *Store) ListOrphanedRuns(ctx context.Context, deadOwner string, staleBefore time.Time) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r LEFT JOIN checkpoints c ON c.run_id = r.id
		 WHERE r.status = ? AND (c.run_id IS NULL OR c.heartbeat_at < ? OR c.owner_id = ?)
		 ORDER BY r.queue_id, r.execution_order, r.run_number`,
		models.RunStatusRunning, staleBefore.UTC(), deadOwner,
	)
	if err != nil {
		return nil, unavailable("query orphaned runs", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, unavailable("list orphaned runs", err)
	}
	return runs, nil
}
