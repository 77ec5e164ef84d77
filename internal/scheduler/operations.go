package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/retry"
	"github.com/fentz26/simqueue/internal/store"
)

// RetryOptions tunes a manual queue retry.
type RetryOptions struct {
	// ResetErrors also clears the queue's errorCount and lastError.
	ResetErrors bool `json:"resetErrors"`
}

// StartQueue moves a pending queue to running and starts admitting its runs.
func (sch *Scheduler) StartQueue(ctx context.Context, id string) (*models.Queue, error) {
	return sch.transition(ctx, id, audit.ActionQueueStart, models.QueueStatusRunning, models.QueueStatusPending)
}

// PauseQueue stops admitting new runs. In-flight runs finish normally.
func (sch *Scheduler) PauseQueue(ctx context.Context, id string) (*models.Queue, error) {
	return sch.transition(ctx, id, audit.ActionQueuePause, models.QueueStatusPaused, models.QueueStatusRunning)
}

// ResumeQueue restarts admission of a paused queue.
func (sch *Scheduler) ResumeQueue(ctx context.Context, id string) (*models.Queue, error) {
	return sch.transition(ctx, id, audit.ActionQueueResume, models.QueueStatusRunning, models.QueueStatusPaused)
}

func (sch *Scheduler) transition(ctx context.Context, id, action string, to models.QueueStatus, from ...models.QueueStatus) (*models.Queue, error) {
	if err := sch.store.UpdateQueueStatus(ctx, id, to, from...); err != nil {
		return nil, err
	}
	q, err := sch.store.GetQueue(ctx, id)
	if err != nil {
		return nil, err
	}

	sch.pdr.Record(ctx, action, map[string]interface{}{
		"queue_id": id,
		"to":       to,
	}, "success", id, fmt.Sprintf("Queue %s", to))
	sch.logger.Info("queue status changed", "queue_id", id, "status", to)

	if r := sch.runner(id); r != nil {
		r.notify()
	}
	if to == models.QueueStatusRunning {
		sch.ensureRunner(q)
	}
	return q, nil
}

// StopQueue stops a queue for good: pending runs fail with stopped_by_user
// and in-flight runs are cancelled. It waits up to the stop grace period (or
// until ctx is done) for cancelled runs to settle.
func (sch *Scheduler) StopQueue(ctx context.Context, id string) (*models.Queue, error) {
	err := sch.store.UpdateQueueStatus(ctx, id, models.QueueStatusStopped,
		models.QueueStatusPending, models.QueueStatusRunning, models.QueueStatusPaused)
	if err != nil {
		return nil, err
	}

	// The queue is stopped from here on; the cleanup below runs to the end
	// even if the caller gives up while in-flight runs settle.
	cleanupCtx := context.WithoutCancel(ctx)

	r := sch.runner(id)
	if r != nil {
		r.stop()
	}

	failed, err := sch.store.FailPendingRuns(cleanupCtx, id, retry.ReasonStoppedByUser)
	if err != nil {
		return nil, err
	}

	if r != nil {
		sch.waitRuns(ctx, r)
		// A run settled between the status change and its cancellation
		// may have been put back to pending by a retry decision.
		n, err := sch.store.FailPendingRuns(cleanupCtx, id, retry.ReasonStoppedByUser)
		if err != nil {
			return nil, err
		}
		failed += n
	}

	q, err := sch.store.GetQueue(cleanupCtx, id)
	if err != nil {
		return nil, err
	}
	sch.refresh(id, q.NegotiationID)

	sch.pdr.Record(cleanupCtx, audit.ActionQueueStop, map[string]interface{}{
		"queue_id": id,
		"failed":   failed,
	}, "success", id, fmt.Sprintf("Stopped; %d pending runs failed", failed))
	sch.logger.Info("queue stopped", "queue_id", id, "pending_failed", failed)
	sch.publish(models.Event{
		Type:          models.EventQueueStopped,
		NegotiationID: q.NegotiationID,
		QueueID:       id,
	})

	return sch.store.GetQueue(cleanupCtx, id)
}

func (sch *Scheduler) waitRuns(ctx context.Context, r *queueRunner) {
	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()

	timer := time.NewTimer(sch.config.StopGracePeriod)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		sch.logger.Warn("runs still in flight after stop grace period", "queue_id", r.queueID, "inflight", r.active())
	}
}

// RetryQueue moves every failed or timed-out run of a queue back to pending
// with its retry counter reset. A completed queue is reopened; a stopped
// queue cannot be retried.
func (sch *Scheduler) RetryQueue(ctx context.Context, id string, opts RetryOptions) (int, *models.Queue, error) {
	n, err := sch.requeue(ctx, id, opts)
	if err != nil {
		return 0, nil, err
	}

	sch.pdr.Record(ctx, audit.ActionQueueRetry, map[string]interface{}{
		"queue_id":     id,
		"requeued":     n,
		"reset_errors": opts.ResetErrors,
	}, "success", id, fmt.Sprintf("Requeued %d runs", n))
	sch.logger.Info("queue retried", "queue_id", id, "requeued", n, "reset_errors", opts.ResetErrors)

	q, err := sch.store.GetQueue(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	if q.Status == models.QueueStatusRunning {
		sch.ensureRunner(q)
	}
	return n, q, nil
}

// RestartRun recreates a terminal run as a fresh pending run and reopens its
// queue if it had already completed.
func (sch *Scheduler) RestartRun(ctx context.Context, runID string) (*models.Run, error) {
	old, err := sch.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	fresh, q, err := sch.restart(ctx, old.QueueID, runID)
	if err != nil {
		return nil, err
	}

	sch.pdr.Record(ctx, audit.ActionRunRestart, map[string]interface{}{
		"old_run_id": runID,
		"new_run_id": fresh.ID,
		"queue_id":   q.ID,
	}, "success", fresh.ID, fmt.Sprintf("Restarted run %d", fresh.RunNumber))
	sch.logger.Info("run restarted", "queue_id", q.ID, "old_run_id", runID, "run_id", fresh.ID)

	q, err = sch.store.GetQueue(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	if q.Status == models.QueueStatusRunning {
		sch.ensureRunner(q)
	}
	return fresh, nil
}

// requeue and restart hold the queue lock until the stats are recomputed, so
// completion never observes the queue between the run change and the reopen.
func (sch *Scheduler) requeue(ctx context.Context, id string, opts RetryOptions) (int, error) {
	unlock := sch.locks.Lock(id)
	defer unlock()

	q, err := sch.store.GetQueue(ctx, id)
	if err != nil {
		return 0, err
	}
	if q.Status == models.QueueStatusStopped {
		return 0, store.ErrInvalidTransition
	}

	n, err := sch.store.RequeueFailedRuns(ctx, q.ID)
	if err != nil {
		return 0, err
	}
	if opts.ResetErrors {
		if err := sch.store.ResetQueueErrors(ctx, q.ID); err != nil {
			return 0, err
		}
	}
	if n > 0 {
		if err := sch.reopen(ctx, q.ID); err != nil {
			return 0, err
		}
	}
	sch.refreshLocked(q.ID, q.NegotiationID)
	return n, nil
}

func (sch *Scheduler) restart(ctx context.Context, queueID, runID string) (*models.Run, *models.Queue, error) {
	unlock := sch.locks.Lock(queueID)
	defer unlock()

	fresh, err := sch.store.RestartRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if err := sch.reopen(ctx, queueID); err != nil {
		return nil, nil, err
	}
	q, err := sch.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, nil, err
	}
	sch.refreshLocked(q.ID, q.NegotiationID)
	return fresh, q, nil
}

// reopen moves a completed queue back to running.
func (sch *Scheduler) reopen(ctx context.Context, queueID string) error {
	err := sch.store.UpdateQueueStatus(ctx, queueID, models.QueueStatusRunning, models.QueueStatusCompleted)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	return nil
}
