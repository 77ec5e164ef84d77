package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/retry"
	"github.com/fentz26/simqueue/internal/store"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const recoveryParallelism = 4

// Start recovers runs orphaned by a previous process, restarts the admission
// loops of running queues and schedules the periodic stale-checkpoint sweep.
func (sch *Scheduler) Start(ctx context.Context) error {
	n, err := sch.recover(ctx, sch.instanceID, sch.now().Add(-sch.config.CheckpointTTL))
	if err != nil {
		return fmt.Errorf("recover orphaned runs: %w", err)
	}
	if n > 0 {
		sch.logger.Info("recovered orphaned runs", "count", n)
	}

	queues, err := sch.store.ListQueues(ctx, models.QueueStatusRunning, models.QueueStatusPaused)
	if err != nil {
		return fmt.Errorf("list active queues: %w", err)
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for i := range queues {
		q := &queues[i]
		g.Go(func() error {
			sch.refresh(q.ID, q.NegotiationID)
			if q.Status == models.QueueStatusRunning {
				sch.ensureRunner(q)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if sch.config.SweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(sch.config.SweepSchedule, sch.sweep); err != nil {
			return fmt.Errorf("schedule checkpoint sweep %q: %w", sch.config.SweepSchedule, err)
		}
		c.Start()
		sch.mu.Lock()
		sch.sweeper = c
		sch.mu.Unlock()
	}

	sch.logger.Info("scheduler started", "instance_id", sch.instanceID, "executor", sch.executor.Name(), "active_queues", len(queues))
	return nil
}

// sweep recovers running runs whose checkpoint heartbeat went stale, which
// happens when another orchestrator instance died holding them.
func (sch *Scheduler) sweep() {
	if sch.ctx.Err() != nil {
		return
	}
	n, err := sch.recover(sch.ctx, "", sch.now().Add(-sch.config.CheckpointTTL))
	if err != nil {
		if sch.ctx.Err() == nil {
			sch.logger.Warn("checkpoint sweep", "err", err)
		}
		return
	}
	if n > 0 {
		sch.logger.Info("checkpoint sweep recovered runs", "count", n)
	}
}

// recover routes every orphaned run through the retry coordinator as a failed
// attempt. ReleaseRun only succeeds for a run that is still running, so each
// admission is recovered at most once even when sweeps overlap.
func (sch *Scheduler) recover(ctx context.Context, deadOwner string, staleBefore time.Time) (int, error) {
	orphans, err := sch.store.ListOrphanedRuns(ctx, deadOwner, staleBefore)
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	recovered := 0
	touched := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, run := range orphans {
		run := run
		if sch.inflight(run.ID) {
			continue
		}
		g.Go(func() error {
			ok, err := sch.recoverRun(gctx, run)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				recovered++
				touched[run.QueueID] = run.NegotiationID
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	for queueID, negotiationID := range touched {
		sch.refresh(queueID, negotiationID)
		if q, qerr := sch.store.GetQueue(ctx, queueID); qerr == nil && q.Status == models.QueueStatusRunning {
			sch.ensureRunner(q)
		}
	}
	return recovered, err
}

func (sch *Scheduler) recoverRun(ctx context.Context, run models.Run) (bool, error) {
	q, err := sch.store.GetQueue(ctx, run.QueueID)
	if err != nil {
		return false, err
	}
	var result models.RunResult = models.Failed{Error: retry.ReasonOrchestratorRestart}
	if q.Status == models.QueueStatusStopped {
		// No retries inside a stopped queue.
		result = models.Failed{Error: retry.ReasonStoppedByUser, Fatal: true}
	}
	d := sch.retry.HandleResult(&run, result)
	d.Apply(&run, sch.now())

	err = sch.store.ReleaseRun(ctx, &run, d.QueueError)
	if errors.Is(err, store.ErrRunConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sch.recovered.Add(1)
	if d.Action == retry.ActionRetry {
		sch.retried.Add(1)
	} else {
		sch.finalized.Add(1)
	}
	sch.pdr.Record(ctx, audit.ActionRunRecover, map[string]interface{}{
		"run_id":      run.ID,
		"queue_id":    run.QueueID,
		"retry_count": run.RetryCount,
		"decision":    d.Action,
	}, string(run.Status), run.ID, "Recovered orphaned run")
	sch.logger.Info("orphaned run recovered", "queue_id", run.QueueID, "run_id", run.ID,
		"status", run.Status, "retry_count", run.RetryCount)

	sch.publish(models.Event{
		Type:          models.EventRunFailed,
		NegotiationID: run.NegotiationID,
		QueueID:       run.QueueID,
		RunID:         run.ID,
		RunNumber:     run.RunNumber,
		Error:         d.Error,
		Retrying:      d.Action == retry.ActionRetry,
	})
	return true, nil
}
