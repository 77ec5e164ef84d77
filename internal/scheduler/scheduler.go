package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/executor"
	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/retry"
	"github.com/fentz26/simqueue/internal/stats"
	"github.com/fentz26/simqueue/internal/store"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetQueue(ctx context.Context, id string) (*models.Queue, error)
	ListQueues(ctx context.Context, statuses ...models.QueueStatus) ([]models.Queue, error)
	UpdateQueueStatus(ctx context.Context, id string, to models.QueueStatus, from ...models.QueueStatus) error
	CompleteQueue(ctx context.Context, id string) error
	UpdateQueueStats(ctx context.Context, id string, st models.QueueStats) error
	ResetQueueErrors(ctx context.Context, id string) error

	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, queueID string) ([]models.Run, error)
	UpdateRunRound(ctx context.Context, runID string, round int) error
	FailPendingRuns(ctx context.Context, queueID, reason string) (int, error)
	RequeueFailedRuns(ctx context.Context, queueID string) (int, error)
	RestartRun(ctx context.Context, runID string) (*models.Run, error)

	ClaimRuns(ctx context.Context, queueID string, limit int, ownerID string) ([]models.Run, error)
	ReleaseRun(ctx context.Context, run *models.Run, queueErr string) error
	RenewCheckpoint(ctx context.Context, runID, ownerID string) error
	ListOrphanedRuns(ctx context.Context, deadOwner string, staleBefore time.Time) ([]models.Run, error)
}

// Publisher receives progress events. It must not block.
type Publisher interface {
	Publish(e models.Event)
}

// Scheduler runs one admission loop per active queue and executes admitted
// runs through the configured executor.
type Scheduler struct {
	store    Store
	pdr      *audit.PDRWriter
	executor executor.RunExecutor
	retry    *retry.Coordinator
	events   Publisher
	config   *Config
	logger   *slog.Logger

	instanceID string
	now        func() time.Time

	mu      sync.Mutex
	runners map[string]*queueRunner
	locks   *queueLocks
	sweeper *cron.Cron

	admitted  atomic.Int64
	retried   atomic.Int64
	finalized atomic.Int64
	recovered atomic.Int64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(s Store, pdr *audit.PDRWriter, exec executor.RunExecutor, events Publisher, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:      s,
		pdr:        pdr,
		executor:   exec,
		retry:      retry.NewCoordinator(cfg.Retry),
		events:     events,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		instanceID: instanceID,
		now:        func() time.Time { return time.Now().UTC() },
		runners:    make(map[string]*queueRunner),
		locks:      newQueueLocks(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns the owner id written into checkpoint entries.
func (sch *Scheduler) InstanceID() string {
	return sch.instanceID
}

// Config returns the effective configuration.
func (sch *Scheduler) Config() Config {
	return *sch.config
}

// Stop cancels every admission loop and in-flight run and waits for them.
// Interrupted runs keep their checkpoint entries so the next Start recovers them.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.mu.Lock()
	sweeper := sch.sweeper
	sch.mu.Unlock()
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// queueRunner is the admission loop state of one queue.
type queueRunner struct {
	queueID string

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	stopped  bool
	runs     sync.WaitGroup
}

func (r *queueRunner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *queueRunner) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *queueRunner) has(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[runID]
	return ok
}

func (r *queueRunner) finish(runID string) {
	r.mu.Lock()
	delete(r.inflight, runID)
	r.mu.Unlock()
	r.notify()
}

// stop marks the queue as stopped by the user and cancels its runs.
func (r *queueRunner) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

func (r *queueRunner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// ensureRunner starts the admission loop of q, or wakes it if it already runs.
func (sch *Scheduler) ensureRunner(q *models.Queue) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	if sch.ctx.Err() != nil {
		return
	}
	if r, ok := sch.runners[q.ID]; ok && r.ctx.Err() == nil {
		r.notify()
		return
	}

	ctx, cancel := context.WithCancel(sch.ctx)
	r := &queueRunner{
		queueID:  q.ID,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
	}
	sch.runners[q.ID] = r

	sch.wg.Add(1)
	go sch.runLoop(r)
}

func (sch *Scheduler) runner(queueID string) *queueRunner {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.runners[queueID]
}

// runLoop admits runs whenever a slot frees up, a queue operation wakes it,
// or the safety tick fires. It exits once the queue is no longer running and
// nothing is in flight.
func (sch *Scheduler) runLoop(r *queueRunner) {
	defer sch.wg.Done()
	defer r.cancel()

	logger := sch.logger.With("queue_id", r.queueID)
	logger.Debug("admission loop started")

	ticker := time.NewTicker(sch.config.TickInterval)
	defer ticker.Stop()

	for {
		if !sch.admit(r, logger) && sch.retire(r) {
			logger.Debug("admission loop finished")
			return
		}

		select {
		case <-r.ctx.Done():
			r.runs.Wait()
			sch.mu.Lock()
			if sch.runners[r.queueID] == r {
				delete(sch.runners, r.queueID)
			}
			sch.mu.Unlock()
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// admit claims free slots of a running queue. It returns false when the queue
// no longer accepts admissions.
func (sch *Scheduler) admit(r *queueRunner, logger *slog.Logger) bool {
	q, err := sch.store.GetQueue(r.ctx, r.queueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if r.ctx.Err() == nil {
			logger.Warn("admission skipped", "err", err)
		}
		return true
	}
	if q.Status != models.QueueStatusRunning {
		return false
	}

	runs, err := sch.store.ClaimRuns(r.ctx, q.ID, q.MaxConcurrent, sch.instanceID)
	if err != nil {
		switch {
		case r.ctx.Err() != nil:
		case errors.Is(err, store.ErrConcurrencyViolation):
			logger.Error("admission rejected by concurrency guard", "err", err)
		default:
			logger.Warn("admission skipped", "err", err)
		}
		return true
	}

	for _, run := range runs {
		sch.dispatch(r, run, logger)
	}
	if len(runs) == 0 && r.active() == 0 {
		// Nothing in flight: catch completions whose refresh was missed
		// while the store was unavailable.
		sch.refresh(q.ID, q.NegotiationID)
	}
	return true
}

// retire removes r from the runner set unless work is still pending for it.
func (sch *Scheduler) retire(r *queueRunner) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	select {
	case <-r.wake:
		return false
	default:
	}
	if r.active() > 0 {
		return false
	}
	if sch.runners[r.queueID] == r {
		delete(sch.runners, r.queueID)
	}
	return true
}

func (sch *Scheduler) dispatch(r *queueRunner, run models.Run, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(r.ctx, sch.config.RunBudget())

	r.mu.Lock()
	r.inflight[run.ID] = cancel
	r.mu.Unlock()
	r.runs.Add(1)
	sch.wg.Add(1)
	sch.admitted.Add(1)

	sch.pdr.Record(sch.ctx, audit.ActionRunDispatch, map[string]interface{}{
		"run_id":   run.ID,
		"queue_id": run.QueueID,
		"attempt":  run.RetryCount + 1,
		"owner":    sch.instanceID,
	}, "success", run.ID, fmt.Sprintf("Dispatched run %d attempt %d", run.RunNumber, run.RetryCount+1))
	logger.Info("run dispatched", "run_id", run.ID, "run_number", run.RunNumber, "attempt", run.RetryCount+1)

	go sch.execute(ctx, cancel, r, run)
}

// execute drives one admitted run to a result and settles it.
func (sch *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, r *queueRunner, run models.Run) {
	defer sch.wg.Done()
	defer r.runs.Done()
	defer cancel()

	logger := sch.logger.With("queue_id", run.QueueID, "run_id", run.ID, "run_number", run.RunNumber)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var lost atomic.Bool
	go sch.heartbeat(hbCtx, cancel, &lost, run.ID, logger)

	sch.publish(models.Event{
		Type:          models.EventRunStarted,
		NegotiationID: run.NegotiationID,
		QueueID:       run.QueueID,
		RunID:         run.ID,
		RunNumber:     run.RunNumber,
	})

	req := executor.Request{
		RunID:         run.ID,
		QueueID:       run.QueueID,
		NegotiationID: run.NegotiationID,
		Attempt:       run.RetryCount + 1,
		Spec:          run.Spec(),
	}
	var lastRound atomic.Int64
	payload, err := sch.executor.Execute(ctx, req, func(round int) {
		if int64(round) > lastRound.Load() {
			lastRound.Store(int64(round))
		}
		if err := sch.store.UpdateRunRound(sch.ctx, run.ID, round); err != nil {
			logger.Warn("record round", "round", round, "err", err)
		}
		sch.publish(models.Event{
			Type:          models.EventRoundCompleted,
			NegotiationID: run.NegotiationID,
			QueueID:       run.QueueID,
			RunID:         run.ID,
			RunNumber:     run.RunNumber,
			Round:         round,
		})
	})
	stopHeartbeat()

	if sch.ctx.Err() != nil {
		logger.Info("run interrupted by shutdown, left for recovery")
		r.finish(run.ID)
		return
	}
	if lost.Load() {
		logger.Warn("checkpoint lost, run abandoned")
		r.finish(run.ID)
		return
	}

	run.CurrentRound = int(lastRound.Load())
	if payload != nil && payload.TotalRounds > run.CurrentRound {
		run.CurrentRound = payload.TotalRounds
	}
	result := sch.classify(ctx, r, payload, err)
	if err != nil {
		logger.Info("run attempt failed", "err", err, "fatal", executor.IsFatal(err))
	}
	sch.settle(run, result, logger)
	r.finish(run.ID)
}

func (sch *Scheduler) classify(ctx context.Context, r *queueRunner, payload *models.Payload, err error) models.RunResult {
	switch {
	case err == nil && payload != nil:
		return models.Completed{Payload: *payload}
	case r.isStopped():
		return models.Failed{Error: retry.ReasonStoppedByUser, Fatal: true}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.Timeout{Error: fmt.Sprintf("run exceeded its %s budget", sch.config.RunBudget())}
	case err == nil:
		return models.Failed{Error: "executor returned no result"}
	default:
		return models.Failed{Error: err.Error(), Fatal: executor.IsFatal(err)}
	}
}

// settle routes a result through the retry coordinator and persists the
// decision. It reports whether this call released the run.
func (sch *Scheduler) settle(run models.Run, result models.RunResult, logger *slog.Logger) bool {
	d := sch.retry.HandleResult(&run, result)
	d.Apply(&run, sch.now())

	err := sch.withStoreRetry("release run", func(ctx context.Context) error {
		return sch.store.ReleaseRun(ctx, &run, d.QueueError)
	})
	if errors.Is(err, store.ErrRunConflict) {
		logger.Warn("run already settled elsewhere")
		return false
	}
	if err != nil {
		logger.Error("release run", "err", err)
		return false
	}

	action := audit.ActionRunFinalize
	if d.Action == retry.ActionRetry {
		action = audit.ActionRunRetry
		sch.retried.Add(1)
	} else {
		sch.finalized.Add(1)
	}
	sch.pdr.Record(sch.ctx, action, map[string]interface{}{
		"run_id":      run.ID,
		"status":      run.Status,
		"retry_count": run.RetryCount,
		"error":       d.Error,
	}, string(run.Status), run.ID, d.Error)

	e := models.Event{
		NegotiationID: run.NegotiationID,
		QueueID:       run.QueueID,
		RunID:         run.ID,
		RunNumber:     run.RunNumber,
	}
	if run.Status == models.RunStatusCompleted {
		e.Type = models.EventRunCompleted
		logger.Info("run completed", "outcome", run.Payload.Outcome)
	} else {
		e.Type = models.EventRunFailed
		e.Error = d.Error
		e.Retrying = d.Action == retry.ActionRetry
		logger.Info("run failed", "status", run.Status, "retrying", e.Retrying, "retry_count", run.RetryCount, "err", d.Error)
	}
	sch.publish(e)

	sch.refresh(run.QueueID, run.NegotiationID)
	return true
}

// heartbeat renews the checkpoint of a running run until ctx is done. Losing
// the checkpoint means another instance recovered the run, so the execution
// is aborted.
func (sch *Scheduler) heartbeat(ctx context.Context, abort context.CancelFunc, lost *atomic.Bool, runID string, logger *slog.Logger) {
	ticker := time.NewTicker(sch.config.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := sch.store.RenewCheckpoint(ctx, runID, sch.instanceID)
			if errors.Is(err, store.ErrCheckpointLost) {
				lost.Store(true)
				abort()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("renew checkpoint", "err", err)
			}
		}
	}
}

// refresh recomputes the queue's derived stats and completes it once every
// run is terminal.
func (sch *Scheduler) refresh(queueID, negotiationID string) {
	unlock := sch.locks.Lock(queueID)
	defer unlock()
	sch.refreshLocked(queueID, negotiationID)
}

// refreshLocked is refresh for callers already holding the queue lock.
func (sch *Scheduler) refreshLocked(queueID, negotiationID string) {
	logger := sch.logger.With("queue_id", queueID)

	runs, err := sch.store.ListRuns(sch.ctx, queueID)
	if err != nil {
		if sch.ctx.Err() == nil {
			logger.Warn("refresh stats", "err", err)
		}
		return
	}
	st := stats.Aggregate(runs, sch.config.FallbackRunDuration)
	if err := sch.store.UpdateQueueStats(sch.ctx, queueID, st); err != nil {
		if sch.ctx.Err() == nil {
			logger.Warn("refresh stats", "err", err)
		}
		return
	}
	if !stats.Done(st) {
		return
	}

	err = sch.store.CompleteQueue(sch.ctx, queueID)
	if errors.Is(err, store.ErrInvalidTransition) {
		return
	}
	if err != nil {
		logger.Warn("complete queue", "err", err)
		return
	}

	logger.Info("queue completed", "total", st.Total, "completed", st.Completed, "failed", st.Failed, "success_rate", st.SuccessRate)
	sch.pdr.Record(sch.ctx, audit.ActionQueueComplete, map[string]interface{}{
		"queue_id": queueID,
		"total":    st.Total,
	}, "success", queueID, fmt.Sprintf("%d/%d runs completed", st.Completed, st.Total))
	sch.publish(models.Event{
		Type:          models.EventQueueCompleted,
		NegotiationID: negotiationID,
		QueueID:       queueID,
	})
}

// withStoreRetry retries fn with bounded exponential backoff while the store
// reports itself unavailable, until it succeeds or the scheduler stops.
func (sch *Scheduler) withStoreRetry(op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(sch.ctx)
		if err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		delay := sch.config.StoreRetry.NextDelay(attempt)
		sch.logger.Warn("store unavailable, retrying", "op", op, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-sch.ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (sch *Scheduler) publish(e models.Event) {
	if sch.events == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = sch.now()
	}
	sch.events.Publish(e)
}

// inflight reports whether runID is executing in this process.
func (sch *Scheduler) inflight(runID string) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for _, r := range sch.runners {
		if r.has(runID) {
			return true
		}
	}
	return false
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	queues := make(map[string]int, len(sch.runners))
	inflight := 0
	for id, r := range sch.runners {
		n := r.active()
		queues[id] = n
		inflight += n
	}

	executorName := ""
	if sch.executor != nil {
		executorName = sch.executor.Name()
	}

	return map[string]interface{}{
		"instance_id":   sch.instanceID,
		"executor":      executorName,
		"active_queues": len(sch.runners),
		"inflight_runs": inflight,
		"queue_runs":    queues,
		"admitted":      sch.admitted.Load(),
		"retried":       sch.retried.Load(),
		"finalized":     sch.finalized.Load(),
		"recovered":     sch.recovered.Load(),
	}
}
