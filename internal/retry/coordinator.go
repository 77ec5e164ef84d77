package retry

import (
	"fmt"
	"time"

	"github.com/fentz26/simqueue/internal/models"
)

// Failure reasons produced by the scheduler itself.
const (
	ReasonStoppedByUser       = "stopped_by_user"
	ReasonOrchestratorRestart = "orchestrator_restart"
)

// Action is the outcome of a retry decision.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFinalize Action = "finalize"
)

// Decision tells the scheduler how to persist an execution result.
type Decision struct {
	Action Action
	// Status is the run status to store.
	Status models.RunStatus
	// RetryCount is the run's retry counter after the decision.
	RetryCount int
	// Delay is the backoff before the run becomes eligible again; retry only.
	Delay time.Duration
	// Error is the run-level error message, empty on success.
	Error string
	// QueueError is set when the run is finalized as a failure that counts
	// against the queue's error statistics.
	QueueError string
	Payload    *models.Payload
}

// Coordinator applies the bounded-retry policy.
type Coordinator struct {
	policy Policy
}

// NewCoordinator creates a coordinator with the given backoff policy.
func NewCoordinator(policy Policy) *Coordinator {
	return &Coordinator{policy: policy}
}

// HandleResult decides between retrying and finalizing a run.
// A failure or timeout is retried while retryCount < maxRetries, unless it is
// fatal. A completed result is always final.
func (c *Coordinator) HandleResult(run *models.Run, result models.RunResult) Decision {
	switch res := result.(type) {
	case models.Completed:
		payload := res.Payload
		return Decision{Action: ActionFinalize, Status: models.RunStatusCompleted, RetryCount: run.RetryCount, Payload: &payload}
	case models.Failed:
		if res.Fatal {
			return c.finalize(run, models.RunStatusFailed, res.Error, res.Error != ReasonStoppedByUser)
		}
		return c.retryOrFinalize(run, models.RunStatusFailed, res.Error)
	case models.Timeout:
		msg := res.Error
		if msg == "" {
			msg = "run exceeded its time budget"
		}
		return c.retryOrFinalize(run, models.RunStatusTimeout, msg)
	default:
		return c.finalize(run, models.RunStatusFailed, fmt.Sprintf("unexpected result %T", result), true)
	}
}

func (c *Coordinator) retryOrFinalize(run *models.Run, status models.RunStatus, msg string) Decision {
	if run.RetryCount < run.MaxRetries {
		next := run.RetryCount + 1
		return Decision{
			Action:     ActionRetry,
			Status:     models.RunStatusPending,
			RetryCount: next,
			Delay:      c.policy.NextDelay(next),
			Error:      msg,
		}
	}
	return c.finalize(run, status, msg, true)
}

func (c *Coordinator) finalize(run *models.Run, status models.RunStatus, msg string, countsAsError bool) Decision {
	d := Decision{Action: ActionFinalize, Status: status, RetryCount: run.RetryCount, Error: msg}
	if countsAsError {
		d.QueueError = fmt.Sprintf("run %d: %s", run.RunNumber, msg)
	}
	return d
}

// Apply writes the decision onto run as of now.
func (d Decision) Apply(run *models.Run, now time.Time) {
	run.Status = d.Status
	run.RetryCount = d.RetryCount
	run.LastError = d.Error
	switch d.Action {
	case ActionRetry:
		next := now.Add(d.Delay)
		run.NextAttemptAt = &next
		run.CompletedAt = nil
		run.Payload = nil
	default:
		run.NextAttemptAt = nil
		run.CompletedAt = &now
		run.Payload = d.Payload
	}
}
