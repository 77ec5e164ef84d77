// Package models defines the core domain types for simqueue.
package models

import "time"

// QueueStatus represents the scheduling state of a queue.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusPaused    QueueStatus = "paused"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusStopped   QueueStatus = "stopped"
)

// Terminal reports whether no further scheduling happens for the queue.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusStopped
}

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the run has reached a final state.
// A failed or timed-out run may still be moved back to pending by a counted retry.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusTimeout
}

// AllSentinel stands for "every value" of an optional scenario dimension.
const AllSentinel = "all"

// Queue is one negotiation execution attempt and its scheduling state.
type Queue struct {
	ID            string      `json:"id"`
	NegotiationID string      `json:"negotiationId"`
	Status        QueueStatus `json:"status"`

	TotalRuns      int `json:"totalRuns"`
	CompletedCount int `json:"completedCount"`
	FailedCount    int `json:"failedCount"`
	RunningCount   int `json:"runningCount"`
	PendingCount   int `json:"pendingCount"`

	MaxConcurrent     int `json:"maxConcurrent"`
	CurrentConcurrent int `json:"currentConcurrent"`
	MaxRetries        int `json:"maxRetries"`

	EstimatedTotalCost        float64 `json:"estimatedTotalCost"`
	ActualTotalCost           float64 `json:"actualTotalCost"`
	SuccessRate               float64 `json:"successRate"`
	EstimatedTimeRemainingSec int64   `json:"estimatedTimeRemainingSec"`

	ErrorCount int    `json:"errorCount"`
	LastError  string `json:"lastError,omitempty"`

	Checkpoint *Checkpoint `json:"crashRecoveryCheckpoint,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// QueueOptions carries the per-queue limits chosen at creation time.
type QueueOptions struct {
	MaxConcurrent      int
	MaxRetries         int
	EstimatedTotalCost float64
}

// QueueStats is the derived view of a queue's run set.
type QueueStats struct {
	Total                  int           `json:"total"`
	Completed              int           `json:"completed"`
	Failed                 int           `json:"failed"`
	Running                int           `json:"running"`
	Pending                int           `json:"pending"`
	SuccessRate            float64       `json:"successRate"`
	AverageRunDuration     time.Duration `json:"averageRunDuration"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
	ActualTotalCost        float64       `json:"actualTotalCost"`
}

// RunSpec is one element of a scenario's cross-product.
type RunSpec struct {
	RunNumber      int    `json:"runNumber"`
	ExecutionOrder int    `json:"executionOrder"`
	TechniqueID    string `json:"techniqueId"`
	TacticID       string `json:"tacticId"`
	PersonalityID  string `json:"personalityId,omitempty"`
	ZopaDistance   string `json:"zopaDistance"`
}

// Run is a single simulated negotiation.
type Run struct {
	ID             string `json:"id"`
	QueueID        string `json:"queueId"`
	NegotiationID  string `json:"negotiationId"`
	RunNumber      int    `json:"runNumber"`
	ExecutionOrder int    `json:"executionOrder"`

	TechniqueID   string `json:"techniqueId"`
	TacticID      string `json:"tacticId"`
	PersonalityID string `json:"personalityId,omitempty"`
	ZopaDistance  string `json:"zopaDistance"`

	Status       RunStatus `json:"status"`
	RetryCount   int       `json:"retryCount"`
	MaxRetries   int       `json:"maxRetries"`
	CurrentRound int       `json:"currentRound,omitempty"`
	LastError    string    `json:"lastError,omitempty"`

	// Payload is set only once the run has completed.
	Payload *Payload `json:"result,omitempty"`

	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Spec returns the scenario combination the run was created from.
func (r *Run) Spec() RunSpec {
	return RunSpec{
		RunNumber:      r.RunNumber,
		ExecutionOrder: r.ExecutionOrder,
		TechniqueID:    r.TechniqueID,
		TacticID:       r.TacticID,
		PersonalityID:  r.PersonalityID,
		ZopaDistance:   r.ZopaDistance,
	}
}

// Duration returns the wall-clock time of the last attempt, if known.
func (r *Run) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	d := r.CompletedAt.Sub(*r.StartedAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// CheckpointEntry records one admitted, not yet terminal run.
type CheckpointEntry struct {
	RunID       string    `json:"runId"`
	QueueID     string    `json:"queueId"`
	OwnerID     string    `json:"ownerId"`
	AdmittedAt  time.Time `json:"admittedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// Stale reports whether the owning scheduler stopped renewing the entry.
func (e CheckpointEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.HeartbeatAt) > ttl
}

// Checkpoint is the admitted set of a queue at a point in time.
type Checkpoint struct {
	QueueID           string            `json:"queueId"`
	CurrentConcurrent int               `json:"currentConcurrent"`
	Entries           []CheckpointEntry `json:"entries"`
	TakenAt           time.Time         `json:"takenAt"`
}

// Contains reports whether runID is in the admitted set.
func (c *Checkpoint) Contains(runID string) bool {
	if c == nil {
		return false
	}
	for _, e := range c.Entries {
		if e.RunID == runID {
			return true
		}
	}
	return false
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
