// Package controlplane provides the HTTP API and service layer for simqueue.
package controlplane

import (
	"context"
	"fmt"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/broadcast"
	"github.com/fentz26/simqueue/internal/expander"
	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/scheduler"
	"github.com/fentz26/simqueue/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	pdr       *audit.PDRWriter
	scheduler *scheduler.Scheduler
	hub       *broadcast.Hub
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, sch *scheduler.Scheduler, hub *broadcast.Hub) *Service {
	return &Service{
		store:     s,
		pdr:       pdr,
		scheduler: sch,
		hub:       hub,
	}
}

// CreateQueueRequest is the body of POST /queue.
type CreateQueueRequest struct {
	NegotiationID  string   `json:"negotiationId"`
	TechniqueIDs   []string `json:"techniqueIds"`
	TacticIDs      []string `json:"tacticIds"`
	PersonalityIDs []string `json:"personalityIds,omitempty"`
	ZopaDistances  []string `json:"zopaDistances,omitempty"`
	MaxConcurrent  int      `json:"maxConcurrent,omitempty"`
	MaxRetries     *int     `json:"maxRetries,omitempty"`
}

// RetryResponse is the result of a manual queue retry.
type RetryResponse struct {
	Requeued int           `json:"requeued"`
	Queue    *models.Queue `json:"queue"`
}

// --- Queue Operations ---

// CreateQueue expands the scenario into runs and persists a pending queue.
func (s *Service) CreateQueue(ctx context.Context, req CreateQueueRequest) (*models.Queue, error) {
	specs, err := expander.Expand(expander.Scenario{
		NegotiationID:  req.NegotiationID,
		TechniqueIDs:   req.TechniqueIDs,
		TacticIDs:      req.TacticIDs,
		PersonalityIDs: req.PersonalityIDs,
		ZopaDistances:  req.ZopaDistances,
	})
	if err != nil {
		return nil, err
	}

	cfg := s.scheduler.Config()
	opts := models.QueueOptions{
		MaxConcurrent:      cfg.DefaultMaxConcurrent,
		MaxRetries:         cfg.DefaultMaxRetries,
		EstimatedTotalCost: float64(len(specs)) * cfg.EstimatedRunCost,
	}
	if req.MaxConcurrent < 0 {
		return nil, fmt.Errorf("%w: maxConcurrent must be positive", ErrInvalidRequest)
	}
	if req.MaxConcurrent > 0 {
		opts.MaxConcurrent = req.MaxConcurrent
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidRequest)
		}
		opts.MaxRetries = *req.MaxRetries
	}

	q, err := s.store.CreateQueue(ctx, req.NegotiationID, opts, specs)
	if err != nil {
		return nil, err
	}

	s.pdr.Record(ctx, audit.ActionQueueCreate, req, "success", q.ID,
		fmt.Sprintf("%d runs, max %d concurrent", q.TotalRuns, q.MaxConcurrent))
	return q, nil
}

// GetQueue returns a queue with its crash-recovery checkpoint attached.
func (s *Service) GetQueue(ctx context.Context, id string) (*models.Queue, error) {
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withCheckpoint(ctx, q)
}

// GetQueueByNegotiation returns the active (or newest) queue of a negotiation.
func (s *Service) GetQueueByNegotiation(ctx context.Context, negotiationID string) (*models.Queue, error) {
	q, err := s.store.GetQueueByNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	return s.withCheckpoint(ctx, q)
}

func (s *Service) withCheckpoint(ctx context.Context, q *models.Queue) (*models.Queue, error) {
	cp, err := s.store.GetCheckpoint(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	q.Checkpoint = cp
	return q, nil
}

// ListQueues returns queues, optionally filtered by status.
func (s *Service) ListQueues(ctx context.Context, status string) ([]models.Queue, error) {
	if status == "" {
		return s.store.ListQueues(ctx)
	}
	return s.store.ListQueues(ctx, models.QueueStatus(status))
}

// ListRuns returns the runs of a queue in execution order.
func (s *Service) ListRuns(ctx context.Context, queueID string) ([]models.Run, error) {
	if _, err := s.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, queueID)
}

// StartQueue starts a pending queue.
func (s *Service) StartQueue(ctx context.Context, id string) (*models.Queue, error) {
	return s.scheduler.StartQueue(ctx, id)
}

// PauseQueue pauses a running queue.
func (s *Service) PauseQueue(ctx context.Context, id string) (*models.Queue, error) {
	return s.scheduler.PauseQueue(ctx, id)
}

// ResumeQueue resumes a paused queue.
func (s *Service) ResumeQueue(ctx context.Context, id string) (*models.Queue, error) {
	return s.scheduler.ResumeQueue(ctx, id)
}

// StopQueue stops a queue and cancels its in-flight runs.
func (s *Service) StopQueue(ctx context.Context, id string) (*models.Queue, error) {
	return s.scheduler.StopQueue(ctx, id)
}

// RetryQueue requeues the failed and timed-out runs of a queue.
func (s *Service) RetryQueue(ctx context.Context, id string, opts scheduler.RetryOptions) (*RetryResponse, error) {
	n, q, err := s.scheduler.RetryQueue(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return &RetryResponse{Requeued: n, Queue: q}, nil
}

// --- Run Operations ---

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.store.GetRun(ctx, id)
}

// RestartRun recreates a terminal run as a new pending run.
func (s *Service) RestartRun(ctx context.Context, id string) (*models.Run, error) {
	return s.scheduler.RestartRun(ctx, id)
}

// --- Observability ---

// Audit returns the decision records of a queue or run.
func (s *Service) Audit(ctx context.Context, subjectID string, limit int) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, subjectID, limit)
}

// Subscribe registers a progress subscriber for a negotiation.
func (s *Service) Subscribe(negotiationID string) *broadcast.Subscription {
	return s.hub.Subscribe(negotiationID)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Stats returns scheduler statistics.
func (s *Service) Stats() map[string]interface{} {
	return s.scheduler.GetStats()
}
