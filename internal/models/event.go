package models

import "time"

// EventType names a progress event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRoundCompleted EventType = "round_completed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventQueueCompleted EventType = "queue_completed"
	EventQueueStopped   EventType = "queue_stopped"
)

// Event is a progress hint pushed to subscribers of a negotiation.
// Subscribers reconcile through the REST reads; events may be dropped.
type Event struct {
	Type          EventType `json:"type"`
	NegotiationID string    `json:"negotiationId"`
	QueueID       string    `json:"queueId,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	RunNumber     int       `json:"runNumber,omitempty"`
	Round         int       `json:"round,omitempty"`
	Error         string    `json:"error,omitempty"`
	Retrying      bool      `json:"retrying,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
