// Package executor defines the contract of the negotiation engine that runs a
// single simulation, and the classification of its failures.
package executor

import (
	"context"
	"errors"

	"github.com/fentz26/simqueue/internal/models"
)

// Request identifies one execution attempt.
type Request struct {
	RunID         string
	QueueID       string
	NegotiationID string
	Attempt       int
	Spec          models.RunSpec
}

// RoundFunc is called after every completed negotiation round.
type RoundFunc func(round int)

// RunExecutor drives one simulated negotiation to a terminal outcome.
// Implementations must return promptly once ctx is done.
type RunExecutor interface {
	// Name returns the executor identifier.
	Name() string

	// Execute runs the negotiation and returns its payload.
	Execute(ctx context.Context, req Request, onRound RoundFunc) (*models.Payload, error)
}

// TransientError is a failure worth retrying: rate limits, timeouts, flaky I/O.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that will not go away on retry, such as malformed
// scenario data or a permanent upstream rejection.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was classified as non-retryable.
// Unclassified errors are treated as transient.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
