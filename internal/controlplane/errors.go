package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/simqueue/internal/expander"
	"github.com/fentz26/simqueue/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
)

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, expander.ErrInvalidScenario):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrQueueActive),
		errors.Is(err, store.ErrRunNotTerminal),
		errors.Is(err, store.ErrRunConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
