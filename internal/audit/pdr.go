// Package audit records Process Decision Records for scheduling decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/simqueue/internal/models"
)

// Actions recorded by the orchestrator.
const (
	ActionQueueCreate   = "queue.create"
	ActionQueueStart    = "queue.start"
	ActionQueuePause    = "queue.pause"
	ActionQueueResume   = "queue.resume"
	ActionQueueStop     = "queue.stop"
	ActionQueueRetry    = "queue.retry"
	ActionQueueComplete = "queue.complete"
	ActionRunDispatch   = "run.dispatch"
	ActionRunRetry      = "run.retry"
	ActionRunFinalize   = "run.finalize"
	ActionRunRecover    = "run.recover"
	ActionRunRestart    = "run.restart"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink, logger *slog.Logger) *PDRWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDRWriter{sink: sink, logger: logger}
}

// Record writes a PDR entry for a state-mutating action. Audit failures are
// logged and never fail the action being audited.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, subjectID, details string) {
	if w == nil || w.sink == nil {
		return
	}
	if _, err := w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, subjectID, details); err != nil {
		w.logger.Warn("write decision record", "action", action, "subject", subjectID, "err", err)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
