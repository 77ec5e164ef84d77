package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/simqueue/internal/models"
)

type recordingSink struct {
	entries []models.PDREntry
	err     error
}

func (s *recordingSink) WritePDR(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, SubjectID: subjectID, Details: details}
	s.entries = append(s.entries, e)
	return &e, nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &recordingSink{}
	w := NewPDRWriter(sink, nil)

	w.Record(context.Background(), ActionRunDispatch, map[string]string{"run_id": "r1"}, "success", "q1", "")
	w.Record(context.Background(), ActionRunDispatch, map[string]string{"run_id": "r1"}, "success", "q1", "")
	w.Record(context.Background(), ActionRunDispatch, map[string]string{"run_id": "r2"}, "success", "q1", "")

	if len(sink.entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(sink.entries))
	}
	if sink.entries[0].InputsHash != sink.entries[1].InputsHash {
		t.Error("Identical inputs should hash identically")
	}
	if sink.entries[0].InputsHash == sink.entries[2].InputsHash {
		t.Error("Different inputs should hash differently")
	}
	if len(sink.entries[0].InputsHash) != 64 {
		t.Errorf("Expected hex sha256, got %q", sink.entries[0].InputsHash)
	}
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	w := NewPDRWriter(&recordingSink{err: errors.New("disk full")}, nil)
	w.Record(context.Background(), ActionQueueStart, nil, "success", "q1", "")

	var nilWriter *PDRWriter
	nilWriter.Record(context.Background(), ActionQueueStart, nil, "success", "q1", "")
}

func TestHashInputsUnmarshalable(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("Expected hash_error, got %q", got)
	}
}
