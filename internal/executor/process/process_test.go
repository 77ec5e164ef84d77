package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/simqueue/internal/executor"
	"github.com/fentz26/simqueue/internal/models"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func newShellProcess(t *testing.T, body string) *Process {
	t.Helper()
	return New(Config{
		Python:    "sh",
		Script:    writeScript(t, body),
		MaxRounds: 6,
		KillGrace: 200 * time.Millisecond,
	}, nil)
}

func testRequest() executor.Request {
	return executor.Request{
		RunID:         "run-1",
		QueueID:       "queue-1",
		NegotiationID: "neg-1",
		Attempt:       1,
		Spec: models.RunSpec{
			RunNumber:    1,
			TechniqueID:  "anchoring",
			TacticID:     "silence",
			ZopaDistance: "medium",
		},
	}
}

func TestRoundBudget(t *testing.T) {
	tests := []struct {
		base, dims, want int
	}{
		{6, 0, 6},
		{6, 4, 6},
		{6, 8, 12},
		{6, 20, 20},
		{0, 0, DefaultMaxRounds},
		{10, 6, 15},
	}
	for _, tt := range tests {
		if got := RoundBudget(tt.base, tt.dims); got != tt.want {
			t.Errorf("RoundBudget(%d, %d) = %d, want %d", tt.base, tt.dims, got, tt.want)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	p := newShellProcess(t, `
echo 'starting engine'
echo 'ROUND_UPDATE:{"round":1,"agent":"BUYER","message":"hi","action":"continue"}'
echo 'ROUND_UPDATE:not json'
echo 'ROUND_UPDATE:{"round":2,"agent":"SELLER","message":"ok","action":"accept"}'
echo '{"outcome":"DEAL_ACCEPTED","totalRounds":2,"conversationLog":[{"round":1,"agent":"BUYER","message":"hi"}],"langfuseTraceId":"trace-9"}'
`)

	var mu sync.Mutex
	var rounds []int
	payload, err := p.Execute(context.Background(), testRequest(), func(round int) {
		mu.Lock()
		rounds = append(rounds, round)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}

	if payload.Outcome != models.OutcomeDealAccepted {
		t.Errorf("Expected DEAL_ACCEPTED, got %s", payload.Outcome)
	}
	if payload.SuccessScore != 1.0 {
		t.Errorf("Expected success score 1.0, got %v", payload.SuccessScore)
	}
	if payload.TotalRounds != 2 || len(payload.ConversationLog) != 1 {
		t.Errorf("Unexpected payload: %+v", payload)
	}
	if payload.TraceID != "trace-9" {
		t.Errorf("Expected trace id, got %q", payload.TraceID)
	}
	if payload.OutcomeReason == "" {
		t.Error("Expected a default outcome reason")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rounds) != 2 || rounds[0] != 1 || rounds[1] != 2 {
		t.Errorf("Expected rounds [1 2], got %v", rounds)
	}
}

func TestExecuteReceivesArguments(t *testing.T) {
	p := newShellProcess(t, `
case "$*" in
  *"--simulation-run-id run-1"*"--max-rounds 6"*'"techniqueId":"anchoring"'*)
    echo '{"outcome":"WALK_AWAY","totalRounds":3}' ;;
  *)
    echo "{\"error\":\"unexpected args: $*\"}"; exit 1 ;;
esac
`)

	payload, err := p.Execute(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if payload.Outcome != models.OutcomeWalkAway {
		t.Errorf("Expected WALK_AWAY, got %s", payload.Outcome)
	}
}

func TestExecuteEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		fatal  bool
	}{
		{"invalid data", `echo '{"error":"Invalid negotiation data"}'; exit 1`, true},
		{"environment", `echo '{"error":"Environment validation failed"}'; exit 1`, true},
		{"agent creation", `echo '{"error":"Agent creation failed"}'; exit 1`, false},
		{"crash without result", `echo 'Traceback' >&2; exit 2`, false},
		{"garbage result", `echo 'not json'`, false},
		{"no outcome", `echo '{"totalRounds":3}'`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newShellProcess(t, tt.script)
			_, err := p.Execute(context.Background(), testRequest(), nil)
			if err == nil {
				t.Fatal("Expected error")
			}
			if executor.IsFatal(err) != tt.fatal {
				t.Errorf("Expected fatal=%v, got %v (%v)", tt.fatal, executor.IsFatal(err), err)
			}
		})
	}
}

func TestExecuteStderrInError(t *testing.T) {
	p := newShellProcess(t, `echo 'rate limited by upstream' >&2; exit 3`)
	_, err := p.Execute(context.Background(), testRequest(), nil)
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "rate limited by upstream") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	p := newShellProcess(t, `exec sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Execute(ctx, testRequest(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Execute did not return promptly after cancellation")
	}
}

func TestExecuteMissingInterpreter(t *testing.T) {
	p := New(Config{Python: "definitely-not-an-interpreter-xyz", Script: "x.py"}, nil)
	_, err := p.Execute(context.Background(), testRequest(), nil)
	if !executor.IsFatal(err) {
		t.Errorf("Expected fatal error for missing interpreter, got %v", err)
	}
}

func TestEvaluation(t *testing.T) {
	engine := writeScript(t, `echo '{"outcome":"DEAL_ACCEPTED","totalRounds":4}'`)
	eval := writeScript(t, `
cat <<'JSON'
{
  "simulationRunId": "run-1",
  "evaluation": {
    "tactical_summary": "Anchored early.",
    "influencing_effectiveness_score": 8,
    "tactic_effectiveness_score": 6.5
  }
}
JSON
`)

	p := New(Config{Python: "sh", Script: engine, EvaluateScript: eval}, nil)
	payload, err := p.Execute(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if payload.TacticalSummary != "Anchored early." {
		t.Errorf("Expected tactical summary, got %q", payload.TacticalSummary)
	}
	if payload.TechniqueEffectivenessScore == nil || *payload.TechniqueEffectivenessScore != 8 {
		t.Errorf("Expected technique score 8, got %v", payload.TechniqueEffectivenessScore)
	}
	if payload.TacticEffectivenessScore == nil || *payload.TacticEffectivenessScore != 6.5 {
		t.Errorf("Expected tactic score 6.5, got %v", payload.TacticEffectivenessScore)
	}
}

func TestEvaluationFailureIsNotFatal(t *testing.T) {
	engine := writeScript(t, `echo '{"outcome":"WALK_AWAY","totalRounds":2}'`)
	eval := writeScript(t, `echo 'boom' >&2; exit 1`)

	p := New(Config{Python: "sh", Script: engine, EvaluateScript: eval}, nil)
	payload, err := p.Execute(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Evaluation failure should not fail the run: %v", err)
	}
	if payload.TacticalSummary != "" || payload.TacticEffectivenessScore != nil {
		t.Errorf("Expected no evaluation fields, got %+v", payload)
	}
}

func TestOutputWriterSplitsChunks(t *testing.T) {
	var rounds []int
	w := &outputWriter{onRound: func(r int) { rounds = append(rounds, r) }, logger: slog.Default()}

	chunks := []string{"ROUND_UPD", "ATE:{\"round\":1}\n{\"outc", "ome\":\"TIMEOUT\"}"}
	for _, c := range chunks {
		if _, err := w.Write([]byte(c)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}
	last := w.flush()

	if len(rounds) != 1 || rounds[0] != 1 {
		t.Errorf("Expected round 1, got %v", rounds)
	}
	if last != `{"outcome":"TIMEOUT"}` {
		t.Errorf("Expected trailing result line, got %q", last)
	}
}
