package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/simqueue/internal/models"
)

func TestProgressBar(t *testing.T) {
	tests := []struct {
		done, total int
		want        string
	}{
		{0, 4, "[░░░░]"},
		{2, 4, "[██░░]"},
		{4, 4, "[████]"},
		{9, 4, "[████]"},
		{1, 0, "[░░░░]"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.done, tt.total, 4); got != tt.want {
			t.Errorf("progressBar(%d, %d) = %q, want %q", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	if got := formatETA(0); got != "-" {
		t.Errorf("Expected '-', got %q", got)
	}
	if got := formatETA(90); got != "1m30s" {
		t.Errorf("Expected '1m30s', got %q", got)
	}
}

func TestRenderRuns(t *testing.T) {
	runs := []models.Run{
		{RunNumber: 1, TechniqueID: "T1", TacticID: "Ta1", Status: models.RunStatusRunning, CurrentRound: 2},
		{RunNumber: 2, TechniqueID: "T2", TacticID: "Ta1", Status: models.RunStatusFailed,
			RetryCount: 1, MaxRetries: 3, LastError: "rate limited"},
		{RunNumber: 3, TechniqueID: "T3", TacticID: "Ta1", Status: models.RunStatusCompleted,
			Payload: &models.Payload{Outcome: models.OutcomeDealAccepted, TotalRounds: 4}},
	}
	out := renderRuns(runs)
	for _, want := range []string{"round 2", "retry 1/3", "rate limited", "in 4 rounds"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestUpdateQueueLoaded(t *testing.T) {
	a := New("http://127.0.0.1:0", "", "neg-1")
	q := &models.Queue{ID: "queue-1", NegotiationID: "neg-1", Status: models.QueueStatusRunning, TotalRuns: 2}

	_, cmd := a.Update(queueLoadedMsg{queue: q, runs: []models.Run{{RunNumber: 1}}})
	if a.queueID != "queue-1" {
		t.Errorf("Expected queue id to be resolved, got %q", a.queueID)
	}
	if !a.daemonOnline {
		t.Error("Expected daemon to be marked online")
	}
	if !a.connecting {
		t.Error("Expected stream connection to be requested")
	}
	if cmd == nil {
		t.Error("Expected a command to open the stream")
	}

	// A second load while connecting must not open another stream.
	a.Update(queueLoadedMsg{queue: q})
	a.Update(streamFailedMsg{err: http.ErrServerClosed})
	if a.connecting {
		t.Error("Expected connecting to be cleared after failure")
	}
	if !strings.Contains(a.message, "Live updates unavailable") {
		t.Errorf("Expected failure message, got %q", a.message)
	}
}

func TestUpdateEventsAreCapped(t *testing.T) {
	a := New("http://127.0.0.1:0", "queue-1", "")
	ch := make(chan models.Event)
	a.stream = ch

	for i := 0; i < maxEvents+3; i++ {
		a.Update(eventMsg(models.Event{Type: models.EventRoundCompleted, RunNumber: i + 1, Timestamp: time.Now()}))
	}
	if len(a.events) != maxEvents {
		t.Fatalf("Expected %d events, got %d", maxEvents, len(a.events))
	}
	if a.events[len(a.events)-1].RunNumber != maxEvents+3 {
		t.Errorf("Expected newest event last, got run %d", a.events[len(a.events)-1].RunNumber)
	}
}

func TestQuitKey(t *testing.T) {
	a := New("http://127.0.0.1:0", "queue-1", "")
	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
}

func TestClientQueueActions(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			gotPath = r.URL.Path
			if strings.HasSuffix(r.URL.Path, "/resume") {
				http.Error(w, "invalid queue transition", http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		case r.URL.Path == "/queue/queue-1":
			json.NewEncoder(w).Encode(models.Queue{ID: "queue-1", NegotiationID: "neg-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL + "/")
	q, err := c.GetQueue("queue-1")
	if err != nil {
		t.Fatalf("Failed to get queue: %v", err)
	}
	if q.NegotiationID != "neg-1" {
		t.Errorf("Expected negotiation neg-1, got %s", q.NegotiationID)
	}

	if err := c.QueueAction("queue-1", "pause"); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if gotPath != "/queue/queue-1/pause" {
		t.Errorf("Expected pause path, got %s", gotPath)
	}

	err = c.QueueAction("queue-1", "resume")
	if err == nil || !strings.Contains(err.Error(), "invalid queue transition") {
		t.Errorf("Expected conflict error, got %v", err)
	}

	if _, err := c.GetQueue("missing"); err == nil {
		t.Error("Expected error for missing queue")
	}
}
