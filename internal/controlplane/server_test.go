package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/broadcast"
	"github.com/fentz26/simqueue/internal/executor"
	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/retry"
	"github.com/fentz26/simqueue/internal/scheduler"
	"github.com/fentz26/simqueue/internal/store"
)

type stubExecutor struct{}

func (stubExecutor) Name() string { return "stub" }

func (stubExecutor) Execute(ctx context.Context, req executor.Request, onRound executor.RoundFunc) (*models.Payload, error) {
	if onRound != nil {
		onRound(1)
	}
	return &models.Payload{
		Outcome:      models.OutcomeDealAccepted,
		SuccessScore: models.OutcomeDealAccepted.SuccessScore(),
		TotalRounds:  1,
	}, nil
}

type testEnv struct {
	server *Server
	store  *store.Store
	hub    *broadcast.Hub
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	return newTestServerWith(t, stubExecutor{}, nil)
}

func newTestServerWith(t *testing.T, exec executor.RunExecutor, tune func(*scheduler.Config)) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.SweepSchedule = ""
	cfg.Retry = retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	if tune != nil {
		tune(cfg)
	}

	hub := broadcast.NewHub(64)
	pdr := audit.NewPDRWriter(st, nil)
	sch := scheduler.New(st, pdr, exec, hub, cfg, nil)
	t.Cleanup(sch.Stop)

	service := NewService(st, pdr, sch, hub)
	return &testEnv{
		server: NewServer(service, ":0", nil),
		store:  st,
		hub:    hub,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) createQueue(t *testing.T, negotiationID string) models.Queue {
	t.Helper()
	w := e.do(t, http.MethodPost, "/queue", CreateQueueRequest{
		NegotiationID: negotiationID,
		TechniqueIDs:  []string{"T1", "T2"},
		TacticIDs:     []string{"Ta1"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var q models.Queue
	if err := json.NewDecoder(w.Body).Decode(&q); err != nil {
		t.Fatalf("Failed to decode queue: %v", err)
	}
	return q
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBClosed(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false")
	}
}

func TestCreateQueue(t *testing.T) {
	env := newTestServer(t)
	q := env.createQueue(t, "neg-1")

	if q.Status != models.QueueStatusPending {
		t.Errorf("Expected status pending, got %s", q.Status)
	}
	if q.TotalRuns != 2 {
		t.Errorf("Expected 2 runs, got %d", q.TotalRuns)
	}
	if q.MaxConcurrent != scheduler.DefaultConfig().DefaultMaxConcurrent {
		t.Errorf("Expected default max concurrent, got %d", q.MaxConcurrent)
	}
	if q.EstimatedTotalCost <= 0 {
		t.Errorf("Expected estimated cost, got %v", q.EstimatedTotalCost)
	}

	w := env.do(t, http.MethodGet, "/queue/"+q.ID+"/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var runs []models.Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].TechniqueID != "T1" || runs[1].TechniqueID != "T2" {
		t.Errorf("Expected runs in execution order, got %s, %s", runs[0].TechniqueID, runs[1].TechniqueID)
	}
}

func TestCreateQueueErrors(t *testing.T) {
	env := newTestServer(t)
	negative := -1

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"no techniques", CreateQueueRequest{NegotiationID: "neg-1", TacticIDs: []string{"Ta1"}}, http.StatusBadRequest},
		{"no negotiation", CreateQueueRequest{TechniqueIDs: []string{"T1"}, TacticIDs: []string{"Ta1"}}, http.StatusBadRequest},
		{"negative retries", CreateQueueRequest{NegotiationID: "neg-1", TechniqueIDs: []string{"T1"},
			TacticIDs: []string{"Ta1"}, MaxRetries: &negative}, http.StatusBadRequest},
		{"invalid json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/queue", tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateQueueConflict(t *testing.T) {
	env := newTestServer(t)
	env.createQueue(t, "neg-1")

	w := env.do(t, http.MethodPost, "/queue", CreateQueueRequest{
		NegotiationID: "neg-1",
		TechniqueIDs:  []string{"T1"},
		TacticIDs:     []string{"Ta1"},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestQueueNotFound(t *testing.T) {
	env := newTestServer(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/queue/missing"},
		{http.MethodGet, "/queue/missing/runs"},
		{http.MethodPost, "/queue/missing/start"},
		{http.MethodGet, "/queue/by-negotiation/missing"},
		{http.MethodGet, "/run/missing"},
		{http.MethodPost, "/run/missing/restart"},
		{http.MethodGet, "/queue/missing/bogus"},
	}
	for _, p := range paths {
		w := env.do(t, p.method, p.path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected status 404, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestQueueLifecycle(t *testing.T) {
	env := newTestServer(t)
	q := env.createQueue(t, "neg-1")

	// Resume is only valid from paused.
	w := env.do(t, http.MethodPost, "/queue/"+q.ID+"/resume", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/queue/"+q.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		w = env.do(t, http.MethodGet, "/queue/by-negotiation/neg-1", nil)
		var got models.Queue
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode queue: %v", err)
		}
		if got.Status == models.QueueStatusCompleted {
			if got.CompletedCount != 2 {
				t.Errorf("Expected 2 completed runs, got %d", got.CompletedCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for completion, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	w = env.do(t, http.MethodPost, "/queue/"+q.ID+"/stop", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 stopping a completed queue, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/queue/"+q.ID+"/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var records []models.PDREntry
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatalf("Failed to decode audit: %v", err)
	}
	if len(records) == 0 {
		t.Error("Expected decision records for the queue")
	}
}

// stuckExecutor ignores cancellation until release is closed.
type stuckExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (stuckExecutor) Name() string { return "stuck" }

func (e stuckExecutor) Execute(ctx context.Context, req executor.Request, onRound executor.RoundFunc) (*models.Payload, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-e.release
	return nil, context.Canceled
}

func TestStopQueueRespondsWithinStopWait(t *testing.T) {
	exec := stuckExecutor{started: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestServerWith(t, exec, func(cfg *scheduler.Config) {
		cfg.StopGracePeriod = time.Hour
	})
	t.Cleanup(func() { close(exec.release) })
	env.server.stopWait = 100 * time.Millisecond
	q := env.createQueue(t, "neg-1")

	w := env.do(t, http.MethodPost, "/queue/"+q.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never started")
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/queue/"+q.ID+"/stop", nil)
	}()
	select {
	case w = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop request did not return within the stop wait")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got models.Queue
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode queue: %v", err)
	}
	if got.Status != models.QueueStatusStopped {
		t.Errorf("Expected stopped, got %s", got.Status)
	}
}

func TestStopWaitFitsWriteTimeout(t *testing.T) {
	if defaultStopWait >= writeTimeout {
		t.Errorf("Expected stop wait %s below write timeout %s", defaultStopWait, writeTimeout)
	}
	if grace := scheduler.DefaultConfig().StopGracePeriod; grace > defaultStopWait {
		t.Errorf("Expected default grace period %s to fit in stop wait %s", grace, defaultStopWait)
	}
}

func TestRetryQueueEmptyBody(t *testing.T) {
	env := newTestServer(t)
	q := env.createQueue(t, "neg-1")

	req := httptest.NewRequest(http.MethodPost, "/queue/"+q.ID+"/retry", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp RetryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Requeued != 0 {
		t.Errorf("Expected 0 requeued runs, got %d", resp.Requeued)
	}
}

func TestRestartRunNotTerminal(t *testing.T) {
	env := newTestServer(t)
	q := env.createQueue(t, "neg-1")

	runs, err := env.store.ListRuns(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	w := env.do(t, http.MethodPost, "/run/"+runs[0].ID+"/restart", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestListQueuesFilter(t *testing.T) {
	env := newTestServer(t)
	env.createQueue(t, "neg-1")
	env.createQueue(t, "neg-2")

	w := env.do(t, http.MethodGet, "/queue?status=running", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty list, got %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/queue?status=pending", nil)
	var queues []models.Queue
	if err := json.NewDecoder(w.Body).Decode(&queues); err != nil {
		t.Fatalf("Failed to decode queues: %v", err)
	}
	if len(queues) != 2 {
		t.Errorf("Expected 2 pending queues, got %d", len(queues))
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/queue/anything", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	env := newTestServer(t)
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientMessage{Type: msgSubscribe, NegotiationID: "neg-1"}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack ackMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if ack.Type != "subscribed" || ack.NegotiationID != "neg-1" {
		t.Errorf("Expected subscribed ack for neg-1, got %+v", ack)
	}

	env.hub.Publish(models.Event{Type: models.EventRunStarted, NegotiationID: "neg-2", RunID: "other"})
	env.hub.Publish(models.Event{Type: models.EventRunStarted, NegotiationID: "neg-1", RunID: "run-1"})

	var e models.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if e.RunID != "run-1" || e.Type != models.EventRunStarted {
		t.Errorf("Expected run_started for run-1, got %+v", e)
	}
}

func TestWebSocketDisconnectReleasesSubscription(t *testing.T) {
	env := newTestServer(t)
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?negotiationId=neg-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack ackMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if env.hub.Subscribers("neg-1") != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", env.hub.Subscribers("neg-1"))
	}

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Subscribers("neg-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected subscription to be released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketSendAfterWriterExit(t *testing.T) {
	c := newWSConn(nil)
	for i := 0; i < cap(c.out); i++ {
		c.out <- models.Event{Type: models.EventRunStarted}
	}
	close(c.writerDone)

	sent := make(chan struct{})
	go func() {
		c.send(ackMessage{Type: "subscribed", NegotiationID: "neg-1"})
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected send to return once the writer has exited")
	}
}
