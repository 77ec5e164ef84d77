package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/simqueue/internal/models"
	"github.com/fentz26/simqueue/internal/scheduler"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

const defaultAuditLimit = 100

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 45 * time.Second

	// defaultStopWait bounds how long a stop request waits for cancelled
	// runs, leaving time to write the response before writeTimeout.
	defaultStopWait = writeTimeout - 10*time.Second
)

// Server provides the HTTP API for simqueue.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *slog.Logger

	stopWait time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:  service,
		addr:     addr,
		logger:   logger.With("component", "api"),
		stopWait: defaultStopWait,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Queue endpoints
	mux.HandleFunc("/queue", s.handleQueues)
	mux.HandleFunc("/queue/", s.handleQueueByID)

	// Run endpoints
	mux.HandleFunc("/run/", s.handleRunByID)

	// Real-time progress
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	s.logger.Info("starting simqueue daemon", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), status)
}

// splitPath returns the segments of path after prefix.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// handleQueues handles POST /queue and GET /queue
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createQueue(w, r)
	case http.MethodGet:
		s.listQueues(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleQueueByID handles /queue/{id}/* and /queue/by-negotiation/{negotiationId}
func (s *Server) handleQueueByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/queue/")
	if len(parts) == 0 {
		http.Error(w, "queue id required", http.StatusBadRequest)
		return
	}

	if parts[0] == "by-negotiation" {
		if len(parts) != 2 || r.Method != http.MethodGet {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.getQueueByNegotiation(w, r, parts[1])
		return
	}

	queueID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getQueue(w, r, queueID)
	case action == "runs" && r.Method == http.MethodGet:
		s.listRuns(w, r, queueID)
	case action == "audit" && r.Method == http.MethodGet:
		s.getAudit(w, r, queueID)
	case action == "start" && r.Method == http.MethodPost:
		s.queueTransition(w, r, queueID, s.service.StartQueue)
	case action == "pause" && r.Method == http.MethodPost:
		s.queueTransition(w, r, queueID, s.service.PauseQueue)
	case action == "resume" && r.Method == http.MethodPost:
		s.queueTransition(w, r, queueID, s.service.ResumeQueue)
	case action == "stop" && r.Method == http.MethodPost:
		s.stopQueue(w, r, queueID)
	case action == "retry" && r.Method == http.MethodPost:
		s.retryQueue(w, r, queueID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleRunByID handles /run/{id}/*
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/run/")
	if len(parts) == 0 {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	runID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRun(w, r, runID)
	case action == "restart" && r.Method == http.MethodPost:
		s.restartRun(w, r, runID)
	case action == "audit" && r.Method == http.MethodGet:
		s.getAudit(w, r, runID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Queue Handlers ---

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	q, err := s.service.CreateQueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.service.ListQueues(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	q, err := s.service.GetQueue(r.Context(), queueID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) getQueueByNegotiation(w http.ResponseWriter, r *http.Request, negotiationID string) {
	q, err := s.service.GetQueueByNegotiation(r.Context(), negotiationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, queueID string) {
	runs, err := s.service.ListRuns(r.Context(), queueID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) queueTransition(w http.ResponseWriter, r *http.Request, queueID string,
	op func(context.Context, string) (*models.Queue, error)) {
	q, err := op(r.Context(), queueID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.stopWait)
	defer cancel()
	q, err := s.service.StopQueue(ctx, queueID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) retryQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	var opts scheduler.RetryOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp, err := s.service.RetryQueue(r.Context(), queueID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request, subjectID string) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.service.Audit(r.Context(), subjectID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Run Handlers ---

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.service.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) restartRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.service.RestartRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Stats())
}
