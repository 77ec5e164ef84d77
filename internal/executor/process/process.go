// Package process runs the negotiation engine as a child process.
//
// The engine prints one "ROUND_UPDATE:{json}" line per finished round and a
// single JSON result object as its last stdout line. A result of the form
// {"error": "..."} (usually with exit status 1) reports a failed run.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/simqueue/internal/executor"
	"github.com/fentz26/simqueue/internal/models"
)

const (
	roundPrefix = "ROUND_UPDATE:"

	// DefaultMaxRounds is the round budget when none is configured.
	DefaultMaxRounds = 6
	// AbsoluteMaxRounds caps every computed round budget.
	AbsoluteMaxRounds = 20

	maxLineSize = 16 << 20
	stderrTail  = 2048
)

// Engine errors that no retry will fix.
var fatalMarkers = []string{
	"Invalid negotiation data",
	"Environment validation failed",
}

// Config describes how to launch the engine.
type Config struct {
	Python            string        `yaml:"python"`
	Script            string        `yaml:"script"`
	EvaluateScript    string        `yaml:"evaluate_script"`
	WorkDir           string        `yaml:"work_dir"`
	Env               []string      `yaml:"env"`
	MaxRounds         int           `yaml:"max_rounds"`
	Dimensions        int           `yaml:"dimensions"`
	Role              string        `yaml:"role"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// DefaultConfig returns the engine launch defaults.
func DefaultConfig() Config {
	return Config{
		Python:            "python3",
		Script:            "scripts/run_production_negotiation.py",
		MaxRounds:         DefaultMaxRounds,
		Role:              "BUYER",
		KillGrace:         5 * time.Second,
		EvaluationTimeout: 2 * time.Minute,
	}
}

// RoundBudget scales the base round budget with the number of negotiated
// dimensions: base * max(1, dimensions * 0.25), capped at AbsoluteMaxRounds.
func RoundBudget(base, dimensions int) int {
	if base <= 0 {
		base = DefaultMaxRounds
	}
	factor := float64(dimensions) * 0.25
	if factor < 1 {
		factor = 1
	}
	rounds := int(float64(base) * factor)
	if rounds > AbsoluteMaxRounds {
		rounds = AbsoluteMaxRounds
	}
	return rounds
}

// Process implements executor.RunExecutor by spawning the engine script.
type Process struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a process executor.
func New(cfg Config, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Role == "" {
		cfg.Role = "BUYER"
	}
	return &Process{cfg: cfg, logger: logger}
}

// Name returns the executor identifier.
func (p *Process) Name() string {
	return "process"
}

// MaxRounds returns the round budget handed to the engine.
func (p *Process) MaxRounds() int {
	return RoundBudget(p.cfg.MaxRounds, p.cfg.Dimensions)
}

type negotiationData struct {
	NegotiationID string `json:"negotiationId"`
	QueueID       string `json:"queueId"`
	RunNumber     int    `json:"runNumber"`
	TechniqueID   string `json:"techniqueId"`
	TacticID      string `json:"tacticId"`
	PersonalityID string `json:"personalityId,omitempty"`
	ZopaDistance  string `json:"zopaDistance"`
	Attempt       int    `json:"attempt"`
}

func (p *Process) args(req executor.Request) ([]string, error) {
	data, err := json.Marshal(negotiationData{
		NegotiationID: req.NegotiationID,
		QueueID:       req.QueueID,
		RunNumber:     req.Spec.RunNumber,
		TechniqueID:   req.Spec.TechniqueID,
		TacticID:      req.Spec.TacticID,
		PersonalityID: req.Spec.PersonalityID,
		ZopaDistance:  req.Spec.ZopaDistance,
		Attempt:       req.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode negotiation data: %w", err)
	}
	return []string{
		p.cfg.Script,
		"--negotiation-id", req.NegotiationID,
		"--simulation-run-id", req.RunID,
		"--technique-id", req.Spec.TechniqueID,
		"--tactic-id", req.Spec.TacticID,
		"--max-rounds", strconv.Itoa(p.MaxRounds()),
		"--negotiation-data", string(data),
	}, nil
}

func (p *Process) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.cfg.Python, args...)
	if p.cfg.WorkDir != "" {
		cmd.Dir = p.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if p.cfg.KillGrace > 0 {
		cmd.WaitDelay = p.cfg.KillGrace
	}
	return cmd
}

// Execute runs one negotiation.
func (p *Process) Execute(ctx context.Context, req executor.Request, onRound executor.RoundFunc) (*models.Payload, error) {
	args, err := p.args(req)
	if err != nil {
		return nil, executor.Fatal(err)
	}

	out := &outputWriter{onRound: onRound, logger: p.logger.With("run_id", req.RunID)}
	var stderr bytes.Buffer
	cmd := p.command(ctx, args)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, executor.Fatal(fmt.Errorf("start engine: %w", err))
		}
		return nil, fmt.Errorf("start engine: %w", err)
	}
	waitErr := cmd.Wait()
	last := out.flush()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, executor.Transient(fmt.Errorf("read engine output: %w", out.err))
	}

	res, parseErr := parseResult(last)
	if parseErr != nil {
		if waitErr != nil {
			return nil, executor.Transient(fmt.Errorf("engine exited: %v: %s", waitErr, tail(stderr.String())))
		}
		return nil, executor.Transient(parseErr)
	}
	if res.Error != "" {
		return nil, classify(res.Error)
	}
	if waitErr != nil {
		return nil, executor.Transient(fmt.Errorf("engine exited: %v: %s", waitErr, tail(stderr.String())))
	}

	payload := res.payload()
	if p.cfg.EvaluateScript != "" && payload.Outcome.Evaluable() {
		if err := p.evaluate(ctx, req, payload); err != nil {
			p.logger.Warn("post-run evaluation failed", "run_id", req.RunID, "err", err)
		}
	}
	return payload, nil
}

type roundUpdate struct {
	Round  int           `json:"round"`
	Agent  string        `json:"agent"`
	Action string        `json:"action"`
	Offer  *models.Offer `json:"offer"`
}

// outputWriter splits engine stdout into lines, reporting round updates and
// remembering the last line that is not one.
type outputWriter struct {
	onRound executor.RoundFunc
	logger  *slog.Logger

	buf  []byte
	last string
	err  error
}

func (w *outputWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineSize {
		w.err = errors.New("engine output line too long")
		return 0, w.err
	}
	return len(p), nil
}

func (w *outputWriter) line(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	rest, ok := strings.CutPrefix(line, roundPrefix)
	if !ok {
		w.last = line
		return
	}
	var upd roundUpdate
	if err := json.Unmarshal([]byte(rest), &upd); err != nil {
		w.logger.Debug("malformed round update", "err", err)
		return
	}
	if w.onRound != nil {
		w.onRound(upd.Round)
	}
}

// flush processes a trailing unterminated line and returns the last result line.
func (w *outputWriter) flush() string {
	if len(w.buf) > 0 && w.err == nil {
		w.line(string(w.buf))
		w.buf = nil
	}
	return w.last
}

type scriptResult struct {
	Error            string                   `json:"error"`
	Outcome          models.Outcome           `json:"outcome"`
	OutcomeReason    string                   `json:"outcomeReason"`
	TotalRounds      int                      `json:"totalRounds"`
	FinalOffer       *models.Offer            `json:"finalOffer"`
	ConversationLog  []models.RoundExchange   `json:"conversationLog"`
	DealValue        *float64                 `json:"dealValue"`
	DimensionResults []models.DimensionResult `json:"dimensionResults"`
	ProductResults   []models.ProductResult   `json:"productResults"`
	ActualCost       float64                  `json:"actualCost"`
	TraceID          string                   `json:"langfuseTraceId"`
}

func parseResult(line string) (*scriptResult, error) {
	if line == "" {
		return nil, errors.New("engine produced no result")
	}
	var res scriptResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return nil, fmt.Errorf("decode engine result: %w", err)
	}
	if res.Error == "" && res.Outcome == "" {
		return nil, errors.New("engine result has no outcome")
	}
	return &res, nil
}

func (r *scriptResult) payload() *models.Payload {
	p := &models.Payload{
		Outcome:          r.Outcome,
		OutcomeReason:    r.OutcomeReason,
		SuccessScore:     r.Outcome.SuccessScore(),
		TotalRounds:      r.TotalRounds,
		DealValue:        r.DealValue,
		FinalOffer:       r.FinalOffer,
		DimensionResults: r.DimensionResults,
		ProductResults:   r.ProductResults,
		ConversationLog:  r.ConversationLog,
		ActualCost:       r.ActualCost,
		TraceID:          r.TraceID,
	}
	if p.ConversationLog == nil {
		p.ConversationLog = []models.RoundExchange{}
	}
	if p.OutcomeReason == "" {
		p.OutcomeReason = fmt.Sprintf("%s after %d rounds", r.Outcome, r.TotalRounds)
	}
	return p
}

func classify(msg string) error {
	err := errors.New(msg)
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return executor.Fatal(err)
		}
	}
	return executor.Transient(err)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}

type evaluationResult struct {
	Evaluation struct {
		TacticalSummary               string   `json:"tactical_summary"`
		InfluencingEffectivenessScore *float64 `json:"influencing_effectiveness_score"`
		TacticEffectivenessScore      *float64 `json:"tactic_effectiveness_score"`
	} `json:"evaluation"`
}

// evaluate scores technique and tactic effectiveness of a finished negotiation.
func (p *Process) evaluate(ctx context.Context, req executor.Request, payload *models.Payload) error {
	logJSON, err := json.Marshal(payload.ConversationLog)
	if err != nil {
		return fmt.Errorf("encode conversation log: %w", err)
	}
	attitude := req.Spec.PersonalityID
	if attitude == "" {
		attitude = "neutral"
	}

	timeout := p.cfg.EvaluationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := p.command(ectx, []string{
		p.cfg.EvaluateScript,
		"--simulation-run-id", req.RunID,
		"--conversation-log", string(logJSON),
		"--role", p.cfg.Role,
		"--technique-name", req.Spec.TechniqueID,
		"--tactic-name", req.Spec.TacticID,
		"--counterpart-attitude", attitude,
		"--outcome", string(payload.Outcome),
	})
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("run evaluation: %v: %s", err, tail(stderr.String()))
	}

	var res evaluationResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return fmt.Errorf("decode evaluation: %w", err)
	}
	payload.TacticalSummary = res.Evaluation.TacticalSummary
	payload.TechniqueEffectivenessScore = res.Evaluation.InfluencingEffectivenessScore
	payload.TacticEffectivenessScore = res.Evaluation.TacticEffectivenessScore
	return nil
}
