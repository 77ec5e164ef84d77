package models

import (
	"encoding/json"
	"time"
)

// Outcome is how a simulated negotiation ended.
type Outcome string

const (
	OutcomeDealAccepted     Outcome = "DEAL_ACCEPTED"
	OutcomeWalkAway         Outcome = "WALK_AWAY"
	OutcomeMaxRoundsReached Outcome = "MAX_ROUNDS_REACHED"
	OutcomeTimeout          Outcome = "TIMEOUT"
	OutcomeError            Outcome = "ERROR"
	OutcomeTerminated       Outcome = "TERMINATED"
	OutcomePaused           Outcome = "PAUSED"
)

var outcomeScores = map[Outcome]float64{
	OutcomeDealAccepted:     1.0,
	OutcomeTerminated:       0.6,
	OutcomePaused:           0.5,
	OutcomeWalkAway:         0.4,
	OutcomeMaxRoundsReached: 0.3,
	OutcomeTimeout:          0.0,
	OutcomeError:            0.0,
}

// SuccessScore grades an outcome between 0 and 1.
func (o Outcome) SuccessScore() float64 {
	if s, ok := outcomeScores[o]; ok {
		return s
	}
	return 0.2
}

// Evaluable reports whether a post-run evaluation is meaningful for the outcome.
func (o Outcome) Evaluable() bool {
	return o == OutcomeDealAccepted || o == OutcomeWalkAway
}

// Offer is one side's proposal in a round.
type Offer struct {
	DimensionValues map[string]any `json:"dimension_values,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	Reasoning       string         `json:"reasoning,omitempty"`
}

// RoundExchange is one entry of a conversation log.
type RoundExchange struct {
	Round   int    `json:"round"`
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Offer   *Offer `json:"offer,omitempty"`
	Action  string `json:"action,omitempty"`
}

// DimensionResult is the final value reached for one negotiated dimension.
type DimensionResult struct {
	Name        string          `json:"name"`
	FinalValue  json.RawMessage `json:"finalValue,omitempty"`
	TargetValue json.RawMessage `json:"targetValue,omitempty"`
	Achieved    bool            `json:"achieved"`
}

// ProductResult is the agreed terms for one product.
type ProductResult struct {
	ProductID  string  `json:"productId"`
	Name       string  `json:"name,omitempty"`
	FinalPrice float64 `json:"finalPrice"`
	Quantity   int     `json:"quantity,omitempty"`
}

// Payload is the terminal result of a completed run.
type Payload struct {
	Outcome          Outcome           `json:"outcome"`
	OutcomeReason    string            `json:"outcomeReason,omitempty"`
	SuccessScore     float64           `json:"successScore"`
	TotalRounds      int               `json:"totalRounds"`
	DealValue        *float64          `json:"dealValue,omitempty"`
	FinalOffer       *Offer            `json:"finalOffer,omitempty"`
	DimensionResults []DimensionResult `json:"dimensionResults,omitempty"`
	ProductResults   []ProductResult   `json:"productResults,omitempty"`
	ConversationLog  []RoundExchange   `json:"conversationLog"`
	ActualCost       float64           `json:"actualCost"`

	TechniqueEffectivenessScore *float64 `json:"techniqueEffectivenessScore,omitempty"`
	TacticEffectivenessScore    *float64 `json:"tacticEffectivenessScore,omitempty"`
	TacticalSummary             string   `json:"tacticalSummary,omitempty"`
	TraceID                     string   `json:"traceId,omitempty"`
}

// RunResult is the state-specific view of a run. Exactly one variant applies
// to a run at any time.
type RunResult interface {
	Status() RunStatus
	isRunResult()
}

// Pending is a run waiting for admission.
type Pending struct {
	NotBefore *time.Time
}

// Running is an admitted run, with the last round reported by the executor.
type Running struct {
	Round int
}

// Completed carries the terminal payload.
type Completed struct {
	Payload Payload
}

// Failed is an execution error. Fatal failures are never retried.
type Failed struct {
	Error string
	Fatal bool
}

// Timeout is a run that exceeded its wall-clock budget.
type Timeout struct {
	Error string
}

func (Pending) Status() RunStatus   { return RunStatusPending }
func (Running) Status() RunStatus   { return RunStatusRunning }
func (Completed) Status() RunStatus { return RunStatusCompleted }
func (Failed) Status() RunStatus    { return RunStatusFailed }
func (Timeout) Status() RunStatus   { return RunStatusTimeout }

func (Pending) isRunResult()   {}
func (Running) isRunResult()   {}
func (Completed) isRunResult() {}
func (Failed) isRunResult()    {}
func (Timeout) isRunResult()   {}

// Result returns the variant matching the run's stored state.
func (r *Run) Result() RunResult {
	switch r.Status {
	case RunStatusRunning:
		return Running{Round: r.CurrentRound}
	case RunStatusCompleted:
		if r.Payload == nil {
			return Completed{}
		}
		return Completed{Payload: *r.Payload}
	case RunStatusFailed:
		return Failed{Error: r.LastError}
	case RunStatusTimeout:
		return Timeout{Error: r.LastError}
	default:
		return Pending{NotBefore: r.NextAttemptAt}
	}
}
