// Package expander turns a negotiation scenario into its ordered set of runs.
package expander

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/simqueue/internal/models"
)

// ErrInvalidScenario is returned when a scenario has nothing to simulate.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is the user's selection of strategy dimensions for one negotiation.
type Scenario struct {
	NegotiationID  string   `json:"negotiationId"`
	TechniqueIDs   []string `json:"techniqueIds"`
	TacticIDs      []string `json:"tacticIds"`
	PersonalityIDs []string `json:"personalityIds,omitempty"`
	ZopaDistances  []string `json:"zopaDistances,omitempty"`
}

// Expand returns the technique-major cross-product of the scenario.
// Run numbers and execution order both start at 1 and follow emission order,
// so identical input always yields identical numbering.
func Expand(s Scenario) ([]models.RunSpec, error) {
	if strings.TrimSpace(s.NegotiationID) == "" {
		return nil, fmt.Errorf("%w: negotiation id is required", ErrInvalidScenario)
	}

	techniques, err := normalize("technique", s.TechniqueIDs, false)
	if err != nil {
		return nil, err
	}
	tactics, err := normalize("tactic", s.TacticIDs, false)
	if err != nil {
		return nil, err
	}
	personalities, err := normalize("personality", s.PersonalityIDs, true)
	if err != nil {
		return nil, err
	}
	distances, err := normalize("zopa distance", s.ZopaDistances, true)
	if err != nil {
		return nil, err
	}

	specs := make([]models.RunSpec, 0, len(techniques)*len(tactics)*len(personalities)*len(distances))
	n := 0
	for _, technique := range techniques {
		for _, tactic := range tactics {
			for _, personality := range personalities {
				for _, distance := range distances {
					n++
					spec := models.RunSpec{
						RunNumber:      n,
						ExecutionOrder: n,
						TechniqueID:    technique,
						TacticID:       tactic,
						ZopaDistance:   distance,
					}
					if personality != models.AllSentinel {
						spec.PersonalityID = personality
					}
					specs = append(specs, spec)
				}
			}
		}
	}
	return specs, nil
}

// Count returns how many runs Expand would produce for a valid scenario,
// without validating ids.
func Count(s Scenario) int {
	optional := func(ids []string) int {
		if len(ids) == 0 {
			return 1
		}
		return len(ids)
	}
	return len(s.TechniqueIDs) * len(s.TacticIDs) * optional(s.PersonalityIDs) * optional(s.ZopaDistances)
}

// normalize trims ids and rejects blanks and duplicates, keeping input order.
// Optional dimensions default to the "all" sentinel.
func normalize(dimension string, ids []string, optional bool) ([]string, error) {
	if len(ids) == 0 {
		if optional {
			return []string{models.AllSentinel}, nil
		}
		return nil, fmt.Errorf("%w: at least one %s is required", ErrInvalidScenario, dimension)
	}

	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: blank %s id", ErrInvalidScenario, dimension)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate %s id %q", ErrInvalidScenario, dimension, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
