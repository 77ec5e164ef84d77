// Package stats derives queue statistics from the authoritative run set.
package stats

import (
	"time"

	"github.com/fentz26/simqueue/internal/models"
)

// DefaultFallbackDuration is the per-run estimate used until enough runs have finished.
const DefaultFallbackDuration = 30 * time.Second

// minSamples is how many completed runs are needed before their average is trusted.
const minSamples = 2

// Aggregate counts runs by status and derives success rate, time remaining and
// actual cost. Timed-out runs count as failed.
func Aggregate(runs []models.Run, fallback time.Duration) models.QueueStats {
	if fallback <= 0 {
		fallback = DefaultFallbackDuration
	}

	st := models.QueueStats{Total: len(runs)}
	var total time.Duration
	samples := 0
	for i := range runs {
		run := &runs[i]
		switch run.Status {
		case models.RunStatusCompleted:
			st.Completed++
			if run.Payload != nil {
				st.ActualTotalCost += run.Payload.ActualCost
			}
			if d, ok := run.Duration(); ok {
				total += d
				samples++
			}
		case models.RunStatusFailed, models.RunStatusTimeout:
			st.Failed++
		case models.RunStatusRunning:
			st.Running++
		default:
			st.Pending++
		}
	}

	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}

	st.AverageRunDuration = fallback
	if samples >= minSamples {
		st.AverageRunDuration = total / time.Duration(samples)
	}
	st.EstimatedTimeRemaining = time.Duration(st.Pending+st.Running) * st.AverageRunDuration
	return st
}

// Done reports whether every run has reached a terminal state.
func Done(st models.QueueStats) bool {
	return st.Total > 0 && st.Pending == 0 && st.Running == 0
}
