// Package report turns terminal pipeline states into a run summary and
// renders it for humans and machines.
package report

import (
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// Aggregate builds the summary of a run. It is pure: the result depends
// only on its arguments. Nil states are skipped.
func Aggregate(runID string, change domain.ChangeRequest, states []*domain.PipelineState) *domain.RunSummary {
	sum := &domain.RunSummary{
		RunID:   runID,
		Change:  change.Description,
		DryRun:  change.DryRun,
		Results: make([]domain.RepoResult, 0, len(states)),
	}

	var first, last time.Time
	for _, s := range states {
		if s == nil {
			continue
		}
		res := domain.ResultFromState(s.Snapshot())
		sum.Results = append(sum.Results, res)

		switch res.Outcome {
		case domain.OutcomeSucceeded:
			sum.Succeeded++
		case domain.OutcomeSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}

		if !s.StartedAt.IsZero() && (first.IsZero() || s.StartedAt.Before(first)) {
			first = s.StartedAt
		}
		if !s.FinishedAt.IsZero() && s.FinishedAt.After(last) {
			last = s.FinishedAt
		}
	}

	sum.Total = len(sum.Results)
	sum.StartedAt = first
	sum.FinishedAt = last
	if !first.IsZero() && last.After(first) {
		sum.Duration = last.Sub(first)
	}
	return sum
}

// Success reports whether no repo failed
func Success(sum *domain.RunSummary) bool {
	return sum != nil && sum.Failed == 0
}
