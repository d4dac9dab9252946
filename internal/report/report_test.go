package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/cascade/internal/domain"
)

func state(name string, outcome domain.Outcome, start, end time.Time) *domain.PipelineState {
	s := domain.NewPipelineState(domain.RepoConfig{Name: name})
	s.StartedAt = start
	s.FinishedAt = end
	switch outcome {
	case domain.OutcomeFailed:
		s.Stage = domain.StageTesting
		s.Fail(domain.ReasonTestsExhausted, errors.New("tests failed"), end)
	default:
		s.Stage = domain.StageDone
		s.Outcome = outcome
	}
	return s
}

func TestAggregateCounts(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	states := []*domain.PipelineState{
		state("a", domain.OutcomeSucceeded, base, base.Add(3*time.Second)),
		state("b", domain.OutcomeFailed, base.Add(time.Second), base.Add(10*time.Second)),
		state("c", domain.OutcomeSkipped, base.Add(2*time.Second), base.Add(4*time.Second)),
		nil,
	}
	states[0].Branch = "cascade/a"
	states[0].FilesChanged = []string{"x.go", "y.go"}

	sum := Aggregate("run-1", domain.ChangeRequest{Description: "bump"}, states)

	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, "bump", sum.Change)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 10*time.Second, sum.Duration)
	assert.Equal(t, base, sum.StartedAt)
	assert.Equal(t, 2, sum.FilesChanged())
	assert.Equal(t, map[string]string{"a": "cascade/a"}, sum.Branches())
	assert.Equal(t, domain.ReasonTestsExhausted, sum.Results[1].Reason)
	assert.Equal(t, "tests failed", sum.Results[1].Error)
}

func TestAggregateEmpty(t *testing.T) {
	sum := Aggregate("", domain.ChangeRequest{Description: "x"}, nil)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, time.Duration(0), sum.Duration)
	assert.NotNil(t, sum.Results)
	assert.True(t, Success(sum))
}

func TestAggregateIgnoresZeroTimes(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	states := []*domain.PipelineState{
		state("a", domain.OutcomeSucceeded, base, base.Add(2*time.Second)),
		state("b", domain.OutcomeFailed, time.Time{}, base.Add(5*time.Second)),
	}
	sum := Aggregate("", domain.ChangeRequest{}, states)
	assert.Equal(t, 5*time.Second, sum.Duration)
	assert.False(t, Success(sum))
}

func TestAggregateAllFailed(t *testing.T) {
	now := time.Now()
	sum := Aggregate("", domain.ChangeRequest{}, []*domain.PipelineState{
		state("a", domain.OutcomeFailed, now, now),
		state("b", domain.OutcomeFailed, now, now),
	})
	assert.Equal(t, 0, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
}

func TestRender(t *testing.T) {
	base := time.Now().Add(-time.Minute)
	ok := state("api", domain.OutcomeSucceeded, base, base.Add(2*time.Second))
	ok.Branch = "cascade/api"
	ok.FilesChanged = []string{"a", "b", "c", "d", "e", "f", "g"}
	ok.Attempts = 1
	ok.TestPassed = true
	ok.Review = "Looks fine.\nVERDICT: approve"
	ok.Warnings = []string{"review: [high] a: check this"}
	ok.PRURL = "https://github.com/o/api/pull/1"
	bad := state("web", domain.OutcomeFailed, base, base.Add(time.Second))

	sum := Aggregate("run-9", domain.ChangeRequest{Description: "rename field"}, []*domain.PipelineState{ok, bad})

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sum))
	out := buf.String()

	for _, want := range []string{
		"rename field", "run-9", "api", "cascade/api", "a, b, c, d, e (+2 more)",
		"passed after 1 attempt", "https://github.com/o/api/pull/1", "check this",
		"Looks fine. VERDICT: approve", "web", "tests_exhausted", "tests failed",
		"2 total", "1 succeeded", "1 failed",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderDryRun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, &domain.RunSummary{Change: "x", DryRun: true}))
	assert.True(t, strings.Contains(buf.String(), "dry run"))
}

func TestWriteJSON(t *testing.T) {
	sum := Aggregate("r", domain.ChangeRequest{Description: "x"}, []*domain.PipelineState{
		state("a", domain.OutcomeSucceeded, time.Now(), time.Now()),
	})
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sum))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "r", decoded["run_id"])
	assert.Len(t, decoded["results"], 1)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n  b", 10))
	assert.Equal(t, "abc...", preview("abcdef", 3))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second+200*time.Millisecond))
}
