package domain

import (
	"fmt"
	"slices"
	"time"
)

// PipelineState is the mutable record of one repo's pipeline. It is owned
// by a single pipeline goroutine; other goroutines only see Snapshot copies.
type PipelineState struct {
	Repo         string
	Language     string
	Stage        Stage
	Attempts     int // test runs executed
	Retries      int // fix rounds used
	Branch       string
	WorkDir      string
	Findings     []Finding
	Discovery    string
	FilesChanged []string
	DiffStat     string
	CommitSHA    string
	TestOutput   string
	TestPassed   bool
	Review       string
	Warnings     []string
	PRURL        string
	Pushed       bool
	Err          error
	Reason       FailureReason
	StartedAt    time.Time
	FinishedAt   time.Time
	Outcome      Outcome
}

// NewPipelineState returns a pending state for repo
func NewPipelineState(repo RepoConfig) *PipelineState {
	return &PipelineState{
		Repo:     repo.Name,
		Language: repo.LanguageHint(),
		Stage:    StagePending,
	}
}

// Transition moves the state machine to the next stage
func (s *PipelineState) Transition(to Stage) error {
	if !CanTransition(s.Stage, to) {
		return fmt.Errorf("illegal transition %s -> %s", s.Stage, to)
	}
	s.Stage = to
	return nil
}

// Fail moves the state to failed and records the reason
func (s *PipelineState) Fail(reason FailureReason, err error, at time.Time) {
	if s.Stage.IsTerminal() {
		return
	}
	s.Err = err
	s.Reason = reason
	s.Stage = StageFailed
	s.Outcome = OutcomeFailed
	s.FinishedAt = at
}

// Finish moves the state to done with the given outcome
func (s *PipelineState) Finish(outcome Outcome, at time.Time) error {
	if err := s.Transition(StageDone); err != nil {
		return err
	}
	s.Outcome = outcome
	s.FinishedAt = at
	return nil
}

// AddWarning records a non-fatal problem
func (s *PipelineState) AddWarning(w string) {
	s.Warnings = append(s.Warnings, w)
}

// Duration returns the wall-clock time spent so far or in total
func (s *PipelineState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// ErrorMessage returns the last error as text
func (s *PipelineState) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Snapshot returns a copy that shares no slices with s
func (s *PipelineState) Snapshot() PipelineState {
	c := *s
	c.Findings = slices.Clone(s.Findings)
	c.FilesChanged = slices.Clone(s.FilesChanged)
	c.Warnings = slices.Clone(s.Warnings)
	return c
}
