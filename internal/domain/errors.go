package domain

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. Every error inside a pipeline ends up wrapped in a
// PipelineError carrying one of these or a plain cause.
var (
	ErrBranchConflict     = errors.New("branch already exists")
	ErrOracleUnavailable  = errors.New("oracle unavailable")
	ErrOracleTimeout      = errors.New("oracle timed out")
	ErrTestsExhausted     = errors.New("tests still failing after retries")
	ErrNoChanges          = errors.New("no file changes to commit")
	ErrHostingUnavailable = errors.New("hosting unavailable")
	ErrPipelineTimeout    = errors.New("pipeline timed out")
	ErrReviewBlocked      = errors.New("review flagged blocking issues")

	// ErrRunDeadline is the context cause when the run-level timeout expires
	ErrRunDeadline = errors.New("run deadline exceeded")
)

// FailureReason is the machine-readable reason recorded on a failed pipeline
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonTimeout            FailureReason = "timeout"
	ReasonCanceled           FailureReason = "canceled"
	ReasonBranchConflict     FailureReason = "branch_conflict"
	ReasonVCS                FailureReason = "vcs_error"
	ReasonOracleUnavailable  FailureReason = "oracle_unavailable"
	ReasonOracleTimeout      FailureReason = "oracle_timeout"
	ReasonDiscoveryFailed    FailureReason = "discovery_failed"
	ReasonAdaptFailed        FailureReason = "adapt_failed"
	ReasonFixFailed          FailureReason = "fix_failed"
	ReasonTestsExhausted     FailureReason = "tests_exhausted"
	ReasonReviewBlocked      FailureReason = "review_blocked"
	ReasonNoChanges          FailureReason = "no_changes"
	ReasonHostingUnavailable FailureReason = "hosting_unavailable"
	ReasonInternal           FailureReason = "internal"
)

// ConfigError is a malformed repo list or setting. It is the only error
// surfaced to the caller of a run, and only before any pipeline starts.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PipelineError records where and why a pipeline failed
type PipelineError struct {
	Repo   string
	Stage  Stage
	Reason FailureReason
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", e.Repo, e.Stage, e.Reason, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IsConfigError returns true if err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
