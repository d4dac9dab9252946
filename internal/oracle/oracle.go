// Package oracle invokes the external code oracle that does the actual
// work of every pipeline stage.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// Mode selects what the oracle is asked to do
type Mode string

const (
	ModeDiscover Mode = "discover"
	ModeAdapt    Mode = "adapt"
	ModeFix      Mode = "fix"
	ModeReview   Mode = "review"
)

// ReadOnly returns true for modes that must not touch the working tree
func (m Mode) ReadOnly() bool {
	return m == ModeDiscover || m == ModeReview
}

var (
	// ErrTimeout means the invocation exceeded Request.Timeout
	ErrTimeout = domain.ErrOracleTimeout
	// ErrUnavailable means the oracle process could not be started
	ErrUnavailable = domain.ErrOracleUnavailable
	// ErrMalformedOutput means the oracle exited cleanly but produced nothing usable
	ErrMalformedOutput = errors.New("oracle produced no usable output")
)

// ExitError is returned when the oracle exits with a non-zero status
type ExitError struct {
	Mode   Mode
	Status int
	Output string // tail of the combined output
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("oracle %s exited with status %d", e.Mode, e.Status)
	}
	return fmt.Sprintf("oracle %s exited with status %d: %s", e.Mode, e.Status, e.Output)
}

// Request is one oracle invocation
type Request struct {
	Mode     Mode
	RepoPath string
	RepoName string
	Change   string
	Language string
	// Aux carries the test output for fix and the diff for review
	Aux      string
	Findings []domain.Finding
	// Timeout bounds this invocation; zero means only ctx applies
	Timeout time.Duration
	// OnOutput receives every raw output line while the oracle runs
	OnOutput func(line string)
}

// Result is what the oracle returned
type Result struct {
	RawOutput  string
	Text       string
	Findings   []domain.Finding
	Verdict    Verdict
	ExitStatus int
	Duration   time.Duration
}

// Blocking returns true if a review result flags blocking issues
func (r *Result) Blocking() bool {
	if r.Verdict == VerdictBlock {
		return true
	}
	for _, f := range r.Findings {
		if f.Severity == domain.SeverityBlocking {
			return true
		}
	}
	return false
}

// Verdict is the review decision
type Verdict string

const (
	VerdictNone    Verdict = ""
	VerdictApprove Verdict = "approve"
	VerdictBlock   Verdict = "block"
)

// Client is the oracle contract
type Client interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}
