package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/hosting"
	"github.com/hochfrequenz/cascade/internal/oracle"
	"github.com/hochfrequenz/cascade/internal/testrunner"
	"github.com/hochfrequenz/cascade/internal/vcs"
)

// VCS creates the working branch and records the result
type VCS interface {
	CreateBranch(ctx context.Context, repoPath, branch string) (workDir string, err error)
	Diff(ctx context.Context, workDir string) (string, error)
	Commit(ctx context.Context, workDir, message string) (*vcs.Commit, error)
	Release(ctx context.Context, repoPath, workDir string) error
}

// Hosting publishes a committed branch
type Hosting interface {
	Push(ctx context.Context, workDir, branch string) error
	CreatePullRequest(ctx context.Context, pr hosting.PullRequest) (*hosting.PRRef, error)
}

// TestRunner runs a repo's test command
type TestRunner interface {
	Run(ctx context.Context, dir, command string) (*testrunner.Result, error)
}

// StreamingTestRunner is a TestRunner that also reports output line by line
type StreamingTestRunner interface {
	TestRunner
	RunStreaming(ctx context.Context, dir, command string, onLine func(string)) (*testrunner.Result, error)
}

// Deps are the collaborators of a pipeline. Hosting may be nil, in which
// case pipelines stop after committing.
type Deps struct {
	Oracle  oracle.Client
	VCS     VCS
	Hosting Hosting
	Tests   TestRunner
	Bus     *events.Bus
	Logger  *slog.Logger
	Now     func() time.Time
}

// Options tune pipeline behavior
type Options struct {
	BranchPrefix    string
	RetryOnTestFail bool
	MaxRetries      int
	// OracleTimeout bounds discovery and review invocations
	OracleTimeout  time.Duration
	ReviewBlocking bool
	CleanupTimeout time.Duration
}

// DefaultOptions returns the stock settings
func DefaultOptions() Options {
	return Options{
		BranchPrefix:    "cascade/",
		RetryOnTestFail: true,
		MaxRetries:      2,
		OracleTimeout:   2 * time.Minute,
		CleanupTimeout:  30 * time.Second,
	}
}
