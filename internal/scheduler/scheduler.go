// Package scheduler runs one pipeline per selected repository with bounded
// parallelism and aggregates the results into a run summary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/notify"
	"github.com/hochfrequenz/cascade/internal/pipeline"
	"github.com/hochfrequenz/cascade/internal/report"
)

// Store persists finished runs
type Store interface {
	SaveRun(ctx context.Context, sum *domain.RunSummary, evs []events.Event) error
}

// Options bound a run
type Options struct {
	MaxParallel    int
	PerRepoTimeout time.Duration
	RunTimeout     time.Duration // zero means no run-level deadline
	Pipeline       pipeline.Options
}

// DefaultOptions returns the stock limits
func DefaultOptions() Options {
	return Options{
		MaxParallel:    4,
		PerRepoTimeout: 10 * time.Minute,
		Pipeline:       pipeline.DefaultOptions(),
	}
}

// Scheduler owns the collaborators shared by every pipeline of a run.
// Store and Notifier are optional.
type Scheduler struct {
	Deps     pipeline.Deps
	Store    Store
	Notifier notify.Notifier
	// FinalizeTimeout bounds persisting and notifying after the run
	FinalizeTimeout time.Duration

	newID func() string
}

// New creates a scheduler; a nil bus or logger is replaced by a default
func New(deps pipeline.Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{
		Deps:            deps,
		FinalizeTimeout: 30 * time.Second,
		newID:           uuid.NewString,
	}
}

// Bus returns the event bus pipelines publish to
func (s *Scheduler) Bus() *events.Bus { return s.Deps.Bus }

// Run propagates change to the selected repos. The only error it returns is
// a *domain.ConfigError, and only before any pipeline has started; every
// other problem ends up in the summary.
func (s *Scheduler) Run(ctx context.Context, change domain.ChangeRequest, repos []domain.RepoConfig, opts Options) (*domain.RunSummary, error) {
	if err := s.validate(change, repos, opts); err != nil {
		return nil, err
	}

	selected := make([]domain.RepoConfig, 0, len(repos))
	for _, r := range repos {
		if change.Selects(r) {
			selected = append(selected, r)
		}
	}

	runID := s.newID()
	logger := s.Deps.Logger.With("run", runID)
	bus := s.Deps.Bus
	bus.Reset()
	bus.Emit("", events.KindRunStarted, "", fmt.Sprintf("%d repos: %s", len(selected), change.Title(80)))
	logger.Info("run started", "repos", len(selected), "max_parallel", opts.MaxParallel, "dry_run", change.DryRun)

	runCtx := ctx
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, opts.RunTimeout, domain.ErrRunDeadline)
		defer cancel()
	}

	deps := s.Deps
	deps.Logger = logger
	states := make([]*domain.PipelineState, len(selected))
	sem := semaphore.NewWeighted(int64(opts.MaxParallel))
	var g errgroup.Group

	for i, repo := range selected {
		// Acquire may succeed on a done context, so check first
		if err := runCtx.Err(); err != nil {
			states[i] = s.notAdmitted(repo, err)
			continue
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			states[i] = s.notAdmitted(repo, err)
			continue
		}

		p := pipeline.New(repo, change, deps, opts.Pipeline)
		g.Go(func() error {
			defer sem.Release(1)
			pctx, cancel := context.WithTimeout(runCtx, opts.PerRepoTimeout)
			defer cancel()
			st := p.Run(pctx)
			if st == nil {
				st = s.failed(repo, domain.ReasonInternal, errors.New("pipeline returned no state"))
			}
			states[i] = st
			return nil
		})
	}
	g.Wait()

	sum := report.Aggregate(runID, change, states)
	bus.Emit("", events.KindRunCompleted, "",
		fmt.Sprintf("succeeded=%d failed=%d skipped=%d", sum.Succeeded, sum.Failed, sum.Skipped))
	logger.Info("run completed", "succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped,
		"duration", sum.Duration.Round(time.Millisecond))

	s.finalize(logger, sum, bus.Snapshot())
	return sum, nil
}

// notAdmitted records a repo whose slot never came up before the run ended
func (s *Scheduler) notAdmitted(repo domain.RepoConfig, cause error) *domain.PipelineState {
	return s.failed(repo, domain.ReasonCanceled, fmt.Errorf("not admitted before the run ended: %w", cause))
}

// failed builds a terminal state for a repo the scheduler has to account for
// itself, publishing the same events a failing pipeline would
func (s *Scheduler) failed(repo domain.RepoConfig, reason domain.FailureReason, cause error) *domain.PipelineState {
	now := s.Deps.Now()
	st := domain.NewPipelineState(repo)
	st.StartedAt = now
	err := &domain.PipelineError{
		Repo:   repo.Name,
		Stage:  domain.StagePending,
		Reason: reason,
		Err:    cause,
	}
	s.Deps.Bus.Emit(repo.Name, events.KindError, domain.StagePending, string(reason)+": "+cause.Error())
	s.Deps.Bus.Emit(repo.Name, events.KindStageEntered, domain.StageFailed, "")
	st.Fail(reason, err, now)
	s.Deps.Bus.Emit(repo.Name, events.KindStageCompleted, domain.StageFailed, string(reason))
	return st
}

// finalize persists and announces the run; failures are only logged
func (s *Scheduler) finalize(logger *slog.Logger, sum *domain.RunSummary, evs []events.Event) {
	if s.Store == nil && s.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.FinalizeTimeout)
	defer cancel()

	if s.Store != nil {
		if err := s.Store.SaveRun(ctx, sum, evs); err != nil {
			logger.Warn("saving run failed", "error", err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.Send(ctx, notify.FromSummary(sum)); err != nil {
			logger.Warn("sending notification failed", "error", err)
		}
	}
}

func (s *Scheduler) validate(change domain.ChangeRequest, repos []domain.RepoConfig, opts Options) error {
	if err := change.Validate(); err != nil {
		return err
	}
	if opts.MaxParallel < 1 {
		return &domain.ConfigError{Field: "max_parallel", Msg: fmt.Sprintf("must be at least 1, got %d", opts.MaxParallel)}
	}
	if opts.PerRepoTimeout <= 0 {
		return &domain.ConfigError{Field: "timeout_per_repo", Msg: "must be positive"}
	}
	if opts.RunTimeout < 0 {
		return &domain.ConfigError{Field: "run_timeout", Msg: "must not be negative"}
	}
	if opts.Pipeline.MaxRetries < 0 {
		return &domain.ConfigError{Field: "max_retries", Msg: "must not be negative"}
	}
	if s.Deps.Oracle == nil || s.Deps.VCS == nil || s.Deps.Tests == nil {
		return &domain.ConfigError{Field: "scheduler", Msg: "oracle, vcs and test runner are required"}
	}

	seen := make(map[string]bool, len(repos))
	for i, r := range repos {
		if strings.TrimSpace(r.Name) == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("repos[%d].name", i), Msg: "is required"}
		}
		if seen[r.Name] {
			return &domain.ConfigError{Field: fmt.Sprintf("repos[%d].name", i), Msg: "duplicate repo " + r.Name}
		}
		seen[r.Name] = true
		if r.Path == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("repos[%d].path", i), Msg: "is required for " + r.Name}
		}
		if r.Role != "" && !r.Role.Valid() {
			return &domain.ConfigError{Field: fmt.Sprintf("repos[%d].role", i), Msg: "unknown role " + string(r.Role)}
		}
	}
	for _, name := range change.Repos {
		if !seen[name] {
			return &domain.ConfigError{Field: "repos", Msg: "unknown repo " + name}
		}
	}
	return nil
}
