// Package pipeline runs the per-repository state machine: branch, discover,
// adapt, test with bounded fix retries, review, commit and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/hosting"
	"github.com/hochfrequenz/cascade/internal/oracle"
	"github.com/hochfrequenz/cascade/internal/testrunner"
	"github.com/hochfrequenz/cascade/internal/vcs"
)

// CommitTitleLength is how much of the change description goes into the commit message
const CommitTitleLength = 60

// Pipeline owns the state of one repository for one change
type Pipeline struct {
	repo   domain.RepoConfig
	change domain.ChangeRequest
	deps   Deps
	opts   Options
	state  *domain.PipelineState
	logger *slog.Logger
}

// New creates a pending pipeline
func New(repo domain.RepoConfig, change domain.ChangeRequest, deps Deps, opts Options) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &Pipeline{
		repo:   repo,
		change: change,
		deps:   deps,
		opts:   opts,
		state:  domain.NewPipelineState(repo),
		logger: deps.Logger.With("repo", repo.Name),
	}
}

// Repo returns the repository this pipeline works on
func (p *Pipeline) Repo() domain.RepoConfig { return p.repo }

// CommitMessage returns the commit message used for a change
func CommitMessage(change domain.ChangeRequest) string {
	return "cascade: " + change.Title(CommitTitleLength)
}

// Run drives the pipeline to a terminal stage. It never returns an error:
// every failure, including a panic in a collaborator, ends in the failed
// stage with a reason. ctx carries the per-repo deadline.
func (p *Pipeline) Run(ctx context.Context) (st *domain.PipelineState) {
	s := p.state
	s.StartedAt = p.deps.Now()

	defer p.cleanup()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panicked", "panic", r)
			p.fail(s.Stage, domain.ReasonInternal, fmt.Errorf("panic: %v", r))
		}
		st = s
	}()

	if p.change.DryRun {
		p.runDry(ctx)
	} else {
		p.runFull(ctx)
	}

	p.logger.Info("pipeline finished", "stage", s.Stage, "outcome", s.Outcome, "reason", s.Reason,
		"duration", s.Duration().Round(time.Millisecond))
	return s
}

func (p *Pipeline) runDry(ctx context.Context) {
	if !p.enter(domain.StageDiscovering) {
		return
	}
	if !p.discover(ctx, p.repo.Path) {
		return
	}
	p.finish(domain.OutcomeSkipped)
}

func (p *Pipeline) runFull(ctx context.Context) {
	steps := []func(context.Context) bool{
		p.branch,
		func(ctx context.Context) bool {
			return p.enter(domain.StageDiscovering) && p.discover(ctx, p.state.WorkDir)
		},
		p.adapt,
		p.test,
		p.review,
		p.commit,
		p.publish,
	}
	for _, step := range steps {
		if !p.alive(ctx) || !step(ctx) {
			return
		}
	}
	p.finish(domain.OutcomeSucceeded)
}

// alive fails the pipeline if ctx has already ended
func (p *Pipeline) alive(ctx context.Context) bool {
	if ctx.Err() == nil {
		return true
	}
	reason, err := classify(ctx, ctx.Err(), domain.ReasonCanceled)
	p.fail(p.state.Stage, reason, err)
	return false
}

func (p *Pipeline) emit(kind events.Kind, stage domain.Stage, payload string) {
	p.deps.Bus.Emit(p.repo.Name, kind, stage, payload)
}

// enter publishes stage_entered and moves the state machine
func (p *Pipeline) enter(stage domain.Stage) bool {
	p.emit(events.KindStageEntered, stage, "")
	if err := p.state.Transition(stage); err != nil {
		p.fail(p.state.Stage, domain.ReasonInternal, err)
		return false
	}
	p.logger.Debug("entered stage", "stage", stage)
	return true
}

func (p *Pipeline) complete(stage domain.Stage, outcome string) {
	p.emit(events.KindStageCompleted, stage, outcome)
}

// fail records the failure, wrapped with its stage and reason, and moves to failed
func (p *Pipeline) fail(stage domain.Stage, reason domain.FailureReason, err error) {
	s := p.state
	if s.Stage.IsTerminal() {
		return
	}
	perr := &domain.PipelineError{Repo: p.repo.Name, Stage: stage, Reason: reason, Err: err}
	p.emit(events.KindError, stage, fmt.Sprintf("%s: %v", reason, err))
	p.emit(events.KindStageEntered, domain.StageFailed, "")
	s.Fail(reason, perr, p.deps.Now())
	p.complete(domain.StageFailed, string(reason))
	p.logger.Warn("pipeline failed", "stage", stage, "reason", reason, "error", err)
}

func (p *Pipeline) failWith(ctx context.Context, stage domain.Stage, err error, fallback domain.FailureReason) bool {
	reason, err := classify(ctx, err, fallback)
	p.fail(stage, reason, err)
	return false
}

func (p *Pipeline) finish(outcome domain.Outcome) {
	p.emit(events.KindStageEntered, domain.StageDone, "")
	if err := p.state.Finish(outcome, p.deps.Now()); err != nil {
		p.fail(p.state.Stage, domain.ReasonInternal, err)
		return
	}
	p.complete(domain.StageDone, string(outcome))
}

// runTests publishes test output as it is produced when the runner supports it
func (p *Pipeline) runTests(ctx context.Context) (*testrunner.Result, error) {
	if st, ok := p.deps.Tests.(StreamingTestRunner); ok {
		return st.RunStreaming(ctx, p.state.WorkDir, p.repo.TestCmd, p.streamTo(domain.StageTesting))
	}
	return p.deps.Tests.Run(ctx, p.state.WorkDir, p.repo.TestCmd)
}

func (p *Pipeline) streamTo(stage domain.Stage) func(string) {
	return func(line string) {
		p.emit(events.KindOutput, stage, line)
	}
}

func (p *Pipeline) branch(ctx context.Context) bool {
	if !p.enter(domain.StageBranching) {
		return false
	}
	s := p.state
	name := branchName(p.opts.BranchPrefix, p.repo.Name)
	workDir, err := p.deps.VCS.CreateBranch(ctx, p.repo.Path, name)
	if err != nil {
		return p.failWith(ctx, domain.StageBranching, err, domain.ReasonVCS)
	}
	s.Branch = name
	s.WorkDir = workDir
	p.complete(domain.StageBranching, name)
	return true
}

func (p *Pipeline) discover(ctx context.Context, dir string) bool {
	s := p.state
	res, err := p.deps.Oracle.Invoke(ctx, oracle.Request{
		Mode:     oracle.ModeDiscover,
		RepoPath: dir,
		RepoName: p.repo.Name,
		Change:   p.change.Description,
		Language: s.Language,
		Timeout:  p.opts.OracleTimeout,
		OnOutput: p.streamTo(domain.StageDiscovering),
	})
	if err != nil {
		return p.failWith(ctx, domain.StageDiscovering, err, domain.ReasonDiscoveryFailed)
	}
	s.Findings = res.Findings
	s.Discovery = res.Text
	p.complete(domain.StageDiscovering, fmt.Sprintf("%d files flagged", len(res.Findings)))
	return true
}

func (p *Pipeline) adapt(ctx context.Context) bool {
	if !p.enter(domain.StageAdapting) {
		return false
	}
	s := p.state
	_, err := p.deps.Oracle.Invoke(ctx, oracle.Request{
		Mode:     oracle.ModeAdapt,
		RepoPath: s.WorkDir,
		RepoName: p.repo.Name,
		Change:   p.change.Description,
		Language: s.Language,
		Findings: s.Findings,
		OnOutput: p.streamTo(domain.StageAdapting),
	})
	if err != nil {
		return p.failWith(ctx, domain.StageAdapting, err, domain.ReasonAdaptFailed)
	}
	p.complete(domain.StageAdapting, "ok")
	return true
}

// test runs the test command and the fix loop. Without a test command the
// pipeline goes straight on to review.
func (p *Pipeline) test(ctx context.Context) bool {
	s := p.state
	if !p.repo.HasTests() {
		s.TestPassed = true
		return true
	}

	for {
		if !p.enter(domain.StageTesting) {
			return false
		}
		res, err := p.runTests(ctx)
		s.Attempts++
		if err != nil {
			if ctx.Err() != nil || res == nil {
				return p.failWith(ctx, domain.StageTesting, err, domain.ReasonInternal)
			}
			// the per-run test cap expired; count it as a failing attempt
			res.Output += "\ntest command timed out"
		}
		s.TestOutput = res.Output
		s.TestPassed = res.Passed
		if res.Passed {
			p.complete(domain.StageTesting, "passed")
			return true
		}
		p.complete(domain.StageTesting, fmt.Sprintf("failed (exit %d)", res.ExitCode))

		if !p.opts.RetryOnTestFail || s.Retries >= p.opts.MaxRetries {
			err := fmt.Errorf("%w: %d attempts", domain.ErrTestsExhausted, s.Attempts)
			p.fail(domain.StageTesting, domain.ReasonTestsExhausted, err)
			return false
		}

		s.Retries++
		p.emit(events.KindRetry, domain.StageFixing, fmt.Sprintf("retry %d of %d", s.Retries, p.opts.MaxRetries))
		if !p.enter(domain.StageFixing) {
			return false
		}
		_, err = p.deps.Oracle.Invoke(ctx, oracle.Request{
			Mode:     oracle.ModeFix,
			RepoPath: s.WorkDir,
			RepoName: p.repo.Name,
			Change:   p.change.Description,
			Language: s.Language,
			Aux:      oracle.TailTruncate(s.TestOutput, oracle.MaxTestOutput),
			OnOutput: p.streamTo(domain.StageFixing),
		})
		if err != nil {
			return p.failWith(ctx, domain.StageFixing, err, domain.ReasonFixFailed)
		}
		p.complete(domain.StageFixing, "ok")
	}
}

// review asks the oracle to look at the diff. Review findings are advisory
// unless ReviewBlocking is set.
func (p *Pipeline) review(ctx context.Context) bool {
	if !p.enter(domain.StageReviewing) {
		return false
	}
	s := p.state
	diff, err := p.deps.VCS.Diff(ctx, s.WorkDir)
	if err != nil {
		return p.failWith(ctx, domain.StageReviewing, err, domain.ReasonVCS)
	}
	if strings.TrimSpace(diff) == "" {
		p.complete(domain.StageReviewing, "empty diff")
		return true
	}

	res, err := p.deps.Oracle.Invoke(ctx, oracle.Request{
		Mode:     oracle.ModeReview,
		RepoPath: s.WorkDir,
		RepoName: p.repo.Name,
		Change:   p.change.Description,
		Language: s.Language,
		Aux:      diff,
		Timeout:  p.opts.OracleTimeout,
		OnOutput: p.streamTo(domain.StageReviewing),
	})
	if err != nil {
		if ctx.Err() != nil {
			return p.failWith(ctx, domain.StageReviewing, err, domain.ReasonTimeout)
		}
		s.AddWarning("review unavailable: " + err.Error())
		p.complete(domain.StageReviewing, "skipped")
		return true
	}

	s.Review = res.Text
	if res.Blocking() {
		for _, f := range res.Findings {
			if f.Severity == domain.SeverityBlocking {
				s.AddWarning(formatFinding(f))
			}
		}
		if res.Verdict == oracle.VerdictBlock {
			s.AddWarning("review verdict: block")
		}
		if p.opts.ReviewBlocking {
			p.fail(domain.StageReviewing, domain.ReasonReviewBlocked, domain.ErrReviewBlocked)
			return false
		}
		p.complete(domain.StageReviewing, "blocking issues (advisory)")
		return true
	}
	p.complete(domain.StageReviewing, "approved")
	return true
}

func formatFinding(f domain.Finding) string {
	if f.Path == "" {
		return fmt.Sprintf("[%s] %s", f.Severity, f.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Path, f.Note)
}

func (p *Pipeline) commit(ctx context.Context) bool {
	if !p.enter(domain.StageCommitting) {
		return false
	}
	s := p.state
	c, err := p.deps.VCS.Commit(ctx, s.WorkDir, CommitMessage(p.change))
	if err != nil {
		return p.failWith(ctx, domain.StageCommitting, err, domain.ReasonVCS)
	}
	s.CommitSHA = c.SHA
	s.FilesChanged = c.Files
	s.DiffStat = c.Stat
	p.complete(domain.StageCommitting, fmt.Sprintf("%d files changed", len(c.Files)))
	return true
}

// shouldPublish reports whether this pipeline pushes and opens a pull request
func (p *Pipeline) shouldPublish() bool {
	return p.repo.Hosting != nil && !p.change.LocalOnly && p.deps.Hosting != nil
}

func (p *Pipeline) publish(ctx context.Context) bool {
	if !p.shouldPublish() {
		return true
	}
	if !p.enter(domain.StagePublishing) {
		return false
	}
	s := p.state
	if err := p.deps.Hosting.Push(ctx, s.WorkDir, s.Branch); err != nil {
		return p.failWith(ctx, domain.StagePublishing, err, domain.ReasonHostingUnavailable)
	}
	s.Pushed = true

	h := p.repo.Hosting
	ref, err := p.deps.Hosting.CreatePullRequest(ctx, hosting.PullRequest{
		Owner: h.Owner,
		Repo:  h.Repo,
		Base:  h.DefaultBranch,
		Head:  s.Branch,
		Title: CommitMessage(p.change),
		Body:  PRBody(p.change, s),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrHostingUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrHostingUnavailable, err)
		}
		return p.failWith(ctx, domain.StagePublishing, err, domain.ReasonHostingUnavailable)
	}
	s.PRURL = ref.URL
	p.complete(domain.StagePublishing, ref.URL)
	return true
}

func branchName(prefix, repo string) string {
	if prefix == "" {
		prefix = "cascade/"
	}
	return vcs.BranchName(prefix, repo)
}

// PRBody renders the pull request description
func PRBody(change domain.ChangeRequest, s *domain.PipelineState) string {
	var b strings.Builder
	b.WriteString("Automated change propagated by cascade.\n\n")
	fmt.Fprintf(&b, "**Change:** %s\n\n", strings.TrimSpace(change.Description))
	fmt.Fprintf(&b, "**Files changed:** %d\n", len(s.FilesChanged))
	if s.DiffStat != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", s.DiffStat)
	}
	if len(s.Warnings) > 0 {
		b.WriteString("\n**Review notes:**\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

// cleanup releases the working branch with a fresh context so it also runs
// after the pipeline deadline has expired.
func (p *Pipeline) cleanup() {
	s := p.state
	if s.WorkDir == "" || p.deps.VCS == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CleanupTimeout)
	defer cancel()
	if err := p.deps.VCS.Release(ctx, p.repo.Path, s.WorkDir); err != nil {
		p.logger.Warn("cleanup failed", "error", err)
		s.AddWarning("cleanup: " + err.Error())
	}
}
