package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/notify"
	"github.com/hochfrequenz/cascade/internal/oracle"
	"github.com/hochfrequenz/cascade/internal/pipeline"
	"github.com/hochfrequenz/cascade/internal/testutil"
)

type fixture struct {
	oracle  *testutil.Oracle
	vcs     *testutil.VCS
	hosting *testutil.Hosting
	tests   *testutil.Tests
	sched   *Scheduler
}

func newFixture() *fixture {
	f := &fixture{
		oracle:  testutil.NewOracle(),
		vcs:     testutil.NewVCS(),
		hosting: &testutil.Hosting{},
		tests:   testutil.NewTests(),
	}
	f.sched = New(pipeline.Deps{
		Oracle:  f.oracle,
		VCS:     f.vcs,
		Hosting: f.hosting,
		Tests:   f.tests,
	})
	f.sched.newID = func() string { return "run-test" }
	return f
}

func repos(names ...string) []domain.RepoConfig {
	out := make([]domain.RepoConfig, len(names))
	for i, n := range names {
		out[i] = domain.RepoConfig{Name: n, Path: "/repos/" + n, TestCmd: "make test"}
	}
	return out
}

func opts(maxParallel int) Options {
	o := DefaultOptions()
	o.MaxParallel = maxParallel
	o.PerRepoTimeout = 5 * time.Second
	return o
}

// maxActive replays the event log and returns the highest number of repos
// that were between their first stage and their terminal stage at once
func maxActive(evs []events.Event) int {
	active := map[string]bool{}
	peak := 0
	for _, e := range evs {
		if e.Repo == "" {
			continue
		}
		switch {
		case e.Kind == events.KindStageCompleted && e.Stage.IsTerminal():
			delete(active, e.Repo)
		case e.Kind == events.KindStageEntered && !e.Stage.IsTerminal():
			active[e.Repo] = true
		}
		peak = max(peak, len(active))
	}
	return peak
}

func TestRun_FourReposOneFailing(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "", testutil.Sleep(20*time.Millisecond))
	f.tests.Script("/repos/c", false)

	o := opts(2)
	o.Pipeline.MaxRetries = 2
	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "bump lib"}, repos("a", "b", "c", "d"), o)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "run-test", sum.RunID)

	byRepo := map[string]domain.RepoResult{}
	for _, r := range sum.Results {
		byRepo[r.Repo] = r
	}
	assert.Equal(t, domain.ReasonTestsExhausted, byRepo["c"].Reason)
	assert.Equal(t, 3, byRepo["c"].TestAttempts)
	assert.Equal(t, 3, f.tests.Attempts("/repos/c"))
	for _, n := range []string{"a", "b", "d"} {
		assert.Equal(t, domain.OutcomeSucceeded, byRepo[n].Outcome, n)
		assert.Equal(t, domain.StageDone, byRepo[n].Stage, n)
	}

	evs := f.sched.Bus().Snapshot()
	assert.LessOrEqual(t, maxActive(evs), 2)
	assert.LessOrEqual(t, f.oracle.MaxConcurrent(), 2)
	assert.Equal(t, events.KindRunStarted, evs[0].Kind)
	assert.Equal(t, events.KindRunCompleted, evs[len(evs)-1].Kind)
	assert.Equal(t, "succeeded=3 failed=1 skipped=0", evs[len(evs)-1].Payload)
}

func TestRun_PanickingRepoIsCounted(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "boom", func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		panic("adapter exploded")
	})

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "bump lib"}, repos("boom", "ok"), opts(2))
	require.NoError(t, err)

	require.Len(t, sum.Results, 2)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	assert.Equal(t, "boom", sum.Results[0].Repo)
	assert.Equal(t, domain.OutcomeFailed, sum.Results[0].Outcome)
	assert.Equal(t, domain.ReasonInternal, sum.Results[0].Reason)
	assert.Contains(t, sum.Results[0].Error, "adapter exploded")
	assert.Equal(t, domain.OutcomeSucceeded, sum.Results[1].Outcome)
}

func TestRun_ResultsInSubmissionOrder(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "a", testutil.Sleep(50*time.Millisecond))

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a", "b", "c"), opts(3))
	require.NoError(t, err)
	require.Len(t, sum.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{sum.Results[0].Repo, sum.Results[1].Repo, sum.Results[2].Repo})
}

func TestRun_MaxParallelOneSerializes(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "", testutil.Sleep(10*time.Millisecond))

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a", "b", "c"), opts(1))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 1, maxActive(f.sched.Bus().Snapshot()))
	assert.Equal(t, 1, f.oracle.MaxConcurrent())
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture()

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x", DryRun: true}, repos("a", "b", "c"), opts(2))
	require.NoError(t, err)

	assert.True(t, sum.DryRun)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 3, f.oracle.CallCount(oracle.ModeDiscover, ""))
	assert.Len(t, f.oracle.Calls(""), 3)
	assert.Equal(t, 0, f.vcs.TotalCalls())
	assert.Equal(t, 0, f.hosting.Calls())
	for _, r := range sum.Results {
		assert.Empty(t, r.Branch)
		assert.Zero(t, r.TestAttempts)
	}
}

func TestRun_Selection(t *testing.T) {
	f := newFixture()
	all := repos("a", "b", "c")
	all[0].Role = domain.RoleSource

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x", Roles: []domain.Role{domain.RoleConsumer}}, all, opts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)

	sum, err = f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x", Repos: []string{"c"}}, all, opts(2))
	require.NoError(t, err)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, "c", sum.Results[0].Repo)
}

func TestRun_ZeroRepos(t *testing.T) {
	f := newFixture()
	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, nil, opts(2))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 0, sum.Failed)
	assert.NotNil(t, sum.Results)
}

func TestRun_ConfigErrors(t *testing.T) {
	dup := repos("a", "a")
	noName := []domain.RepoConfig{{Path: "/x"}}
	badRole := repos("a")
	badRole[0].Role = "owner"

	tests := []struct {
		name   string
		change domain.ChangeRequest
		repos  []domain.RepoConfig
		opts   Options
		field  string
	}{
		{"blank description", domain.ChangeRequest{Description: "  "}, repos("a"), opts(1), "change"},
		{"zero parallel", domain.ChangeRequest{Description: "x"}, repos("a"), opts(0), "max_parallel"},
		{"zero timeout", domain.ChangeRequest{Description: "x"}, repos("a"), Options{MaxParallel: 1}, "timeout_per_repo"},
		{"duplicate repo", domain.ChangeRequest{Description: "x"}, dup, opts(1), "repos[1].name"},
		{"empty name", domain.ChangeRequest{Description: "x"}, noName, opts(1), "repos[0].name"},
		{"unknown subset", domain.ChangeRequest{Description: "x", Repos: []string{"zzz"}}, repos("a"), opts(1), "repos"},
		{"invalid role", domain.ChangeRequest{Description: "x"}, badRole, opts(1), "repos[0].role"},
		{"invalid role filter", domain.ChangeRequest{Description: "x", Roles: []domain.Role{"boss"}}, repos("a"), opts(1), "role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			sum, err := f.sched.Run(context.Background(), tt.change, tt.repos, tt.opts)
			assert.Nil(t, sum)

			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Empty(t, f.oracle.Calls(""), "no pipeline may start")
			assert.Zero(t, f.sched.Bus().Len())
		})
	}
}

func TestRun_PerRepoTimeout(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "slow", testutil.Block())

	o := opts(2)
	o.PerRepoTimeout = 100 * time.Millisecond
	start := time.Now()
	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("slow", "fast"), o)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, domain.OutcomeFailed, sum.Results[0].Outcome)
	assert.Equal(t, domain.ReasonTimeout, sum.Results[0].Reason)
	assert.Equal(t, domain.OutcomeSucceeded, sum.Results[1].Outcome)
}

func TestRun_CanceledBeforeAdmission(t *testing.T) {
	f := newFixture()
	f.oracle.On(oracle.ModeAdapt, "", testutil.Block())

	o := opts(1)
	o.RunTimeout = 100 * time.Millisecond
	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a", "b", "c"), o)
	require.NoError(t, err)

	require.Len(t, sum.Results, 3)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, domain.ReasonCanceled, sum.Results[0].Reason)
	for _, r := range sum.Results[1:] {
		assert.Equal(t, domain.ReasonCanceled, r.Reason, r.Repo)
		assert.Equal(t, domain.StageFailed, r.Stage)
		assert.Contains(t, r.Error, "not admitted")
	}
	assert.Equal(t, 1, f.oracle.CallCount(oracle.ModeAdapt, ""))
}

func TestRun_CallerCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.sched.Run(ctx, domain.ChangeRequest{Description: "x"}, repos("a", "b"), opts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	for _, r := range sum.Results {
		assert.Equal(t, domain.ReasonCanceled, r.Reason)
	}
	assert.Empty(t, f.oracle.Calls(""))
}

type recordingStore struct {
	mu   sync.Mutex
	sums []*domain.RunSummary
	evs  int
	err  error
}

func (s *recordingStore) SaveRun(ctx context.Context, sum *domain.RunSummary, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sums = append(s.sums, sum)
	s.evs = len(evs)
	return s.err
}

type recordingNotifier struct {
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Notification) error {
	n.sent = append(n.sent, msg)
	return n.err
}

func TestRun_PersistsAndNotifies(t *testing.T) {
	f := newFixture()
	store := &recordingStore{}
	notifier := &recordingNotifier{}
	f.sched.Store = store
	f.sched.Notifier = notifier

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a"), opts(1))
	require.NoError(t, err)

	require.Len(t, store.sums, 1)
	assert.Same(t, sum, store.sums[0])
	assert.Equal(t, f.sched.Bus().Len(), store.evs)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notify.NotifySuccess, notifier.sent[0].Type)
}

func TestRun_FinalizeFailuresDoNotFailRun(t *testing.T) {
	f := newFixture()
	f.sched.Store = &recordingStore{err: errors.New("disk full")}
	f.sched.Notifier = &recordingNotifier{err: errors.New("offline")}

	sum, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a"), opts(1))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
}

func TestRun_BusResetBetweenRuns(t *testing.T) {
	f := newFixture()
	_, err := f.sched.Run(context.Background(), domain.ChangeRequest{Description: "x"}, repos("a"), opts(1))
	require.NoError(t, err)
	first := f.sched.Bus().Snapshot()

	_, err = f.sched.Run(context.Background(), domain.ChangeRequest{Description: "y"}, repos("b"), opts(1))
	require.NoError(t, err)
	second := f.sched.Bus().Snapshot()

	assert.Equal(t, events.KindRunStarted, second[0].Kind)
	assert.Greater(t, second[0].Seq, first[len(first)-1].Seq)
	for _, e := range second {
		assert.NotEqual(t, "a", e.Repo)
	}
}
