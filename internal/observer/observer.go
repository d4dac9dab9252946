// Package observer derives live per-repo progress from the event stream.
// It never looks at pipeline state directly.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
)

// RepoStatus is the observed progress of one repo
type RepoStatus struct {
	Repo        string        `json:"repo"`
	Stage       domain.Stage  `json:"stage"`
	StageSince  time.Time     `json:"stage_since"`
	StartedAt   time.Time     `json:"started_at"`
	LastEventAt time.Time     `json:"last_event_at"`
	Attempts    int           `json:"test_attempts"`
	Retries     int           `json:"retries"`
	Outcome     string        `json:"outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastOutput  string        `json:"last_output,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	Active         int           `json:"active"`
	MaxActive      int           `json:"max_active"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// Observer monitors pipeline progress and collects metrics
type Observer struct {
	stuckThreshold time.Duration

	mu         sync.RWMutex
	repos      map[string]*RepoStatus
	order      []string
	running    bool
	completed  bool
	summary    string
	lastSeq    uint64
	active     int
	maxActive  int
	durations  []time.Duration
	failed     int
	finishedAt map[string]time.Time
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	o := &Observer{stuckThreshold: stuckThreshold}
	o.reset()
	return o
}

func (o *Observer) reset() {
	o.repos = make(map[string]*RepoStatus)
	o.order = nil
	o.running = false
	o.completed = false
	o.summary = ""
	o.active = 0
	o.maxActive = 0
	o.durations = nil
	o.failed = 0
	o.finishedAt = make(map[string]time.Time)
}

// Watch applies events from sub until it is closed or ctx ends
func (o *Observer) Watch(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			o.Apply(e)
		}
	}
}

// Replay applies a recorded log, e.g. a bus snapshot
func (o *Observer) Replay(evs []events.Event) {
	for _, e := range evs {
		o.Apply(e)
	}
}

// Apply folds one event into the snapshot. Events at or below the last
// applied sequence number are ignored.
func (o *Observer) Apply(e events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.Seq != 0 && e.Seq <= o.lastSeq {
		return
	}
	o.lastSeq = e.Seq

	switch e.Kind {
	case events.KindRunStarted:
		o.reset()
		o.running = true
		return
	case events.KindRunCompleted:
		o.running = false
		o.completed = true
		o.summary = e.Payload
		return
	}
	if e.Repo == "" {
		return
	}

	st := o.repos[e.Repo]
	if st == nil {
		st = &RepoStatus{Repo: e.Repo, Stage: domain.StagePending}
		o.repos[e.Repo] = st
		o.order = append(o.order, e.Repo)
	}
	st.LastEventAt = e.Time

	switch e.Kind {
	case events.KindStageEntered:
		if st.Stage == domain.StagePending && !e.Stage.IsTerminal() {
			st.StartedAt = e.Time
			o.active++
			o.maxActive = max(o.maxActive, o.active)
		}
		if e.Stage == domain.StageTesting {
			st.Attempts++
		}
		if e.Stage == domain.StageFixing {
			st.Retries++
		}
		st.Stage = e.Stage
		st.StageSince = e.Time
	case events.KindStageCompleted:
		if !e.Stage.IsTerminal() {
			return
		}
		if _, seen := o.finishedAt[e.Repo]; seen {
			return
		}
		o.finishedAt[e.Repo] = e.Time
		st.Outcome = e.Payload
		if !st.StartedAt.IsZero() {
			o.active--
			st.Duration = e.Time.Sub(st.StartedAt)
			o.durations = append(o.durations, st.Duration)
		}
		if e.Stage == domain.StageFailed {
			o.failed++
		}
	case events.KindError:
		st.LastError = e.Payload
	case events.KindOutput:
		st.LastOutput = e.Payload
	}
}

// Snapshot returns the status of every repo seen so far in first-seen order
func (o *Observer) Snapshot() []RepoStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]RepoStatus, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, *o.repos[name])
	}
	return out
}

// Repo returns the status of one repo
func (o *Observer) Repo(name string) (RepoStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.repos[name]
	if !ok {
		return RepoStatus{}, false
	}
	return *st, true
}

// Running reports whether a run has started and not yet completed
func (o *Observer) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Completed returns the run_completed payload once the run has finished
func (o *Observer) Completed() (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.summary, o.completed
}

// IsStuck returns true if a repo has been in its current stage too long
func (o *Observer) IsStuck(st RepoStatus, now time.Time) bool {
	if o.stuckThreshold <= 0 || !st.Stage.IsActive() || st.StageSince.IsZero() {
		return false
	}
	return now.Sub(st.StageSince) > o.stuckThreshold
}

// Stuck lists the repos that appear stuck at now
func (o *Observer) Stuck(now time.Time) []string {
	var out []string
	for _, st := range o.Snapshot() {
		if o.IsStuck(st, now) {
			out = append(out, st.Repo)
		}
	}
	return out
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		TotalCompleted: len(o.finishedAt),
		TotalFailed:    o.failed,
		Active:         o.active,
		MaxActive:      o.maxActive,
	}
	var total time.Duration
	for _, d := range o.durations {
		total += d
	}
	if len(o.durations) > 0 {
		metrics.AvgDuration = total / time.Duration(len(o.durations))
	}
	return metrics
}

// GetRecentCompletions returns repos that finished within since of now
func (o *Observer) GetRecentCompletions(now time.Time, since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := now.Add(-since)
	var result []string
	for _, name := range o.order {
		if at, ok := o.finishedAt[name]; ok && at.After(cutoff) {
			result = append(result, name)
		}
	}
	return result
}
