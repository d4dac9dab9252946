package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StagePending, StageBranching, true},
		{StagePending, StageDiscovering, true},
		{StageBranching, StageDiscovering, true},
		{StageDiscovering, StageAdapting, true},
		{StageDiscovering, StageDone, true},
		{StageAdapting, StageTesting, true},
		{StageAdapting, StageReviewing, true},
		{StageTesting, StageFixing, true},
		{StageFixing, StageTesting, true},
		{StageTesting, StageReviewing, true},
		{StageReviewing, StageCommitting, true},
		{StageCommitting, StagePublishing, true},
		{StageCommitting, StageDone, true},
		{StagePublishing, StageDone, true},
		{StageAdapting, StageFailed, true},
		{StagePending, StageFailed, true},

		{StageTesting, StageAdapting, false},
		{StageReviewing, StageTesting, false},
		{StageBranching, StageAdapting, false},
		{StageDone, StageFailed, false},
		{StageFailed, StagePending, false},
		{StagePending, StageDone, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStage_IsActive(t *testing.T) {
	if StagePending.IsActive() || StageDone.IsActive() || StageFailed.IsActive() {
		t.Error("pending and terminal stages should not be active")
	}
	if !StageTesting.IsActive() {
		t.Error("testing should be active")
	}
}

func TestSeverity_Rank(t *testing.T) {
	if !(SeverityBlocking.Rank() < SeverityHigh.Rank() &&
		SeverityHigh.Rank() < SeverityMedium.Rank() &&
		SeverityMedium.Rank() < SeverityLow.Rank()) {
		t.Error("severity ranks out of order")
	}
	if got := ParseSeverity("critical"); got != SeverityBlocking {
		t.Errorf("ParseSeverity(critical) = %s", got)
	}
	if got := ParseSeverity("whatever"); got != SeverityMedium {
		t.Errorf("ParseSeverity(whatever) = %s", got)
	}
}

func TestChangeRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChangeRequest
		wantErr bool
	}{
		{"ok", ChangeRequest{Description: "rename field"}, false},
		{"blank", ChangeRequest{Description: "   "}, true},
		{"bad role", ChangeRequest{Description: "x", Roles: []Role{"producer"}}, true},
		{"good role", ChangeRequest{Description: "x", Roles: []Role{RoleSource}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsConfigError(err) {
				t.Errorf("expected ConfigError, got %T", err)
			}
		})
	}
}

func TestChangeRequest_Selects(t *testing.T) {
	api := RepoConfig{Name: "api", Role: RoleSource}
	web := RepoConfig{Name: "web"}

	req := ChangeRequest{Description: "x"}
	if !req.Selects(api) || !req.Selects(web) {
		t.Error("empty filters should select everything")
	}

	req.Repos = []string{"web"}
	if req.Selects(api) || !req.Selects(web) {
		t.Error("subset filter not applied")
	}

	req = ChangeRequest{Description: "x", Roles: []Role{RoleConsumer}}
	if req.Selects(api) || !req.Selects(web) {
		t.Error("role filter should treat empty role as consumer")
	}
}

func TestChangeRequest_Title(t *testing.T) {
	req := ChangeRequest{Description: "first line\nsecond line"}
	if got := req.Title(60); got != "first line" {
		t.Errorf("Title() = %q", got)
	}
	req.Description = "abcdefghij"
	if got := req.Title(4); got != "abcd" {
		t.Errorf("Title(4) = %q", got)
	}
}

func TestParseHosting(t *testing.T) {
	tests := []struct {
		input     string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"acme/api", "acme", "api", false},
		{"https://github.com/acme/api", "acme", "api", false},
		{"https://github.com/acme/api.git", "acme", "api", false},
		{"git@github.com:acme/web-app.git", "acme", "web-app", false},
		{"not a repo", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h, err := ParseHosting(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHosting(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if h.Owner != tt.wantOwner || h.Repo != tt.wantRepo {
				t.Errorf("got %s/%s, want %s/%s", h.Owner, h.Repo, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}

func TestPipelineState_Transitions(t *testing.T) {
	s := NewPipelineState(RepoConfig{Name: "api"})
	if s.Language != "unknown" {
		t.Errorf("Language = %q, want unknown", s.Language)
	}
	if err := s.Transition(StageBranching); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(StageTesting); err == nil {
		t.Error("expected illegal transition error")
	}

	now := time.Now()
	s.StartedAt = now.Add(-time.Second)
	s.Fail(ReasonVCS, errors.New("boom"), now)
	if s.Stage != StageFailed || s.Outcome != OutcomeFailed || s.Reason != ReasonVCS {
		t.Errorf("unexpected state after Fail: %+v", s)
	}
	if s.Duration() != time.Second {
		t.Errorf("Duration() = %v", s.Duration())
	}

	// a second failure does not overwrite the first
	s.Fail(ReasonInternal, errors.New("again"), now)
	if s.Reason != ReasonVCS {
		t.Errorf("Reason overwritten: %s", s.Reason)
	}
}

func TestPipelineState_Snapshot(t *testing.T) {
	s := NewPipelineState(RepoConfig{Name: "api"})
	s.Warnings = []string{"a"}
	snap := s.Snapshot()
	s.Warnings[0] = "changed"
	if snap.Warnings[0] != "a" {
		t.Error("snapshot shares warnings slice")
	}
}

func TestPipelineError(t *testing.T) {
	err := &PipelineError{Repo: "api", Stage: StageCommitting, Reason: ReasonNoChanges, Err: ErrNoChanges}
	if !errors.Is(err, ErrNoChanges) {
		t.Error("PipelineError should unwrap to its cause")
	}
	var pe *PipelineError
	if !errors.As(error(err), &pe) || pe.Reason != ReasonNoChanges {
		t.Error("errors.As failed")
	}
}

func TestRunSummary_Helpers(t *testing.T) {
	sum := RunSummary{Results: []RepoResult{
		{Repo: "a", Branch: "cascade/a", FilesChanged: []string{"x", "y"}},
		{Repo: "b", FilesChanged: []string{"z"}},
	}}
	if sum.FilesChanged() != 3 {
		t.Errorf("FilesChanged() = %d", sum.FilesChanged())
	}
	if b := sum.Branches(); len(b) != 1 || b["a"] != "cascade/a" {
		t.Errorf("Branches() = %v", b)
	}
}
