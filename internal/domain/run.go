package domain

import "time"

// RepoResult is the archived terminal state of one pipeline
type RepoResult struct {
	Repo         string        `json:"repo"`
	Language     string        `json:"language"`
	Stage        Stage         `json:"stage"`
	Outcome      Outcome       `json:"outcome"`
	Reason       FailureReason `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	Branch       string        `json:"branch,omitempty"`
	FilesChanged []string      `json:"files_changed,omitempty"`
	DiffStat     string        `json:"diff_stat,omitempty"`
	CommitSHA    string        `json:"commit_sha,omitempty"`
	Findings     []Finding     `json:"findings,omitempty"`
	TestAttempts int           `json:"test_attempts"`
	Retries      int           `json:"retries"`
	TestPassed   bool          `json:"test_passed"`
	Review       string        `json:"review,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	PRURL        string        `json:"pr_url,omitempty"`
	Pushed       bool          `json:"pushed"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
}

// ResultFromState archives a terminal pipeline state
func ResultFromState(s PipelineState) RepoResult {
	return RepoResult{
		Repo:         s.Repo,
		Language:     s.Language,
		Stage:        s.Stage,
		Outcome:      s.Outcome,
		Reason:       s.Reason,
		Error:        s.ErrorMessage(),
		Branch:       s.Branch,
		FilesChanged: s.FilesChanged,
		DiffStat:     s.DiffStat,
		CommitSHA:    s.CommitSHA,
		Findings:     s.Findings,
		TestAttempts: s.Attempts,
		Retries:      s.Retries,
		TestPassed:   s.TestPassed,
		Review:       s.Review,
		Warnings:     s.Warnings,
		PRURL:        s.PRURL,
		Pushed:       s.Pushed,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		Duration:     s.Duration(),
	}
}

// RunSummary aggregates every admitted pipeline of one run
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Change     string        `json:"change"`
	DryRun     bool          `json:"dry_run"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Results    []RepoResult  `json:"results"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// FilesChanged returns the total number of changed files across all repos
func (r *RunSummary) FilesChanged() int {
	total := 0
	for _, res := range r.Results {
		total += len(res.FilesChanged)
	}
	return total
}

// Branches maps repo name to branch for repos that got a branch
func (r *RunSummary) Branches() map[string]string {
	out := make(map[string]string)
	for _, res := range r.Results {
		if res.Branch != "" {
			out[res.Repo] = res.Branch
		}
	}
	return out
}
