package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/hosting"
	"github.com/hochfrequenz/cascade/internal/testrunner"
	"github.com/hochfrequenz/cascade/internal/vcs"
)

// VCS is an in-memory pipeline VCS. Branches are created in place: the
// work dir is the repo path.
type VCS struct {
	mu        sync.Mutex
	branches  map[string][]string // repo path -> branches
	conflicts map[string]bool
	noChanges map[string]bool
	diffs     map[string]string
	Releases  []string
	Commits   []string
}

// NewVCS creates an empty fake VCS
func NewVCS() *VCS {
	return &VCS{
		branches:  make(map[string][]string),
		conflicts: make(map[string]bool),
		noChanges: make(map[string]bool),
		diffs:     make(map[string]string),
	}
}

// Conflict makes CreateBranch fail for repoPath as if the branch existed
func (v *VCS) Conflict(repoPath string) *VCS {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conflicts[repoPath] = true
	return v
}

// NoChanges makes Commit and Diff for repoPath find nothing
func (v *VCS) NoChanges(repoPath string) *VCS {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.noChanges[repoPath] = true
	return v
}

// SetDiff sets the diff returned for workDir
func (v *VCS) SetDiff(workDir, diff string) *VCS {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.diffs[workDir] = diff
	return v
}

func (v *VCS) CreateBranch(ctx context.Context, repoPath, branch string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conflicts[repoPath] {
		return "", fmt.Errorf("%w: %s", domain.ErrBranchConflict, branch)
	}
	v.branches[repoPath] = append(v.branches[repoPath], branch)
	return repoPath, nil
}

func (v *VCS) Diff(ctx context.Context, workDir string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.noChanges[workDir] {
		return "", nil
	}
	if d, ok := v.diffs[workDir]; ok {
		return d, nil
	}
	return "diff --git a/file.txt b/file.txt\n+changed\n", nil
}

func (v *VCS) Commit(ctx context.Context, workDir, message string) (*vcs.Commit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.noChanges[workDir] {
		return nil, domain.ErrNoChanges
	}
	v.Commits = append(v.Commits, workDir)
	return &vcs.Commit{SHA: "abc123", Files: []string{"file.txt"}, Stat: " file.txt | 1 +"}, nil
}

func (v *VCS) Release(ctx context.Context, repoPath, workDir string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Releases = append(v.Releases, repoPath)
	return nil
}

// Branches returns the branches created for repoPath
func (v *VCS) Branches(repoPath string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.branches[repoPath]...)
}

// TotalCalls returns the number of branch and commit calls
func (v *VCS) TotalCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.Commits)
	for _, b := range v.branches {
		n += len(b)
	}
	return n
}

// ErrFakeHosting is returned by a failing fake hosting adapter
var ErrFakeHosting = fmt.Errorf("%w: fake outage", domain.ErrHostingUnavailable)

// Hosting records pushes and pull requests
type Hosting struct {
	mu       sync.Mutex
	Pushes   []string
	PRs      []hosting.PullRequest
	FailPush bool
	FailPR   bool
}

func (h *Hosting) Push(ctx context.Context, workDir, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailPush {
		return ErrFakeHosting
	}
	h.Pushes = append(h.Pushes, branch)
	return nil
}

func (h *Hosting) CreatePullRequest(ctx context.Context, pr hosting.PullRequest) (*hosting.PRRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailPR {
		return nil, ErrFakeHosting
	}
	h.PRs = append(h.PRs, pr)
	n := len(h.PRs)
	return &hosting.PRRef{Number: n, URL: fmt.Sprintf("https://github.com/%s/%s/pull/%d", pr.Owner, pr.Repo, n)}, nil
}

// Calls returns the number of pushes plus pull requests
func (h *Hosting) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Pushes) + len(h.PRs)
}

// Tests is a scripted test runner keyed by work dir. Each dir gets a
// sequence of pass/fail results; the last one repeats. Unscripted dirs pass.
type Tests struct {
	mu       sync.Mutex
	results  map[string][]bool
	attempts map[string]int
	Err      error
}

// NewTests creates a test runner where everything passes
func NewTests() *Tests {
	return &Tests{results: make(map[string][]bool), attempts: make(map[string]int)}
}

// Script sets the pass/fail sequence for dir
func (f *Tests) Script(dir string, results ...bool) *Tests {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[dir] = results
	return f
}

func (f *Tests) Run(ctx context.Context, dir, command string) (*testrunner.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	n := f.attempts[dir]
	f.attempts[dir]++

	pass := true
	if seq := f.results[dir]; len(seq) > 0 {
		pass = seq[min(n, len(seq)-1)]
	}
	if pass {
		return &testrunner.Result{Output: "ok", Passed: true}, nil
	}
	return &testrunner.Result{Output: fmt.Sprintf("FAIL attempt %d", n+1), ExitCode: 1}, nil
}

// Attempts returns how many times tests ran in dir
func (f *Tests) Attempts(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[dir]
}

// ErrBoom is a generic failure for tests
var ErrBoom = errors.New("boom")
