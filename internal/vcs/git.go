// Package vcs creates per-repo branches, diffs and commits their working
// trees. Git runs branches in place; Worktrees gives every pipeline its own
// linked worktree so the user's checkout is never touched.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// Commit describes a commit created for a pipeline
type Commit struct {
	SHA   string
	Files []string
	Stat  string
}

// Pre-compiled regexes for branch name sanitization.
var (
	unsafeCharsRegex = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	multiDashRegex   = regexp.MustCompile(`-+`)
)

// BranchName returns the pipeline branch for a repo
func BranchName(prefix, repoName string) string {
	return prefix + sanitizeBranchName(repoName)
}

// sanitizeBranchName transforms an arbitrary string into a Git branch name friendly string.
func sanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeCharsRegex.ReplaceAllString(s, "")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "..", ".")
	s = strings.Trim(s, "-/.")
	if s == "" {
		s = "repo"
	}
	return s
}

// IsRepo reports whether path is the root of a git repository
func IsRepo(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

// BranchExists reports whether a local branch exists in the repo at repoPath
func BranchExists(repoPath, branch string) (bool, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return false, fmt.Errorf("opening repository %s: %w", repoPath, err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("looking up branch %s: %w", branch, err)
}

// CurrentBranch returns the checked out branch, or the HEAD hash when detached
func CurrentBranch(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", repoPath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return head.Hash().String(), nil
}

// runGit runs git in dir and returns its combined output
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", subcommand(args), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" || args[i] == "-C" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			return args[i]
		}
	}
	return strings.Join(args, " ")
}

// identityArgs supplies a committer identity when the repo has none configured
func identityArgs(ctx context.Context, dir string) []string {
	if out, err := runGit(ctx, dir, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{"-c", "user.name=cascade", "-c", "user.email=cascade@localhost"}
}

// EnsureRepo initializes path as a git repository with an initial commit
// if it is not one already.
func EnsureRepo(ctx context.Context, path string) error {
	if IsRepo(path) {
		if _, err := runGit(ctx, path, "rev-parse", "--verify", "HEAD"); err == nil {
			return nil
		}
	} else if _, err := runGit(ctx, path, "init"); err != nil {
		return err
	}
	if _, err := runGit(ctx, path, "add", "-A"); err != nil {
		return err
	}
	args := append(identityArgs(ctx, path), "commit", "--allow-empty", "-m", "cascade: initial commit")
	if _, err := runGit(ctx, path, args...); err != nil {
		return err
	}
	return nil
}

// Diff returns the working tree diff against HEAD, untracked files included
func Diff(ctx context.Context, workDir string) (string, error) {
	// -N records untracked files as intent-to-add so they show in the diff
	if _, err := runGit(ctx, workDir, "add", "-N", "."); err != nil {
		return "", err
	}
	out, err := runGit(ctx, workDir, "--no-pager", "diff", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// CommitAll stages everything and commits it. It returns
// domain.ErrNoChanges when nothing is staged.
func CommitAll(ctx context.Context, workDir, message string) (*Commit, error) {
	if _, err := runGit(ctx, workDir, "add", "-A"); err != nil {
		return nil, err
	}
	names, err := runGit(ctx, workDir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	files := splitLines(names)
	if len(files) == 0 {
		return nil, domain.ErrNoChanges
	}
	stat, err := runGit(ctx, workDir, "diff", "--cached", "--stat")
	if err != nil {
		return nil, err
	}

	args := append(identityArgs(ctx, workDir), "commit", "-m", message)
	if _, err := runGit(ctx, workDir, args...); err != nil {
		return nil, err
	}
	sha, err := runGit(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &Commit{
		SHA:   strings.TrimSpace(sha),
		Files: files,
		Stat:  strings.TrimSpace(stat),
	}, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Git creates pipeline branches in place, checking them out in the repo
// itself. The previous branch is restored by Release.
type Git struct {
	Logger *slog.Logger

	mu    sync.Mutex
	bases map[string]string // repo path -> branch to restore
}

// NewGit returns an in-place adapter
func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{Logger: logger, bases: make(map[string]string)}
}

// CreateBranch checks out a new branch in repoPath. An existing branch of
// the same name is never reused or overwritten.
func (g *Git) CreateBranch(ctx context.Context, repoPath, branch string) (string, error) {
	if err := EnsureRepo(ctx, repoPath); err != nil {
		return "", fmt.Errorf("preparing repository: %w", err)
	}
	exists, err := BranchExists(repoPath, branch)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", domain.ErrBranchConflict, branch)
	}
	base, err := CurrentBranch(repoPath)
	if err != nil {
		return "", err
	}
	if _, err := runGit(ctx, repoPath, "checkout", "-b", branch); err != nil {
		return "", err
	}

	g.mu.Lock()
	g.bases[repoPath] = base
	g.mu.Unlock()
	return repoPath, nil
}

// Diff returns the uncommitted changes of workDir
func (g *Git) Diff(ctx context.Context, workDir string) (string, error) {
	return Diff(ctx, workDir)
}

// Commit commits all changes in workDir
func (g *Git) Commit(ctx context.Context, workDir, message string) (*Commit, error) {
	return CommitAll(ctx, workDir, message)
}

// Release restores the branch that was checked out before CreateBranch.
// Leftover uncommitted changes are stashed so they do not leak onto it.
func (g *Git) Release(ctx context.Context, repoPath, workDir string) error {
	g.mu.Lock()
	base, ok := g.bases[repoPath]
	delete(g.bases, repoPath)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	status, err := runGit(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) != "" {
		g.Logger.Warn("stashing leftover changes", "repo", repoPath)
		args := append(identityArgs(ctx, repoPath), "stash", "push", "--include-untracked", "-m", "cascade: leftover changes")
		if _, err := runGit(ctx, repoPath, args...); err != nil {
			return err
		}
	}
	if _, err := runGit(ctx, repoPath, "checkout", base); err != nil {
		return err
	}
	return nil
}
