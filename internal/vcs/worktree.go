package vcs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// Worktrees creates every pipeline branch in its own git worktree under Root
type Worktrees struct {
	Root   string
	Logger *slog.Logger
}

// NewWorktrees creates a worktree adapter rooted at dir
func NewWorktrees(dir string, logger *slog.Logger) *Worktrees {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worktrees{Root: dir, Logger: logger}
}

// CreateBranch creates a new worktree with a new branch from HEAD.
// An existing branch is a conflict; it is never cleaned up or reused.
func (m *Worktrees) CreateBranch(ctx context.Context, repoPath, branch string) (string, error) {
	if err := EnsureRepo(ctx, repoPath); err != nil {
		return "", fmt.Errorf("preparing repository: %w", err)
	}
	if err := os.MkdirAll(m.Root, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	// Prune stale worktree entries so a deleted directory does not block the add
	if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		m.Logger.Debug("worktree prune failed", "repo", repoPath, "error", err)
	}

	exists, err := BranchExists(repoPath, branch)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", domain.ErrBranchConflict, branch)
	}

	dirName := fmt.Sprintf("%s-%s", sanitizeBranchName(filepath.Base(repoPath)), randomSuffix())
	wtPath := filepath.Join(m.Root, dirName)

	if _, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, wtPath, "HEAD"); err != nil {
		return "", err
	}
	return wtPath, nil
}

// Diff returns the uncommitted changes of the worktree
func (m *Worktrees) Diff(ctx context.Context, workDir string) (string, error) {
	return Diff(ctx, workDir)
}

// Commit commits all changes in the worktree
func (m *Worktrees) Commit(ctx context.Context, workDir, message string) (*Commit, error) {
	return CommitAll(ctx, workDir, message)
}

// Release removes the worktree. The branch and its commits stay in the repo.
func (m *Worktrees) Release(ctx context.Context, repoPath, workDir string) error {
	if workDir == "" || workDir == repoPath {
		return nil
	}
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", workDir); err != nil {
		return err
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
