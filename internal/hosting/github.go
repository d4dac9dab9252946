// Package hosting publishes pipeline branches: it pushes them to the remote
// and opens pull requests on GitHub.
package hosting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/google/go-github/v75/github"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// PullRequest is a pull request to open
type PullRequest struct {
	Owner string
	Repo  string
	Base  string // empty means the repository's default branch
	Head  string
	Title string
	Body  string
}

// PRRef identifies an opened pull request
type PRRef struct {
	Number int
	URL    string
}

// GitHub pushes with the local git binary and opens pull requests through
// the GitHub REST API.
type GitHub struct {
	Client *github.Client
	Remote string
	Logger *slog.Logger
}

// NewGitHub creates a GitHub adapter. apiURL overrides the API endpoint,
// e.g. for GitHub Enterprise.
func NewGitHub(token, apiURL string, logger *slog.Logger) (*GitHub, error) {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parsing api url: %w", err)
		}
		client.BaseURL = u
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{Client: client, Remote: "origin", Logger: logger}, nil
}

// TokenFromEnv reads the API token from the named variable, falling back to GITHUB_TOKEN
func TokenFromEnv(name string) string {
	if name != "" {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return os.Getenv("GITHUB_TOKEN")
}

// Push pushes branch from workDir and sets its upstream
func (g *GitHub) Push(ctx context.Context, workDir, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "push", "-u", g.Remote, branch)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git push: %s: %v", domain.ErrHostingUnavailable, strings.TrimSpace(string(out)), err)
	}
	g.Logger.Debug("pushed branch", "branch", branch, "dir", workDir)
	return nil
}

// CreatePullRequest opens a pull request
func (g *GitHub) CreatePullRequest(ctx context.Context, pr PullRequest) (*PRRef, error) {
	base := pr.Base
	if base == "" {
		repo, _, err := g.Client.Repositories.Get(ctx, pr.Owner, pr.Repo)
		if err != nil {
			return nil, fmt.Errorf("%w: looking up %s/%s: %v", domain.ErrHostingUnavailable, pr.Owner, pr.Repo, err)
		}
		base = repo.GetDefaultBranch()
		if base == "" {
			base = "main"
		}
	}

	created, _, err := g.Client.PullRequests.Create(ctx, pr.Owner, pr.Repo, &github.NewPullRequest{
		Title: github.Ptr(pr.Title),
		Head:  github.Ptr(pr.Head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(pr.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating pull request on %s/%s: %v", domain.ErrHostingUnavailable, pr.Owner, pr.Repo, err)
	}
	g.Logger.Info("opened pull request", "repo", pr.Owner+"/"+pr.Repo, "number", created.GetNumber())
	return &PRRef{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
}
