package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Hosting is the remote metadata needed to push and open a pull request
type Hosting struct {
	Owner         string
	Repo          string
	DefaultBranch string
}

// Slug returns owner/repo
func (h Hosting) Slug() string {
	return h.Owner + "/" + h.Repo
}

// RepoConfig is one repository taking part in a run
type RepoConfig struct {
	Name     string
	Path     string
	URL      string
	Role     Role
	Language string
	TestCmd  string
	Hosting  *Hosting
}

// EffectiveRole returns the role, defaulting to consumer
func (r RepoConfig) EffectiveRole() Role {
	if r.Role == "" {
		return RoleConsumer
	}
	return r.Role
}

// LanguageHint returns the language, defaulting to unknown
func (r RepoConfig) LanguageHint() string {
	if r.Language == "" {
		return "unknown"
	}
	return r.Language
}

// HasTests returns true if a test command is configured
func (r RepoConfig) HasTests() bool {
	return strings.TrimSpace(r.TestCmd) != ""
}

var (
	slugRegex   = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)$`)
	githubRegex = regexp.MustCompile(`github\.com[:/]([\w.-]+)/([\w.-]+?)(?:\.git)?/?$`)
)

// ParseHosting parses "owner/repo", https://github.com/owner/repo(.git) or
// git@github.com:owner/repo.git
func ParseHosting(s string) (*Hosting, error) {
	s = strings.TrimSpace(s)
	if m := slugRegex.FindStringSubmatch(s); m != nil {
		return &Hosting{Owner: m[1], Repo: strings.TrimSuffix(m[2], ".git")}, nil
	}
	if m := githubRegex.FindStringSubmatch(s); m != nil {
		return &Hosting{Owner: m[1], Repo: m[2]}, nil
	}
	return nil, fmt.Errorf("invalid github reference %q (expected owner/repo or a github URL)", s)
}
