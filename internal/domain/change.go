package domain

import (
	"slices"
	"strings"
)

// ChangeRequest describes one change to propagate. It is built once per
// invocation and treated as a value afterwards.
type ChangeRequest struct {
	Description string
	DryRun      bool
	LocalOnly   bool     // never push or open pull requests
	Repos       []string // explicit subset by name, empty means all
	Roles       []Role   // role filter, empty means all
}

// Validate checks the request itself; repo names are checked against the
// repo set by the scheduler.
func (c ChangeRequest) Validate() error {
	if strings.TrimSpace(c.Description) == "" {
		return &ConfigError{Field: "change", Msg: "description is required"}
	}
	for _, r := range c.Roles {
		if !r.Valid() {
			return &ConfigError{Field: "role", Msg: "unknown role " + string(r)}
		}
	}
	return nil
}

// Selects reports whether a repo is in scope for this request
func (c ChangeRequest) Selects(repo RepoConfig) bool {
	if len(c.Repos) > 0 && !slices.Contains(c.Repos, repo.Name) {
		return false
	}
	if len(c.Roles) > 0 && !slices.Contains(c.Roles, repo.EffectiveRole()) {
		return false
	}
	return true
}

// Title returns the change description truncated for commit messages and titles
func (c ChangeRequest) Title(max int) string {
	desc := strings.TrimSpace(c.Description)
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = desc[:i]
	}
	r := []rune(desc)
	if len(r) > max {
		return string(r[:max])
	}
	return desc
}
