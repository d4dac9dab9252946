package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Settings.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.Settings.MaxParallel)
	}
	if cfg.Settings.TimeoutPerRepo.D() != 10*time.Minute {
		t.Errorf("TimeoutPerRepo = %v, want 10m", cfg.Settings.TimeoutPerRepo)
	}
	if cfg.Settings.BranchPrefix != "cascade/" {
		t.Errorf("BranchPrefix = %q", cfg.Settings.BranchPrefix)
	}
	if cfg.Web.Port != 8450 {
		t.Errorf("Web.Port = %d, want 8450", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cascade.toml", `
name = "platform"

[settings]
max_parallel = 2
timeout_per_repo = 300
run_timeout = "1h"
review_blocking = true

[web]
port = 9000

[[repos]]
name = "core"
path = "libs/core"
role = "source"
language = "go"
test_cmd = "go test ./..."
github = "acme/core"
default_branch = "develop"

[[repos]]
name = "api"
path = "/abs/api"
url = "git@github.com:acme/api.git"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Name != "platform" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Settings.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.Settings.MaxParallel)
	}
	if cfg.Settings.TimeoutPerRepo.D() != 5*time.Minute {
		t.Errorf("TimeoutPerRepo = %v, want 5m", cfg.Settings.TimeoutPerRepo)
	}
	if cfg.Settings.RunTimeout.D() != time.Hour {
		t.Errorf("RunTimeout = %v, want 1h", cfg.Settings.RunTimeout)
	}
	if !cfg.Settings.ReviewBlocking || !cfg.Settings.RetryOnTestFail {
		t.Errorf("bools = %+v", cfg.Settings)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}

	repos, err := cfg.RepoConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 {
		t.Fatalf("repos = %d, want 2", len(repos))
	}
	if want := filepath.Join(dir, "libs", "core"); repos[0].Path != want {
		t.Errorf("core path = %q, want %q", repos[0].Path, want)
	}
	if repos[0].Role != domain.RoleSource || repos[0].TestCmd != "go test ./..." {
		t.Errorf("core = %+v", repos[0])
	}
	if repos[0].Hosting == nil || repos[0].Hosting.Slug() != "acme/core" || repos[0].Hosting.DefaultBranch != "develop" {
		t.Errorf("core hosting = %+v", repos[0].Hosting)
	}
	if repos[1].Path != filepath.Clean("/abs/api") {
		t.Errorf("api path = %q", repos[1].Path)
	}
	if repos[1].Hosting == nil || repos[1].Hosting.Slug() != "acme/api" {
		t.Errorf("api hosting from url = %+v", repos[1].Hosting)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cascade.yaml", `
name: legacy
repos:
  - name: shared
    path: ./shared
    role: source
  - name: web
    path: ../web
    language: typescript
    test_cmd: npm test
settings:
  max_parallel: 3
  timeout_per_repo: 600
  retry_on_test_fail: false
  model: sonnet
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Settings.MaxParallel != 3 || cfg.Settings.RetryOnTestFail || cfg.Settings.Model != "sonnet" {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if cfg.Settings.TimeoutPerRepo.D() != 10*time.Minute {
		t.Errorf("TimeoutPerRepo = %v, want 10m", cfg.Settings.TimeoutPerRepo)
	}
	if cfg.Settings.BranchPrefix != "cascade/" {
		t.Errorf("unset BranchPrefix should keep its default, got %q", cfg.Settings.BranchPrefix)
	}

	repos, err := cfg.RepoConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(filepath.Dir(dir), "web"); repos[1].Path != want {
		t.Errorf("web path = %q, want %q", repos[1].Path, want)
	}
	if repos[1].Hosting != nil {
		t.Errorf("web should have no hosting, got %+v", repos[1].Hosting)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := Load(writeFile(t, dir, "cascade.json", `{}`)); err == nil {
		t.Error("unsupported extension should fail")
	}
	if _, err := Load(writeFile(t, dir, "bad.toml", "[settings]\ntimeout_per_repo = \"soon\"\n")); err == nil {
		t.Error("invalid duration should fail")
	}
	if _, err := Load(writeFile(t, dir, "bad.yaml", "settings: [1, 2\n")); err == nil {
		t.Error("invalid yaml should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"max parallel", func(c *Config) { c.Settings.MaxParallel = 0 }, "settings.max_parallel"},
		{"timeout", func(c *Config) { c.Settings.TimeoutPerRepo = 0 }, "settings.timeout_per_repo"},
		{"retries", func(c *Config) { c.Settings.MaxRetries = -1 }, "settings.max_retries"},
		{"log format", func(c *Config) { c.General.LogFormat = "xml" }, "general.log_format"},
		{"missing name", func(c *Config) { c.Repos = []RepoEntry{{Path: "x"}} }, "repos[0].name"},
		{"duplicate", func(c *Config) { c.Repos = []RepoEntry{{Name: "a"}, {Name: "a"}} }, "repos[1].name"},
		{"role", func(c *Config) { c.Repos = []RepoEntry{{Name: "a", Role: "boss"}} }, "repos[0].role"},
		{"github", func(c *Config) { c.Repos = []RepoEntry{{Name: "a", GitHub: "not a ref"}} }, "repos[0].github"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			err := cfg.Validate()
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"600", 10 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"later", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v", tt.in, err)
			continue
		}
		if got.D() != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"~", home},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	want := writeFile(t, root, "cascade.yaml", "name: x\n")

	found, err := FindConfig(subdir)
	if err != nil {
		t.Fatal(err)
	}
	if found != want {
		t.Errorf("FindConfig() = %q, want %q", found, want)
	}

	// toml wins when both exist
	wantTOML := writeFile(t, root, "cascade.toml", "name = \"x\"\n")
	if found, _ := FindConfig(root); found != wantTOML {
		t.Errorf("FindConfig() = %q, want %q", found, wantTOML)
	}
}

func TestFindConfig_NotFound(t *testing.T) {
	found, err := FindConfig(t.TempDir())
	if err == nil {
		t.Skipf("found %s above the temp dir", found)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindConfig() error = %v, want ErrNotFound", err)
	}
}

func TestLoadWithLocalFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "cascade.toml", "name = \"local\"\n")
	explicit := writeFile(t, t.TempDir(), "other.toml", "name = \"explicit\"\n")

	cfg, err := LoadWithLocalFallback(explicit)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "explicit" {
		t.Errorf("Name = %q, want explicit", cfg.Name)
	}

	t.Chdir(root)
	cfg, err = LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "local" {
		t.Errorf("Name = %q, want local", cfg.Name)
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.toml")
	if err := WriteStarter(path, "demo"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("starter config should load: %v", err)
	}
	if cfg.Name != "demo" || len(cfg.Repos) != 0 {
		t.Errorf("starter = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("starter config should validate: %v", err)
	}

	if err := WriteStarter(path, "demo"); err == nil {
		t.Error("WriteStarter should refuse to overwrite")
	}
}
