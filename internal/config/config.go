// Package config loads cascade.toml / cascade.yaml project files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// ConfigNames are the file names FindConfig looks for, in order
var ConfigNames = []string{"cascade.toml", "cascade.yaml", "cascade.yml"}

// ErrNotFound is returned when no config file exists in a directory or its parents
var ErrNotFound = errors.New("no cascade config found")

// Config holds a project's configuration
type Config struct {
	Name          string              `toml:"name" yaml:"name"`
	Settings      Settings            `toml:"settings" yaml:"settings"`
	Oracle        OracleConfig        `toml:"oracle" yaml:"oracle"`
	Hosting       HostingConfig       `toml:"hosting" yaml:"hosting"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
	Web           WebConfig           `toml:"web" yaml:"web"`
	General       GeneralConfig       `toml:"general" yaml:"general"`
	Repos         []RepoEntry         `toml:"repos" yaml:"repos"`

	// Dir is the directory of the loaded file; relative repo paths resolve against it
	Dir string `toml:"-" yaml:"-"`
}

// Settings tune a run
type Settings struct {
	MaxParallel     int      `toml:"max_parallel" yaml:"max_parallel"`
	TimeoutPerRepo  Duration `toml:"timeout_per_repo" yaml:"timeout_per_repo"`
	RunTimeout      Duration `toml:"run_timeout" yaml:"run_timeout"`
	BranchPrefix    string   `toml:"branch_prefix" yaml:"branch_prefix"`
	RetryOnTestFail bool     `toml:"retry_on_test_fail" yaml:"retry_on_test_fail"`
	MaxRetries      int      `toml:"max_retries" yaml:"max_retries"`
	ReviewBlocking  bool     `toml:"review_blocking" yaml:"review_blocking"`
	LocalOnly       bool     `toml:"local_only" yaml:"local_only"`
	UseWorktrees    bool     `toml:"use_worktrees" yaml:"use_worktrees"`
	WorktreeDir     string   `toml:"worktree_dir" yaml:"worktree_dir"`
	OracleTimeout   Duration `toml:"oracle_timeout" yaml:"oracle_timeout"`
	TestTimeout     Duration `toml:"test_timeout" yaml:"test_timeout"`
	Model           string   `toml:"model" yaml:"model"`
}

// OracleConfig selects the coding agent binary
type OracleConfig struct {
	Binary    string   `toml:"binary" yaml:"binary"`
	ExtraArgs []string `toml:"extra_args" yaml:"extra_args"`
}

// HostingConfig holds GitHub settings
type HostingConfig struct {
	TokenEnv string `toml:"token_env" yaml:"token_env"`
	APIURL   string `toml:"api_url" yaml:"api_url"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop" yaml:"desktop"`
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// GeneralConfig holds storage and logging settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path" yaml:"database_path"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
	LogFormat    string `toml:"log_format" yaml:"log_format"`
	LogFile      string `toml:"log_file" yaml:"log_file"`
}

// RepoEntry is one [[repos]] table
type RepoEntry struct {
	Name          string `toml:"name" yaml:"name"`
	Path          string `toml:"path" yaml:"path"`
	URL           string `toml:"url" yaml:"url"`
	Role          string `toml:"role" yaml:"role"`
	Language      string `toml:"language" yaml:"language"`
	TestCmd       string `toml:"test_cmd" yaml:"test_cmd"`
	GitHub        string `toml:"github" yaml:"github"`
	DefaultBranch string `toml:"default_branch" yaml:"default_branch"`
}

// Duration accepts Go duration strings ("10m") or bare integers in seconds
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses a duration string, bare integers are seconds
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Name: "unnamed",
		Settings: Settings{
			MaxParallel:     4,
			TimeoutPerRepo:  Duration(10 * time.Minute),
			BranchPrefix:    "cascade/",
			RetryOnTestFail: true,
			MaxRetries:      2,
			WorktreeDir:     filepath.Join(home, ".cascade", "worktrees"),
			OracleTimeout:   Duration(2 * time.Minute),
		},
		Oracle: OracleConfig{
			Binary: "cline",
		},
		Hosting: HostingConfig{
			TokenEnv: "GITHUB_TOKEN",
		},
		Web: WebConfig{
			Port: 8450,
			Host: "127.0.0.1",
		},
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".cascade", "cascade.db"),
			LogLevel:     "info",
			LogFormat:    "text",
		},
	}
}

// Load reads a config file, choosing the format by extension
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(abs), filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults. ext is ".toml", ".yaml" or
// ".yml"; dir anchors relative repo paths.
func Parse(data []byte, ext, dir string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.Dir = dir
	cfg.Settings.WorktreeDir = ExpandPath(cfg.Settings.WorktreeDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	for i := range cfg.Repos {
		cfg.Repos[i].Path = cfg.resolvePath(cfg.Repos[i].Path)
	}
	return cfg, nil
}

func (c *Config) resolvePath(p string) string {
	if p == "" {
		p = "."
	}
	p = ExpandPath(p)
	if !filepath.IsAbs(p) && c.Dir != "" {
		p = filepath.Join(c.Dir, p)
	}
	return filepath.Clean(p)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// FindConfig looks for a config file in dir and its parents
func FindConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, name := range ConfigNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads explicit if set, otherwise the nearest config
// found from the working directory upwards
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	path, err := FindConfig(cwd)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Validate checks the settings and repo list
func (c *Config) Validate() error {
	s := c.Settings
	if s.MaxParallel < 1 {
		return &domain.ConfigError{Field: "settings.max_parallel", Msg: "must be at least 1"}
	}
	if s.TimeoutPerRepo <= 0 {
		return &domain.ConfigError{Field: "settings.timeout_per_repo", Msg: "must be positive"}
	}
	if s.RunTimeout < 0 || s.OracleTimeout < 0 || s.TestTimeout < 0 {
		return &domain.ConfigError{Field: "settings", Msg: "timeouts must not be negative"}
	}
	if s.MaxRetries < 0 {
		return &domain.ConfigError{Field: "settings.max_retries", Msg: "must not be negative"}
	}
	if c.General.LogFormat != "" && c.General.LogFormat != "text" && c.General.LogFormat != "json" {
		return &domain.ConfigError{Field: "general.log_format", Msg: "must be text or json"}
	}
	_, err := c.RepoConfigs()
	return err
}

// RepoConfigs converts the [[repos]] entries into domain values
func (c *Config) RepoConfigs() ([]domain.RepoConfig, error) {
	seen := make(map[string]bool, len(c.Repos))
	out := make([]domain.RepoConfig, 0, len(c.Repos))
	for i, r := range c.Repos {
		field := fmt.Sprintf("repos[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, &domain.ConfigError{Field: field + ".name", Msg: "is required"}
		}
		if seen[name] {
			return nil, &domain.ConfigError{Field: field + ".name", Msg: "duplicate repo " + name}
		}
		seen[name] = true

		role := domain.Role(r.Role)
		if role != "" && !role.Valid() {
			return nil, &domain.ConfigError{Field: field + ".role", Msg: "unknown role " + r.Role}
		}

		repo := domain.RepoConfig{
			Name:     name,
			Path:     c.resolvePath(r.Path),
			URL:      r.URL,
			Role:     role,
			Language: r.Language,
			TestCmd:  r.TestCmd,
		}
		if ref := firstNonEmpty(r.GitHub, githubURL(r.URL)); ref != "" {
			h, err := domain.ParseHosting(ref)
			if err != nil {
				return nil, &domain.ConfigError{Field: field + ".github", Msg: "invalid github reference", Err: err}
			}
			h.DefaultBranch = r.DefaultBranch
			repo.Hosting = h
		}
		out = append(out, repo)
	}
	return out, nil
}

func githubURL(u string) string {
	if strings.Contains(u, "github.com") {
		return u
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
