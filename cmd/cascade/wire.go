package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/hochfrequenz/cascade/internal/config"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/hosting"
	"github.com/hochfrequenz/cascade/internal/logging"
	"github.com/hochfrequenz/cascade/internal/notify"
	"github.com/hochfrequenz/cascade/internal/oracle"
	"github.com/hochfrequenz/cascade/internal/pipeline"
	"github.com/hochfrequenz/cascade/internal/runstore"
	"github.com/hochfrequenz/cascade/internal/scheduler"
	"github.com/hochfrequenz/cascade/internal/testrunner"
	"github.com/hochfrequenz/cascade/internal/vcs"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(logging.Options{
		Level:  level,
		Format: cfg.General.LogFormat,
		File:   cfg.General.LogFile,
	})
}

func webAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
}

// runOptions maps settings onto scheduler limits
func runOptions(s config.Settings) scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.MaxParallel = s.MaxParallel
	opts.PerRepoTimeout = s.TimeoutPerRepo.D()
	opts.RunTimeout = s.RunTimeout.D()
	opts.Pipeline.BranchPrefix = s.BranchPrefix
	opts.Pipeline.RetryOnTestFail = s.RetryOnTestFail
	opts.Pipeline.MaxRetries = s.MaxRetries
	opts.Pipeline.ReviewBlocking = s.ReviewBlocking
	if s.OracleTimeout > 0 {
		opts.Pipeline.OracleTimeout = s.OracleTimeout.D()
	}
	return opts
}

// newOracle builds the cline client for the project
func newOracle(cfg *config.Config, model string, logger *slog.Logger) *oracle.Cline {
	if model == "" {
		model = cfg.Settings.Model
	}
	cline := oracle.NewCline(cfg.Oracle.Binary, model, cfg.Dir, logger)
	cline.ExtraArgs = cfg.Oracle.ExtraArgs
	return cline
}

// newDeps wires the real adapters. Hosting is left nil for local-only runs
// and when no API token is available.
func newDeps(cfg *config.Config, model string, localOnly bool, bus *events.Bus, logger *slog.Logger) (pipeline.Deps, error) {
	deps := pipeline.Deps{
		Oracle: newOracle(cfg, model, logger),
		Tests:  &testrunner.Shell{Timeout: cfg.Settings.TestTimeout.D()},
		Bus:    bus,
		Logger: logger,
	}

	if cfg.Settings.UseWorktrees {
		deps.VCS = vcs.NewWorktrees(cfg.Settings.WorktreeDir, logger)
	} else {
		deps.VCS = vcs.NewGit(logger)
	}

	if !localOnly {
		token := hosting.TokenFromEnv(cfg.Hosting.TokenEnv)
		if token == "" {
			logger.Warn("no GitHub token found, pull requests disabled", "env", cfg.Hosting.TokenEnv)
		} else {
			gh, err := hosting.NewGitHub(token, cfg.Hosting.APIURL, logger)
			if err != nil {
				return deps, fmt.Errorf("hosting: %w", err)
			}
			deps.Hosting = gh
		}
	}
	return deps, nil
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	return runstore.New(cfg.General.DatabasePath)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notify.NewMultiNotifier(notifiers...)
}
