package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/cascade/internal/config"
	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/observer"
	"github.com/hochfrequenz/cascade/internal/report"
	"github.com/hochfrequenz/cascade/internal/runstore"
	"github.com/hochfrequenz/cascade/internal/scheduler"
	"github.com/hochfrequenz/cascade/internal/vcs"
	"github.com/hochfrequenz/cascade/web/api"
)

var (
	dryRun      bool
	localOnly   bool
	repoFilter  []string
	roleFilter  []string
	modelFlag   string
	maxParallel int
	listenAddr  string
	jsonOutput  bool
	verbose     bool
	historyN    int
	initName    string
	initForce   bool
	servePort   int
	stuckAfter  = 5 * time.Minute
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only discover affected files, change nothing")
	runCmd.Flags().BoolVar(&localOnly, "local", false, "commit locally, never push or open pull requests")
	runCmd.Flags().StringSliceVar(&repoFilter, "repo", nil, "only run these repos (repeatable)")
	runCmd.Flags().StringSliceVar(&roleFilter, "role", nil, "only run repos with this role (source, consumer)")
	runCmd.Flags().StringVar(&modelFlag, "model", "", "override the oracle model")
	runCmd.Flags().IntVarP(&maxParallel, "parallel", "p", 0, "override max parallel pipelines")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "serve the live API on this address while running")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the summary as JSON")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream oracle and test output")

	historyCmd.Flags().IntVarP(&historyN, "limit", "n", 20, "number of runs to show")

	initCmd.Flags().StringVar(&initName, "name", "", "project name (default: current directory name)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")

	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the web port")

	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the summary as JSON")

	rootCmd.AddCommand(runCmd, statusCmd, historyCmd, initCmd, validateCmd, serveCmd, versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Apply a change across all configured repos",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	repos, err := cfg.RepoConfigs()
	if err != nil {
		return err
	}

	change := domain.ChangeRequest{
		Description: strings.Join(args, " "),
		DryRun:      dryRun,
		LocalOnly:   localOnly || cfg.Settings.LocalOnly,
		Repos:       repoFilter,
	}
	for _, r := range roleFilter {
		change.Roles = append(change.Roles, domain.Role(r))
	}

	opts := runOptions(cfg.Settings)
	if maxParallel > 0 {
		opts.MaxParallel = maxParallel
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	deps, err := newDeps(cfg, modelFlag, change.LocalOnly, bus, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(deps)
	sched.Notifier = newNotifier(cfg)
	store, err := openStore(cfg)
	if err != nil {
		logger.Warn("run history disabled", "error", err)
	} else {
		defer store.Close()
		sched.Store = store
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	obs := observer.New(stuckAfter)
	go obs.Watch(watchCtx, bus.Subscribe("observer", events.DefaultBufferSize))

	if !jsonOutput {
		prog := newProgress(cmd.ErrOrStderr(), verbose)
		go prog.watch(watchCtx, bus.Subscribe("progress", events.DefaultBufferSize))
	}

	if listenAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:     listenAddr,
			Store:    storeOrNil(store),
			Bus:      bus,
			Observer: obs,
			Logger:   logger,
		})
		go func() {
			if err := srv.Start(watchCtx); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		}()
		fmt.Fprintf(cmd.ErrOrStderr(), "Live status at http://%s/api/status\n", listenAddr)
	}

	sum, err := sched.Run(ctx, change, repos, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		err = report.WriteJSON(out, sum)
	} else {
		fmt.Fprintln(out)
		err = report.Render(out, sum)
	}
	if err != nil {
		return err
	}
	if !report.Success(sum) {
		return &exitError{code: 1}
	}
	return nil
}

// storeOrNil keeps a nil *Store from becoming a non-nil interface
func storeOrNil(s *runstore.Store) api.Store {
	if s == nil {
		return nil
	}
	return s
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the result of the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		sum, err := store.LastRun(cmd.Context())
		if errors.Is(err, runstore.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return report.WriteJSON(cmd.OutOrStdout(), sum)
		}
		return report.Render(cmd.OutOrStdout(), sum)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), historyN)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tOK\tFAILED\tSKIPPED\tDURATION\tCHANGE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				shortID(r.RunID),
				humanize.Time(r.StartedAt),
				r.Succeeded, r.Failed, r.Skipped,
				report.FormatDuration(r.Duration),
				truncate(r.Change, 50),
			)
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter cascade.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigNames[0]
		if len(args) == 1 {
			path = args[0]
		}
		name := initName
		if name == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			name = filepath.Base(wd)
		}
		if initForce {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		if err := config.WriteStarter(path, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and the configured repos",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repos, err := cfg.RepoConfigs()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Project %s: %d repos\n", cfg.Name, len(repos))
		problems := 0
		for _, r := range repos {
			var notes []string
			if !vcs.IsRepo(r.Path) {
				notes = append(notes, "not a git repository")
				problems++
			}
			if !r.HasTests() {
				notes = append(notes, "no test_cmd")
			}
			if r.Hosting == nil {
				notes = append(notes, "no github remote")
			}
			status := "ok"
			if len(notes) > 0 {
				status = strings.Join(notes, ", ")
			}
			fmt.Fprintf(out, "  %-20s %-8s %s (%s)\n", r.Name, r.EffectiveRole(), r.Path, status)
		}

		if path, err := newOracle(cfg, "", nil).LookPath(); err != nil {
			fmt.Fprintf(out, "Oracle binary %q not found\n", cfg.Oracle.Binary)
			problems++
		} else {
			fmt.Fprintf(out, "Oracle binary: %s\n", path)
		}

		if problems > 0 {
			return fmt.Errorf("%d problem(s) found", problems)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run history API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort > 0 {
			cfg.Web.Port = servePort
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := webAddr(cfg)
		srv := api.NewServer(api.Config{Addr: addr, Store: store, Logger: logger})
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", addr)
		return srv.Start(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cascade %s\n", version)

		cfg, err := config.LoadWithLocalFallback(configPath)
		if err != nil {
			cfg = config.Default()
		}
		if path, err := newOracle(cfg, "", nil).LookPath(); err != nil {
			fmt.Fprintf(out, "oracle: %s (not found)\n", cfg.Oracle.Binary)
		} else {
			fmt.Fprintf(out, "oracle: %s\n", path)
		}
	},
}
