// Package testrunner runs a repository's configured test command.
package testrunner

import (
	"context"
	"time"

	"github.com/hochfrequenz/cascade/internal/executor"
)

// Result is the outcome of one test run
type Result struct {
	Output   string
	ExitCode int
	Passed   bool
	Duration time.Duration
}

// Shell runs test commands through sh -c. Timeout optionally caps a single
// run on top of whatever deadline ctx carries.
type Shell struct {
	Timeout time.Duration
	Env     []string
	OnLine  func(line string)
}

// Run executes command in dir. A failing test command is a result, not an
// error; errors mean the command could not be run or ctx ended.
func (s *Shell) Run(ctx context.Context, dir, command string) (*Result, error) {
	return s.RunStreaming(ctx, dir, command, s.OnLine)
}

// RunStreaming is Run with onLine called for every output line
func (s *Shell) RunStreaming(ctx context.Context, dir, command string, onLine func(string)) (*Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	proc := executor.Shell(command, dir)
	proc.Env = s.Env
	proc.OnLine = onLine

	out, err := proc.Run(ctx)
	if out == nil {
		return nil, err
	}
	res := &Result{
		Output:   out.Output,
		ExitCode: out.ExitCode,
		Passed:   err == nil && out.Success(),
		Duration: out.Duration,
	}
	return res, err
}
