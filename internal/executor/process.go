// Package executor runs external processes for the pipeline stages. Every
// process runs in its own process group so cancelling the context kills the
// whole tree, not just the direct child.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrNotStarted is returned when the process could not be started at all
var ErrNotStarted = errors.New("process could not be started")

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// process was killed or exited while children still hold its pipes.
const DefaultWaitDelay = 2 * time.Second

// MaxLineSize is the longest output line that is captured. Output after a
// longer line is discarded and the outcome is marked truncated.
const MaxLineSize = 1024 * 1024

// TruncatedMarker ends the captured output when a line exceeded MaxLineSize
const TruncatedMarker = "[output truncated: line longer than 1 MiB]"

// Process describes one command invocation
type Process struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin io.Reader

	// OnLine is called for every line of combined stdout/stderr, in order
	OnLine func(line string)
	// OnStart is called with the PID once the process is running
	OnStart func(pid int)

	WaitDelay time.Duration
}

// Outcome is the result of a process that ran to completion
type Outcome struct {
	Output   string
	ExitCode int
	PID      int
	Duration time.Duration
	// Truncated is set when output was dropped after an over-long line
	Truncated bool
}

// Success returns true if the process exited with status 0
func (o *Outcome) Success() bool {
	return o != nil && o.ExitCode == 0
}

// Shell returns a Process that runs command through the platform shell
func Shell(command, dir string) *Process {
	if runtime.GOOS == "windows" {
		return &Process{Name: "cmd", Args: []string{"/C", command}, Dir: dir}
	}
	return &Process{Name: "sh", Args: []string{"-c", command}, Dir: dir}
}

// Run starts the process and waits for it. A non-zero exit is not an error;
// it is reported through Outcome.ExitCode. If ctx ends first the process
// group is killed and ctx.Err() is returned together with the partial outcome.
func (p *Process) Run(ctx context.Context) (*Outcome, error) {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	cmd.Stdin = p.Stdin
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		out       strings.Builder
		wg        sync.WaitGroup
		truncated bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		// Increase buffer size for long JSON lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, MaxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			out.WriteString(line)
			out.WriteByte('\n')
			if p.OnLine != nil {
				p.OnLine(line)
			}
		}
		if errors.Is(scanner.Err(), bufio.ErrTooLong) {
			truncated = true
			out.WriteString(TruncatedMarker)
			out.WriteByte('\n')
			if p.OnLine != nil {
				p.OnLine(TruncatedMarker)
			}
		}
		// keep the writer side unblocked if the scanner gave up early
		io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, p.Name, err)
	}
	pid := cmd.Process.Pid
	if p.OnStart != nil {
		p.OnStart(pid)
	}

	waitErr := cmd.Wait()
	pw.Close()
	wg.Wait()

	outcome := &Outcome{
		Output:    out.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		PID:       pid,
		Duration:  time.Since(start),
		Truncated: truncated,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return outcome, nil
		}
		// I/O errors after exit (e.g. WaitDelay expired) keep the exit code
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			return outcome, nil
		}
		return outcome, fmt.Errorf("waiting for %s: %w", p.Name, waitErr)
	}
	return outcome, nil
}
