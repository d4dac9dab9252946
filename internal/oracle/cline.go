package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/cascade/internal/executor"
	"github.com/hochfrequenz/cascade/internal/prompts"
)

// DefaultBinary is the oracle executable looked up on PATH
const DefaultBinary = "cline"

// Cline runs the cline CLI as the oracle:
//
//	cline [-y] [--json] -c <dir> [-m model] <prompt>
//
// Write modes run with -y (auto-approve), read-only modes with --json. The
// review diff is piped on stdin.
type Cline struct {
	Binary    string
	Model     string
	ExtraArgs []string
	Prompts   *prompts.Loader
	Logger    *slog.Logger
}

// NewCline returns a cline client using the default prompt loader for projectRoot
func NewCline(binary, model, projectRoot string, logger *slog.Logger) *Cline {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cline{
		Binary:  binary,
		Model:   model,
		Prompts: prompts.DefaultLoader(projectRoot),
		Logger:  logger,
	}
}

func (c *Cline) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// LookPath returns the resolved oracle binary location
func (c *Cline) LookPath() (string, error) {
	return exec.LookPath(c.Binary)
}

func (c *Cline) buildArgs(req Request, prompt string) []string {
	var args []string
	if req.Mode.ReadOnly() {
		args = append(args, "--json")
	} else {
		args = append(args, "-y")
	}
	if req.RepoPath != "" {
		args = append(args, "-c", req.RepoPath)
	}
	if c.Model != "" {
		args = append(args, "-m", c.Model)
	}
	args = append(args, c.ExtraArgs...)
	return append(args, prompt)
}

func (c *Cline) buildPrompt(req Request) (string, error) {
	data := prompts.Data{
		Change:   req.Change,
		RepoName: req.RepoName,
		Language: req.Language,
		Findings: req.Findings,
	}
	switch req.Mode {
	case ModeFix:
		data.TestOutput = TailTruncate(req.Aux, MaxTestOutput)
	case ModeReview:
		data.Diff = req.Aux
	}
	return c.Prompts.Build(string(req.Mode), data)
}

// Invoke runs one oracle invocation
func (c *Cline) Invoke(ctx context.Context, req Request) (*Result, error) {
	prompt, err := c.buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("building %s prompt: %w", req.Mode, err)
	}

	invokeCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	proc := &executor.Process{
		Name:   c.Binary,
		Args:   c.buildArgs(req, prompt),
		Dir:    req.RepoPath,
		OnLine: req.OnOutput,
	}
	if req.Mode == ModeReview && req.Aux != "" {
		proc.Stdin = strings.NewReader(req.Aux)
	}

	c.logger().Debug("invoking oracle", "mode", req.Mode, "repo", req.RepoName, "binary", c.Binary)

	out, err := proc.Run(invokeCtx)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrNotStarted):
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		default:
			return nil, err
		}
	}

	result := &Result{
		RawOutput:  out.Output,
		ExitStatus: out.ExitCode,
		Duration:   out.Duration,
	}
	if !out.Success() {
		return result, &ExitError{Mode: req.Mode, Status: out.ExitCode, Output: TailTruncate(out.Output, 500)}
	}

	result.Text = ExtractText(out.Output)
	switch req.Mode {
	case ModeDiscover:
		if strings.TrimSpace(result.Text) == "" {
			return result, ErrMalformedOutput
		}
		result.Findings = ParseFindings(result.Text, req.RepoPath)
	case ModeReview:
		result.Findings, result.Verdict = ParseReview(result.Text)
	}
	return result, nil
}

// clineMessage is one line of cline --json output
type clineMessage struct {
	Type string `json:"type"`
	Say  string `json:"say,omitempty"`
	Text string `json:"text"`
}

// ExtractText returns the human-readable text of cline output. JSON-lines
// output yields the text of its "say" messages; anything else is returned
// unchanged.
func ExtractText(output string) string {
	var (
		parts  []string
		parsed int
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var msg clineMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		parsed++
		if msg.Type == "say" && msg.Text != "" {
			parts = append(parts, msg.Text)
		}
	}
	if parsed == 0 {
		return output
	}
	return strings.Join(parts, "\n")
}
