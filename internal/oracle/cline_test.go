package oracle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/cascade/internal/prompts"
)

// fakeCline writes a shell script standing in for the cline binary. The
// script records its arguments and stdin next to itself.
func fakeCline(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script oracle requires a unix shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "cline")
	content := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > " + filepath.Join(dir, "args") + "\n" +
		body + "\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	return script, dir
}

func newTestCline(binary string) *Cline {
	return &Cline{Binary: binary, Model: "test-model", Prompts: prompts.NewLoader()}
}

func TestCline_DiscoverParsesJSONLines(t *testing.T) {
	repo := t.TempDir()
	os.WriteFile(filepath.Join(repo, "user.py"), []byte("x"), 0644)

	bin, dir := fakeCline(t, `echo '{"type":"say","text":"Change user.py: rename field"}'`)
	c := newTestCline(bin)

	var lines []string
	res, err := c.Invoke(context.Background(), Request{
		Mode:     ModeDiscover,
		RepoPath: repo,
		RepoName: "api",
		Change:   "rename field",
		OnOutput: func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Change user.py: rename field" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Findings) != 1 || res.Findings[0].Path != "user.py" {
		t.Errorf("Findings = %+v", res.Findings)
	}
	if len(lines) != 1 {
		t.Errorf("streamed %d lines, want 1", len(lines))
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	for _, want := range []string{"--json", "-c", repo, "-m", "test-model"} {
		if !strings.Contains(string(args), want+"\n") {
			t.Errorf("args missing %q:\n%s", want, args)
		}
	}
	if strings.Contains(string(args), "-y\n") {
		t.Error("read-only mode must not auto-approve")
	}
}

func TestCline_AdaptAutoApproves(t *testing.T) {
	bin, dir := fakeCline(t, "echo done")
	c := newTestCline(bin)

	if _, err := c.Invoke(context.Background(), Request{Mode: ModeAdapt, RepoPath: t.TempDir(), Change: "x"}); err != nil {
		t.Fatal(err)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if !strings.HasPrefix(string(args), "-y\n") {
		t.Errorf("adapt should start with -y, got:\n%s", args)
	}
}

func TestCline_ReviewPipesDiff(t *testing.T) {
	bin, dir := fakeCline(t, "cat > "+"\"$(dirname \"$0\")/stdin\"\necho '- [blocking] a.go: broken'\necho 'VERDICT: block'")
	c := newTestCline(bin)

	res, err := c.Invoke(context.Background(), Request{Mode: ModeReview, RepoPath: t.TempDir(), Change: "x", Aux: "diff --git a/a.go b/a.go\n"})
	if err != nil {
		t.Fatal(err)
	}
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if !strings.HasPrefix(string(stdin), "diff --git") {
		t.Errorf("stdin = %q", stdin)
	}
	if !res.Blocking() {
		t.Errorf("review should be blocking: %+v", res)
	}
}

func TestCline_ExitError(t *testing.T) {
	bin, _ := fakeCline(t, "echo 'model overloaded'; exit 2")
	c := newTestCline(bin)

	_, err := c.Invoke(context.Background(), Request{Mode: ModeAdapt, RepoPath: t.TempDir(), Change: "x"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exitErr.Status != 2 || !strings.Contains(exitErr.Output, "model overloaded") {
		t.Errorf("ExitError = %+v", exitErr)
	}
}

func TestCline_Unavailable(t *testing.T) {
	c := newTestCline(filepath.Join(t.TempDir(), "missing-cline"))
	_, err := c.Invoke(context.Background(), Request{Mode: ModeAdapt, Change: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCline_Timeout(t *testing.T) {
	bin, _ := fakeCline(t, "sleep 30")
	c := newTestCline(bin)

	start := time.Now()
	_, err := c.Invoke(context.Background(), Request{Mode: ModeDiscover, RepoPath: t.TempDir(), Change: "x", Timeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("oracle was not killed on timeout")
	}
}

func TestCline_ParentCancel(t *testing.T) {
	bin, _ := fakeCline(t, "sleep 30")
	c := newTestCline(bin)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, Request{Mode: ModeAdapt, RepoPath: t.TempDir(), Change: "x", Timeout: time.Minute})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want parent context error", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("parent deadline must not be reported as oracle timeout")
	}
}

func TestCline_DiscoverEmptyOutput(t *testing.T) {
	bin, _ := fakeCline(t, "true")
	c := newTestCline(bin)
	_, err := c.Invoke(context.Background(), Request{Mode: ModeDiscover, RepoPath: t.TempDir(), Change: "x"})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}
