package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestProcess_Run(t *testing.T) {
	var lines []string
	p := Shell("echo one; echo two 1>&2", t.TempDir())
	p.OnLine = func(line string) { lines = append(lines, line) }

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success() {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
	if !strings.Contains(out.Output, "one") || !strings.Contains(out.Output, "two") {
		t.Errorf("Output = %q, want stdout and stderr", out.Output)
	}
	if len(lines) != 2 {
		t.Errorf("OnLine called %d times, want 2", len(lines))
	}
	if out.PID == 0 {
		t.Error("PID not recorded")
	}
}

func TestProcess_NonZeroExit(t *testing.T) {
	out, err := Shell("echo failing; exit 3", "").Run(context.Background())
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.Success() {
		t.Error("Success() should be false")
	}
}

func TestProcess_Stdin(t *testing.T) {
	p := Shell("cat", "")
	p.Stdin = strings.NewReader("piped diff\n")
	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.Output) != "piped diff" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestProcess_NotStarted(t *testing.T) {
	p := &Process{Name: "definitely-not-a-binary-cascade"}
	_, err := p.Run(context.Background())
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestProcess_Env(t *testing.T) {
	p := Shell("echo $CASCADE_TEST_VAR", "")
	p.Env = []string{"CASCADE_TEST_VAR=hello"}
	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.Output) != "hello" {
		t.Errorf("Output = %q", out.Output)
	}
}
