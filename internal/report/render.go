package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/cascade/internal/domain"
)

const (
	maxListedFiles = 5
	reviewPreview  = 200
)

type styles struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	skipped lipgloss.Style
	warning lipgloss.Style
	dimmed  lipgloss.Style
	repo    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("196")),
		skipped: r.NewStyle().Foreground(lipgloss.Color("244")),
		warning: r.NewStyle().Foreground(lipgloss.Color("214")),
		dimmed:  r.NewStyle().Foreground(lipgloss.Color("240")),
		repo:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
	}
}

// FormatDuration rounds d for display
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// Render writes the human readable report of a run
func Render(w io.Writer, sum *domain.RunSummary) error {
	st := newStyles(w)
	var b strings.Builder

	title := "Cascade run"
	if sum.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(&b, st.title.Render(title))
	fmt.Fprintf(&b, "Change: %s\n", sum.Change)
	if sum.RunID != "" {
		fmt.Fprintln(&b, st.dimmed.Render("Run:    "+sum.RunID))
	}
	if !sum.StartedAt.IsZero() {
		fmt.Fprintln(&b, st.dimmed.Render("Started "+humanize.Time(sum.StartedAt)))
	}
	b.WriteString("\n")

	for _, res := range sum.Results {
		renderResult(&b, st, res)
	}

	counts := fmt.Sprintf("%d total, %s, %s, %s", sum.Total,
		st.ok.Render(fmt.Sprintf("%d succeeded", sum.Succeeded)),
		st.failed.Render(fmt.Sprintf("%d failed", sum.Failed)),
		st.skipped.Render(fmt.Sprintf("%d skipped", sum.Skipped)))
	fmt.Fprintf(&b, "Summary: %s in %s\n", counts, FormatDuration(sum.Duration))
	if n := sum.FilesChanged(); n > 0 {
		fmt.Fprintf(&b, "Files changed: %s\n", humanize.Comma(int64(n)))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderResult(b *strings.Builder, st styles, res domain.RepoResult) {
	var status string
	switch res.Outcome {
	case domain.OutcomeSucceeded:
		status = st.ok.Render("✓ succeeded")
	case domain.OutcomeSkipped:
		status = st.skipped.Render("- skipped")
	default:
		status = st.failed.Render("✗ failed")
		if res.Reason != "" {
			status += st.failed.Render(" (" + string(res.Reason) + ")")
		}
	}
	fmt.Fprintf(b, "%s  %s  %s\n", st.repo.Render(res.Repo), status, st.dimmed.Render(FormatDuration(res.Duration)))

	if res.Branch != "" {
		fmt.Fprintf(b, "  branch: %s\n", res.Branch)
	}
	if len(res.FilesChanged) > 0 {
		files := res.FilesChanged
		more := ""
		if len(files) > maxListedFiles {
			more = fmt.Sprintf(" (+%d more)", len(files)-maxListedFiles)
			files = files[:maxListedFiles]
		}
		fmt.Fprintf(b, "  files:  %s%s\n", strings.Join(files, ", "), more)
	} else if len(res.Findings) > 0 {
		fmt.Fprintf(b, "  found:  %d affected files\n", len(res.Findings))
	}
	if res.TestAttempts > 0 {
		tests := "passed"
		if !res.TestPassed {
			tests = "failing"
		}
		fmt.Fprintf(b, "  tests:  %s after %d attempt(s)\n", tests, res.TestAttempts)
	}
	if res.PRURL != "" {
		fmt.Fprintf(b, "  pr:     %s\n", res.PRURL)
	}
	if res.Error != "" {
		fmt.Fprintf(b, "  error:  %s\n", st.failed.Render(res.Error))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(b, "  warn:   %s\n", st.warning.Render(w))
	}
	if res.Review != "" {
		fmt.Fprintf(b, "  review: %s\n", st.dimmed.Render(preview(res.Review, reviewPreview)))
	}
	b.WriteString("\n")
}

// preview returns the first n runes of s on one line
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// WriteJSON writes the summary as indented JSON
func WriteJSON(w io.Writer, sum *domain.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
