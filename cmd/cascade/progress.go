package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
)

// progress prints one line per stage change while a run is in flight
type progress struct {
	w       io.Writer
	verbose bool
	repo    lipgloss.Style
	failed  lipgloss.Style
	done    lipgloss.Style
	dim     lipgloss.Style
}

func newProgress(w io.Writer, verbose bool) *progress {
	r := lipgloss.NewRenderer(w)
	return &progress{
		w:       w,
		verbose: verbose,
		repo:    r.NewStyle().Bold(true),
		failed:  r.NewStyle().Foreground(lipgloss.Color("1")),
		done:    r.NewStyle().Foreground(lipgloss.Color("2")),
		dim:     r.NewStyle().Faint(true),
	}
}

// watch prints events from sub until it is closed or ctx ends
func (p *progress) watch(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if line := p.format(e); line != "" {
				fmt.Fprintln(p.w, line)
			}
		}
	}
}

func (p *progress) format(e events.Event) string {
	switch e.Kind {
	case events.KindRunStarted:
		return p.dim.Render("run started: " + e.Payload)
	case events.KindStageEntered:
		if e.Stage.IsTerminal() {
			return ""
		}
		return fmt.Sprintf("%s %s", p.repo.Render(e.Repo), e.Stage)
	case events.KindStageCompleted:
		switch e.Stage {
		case domain.StageDone:
			return fmt.Sprintf("%s %s", p.repo.Render(e.Repo), p.done.Render("done"))
		case domain.StageFailed:
			return fmt.Sprintf("%s %s", p.repo.Render(e.Repo), p.failed.Render("failed"))
		}
	case events.KindRetry:
		return fmt.Sprintf("%s %s", p.repo.Render(e.Repo), p.dim.Render(e.Payload))
	case events.KindError:
		return fmt.Sprintf("%s %s", p.repo.Render(e.Repo), p.failed.Render(e.Payload))
	case events.KindOutput:
		if p.verbose {
			return fmt.Sprintf("%s %s", p.dim.Render(e.Repo+" |"), e.Payload)
		}
	case events.KindRunCompleted:
		return p.dim.Render("run completed: " + e.Payload)
	}
	return ""
}
