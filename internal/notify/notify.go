// Package notify tells people that a run has finished.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string   // Optional run reference
	PRURLs  []string // Pull requests opened by the run
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// FromSummary builds the completion notification of a run
func FromSummary(sum *domain.RunSummary) Notification {
	n := Notification{
		Title: "Cascade run finished",
		RunID: sum.RunID,
		Type:  NotifySuccess,
	}
	switch {
	case sum.Failed > 0 && sum.Succeeded == 0 && sum.Skipped == 0:
		n.Type = NotifyError
		n.Title = "Cascade run failed"
	case sum.Failed > 0:
		n.Type = NotifyWarning
		n.Title = "Cascade run finished with failures"
	case sum.DryRun:
		n.Type = NotifyInfo
		n.Title = "Cascade dry run finished"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d succeeded, %d failed, %d skipped", sum.Change, sum.Succeeded, sum.Failed, sum.Skipped)
	var failed []string
	for _, res := range sum.Results {
		if res.Outcome == domain.OutcomeFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", res.Repo, res.Reason))
		}
		if res.PRURL != "" {
			n.PRURLs = append(n.PRURLs, res.PRURL)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailed: " + strings.Join(failed, ", "))
	}
	n.Message = b.String()
	return n
}
