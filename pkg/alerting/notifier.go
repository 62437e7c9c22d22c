// Package alerting notifies operators when pipeline steps fail or are retried.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
)

// EventKind distinguishes the step events that can raise an alert.
type EventKind string

const (
	// EventFailure is raised once a step has exhausted its retries.
	EventFailure EventKind = "failure"
	// EventRetry is raised before a failed step is attempted again.
	EventRetry EventKind = "retry"
)

// Event describes a failed or retried step.
type Event struct {
	Kind       EventKind
	PipelineID string
	RunID      string
	NodeID     string
	Attempt    int
	State      domain.RunState
	Err        error
	Recipients []string
	At         time.Time
}

// Subject returns a one-line summary suitable for an e-mail subject.
func (e Event) Subject() string {
	switch e.Kind {
	case EventRetry:
		return fmt.Sprintf("[polis-flow] Retry %d of %s.%s", e.Attempt, e.PipelineID, e.NodeID)
	default:
		return fmt.Sprintf("[polis-flow] Failed: %s.%s", e.PipelineID, e.NodeID)
	}
}

// Body returns the plain text description of the event.
func (e Event) Body() string {
	errText := "<none>"
	if e.Err != nil {
		errText = e.Err.Error()
	}
	return fmt.Sprintf("Pipeline: %s\nRun: %s\nStep: %s\nAttempt: %d\nState: %s\nTime: %s\nError: %s\n",
		e.PipelineID, e.RunID, e.NodeID, e.Attempt, e.State, e.At.UTC().Format(time.RFC3339), errText)
}

// Notifier delivers alert events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// ShouldNotify applies the pipeline alert policy to an event kind.
func ShouldNotify(policy domain.AlertPolicy, kind EventKind) bool {
	switch kind {
	case EventFailure:
		return policy.OnFailure
	case EventRetry:
		return policy.OnRetry
	default:
		return false
	}
}

// LogNotifier writes alert events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs events at warn/error level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelWarn
	if event.Kind == EventFailure {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "step alert",
		"kind", string(event.Kind),
		"pipeline_id", event.PipelineID,
		"run_id", event.RunID,
		"node_id", event.NodeID,
		"attempt", event.Attempt,
		"state", string(event.State),
		"recipients", event.Recipients,
		"error", event.Err,
	)
	return nil
}

// MultiNotifier fans an event out to several notifiers and joins their errors.
type MultiNotifier []Notifier

// Notify delivers the event to every notifier.
func (m MultiNotifier) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
