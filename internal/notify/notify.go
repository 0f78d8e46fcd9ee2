// Package notify publishes workflow transition events after an action has
// been committed.
package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event describes one committed workflow action.
type Event struct {
	SubmissionID string    `json:"submission_id"`
	WorkflowID   string    `json:"workflow_id"`
	FromStage    string    `json:"from_stage"`
	ToStage      string    `json:"to_stage"`
	Transitioned bool      `json:"transitioned"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	UserID       string    `json:"user_id"`
	Revision     int64     `json:"revision"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subject builds "<prefix>.<workflowID>.<action>". Dots and wildcards in the
// ids are replaced so they cannot add subject tokens.
func Subject(prefix string, ev Event) string {
	return prefix + "." + subjectToken(ev.WorkflowID) + "." + subjectToken(ev.Action)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
	prefix string
}

// NewLogPublisher creates a publisher that logs each event at info level.
func NewLogPublisher(logger *zap.Logger, prefix string) *LogPublisher {
	return &LogPublisher{logger: logger, prefix: prefix}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info("workflow transition",
		zap.String("subject", Subject(p.prefix, ev)),
		zap.String("submission_id", ev.SubmissionID),
		zap.String("workflow_id", ev.WorkflowID),
		zap.String("from_stage", ev.FromStage),
		zap.String("to_stage", ev.ToStage),
		zap.Bool("transitioned", ev.Transitioned),
		zap.String("action", ev.Action),
		zap.String("status", ev.Status),
		zap.String("user_id", ev.UserID),
		zap.Int64("revision", ev.Revision),
	)
	return nil
}
