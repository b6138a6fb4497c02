package optimistic

import (
	"context"
	"log/slog"
	"time"
)

type FeedbackType string

const (
	FeedbackInfo    FeedbackType = "info"
	FeedbackSuccess FeedbackType = "success"
	FeedbackError   FeedbackType = "error"
)

// Feedback is a user-facing notification. Rendering it is the caller's job.
type Feedback struct {
	Type      FeedbackType `json:"type"`
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	EntryID   string       `json:"entryId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type FeedbackSink interface {
	OnFeedback(Feedback)
}

type FeedbackFunc func(Feedback)

func (f FeedbackFunc) OnFeedback(fb Feedback) {
	if f != nil {
		f(fb)
	}
}

// LogSink writes feedback as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnFeedback(fb Feedback) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if fb.Type == FeedbackError {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, fb.Title,
		"feedback_type", string(fb.Type),
		"message", fb.Message,
		"entry_id", fb.EntryID,
	)
}

type multiSink []FeedbackSink

func (m multiSink) OnFeedback(fb Feedback) {
	for _, sink := range m {
		if sink != nil {
			sink.OnFeedback(fb)
		}
	}
}

// MultiSink fans feedback out to every non-nil sink.
func MultiSink(sinks ...FeedbackSink) FeedbackSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

const (
	defaultProgressTitle   = "Saving changes"
	defaultProgressMessage = "Your changes are being saved"
	defaultSuccessTitle    = "Changes saved"
	defaultSuccessMessage  = "Your changes were saved"
	defaultErrorTitle      = "Failed to save changes"
	defaultRollbackTitle   = "Changes reverted"
	defaultRollbackMessage = "Your changes were reverted"
	maxRetriesTitle        = "Max retries reached"
	rollbackFailedTitle    = "Rollback failed"
	queuedSkippedTitle     = "Queued change not sent"
)

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
