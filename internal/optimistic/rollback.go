package optimistic

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errRolledBackBeforeConfirmation = errors.New("rolled back before confirmation")

// Rollback reverts a pending, retrying or failed entry to its original value.
// The entry always ends rolled back. An error from the rollback callback is
// reported through feedback and returned.
func (e *Executor) Rollback(ctx context.Context, id string) error {
	_, err := e.rollback(ctx, id)
	return err
}

// RollbackAll reverts every pending or failed entry and returns how many
// ended rolled back.
func (e *Executor) RollbackAll(ctx context.Context) int {
	entries := e.registry.List(Filter{Statuses: []Status{StatusPending, StatusFailed}})
	count := 0
	for _, entry := range entries {
		if e.opts.Type != "" && entry.Type != e.opts.Type {
			continue
		}
		if rolledBack, _ := e.rollback(ctx, entry.ID); rolledBack {
			count++
		}
	}
	return count
}

func (e *Executor) rollback(ctx context.Context, id string) (bool, error) {
	if !e.opts.EnableRollback {
		return false, ErrRollbackDisabled
	}
	entry, ok := e.registry.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: update %s", ErrNotFound, id)
	}
	if entry.Status.Terminal() {
		return false, &TransitionError{ID: id, From: entry.Status, To: StatusRolledBack}
	}

	ctx, span := tracer.Start(ctx, "optimistic.rollback", trace.WithAttributes(
		attribute.String("entry_id", id),
		attribute.String("status", string(entry.Status)),
	))
	defer span.End()

	e.registry.Publish(Event{Type: EventRollbackInitiated, Update: &entry})

	original := entry.OriginalData
	if snap, ok := e.snapshots.Get(id); ok {
		original = snap
	}
	if entry.Status != StatusFailed {
		if _, err := e.registry.Transition(id, Transition{To: StatusFailed, Err: errRolledBackBeforeConfirmation}); err != nil {
			return false, err
		}
	}
	e.mu.Lock()
	decision := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if decision != nil {
		decision.drop()
	}

	cbErr := e.callRollback(ctx, original, entry.Data)
	if _, err := e.registry.Transition(id, Transition{To: StatusRolledBack, Data: original}); err != nil {
		return false, err
	}
	e.snapshots.Delete(id)
	e.registry.ScheduleRemoval(id, e.grace)

	if cbErr != nil {
		span.RecordError(cbErr)
		span.SetStatus(codes.Error, cbErr.Error())
		e.logger.Error("rollback callback failed", "entry_id", id, "error", cbErr)
		e.notify(Feedback{
			Type:    FeedbackError,
			Title:   rollbackFailedTitle,
			Message: "An error occurred while reverting your changes",
			EntryID: id,
		})
		return true, cbErr
	}
	if !e.opts.Feedback.DisableRollback {
		e.notify(Feedback{
			Type:    FeedbackInfo,
			Title:   pick(e.opts.Feedback.RollbackTitle, defaultRollbackTitle),
			Message: pick(e.opts.Feedback.RollbackMessage, defaultRollbackMessage),
			EntryID: id,
		})
	}
	return true, nil
}

func (e *Executor) callRollback(ctx context.Context, original, speculative Record) (err error) {
	if e.opts.OnRollback == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rollback callback panicked: %v", p)
		}
	}()
	return e.opts.OnRollback(ctx, original.Clone(), speculative.Clone())
}
