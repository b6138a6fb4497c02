package optimistic

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 10 * time.Second
)

// RetryPolicy bounds retries with capped exponential backoff. Zero fields
// select the defaults. A negative MaxRetries disables retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	switch {
	case p.MaxRetries == 0:
		p.MaxRetries = DefaultMaxRetries
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	p = p.withDefaults()
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retry re-runs the remote operation for a failed entry after the backoff
// delay. When the entry has used all of its retries Retry emits a feedback
// event and returns (nil, nil) without touching the entry.
func (e *Executor) Retry(ctx context.Context, id string) (Record, error) {
	entry, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: update %s", ErrNotFound, id)
	}
	if entry.Status != StatusFailed {
		return nil, &TransitionError{ID: id, From: entry.Status, To: StatusRetrying}
	}
	if entry.RetryCount >= entry.MaxRetries {
		e.metrics.observeRetry(entry.Type, "refused")
		e.logger.Warn("max retries reached", "entry_id", id, "attempt", entry.RetryCount)
		e.notify(Feedback{
			Type:    FeedbackError,
			Title:   maxRetriesTitle,
			Message: fmt.Sprintf("Gave up after %d retries", entry.MaxRetries),
			EntryID: id,
		})
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "optimistic.retry", trace.WithAttributes(
		attribute.String("entry_id", id),
		attribute.Int("attempt", entry.RetryCount+1),
	))
	defer span.End()

	entry, err := e.registry.Transition(id, Transition{To: StatusRetrying})
	if err != nil {
		return nil, err
	}
	e.metrics.observeRetry(entry.Type, "scheduled")
	delay := e.policy.Delay(entry.RetryCount)
	e.logger.Info("retrying update", "entry_id", id, "attempt", entry.RetryCount, "delay", delay)
	if err := clock.Sleep(ctx, e.clock, delay); err != nil {
		e.fail(ctx, id, entry.Data, err, false)
		return nil, err
	}
	res, err := e.attempt(ctx, id, entry.Data, entry.Data)
	return res.Value, err
}
