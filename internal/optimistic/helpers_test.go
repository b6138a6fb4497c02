package optimistic

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, c clock.Clock) *Registry {
	t.Helper()
	reg, err := NewRegistry(RegistryOptions{Clock: c, Logger: discardLogger(), DisableSweep: true})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg
}

func newTestExecutor(t *testing.T, reg *Registry, opts Options) *Executor {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	exec, err := NewExecutor(reg, opts)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

type feedbackRecorder struct {
	mu    sync.Mutex
	items []Feedback
}

func (r *feedbackRecorder) OnFeedback(fb Feedback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, fb)
}

func (r *feedbackRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, fb := range r.items {
		out = append(out, fb.Title)
	}
	return out
}

func (r *feedbackRecorder) ofType(kind FeedbackType) []Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Feedback
	for _, fb := range r.items {
		if fb.Type == kind {
			out = append(out, fb)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(kind EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// statuses returns the status sequence observed for id.
func (r *eventRecorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.events {
		if ev.Update == nil || ev.Update.ID != id {
			continue
		}
		if ev.Type == EventUpdateAdded || ev.Type == EventUpdateChanged {
			if len(out) == 0 || out[len(out)-1] != ev.Update.Status {
				out = append(out, ev.Update.Status)
			}
		}
	}
	return out
}

func blockUntil(t *testing.T, m *clock.Manual, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.BlockUntil(ctx, n), "timed out waiting for %d timers", n)
}

func waitForStatus(t *testing.T, reg *Registry, id string, status Status) UpdateEntry {
	t.Helper()
	var entry UpdateEntry
	require.Eventually(t, func() bool {
		var ok bool
		entry, ok = reg.Get(id)
		return ok && entry.Status == status
	}, 2*time.Second, 5*time.Millisecond, "entry %s never reached %s", id, status)
	return entry
}
