package optimistic

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

func TestBatchingFlushesEveryQueuedMutation(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	reg := newTestRegistry(t, clk)
	events := &eventRecorder{}
	reg.Subscribe(events)
	var calls atomic.Int32

	exec := newTestExecutor(t, reg, Options{
		Type:      "note",
		Speculate: func(vars, _ Record) (Record, error) { return vars.Clone(), nil },
		Remote: func(_ context.Context, vars Record) (Record, error) {
			calls.Add(1)
			return vars, nil
		},
		Batching:         true,
		BatchConcurrency: 2,
		FeedbackSink:     &feedbackRecorder{},
	})

	const n = 5
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := exec.Submit(context.Background(), Record{"i": i})
		require.NoError(t, err)
		require.True(t, res.Deferred)
		assert.Equal(t, Record{"i": i}, res.Value)
		ids = append(ids, res.EntryID)
		clk.Advance(DefaultBatchDelay / 2)
	}
	assert.Equal(t, n, exec.QueueLen())
	assert.Zero(t, calls.Load(), "each enqueue restarts the delay")

	clk.Advance(DefaultBatchDelay)
	assert.EqualValues(t, n, calls.Load())
	assert.Zero(t, exec.QueueLen())
	for _, id := range ids {
		entry, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusConfirmed, entry.Status)
	}

	batches := events.ofType(EventBatchProcessed)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Batch, n)
}

func TestBatchFlushRunsImmediately(t *testing.T) {
	reg := newTestRegistry(t, clock.NewManual(time.Time{}))
	var calls atomic.Int32
	exec := newTestExecutor(t, reg, Options{
		Speculate: func(vars, _ Record) (Record, error) { return vars.Clone(), nil },
		Remote:    func(_ context.Context, vars Record) (Record, error) { calls.Add(1); return vars, nil },
		Batching:  true,
	})
	for i := 0; i < 3; i++ {
		_, err := exec.Submit(context.Background(), Record{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, exec.Flush(context.Background()))
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, exec.Flush(context.Background()))
}

func TestBatchQueueFullFailsMutation(t *testing.T) {
	reg := newTestRegistry(t, clock.NewManual(time.Time{}))
	exec := newTestExecutor(t, reg, Options{
		Speculate:    func(vars, _ Record) (Record, error) { return vars.Clone(), nil },
		Remote:       func(_ context.Context, vars Record) (Record, error) { return vars, nil },
		Batching:     true,
		BatchQueue:   NewInMemoryBatchQueue(1),
		FeedbackSink: &feedbackRecorder{},
	})
	_, err := exec.Submit(context.Background(), Record{"i": 1})
	require.NoError(t, err)
	res, err := exec.Submit(context.Background(), Record{"i": 2})
	require.ErrorIs(t, err, ErrQueueFull)

	entry, _ := reg.Get(res.EntryID)
	assert.Equal(t, StatusFailed, entry.Status)
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	reg := newTestRegistry(t, clock.NewManual(time.Time{}))
	exec := newTestExecutor(t, reg, Options{
		Speculate:    func(vars, _ Record) (Record, error) { return vars.Clone(), nil },
		Remote:       func(_ context.Context, vars Record) (Record, error) { return vars, nil },
		Batching:     true,
		FeedbackSink: &feedbackRecorder{},
	})
	exec.Close()
	_, err := exec.Submit(context.Background(), Record{"i": 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFileBatchQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "batch.json")
	q, err := NewFileBatchQueue(path, 2)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(BatchItem{ID: "a", Vars: Record{"v": "1"}}))
	require.True(t, q.TryEnqueue(BatchItem{ID: "b", Vars: Record{"v": "2"}}))
	require.False(t, q.TryEnqueue(BatchItem{ID: "c"}))

	reopened, err := NewFileBatchQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())
	items := reopened.DrainAll()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, Record{"v": "2"}, items[1].Vars)

	again, err := NewFileBatchQueue(path, 2)
	require.NoError(t, err)
	assert.Zero(t, again.Depth())
}

func TestBuildBatchQueueFromDSN(t *testing.T) {
	q, err := BuildBatchQueueFromDSN("", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Capacity())

	q, err = BuildBatchQueueFromDSN("memory://", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultBatchQueueCapacity, q.Capacity())

	path := filepath.Join(t.TempDir(), "q.json")
	q, err = BuildBatchQueueFromDSN("file://"+path, 4)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(BatchItem{ID: "x"}))
	assert.FileExists(t, path)

	_, err = BuildBatchQueueFromDSN("redis://localhost:6379", 4)
	require.ErrorIs(t, err, ErrNotImplemented)
}

// openBatchedExecutor builds a registry and a batching executor over durable
// state and a file queue, the way a process would on start.
func openBatchedExecutor(t *testing.T, state StateBackend, queuePath string, policy RetryPolicy, remote RemoteOperation, fb FeedbackSink) (*Registry, *Executor) {
	t.Helper()
	reg, err := NewRegistry(RegistryOptions{
		Clock:        clock.NewManual(time.Time{}),
		Logger:       discardLogger(),
		DisableSweep: true,
		StateBackend: state,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	queue, err := NewFileBatchQueue(queuePath, 8)
	require.NoError(t, err)
	exec := newTestExecutor(t, reg, Options{
		Type:         "note",
		Speculate:    func(vars, _ Record) (Record, error) { return vars.Clone(), nil },
		Remote:       remote,
		Batching:     true,
		BatchQueue:   queue,
		Retry:        policy,
		FeedbackSink: fb,
	})
	return reg, exec
}

func TestQueuedBatchIsSentAfterRestart(t *testing.T) {
	state := NewInMemoryStateBackend()
	queuePath := filepath.Join(t.TempDir(), "batch.json")
	var calls atomic.Int32
	remote := func(_ context.Context, vars Record) (Record, error) {
		calls.Add(1)
		return vars, nil
	}

	reg, exec := openBatchedExecutor(t, state, queuePath, RetryPolicy{}, remote, &feedbackRecorder{})
	res, err := exec.Submit(context.Background(), Record{"title": "draft"})
	require.NoError(t, err)
	require.True(t, res.Deferred)
	exec.Close()
	reg.Close()
	require.Zero(t, calls.Load())

	fb := &feedbackRecorder{}
	reg, exec = openBatchedExecutor(t, state, queuePath, RetryPolicy{}, remote, fb)
	entry, ok := reg.Get(res.EntryID)
	require.True(t, ok)
	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, 1, exec.QueueLen())

	assert.Equal(t, 1, exec.Flush(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, exec.QueueLen())
	entry = waitForStatus(t, reg, res.EntryID, StatusConfirmed)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, Record{"title": "draft"}, entry.Data)
	assert.Empty(t, fb.ofType(FeedbackError))
}

func TestQueuedBatchWithoutRetriesLeftIsReported(t *testing.T) {
	state := NewInMemoryStateBackend()
	queuePath := filepath.Join(t.TempDir(), "batch.json")
	var calls atomic.Int32
	remote := func(_ context.Context, vars Record) (Record, error) {
		calls.Add(1)
		return vars, nil
	}
	noRetries := RetryPolicy{MaxRetries: -1}

	reg, exec := openBatchedExecutor(t, state, queuePath, noRetries, remote, &feedbackRecorder{})
	res, err := exec.Submit(context.Background(), Record{"title": "draft"})
	require.NoError(t, err)
	exec.Close()
	reg.Close()

	fb := &feedbackRecorder{}
	reg, exec = openBatchedExecutor(t, state, queuePath, noRetries, remote, fb)
	assert.Zero(t, exec.Flush(context.Background()), "skipped items are not counted")
	assert.Zero(t, calls.Load())
	assert.Zero(t, exec.QueueLen())

	entry, ok := reg.Get(res.EntryID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)
	errs := fb.ofType(FeedbackError)
	require.Len(t, errs, 1)
	assert.Equal(t, queuedSkippedTitle, errs[0].Title)
	assert.Equal(t, res.EntryID, errs[0].EntryID)
}
