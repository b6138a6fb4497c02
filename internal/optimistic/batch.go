package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

const (
	DefaultBatchDelay       = 100 * time.Millisecond
	DefaultBatchConcurrency = 8
)

// flushFunc sends a drained batch and returns how many items it sent.
type flushFunc func(ctx context.Context, items []BatchItem) int

// Batcher debounces deferred mutations: every enqueue restarts the delay and
// the whole queue is flushed once the delay expires.
type Batcher struct {
	mu     sync.Mutex
	queue  BatchQueue
	delay  time.Duration
	clock  clock.Clock
	timer  clock.Timer
	flush  flushFunc
	ctx    context.Context
	closed bool

	flushMu sync.Mutex
}

func newBatcher(ctx context.Context, queue BatchQueue, delay time.Duration, c clock.Clock, flush flushFunc) *Batcher {
	if queue == nil {
		queue = NewInMemoryBatchQueue(0)
	}
	if delay <= 0 {
		delay = DefaultBatchDelay
	}
	b := &Batcher{
		queue: queue,
		delay: delay,
		clock: clock.OrReal(c),
		flush: flush,
		ctx:   ctx,
	}
	if queue.Depth() > 0 {
		b.mu.Lock()
		b.armLocked()
		b.mu.Unlock()
	}
	return b
}

func (b *Batcher) Enqueue(item BatchItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !b.queue.TryEnqueue(item) {
		return ErrQueueFull
	}
	b.armLocked()
	return nil
}

func (b *Batcher) Len() int {
	return b.queue.Depth()
}

// Flush drains the queue now and waits for every item to finish. It returns
// the number of items sent to the remote operation.
func (b *Batcher) Flush(ctx context.Context) int {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.run(ctx)
}

func (b *Batcher) run(ctx context.Context) int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	items := b.queue.DrainAll()
	if len(items) == 0 {
		return 0
	}
	return b.flush(ctx, items)
}

func (b *Batcher) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	var timer clock.Timer
	timer = b.clock.AfterFunc(b.delay, func() {
		b.mu.Lock()
		if b.timer != timer || b.closed {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.mu.Unlock()
		b.run(b.ctx)
	})
	b.timer = timer
}

func (b *Batcher) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	_ = b.queue.Close()
}
