package optimistic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

const DefaultGraceDelay = 2 * time.Second

// RemoteOperation performs the authoritative mutation and returns the
// confirmed value.
type RemoteOperation func(ctx context.Context, vars Record) (Record, error)

// SpeculateFunc computes the speculative value from the mutation variables
// and the pre-mutation value. An error rejects the mutation.
type SpeculateFunc func(vars, original Record) (Record, error)

type RollbackFunc func(ctx context.Context, original, speculative Record) error

type Options struct {
	Type      string
	Operation Operation
	Remote    RemoteOperation
	Speculate SpeculateFunc
	// Original returns the pre-mutation value used for rollback.
	Original    func(vars Record) Record
	EntityType  string
	EntityID    func(vars Record) string
	UserID      string
	InputSchema *jsonschema.Schema

	Strategy                 Strategy
	Resolve                  ResolveFunc
	OnConflict               func(*PendingResolution)
	DisableConflictDetection bool
	IgnoreKeys               []string

	Retry     RetryPolicy
	AutoRetry bool

	Batching         bool
	BatchDelay       time.Duration
	BatchConcurrency int
	BatchQueue       BatchQueue

	EnableRollback bool
	Snapshots      bool
	OnRollback     RollbackFunc

	OnSuccess func(ctx context.Context, result, vars Record)
	OnError   func(ctx context.Context, err error, vars Record)

	Feedback     FeedbackConfig
	FeedbackSink FeedbackSink
	GraceDelay   time.Duration

	Limiter *rate.Limiter
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Result is the outcome of Submit.
type Result struct {
	Value   Record
	EntryID string
	// Deferred is set when the mutation was queued for a batch. Value is then
	// the speculative value and the outcome arrives through the registry.
	Deferred bool
	// Pending is set when a prompt-user conflict awaits a decision.
	Pending *PendingResolution
}

// Executor runs mutations through the speculative, remote, and reconcile
// steps and owns retry and rollback for the entries it creates.
type Executor struct {
	registry  *Registry
	opts      Options
	policy    RetryPolicy
	resolver  Resolver
	batcher   *Batcher
	snapshots *SnapshotStore
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	feedback  FeedbackSink
	grace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]*PendingResolution
	// retries counts scheduled automatic retries; idle is closed when it
	// drops to zero.
	retries int
	idle    chan struct{}

	closeOnce sync.Once
}

func NewExecutor(registry *Registry, opts Options) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry required", ErrInvalidInput)
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote operation required", ErrInvalidInput)
	}
	if opts.Strategy == "" {
		opts.Strategy = ServerWins
	}
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, opts.Strategy)
	}
	if opts.Strategy == Custom && opts.Resolve == nil {
		return nil, fmt.Errorf("%w: custom strategy requires a resolve function", ErrInvalidInput)
	}
	if opts.Operation == "" {
		opts.Operation = OperationCustom
	}
	if !opts.Operation.Valid() {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidInput, opts.Operation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = registry.logger
	}
	c := opts.Clock
	if c == nil {
		c = registry.clock
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = registry.metrics
	}
	grace := opts.GraceDelay
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	sink := opts.FeedbackSink
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		registry: registry,
		opts:     opts,
		policy:   opts.Retry.withDefaults(),
		resolver: Resolver{
			Strategy:   opts.Strategy,
			Custom:     opts.Resolve,
			OnConflict: opts.OnConflict,
		},
		clock:    c,
		logger:   logger.With("type", opts.Type),
		metrics:  metrics,
		feedback: sink,
		grace:    grace,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]*PendingResolution{},
	}
	if opts.Snapshots {
		e.snapshots = NewSnapshotStore()
	}
	if opts.Batching {
		e.batcher = newBatcher(ctx, opts.BatchQueue, opts.BatchDelay, c, e.flushBatch)
	}
	return e, nil
}

// CompileSchema compiles a JSON schema document for Options.InputSchema.
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return compiler.Compile(name)
}

func (e *Executor) Registry() *Registry {
	return e.registry
}

// Mutate runs Submit and returns only the value.
func (e *Executor) Mutate(ctx context.Context, vars Record) (Record, error) {
	res, err := e.Submit(ctx, vars)
	return res.Value, err
}

func (e *Executor) Submit(ctx context.Context, vars Record) (Result, error) {
	if err := e.validate(vars); err != nil {
		e.logger.Warn("mutation rejected", "error", err)
		return Result{}, err
	}
	var (
		id          string
		speculative Record
	)
	if e.opts.Speculate != nil {
		var original Record
		if e.opts.Original != nil {
			original = e.opts.Original(vars.Clone()).Clone()
		}
		value, err := e.opts.Speculate(vars.Clone(), original.Clone())
		if err != nil {
			verr := &ValidationError{Err: err}
			e.logger.Warn("mutation rejected", "error", verr)
			return Result{}, verr
		}
		entityID := ""
		if e.opts.EntityID != nil {
			entityID = e.opts.EntityID(vars)
		}
		id, err = e.registry.Add(UpdateEntry{
			Type:         e.opts.Type,
			Operation:    e.opts.Operation,
			Data:         value,
			OriginalData: original,
			MaxRetries:   e.policy.MaxRetries,
			EntityType:   e.opts.EntityType,
			EntityID:     entityID,
			UserID:       e.opts.UserID,
			Feedback:     e.opts.Feedback,
		})
		if err != nil {
			return Result{}, err
		}
		speculative = value
		if e.snapshots != nil && original != nil {
			e.snapshots.Put(id, original, e.clock.Now())
		}
		if !e.opts.Feedback.DisableProgress {
			e.notify(Feedback{
				Type:    FeedbackInfo,
				Title:   pick(e.opts.Feedback.ProgressTitle, defaultProgressTitle),
				Message: pick(e.opts.Feedback.ProgressMessage, defaultProgressMessage),
				EntryID: id,
			})
		}
	}

	if e.batcher != nil {
		if err := e.batcher.Enqueue(BatchItem{ID: id, Vars: vars}); err != nil {
			e.fail(ctx, id, vars, err, false)
			return Result{EntryID: id}, err
		}
		return Result{Value: speculative.Clone(), EntryID: id, Deferred: true}, nil
	}
	return e.attempt(ctx, id, vars, speculative)
}

// Flush forces the pending batch out and waits for it.
func (e *Executor) Flush(ctx context.Context) int {
	if e.batcher == nil {
		return 0
	}
	return e.batcher.Flush(ctx)
}

// QueueLen reports the number of mutations waiting for the next batch.
func (e *Executor) QueueLen() int {
	if e.batcher == nil {
		return 0
	}
	return e.batcher.Len()
}

// PendingResolution returns the open prompt-user decision for id.
func (e *Executor) PendingResolution(id string) (*PendingResolution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	return p, ok
}

// Wait blocks until every scheduled automatic retry has finished, including
// the retries those retries schedule, or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.retries == 0 {
			e.mu.Unlock()
			return nil
		}
		if e.idle == nil {
			e.idle = make(chan struct{})
		}
		idle := e.idle
		e.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels scheduled retries and pending decisions and waits for
// background work to stop. Queued batch items are not flushed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		if e.batcher != nil {
			e.batcher.close()
		}
		e.cancel()
		e.wg.Wait()
	})
}

func (e *Executor) validate(vars Record) error {
	if e.opts.InputSchema == nil {
		return nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return &ValidationError{Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Err: err}
	}
	if err := e.opts.InputSchema.Validate(inst); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func (e *Executor) attempt(ctx context.Context, id string, vars, speculative Record) (Result, error) {
	value, err := e.invoke(ctx, id, vars)
	if err != nil {
		e.fail(ctx, id, vars, err, true)
		return Result{EntryID: id}, err
	}
	return e.confirm(ctx, id, vars, speculative, value), nil
}

func (e *Executor) invoke(ctx context.Context, id string, vars Record) (value Record, err error) {
	ctx, span := tracer.Start(ctx, "optimistic.remote", trace.WithAttributes(
		attribute.String("entry_id", id),
		attribute.String("type", e.opts.Type),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if e.opts.Limiter != nil {
		if err := e.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	value, err = e.callRemote(ctx, vars.Clone())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.metrics.observeRemote(e.opts.Type, outcome, time.Since(start))
	return value, err
}

func (e *Executor) callRemote(ctx context.Context, vars Record) (value Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("remote operation panicked: %v", p)
		}
	}()
	return e.opts.Remote(ctx, vars)
}

func (e *Executor) confirm(ctx context.Context, id string, vars, speculative, value Record) Result {
	if id != "" && !e.opts.DisableConflictDetection && speculative != nil && value != nil {
		if fields := ConflictingFields(speculative, value, e.opts.IgnoreKeys); len(fields) > 0 {
			return e.reconcile(ctx, id, vars, speculative, value, fields)
		}
	}
	if id != "" {
		if _, err := e.registry.Transition(id, Transition{To: StatusConfirmed, Data: value}); err != nil {
			e.logger.Warn("confirm update failed", "entry_id", id, "error", err)
		}
		e.snapshots.Delete(id)
		e.registry.ScheduleRemoval(id, e.grace)
	}
	e.succeed(ctx, id, vars, value)
	return Result{Value: value.Clone(), EntryID: id}
}

func (e *Executor) reconcile(ctx context.Context, id string, vars, speculative, server Record, fields []string) Result {
	resolved, pending, err := e.resolver.Resolve(id, speculative, server, fields)
	if err != nil {
		e.logger.Warn("conflict resolution failed, keeping server value", "entry_id", id, "error", err)
		resolved = server.Clone()
	}
	e.metrics.observeConflict(e.resolver.Strategy)
	e.logger.Info("conflict detected", "entry_id", id, "strategy", string(e.resolver.Strategy), "fields", fields)

	if pending != nil {
		e.registry.Update(id, Patch{ConflictData: server})
		e.publishConflict(id, speculative, server, resolved, fields, true)
		e.track(pending, vars)
		return Result{Value: resolved, EntryID: id, Pending: pending}
	}
	if _, err := e.registry.Transition(id, Transition{To: StatusConfirmed, Data: resolved, ConflictData: server}); err != nil {
		e.logger.Warn("confirm update failed", "entry_id", id, "error", err)
	}
	e.snapshots.Delete(id)
	e.publishConflict(id, speculative, server, resolved, fields, false)
	return Result{Value: resolved.Clone(), EntryID: id}
}

func (e *Executor) publishConflict(id string, client, server, resolved Record, fields []string, deferred bool) {
	ev := Event{
		Type: EventConflictDetected,
		Conflict: &ConflictNotice{
			Strategy: e.resolver.Strategy,
			Fields:   fields,
			Client:   client.Clone(),
			Server:   server.Clone(),
			Resolved: resolved.Clone(),
			Deferred: deferred,
		},
	}
	if entry, ok := e.registry.Get(id); ok {
		ev.Update = &entry
	}
	e.registry.Publish(ev)
}

// track confirms the entry once the prompt-user decision arrives.
func (e *Executor) track(p *PendingResolution, vars Record) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending[p.EntryID] = p
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			if e.pending[p.EntryID] == p {
				delete(e.pending, p.EntryID)
			}
			e.mu.Unlock()
		}()
		select {
		case <-p.Done():
		case <-e.ctx.Done():
			return
		}
		if p.dropped {
			return
		}
		value := p.value.Clone()
		if _, err := e.registry.Transition(p.EntryID, Transition{To: StatusConfirmed, Data: value, ConflictData: p.Server}); err != nil {
			e.logger.Warn("apply conflict decision failed", "entry_id", p.EntryID, "error", err)
			return
		}
		e.snapshots.Delete(p.EntryID)
		e.succeed(e.ctx, p.EntryID, vars, value)
	}()
}

func (e *Executor) succeed(ctx context.Context, id string, vars, value Record) {
	if e.opts.OnSuccess != nil {
		e.opts.OnSuccess(ctx, value.Clone(), vars.Clone())
	}
	if !e.opts.Feedback.DisableSuccess {
		e.notify(Feedback{
			Type:    FeedbackSuccess,
			Title:   pick(e.opts.Feedback.SuccessTitle, defaultSuccessTitle),
			Message: pick(e.opts.Feedback.SuccessMessage, defaultSuccessMessage),
			EntryID: id,
		})
	}
}

// fail marks the entry failed, reports the error and schedules an automatic
// retry when allowed.
func (e *Executor) fail(ctx context.Context, id string, vars Record, cause error, retryable bool) {
	var (
		entry   UpdateEntry
		tracked bool
	)
	if id != "" {
		var err error
		entry, err = e.registry.Transition(id, Transition{To: StatusFailed, Err: cause})
		if err != nil {
			e.logger.Warn("mark update failed", "entry_id", id, "error", err)
		} else {
			tracked = true
		}
	}
	e.logger.Warn("mutation failed", "entry_id", id, "attempt", entry.RetryCount, "error", cause)
	if e.opts.OnError != nil {
		e.opts.OnError(ctx, cause, vars.Clone())
	}
	canRetry := tracked && retryable && entry.RetryCount < entry.MaxRetries
	if !e.opts.Feedback.DisableError {
		message := cause.Error()
		if canRetry {
			message += ". Retry available"
		}
		if tracked && e.opts.EnableRollback {
			message += ". Rollback available"
		}
		e.notify(Feedback{
			Type:    FeedbackError,
			Title:   pick(e.opts.Feedback.ErrorTitle, defaultErrorTitle),
			Message: pick(e.opts.Feedback.ErrorMessage, message),
			EntryID: id,
		})
	}
	if canRetry && e.opts.AutoRetry {
		e.scheduleRetry(id)
	}
}

func (e *Executor) scheduleRetry(id string) {
	e.mu.Lock()
	e.retries++
	e.mu.Unlock()
	done := func() {
		e.mu.Lock()
		e.retries--
		if e.retries == 0 && e.idle != nil {
			close(e.idle)
			e.idle = nil
		}
		e.mu.Unlock()
	}
	started := e.spawn(func(ctx context.Context) {
		defer done()
		if _, err := e.Retry(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Debug("automatic retry failed", "entry_id", id, "error", err)
		}
	})
	if !started {
		done()
	}
}

func (e *Executor) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

func (e *Executor) notify(fb Feedback) {
	if e.feedback == nil {
		return
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = e.clock.Now()
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("feedback sink panicked", "panic", p)
		}
	}()
	e.feedback.OnFeedback(fb)
}

func (e *Executor) flushBatch(ctx context.Context, items []BatchItem) int {
	ctx, span := tracer.Start(ctx, "optimistic.batch.flush", trace.WithAttributes(
		attribute.Int("batch.size", len(items)),
		attribute.String("type", e.opts.Type),
	))
	defer span.End()

	limit := e.opts.BatchConcurrency
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	sent := 0
	for _, item := range items {
		speculative, ok := e.batchTarget(item)
		if !ok {
			continue
		}
		sent++
		item := item
		g.Go(func() error {
			_, _ = e.attempt(ctx, item.ID, item.Vars, speculative)
			return nil
		})
	}
	_ = g.Wait()
	e.metrics.observeBatch(sent)

	batch := make([]UpdateEntry, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if entry, ok := e.registry.Get(item.ID); ok {
			batch = append(batch, entry)
		}
	}
	e.registry.Publish(Event{Type: EventBatchProcessed, Batch: batch})
	return sent
}

// batchTarget returns the speculative value to send for a queued item.
// An entry the registry marked failed on restart is sent again as a retry.
// Items that can no longer be sent are reported and skipped.
func (e *Executor) batchTarget(item BatchItem) (Record, bool) {
	if item.ID == "" {
		return nil, true
	}
	entry, ok := e.registry.Get(item.ID)
	switch {
	case !ok:
		e.skipQueued(item.ID, "the update is no longer tracked")
		return nil, false
	case entry.Status == StatusPending:
		return entry.Data, true
	case entry.Status == StatusFailed && interruptedByRestart(entry):
		replayed, err := e.registry.Transition(item.ID, Transition{To: StatusRetrying})
		if err != nil {
			e.skipQueued(item.ID, "interrupted by restart and no retries are left")
			return nil, false
		}
		e.metrics.observeRetry(replayed.Type, "replayed")
		e.logger.Info("sending queued update after restart", "entry_id", item.ID, "attempt", replayed.RetryCount)
		return replayed.Data, true
	default:
		e.skipQueued(item.ID, fmt.Sprintf("the update is already %s", entry.Status))
		return nil, false
	}
}

func (e *Executor) skipQueued(id, reason string) {
	e.logger.Warn("queued update not sent", "entry_id", id, "reason", reason)
	if e.opts.Feedback.DisableError {
		return
	}
	e.notify(Feedback{
		Type:    FeedbackError,
		Title:   queuedSkippedTitle,
		Message: "A queued change was not sent: " + reason,
		EntryID: id,
	})
}
