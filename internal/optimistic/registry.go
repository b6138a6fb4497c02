package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymutate/internal/clock"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
	DefaultMaxRetries    = 3
)

var errInterruptedByRestart = errors.New("interrupted by restart")

type RegistryOptions struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *Metrics
	StateBackend  StateBackend
	Retention     time.Duration
	SweepInterval time.Duration
	DisableSweep  bool
	NewID         func() string
}

// Registry is the authoritative set of in-flight update entries. All state
// changes go through it and are announced to subscribers.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*UpdateEntry
	listeners map[uint64]EventSink
	nextSub   uint64
	removals  map[string]clock.Timer
	sweep     clock.Timer
	closed    bool

	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics
	stateBackend  StateBackend
	retention     time.Duration
	sweepInterval time.Duration
	newID         func() string

	closeOnce sync.Once
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	r := &Registry{
		entries:       map[string]*UpdateEntry{},
		listeners:     map[uint64]EventSink{},
		removals:      map[string]clock.Timer{},
		clock:         clock.OrReal(opts.Clock),
		logger:        logger,
		metrics:       opts.Metrics,
		stateBackend:  opts.StateBackend,
		retention:     retention,
		sweepInterval: sweepInterval,
		newID:         newID,
	}
	if err := r.restore(); err != nil {
		return nil, fmt.Errorf("restore registry state: %w", err)
	}
	if !opts.DisableSweep {
		r.mu.Lock()
		r.scheduleSweepLocked()
		r.mu.Unlock()
	}
	return r, nil
}

// Add inserts a new pending entry and returns its id.
func (r *Registry) Add(entry UpdateEntry) (string, error) {
	if entry.Operation == "" {
		entry.Operation = OperationCustom
	}
	if !entry.Operation.Valid() {
		return "", fmt.Errorf("%w: operation %q", ErrInvalidInput, entry.Operation)
	}
	if entry.MaxRetries < 0 {
		return "", fmt.Errorf("%w: negative max retries", ErrInvalidInput)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if entry.ID == "" {
		entry.ID = r.newID()
	}
	if _, exists := r.entries[entry.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, entry.ID)
	}
	stored := entry.clone()
	stored.Timestamp = r.clock.Now()
	stored.Status = StatusPending
	stored.RetryCount = 0
	stored.Error = nil
	stored.CompletedAt = nil
	r.entries[stored.ID] = &stored
	r.persistLocked()
	snapshot := stored.clone()
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.metrics.observeStatus(snapshot.Type, StatusPending)
	r.dispatch(listeners, Event{Type: EventUpdateAdded, Update: &snapshot, Timestamp: snapshot.Timestamp})
	return snapshot.ID, nil
}

// Update applies a partial change. It returns false when the entry is missing
// or when the patch would break the status machine or the retry cap.
func (r *Registry) Update(id string, patch Patch) bool {
	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := current.clone()
	previous := current.Status
	if patch.Data != nil {
		next.Data = patch.Data.Clone()
	}
	if patch.OriginalData != nil {
		next.OriginalData = patch.OriginalData.Clone()
	}
	if patch.ClearError {
		next.Error = nil
	}
	if patch.Error != nil {
		errCopy := *patch.Error
		next.Error = &errCopy
	}
	if patch.ConflictData != nil {
		next.ConflictData = patch.ConflictData.Clone()
	}
	if patch.RetryCount != nil {
		next.RetryCount = *patch.RetryCount
	}
	if patch.MaxRetries != nil {
		next.MaxRetries = *patch.MaxRetries
	}
	if patch.EntityType != nil {
		next.EntityType = *patch.EntityType
	}
	if patch.EntityID != nil {
		next.EntityID = *patch.EntityID
	}
	if patch.Feedback != nil {
		next.Feedback = *patch.Feedback
	}
	if patch.Status != nil && *patch.Status != previous {
		if !CanTransition(previous, *patch.Status) {
			r.mu.Unlock()
			return false
		}
		next.Status = *patch.Status
		r.stampLocked(&next)
	}
	if err := validateEntry(next); err != nil {
		r.mu.Unlock()
		return false
	}
	*current = next
	r.persistLocked()
	snapshot := next.clone()
	listeners := r.listenersLocked()
	r.mu.Unlock()

	if snapshot.Status != previous {
		r.metrics.observeStatus(snapshot.Type, snapshot.Status)
	}
	r.dispatch(listeners, Event{Type: EventUpdateChanged, Update: &snapshot, PreviousStatus: previous, Timestamp: r.clock.Now()})
	return true
}

// Transition moves an entry along one edge of the status machine and
// normalizes the payload for the target status.
func (r *Registry) Transition(id string, t Transition) (UpdateEntry, error) {
	if t.To == StatusFailed && t.Err == nil {
		return UpdateEntry{}, fmt.Errorf("%w: failed transition requires an error", ErrInvalidInput)
	}
	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return UpdateEntry{}, fmt.Errorf("%w: update %s", ErrNotFound, id)
	}
	previous := current.Status
	if !CanTransition(previous, t.To) {
		r.mu.Unlock()
		return UpdateEntry{}, &TransitionError{ID: id, From: previous, To: t.To}
	}
	next := current.clone()
	next.Status = t.To
	if t.To != StatusConfirmed {
		next.ConflictData = nil
	}
	switch t.To {
	case StatusFailed:
		next.Error = &EntryError{Message: t.Err.Error(), At: r.clock.Now()}
	case StatusRetrying:
		if next.RetryCount >= next.MaxRetries {
			r.mu.Unlock()
			return UpdateEntry{}, fmt.Errorf("%w: update %s exhausted %d retries", ErrInvalidTransition, id, next.MaxRetries)
		}
		next.RetryCount++
	case StatusConfirmed:
		next.Error = nil
		if t.Data != nil {
			next.Data = t.Data.Clone()
		}
		if t.ConflictData != nil {
			next.ConflictData = t.ConflictData.Clone()
		}
	case StatusRolledBack:
		if t.Data != nil {
			next.Data = t.Data.Clone()
		} else if next.OriginalData != nil {
			next.Data = next.OriginalData.Clone()
		}
	}
	r.stampLocked(&next)
	*current = next
	r.persistLocked()
	snapshot := next.clone()
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.metrics.observeStatus(snapshot.Type, snapshot.Status)
	r.dispatch(listeners, Event{Type: EventUpdateChanged, Update: &snapshot, PreviousStatus: previous, Timestamp: r.clock.Now()})
	return snapshot.clone(), nil
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	if timer, scheduled := r.removals[id]; scheduled {
		timer.Stop()
		delete(r.removals, id)
	}
	r.persistLocked()
	snapshot := current.clone()
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.dispatch(listeners, Event{Type: EventUpdateRemoved, Update: &snapshot, Timestamp: r.clock.Now()})
	return true
}

func (r *Registry) Get(id string) (UpdateEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return UpdateEntry{}, false
	}
	return entry.clone(), true
}

type Filter struct {
	Statuses   []Status
	Types      []string
	Operations []Operation
	EntityType string
	EntityID   string
	UserID     string
	From       time.Time
	To         time.Time
}

func (f Filter) matches(e *UpdateEntry) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if len(f.Operations) > 0 && !contains(f.Operations, e.Operation) {
		return false
	}
	if f.EntityType != "" && f.EntityType != e.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != e.EntityID {
		return false
	}
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// List returns copies of the matching entries ordered by timestamp then id.
func (r *Registry) List(filter Filter) []UpdateEntry {
	r.mu.Lock()
	out := make([]UpdateEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter.matches(entry) {
			out = append(out, entry.clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

type Stats struct {
	Total          int               `json:"total"`
	ByStatus       map[Status]int    `json:"byStatus"`
	ByType         map[string]int    `json:"byType"`
	ByOperation    map[Operation]int `json:"byOperation"`
	AverageLatency time.Duration     `json:"averageLatency"`
	SuccessRate    float64           `json:"successRate"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return computeStats(r.entries)
}

func computeStats(entries map[string]*UpdateEntry) Stats {
	stats := Stats{
		Total:       len(entries),
		ByStatus:    map[Status]int{},
		ByType:      map[string]int{},
		ByOperation: map[Operation]int{},
	}
	var latency time.Duration
	measured := 0
	for _, entry := range entries {
		stats.ByStatus[entry.Status]++
		stats.ByType[entry.Type]++
		stats.ByOperation[entry.Operation]++
		if entry.Status.Terminal() && entry.CompletedAt != nil {
			latency += entry.CompletedAt.Sub(entry.Timestamp)
			measured++
		}
	}
	if measured > 0 {
		stats.AverageLatency = latency / time.Duration(measured)
	}
	confirmed := stats.ByStatus[StatusConfirmed]
	settled := confirmed + stats.ByStatus[StatusRolledBack] + stats.ByStatus[StatusFailed]
	if settled > 0 {
		stats.SuccessRate = float64(confirmed) / float64(settled)
	}
	return stats
}

// Subscribe registers sink for every subsequent event.
func (r *Registry) Subscribe(sink EventSink) (unsubscribe func()) {
	if sink == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.listeners[id] = sink
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Publish broadcasts an event that does not change entry state.
func (r *Registry) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now()
	}
	r.mu.Lock()
	listeners := r.listenersLocked()
	r.mu.Unlock()
	r.dispatch(listeners, ev)
}

// Cleanup removes confirmed and rolled back entries older than maxAge.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)
	r.mu.Lock()
	removed := make([]UpdateEntry, 0)
	for id, entry := range r.entries {
		if !entry.Status.Terminal() || entry.Timestamp.After(cutoff) {
			continue
		}
		delete(r.entries, id)
		if timer, ok := r.removals[id]; ok {
			timer.Stop()
			delete(r.removals, id)
		}
		removed = append(removed, entry.clone())
	}
	if len(removed) > 0 {
		r.persistLocked()
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	now := r.clock.Now()
	for i := range removed {
		r.dispatch(listeners, Event{Type: EventUpdateRemoved, Update: &removed[i], Timestamp: now})
	}
	if len(removed) > 0 {
		r.logger.Debug("registry cleanup", "removed", len(removed), "max_age", maxAge)
	}
	return len(removed)
}

// ScheduleRemoval removes id after delay. A later call replaces the earlier one.
func (r *Registry) ScheduleRemoval(id string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.entries[id]; !ok {
		return
	}
	if existing, ok := r.removals[id]; ok {
		existing.Stop()
	}
	var timer clock.Timer
	timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.removals[id] == timer {
			delete(r.removals, id)
		}
		r.mu.Unlock()
		r.Remove(id)
	})
	r.removals[id] = timer
}

// Await blocks until the entry is confirmed, failed or rolled back. It
// returns ErrNotFound if the entry is unknown or removed first.
func (r *Registry) Await(ctx context.Context, id string) (UpdateEntry, error) {
	settled := make(chan UpdateEntry, 1)
	removed := make(chan struct{}, 1)
	unsubscribe := r.Subscribe(ListenerFunc(func(ev Event) {
		if ev.Update == nil || ev.Update.ID != id {
			return
		}
		switch {
		case ev.Type == EventUpdateRemoved:
			select {
			case removed <- struct{}{}:
			default:
			}
		case ev.Update.Status.settled():
			select {
			case settled <- ev.Update.clone():
			default:
			}
		}
	}))
	defer unsubscribe()

	entry, ok := r.Get(id)
	if !ok {
		return UpdateEntry{}, fmt.Errorf("%w: update %s", ErrNotFound, id)
	}
	if entry.Status.settled() {
		return entry, nil
	}
	select {
	case entry := <-settled:
		return entry, nil
	case <-removed:
		return UpdateEntry{}, fmt.Errorf("%w: update %s removed", ErrNotFound, id)
	case <-ctx.Done():
		return UpdateEntry{}, ctx.Err()
	}
}

// Close stops the sweep and any scheduled removals. It is idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.sweep != nil {
			r.sweep.Stop()
			r.sweep = nil
		}
		for id, timer := range r.removals {
			timer.Stop()
			delete(r.removals, id)
		}
		backend := r.stateBackend
		r.mu.Unlock()
		if closer, ok := backend.(stateBackendCloser); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("close state backend failed", "error", err)
			}
		}
	})
}

func (r *Registry) scheduleSweepLocked() {
	if r.closed {
		return
	}
	r.sweep = r.clock.AfterFunc(r.sweepInterval, func() {
		r.Cleanup(r.retention)
		r.mu.Lock()
		r.scheduleSweepLocked()
		r.mu.Unlock()
	})
}

func (r *Registry) stampLocked(e *UpdateEntry) {
	if e.Status.Terminal() {
		at := r.clock.Now()
		e.CompletedAt = &at
	} else {
		e.CompletedAt = nil
	}
}

func validateEntry(e UpdateEntry) error {
	if e.RetryCount < 0 || e.RetryCount > e.MaxRetries {
		return fmt.Errorf("%w: retry count %d outside [0, %d]", ErrInvalidInput, e.RetryCount, e.MaxRetries)
	}
	if e.Status == StatusFailed && e.Error == nil {
		return fmt.Errorf("%w: failed entry without error", ErrInvalidInput)
	}
	if e.ConflictData != nil && e.Status != StatusConfirmed && e.Status != StatusPending && e.Status != StatusRetrying {
		return fmt.Errorf("%w: conflict data on %s entry", ErrInvalidInput, e.Status)
	}
	return nil
}

func (r *Registry) listenersLocked() []EventSink {
	out := make([]EventSink, 0, len(r.listeners))
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

func (r *Registry) dispatch(listeners []EventSink, ev Event) {
	for _, sink := range listeners {
		r.deliver(sink, ev)
	}
}

func (r *Registry) deliver(sink EventSink, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event listener panicked", "event", string(ev.Type), "panic", p)
		}
	}()
	sink.OnEvent(ev)
}

func (r *Registry) persistLocked() {
	if r.stateBackend == nil {
		return
	}
	snapshot := &Snapshot{
		Entries: make([]UpdateEntry, 0, len(r.entries)),
		SavedAt: r.clock.Now(),
	}
	for _, entry := range r.entries {
		snapshot.Entries = append(snapshot.Entries, entry.clone())
	}
	sort.Slice(snapshot.Entries, func(i, j int) bool { return snapshot.Entries[i].ID < snapshot.Entries[j].ID })
	if err := r.stateBackend.Save(snapshot); err != nil {
		r.logger.Warn("persist registry state failed", "error", err)
	}
}

func interruptedByRestart(entry UpdateEntry) bool {
	return entry.Error != nil && entry.Error.Message == errInterruptedByRestart.Error()
}

// restore loads the persisted snapshot. Entries that were in flight when the
// previous process stopped are marked failed so they can be retried or
// rolled back.
func (r *Registry) restore() error {
	if r.stateBackend == nil {
		return nil
	}
	snapshot, err := r.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	now := r.clock.Now()
	interrupted := 0
	for _, entry := range snapshot.Entries {
		if entry.ID == "" {
			continue
		}
		restored := entry.clone()
		if restored.Status == StatusPending || restored.Status == StatusRetrying {
			restored.Status = StatusFailed
			restored.Error = &EntryError{Message: errInterruptedByRestart.Error(), At: now}
			restored.ConflictData = nil
			interrupted++
		}
		if restored.RetryCount > restored.MaxRetries {
			restored.RetryCount = restored.MaxRetries
		}
		r.entries[restored.ID] = &restored
	}
	if interrupted > 0 {
		r.logger.Info("restored registry with interrupted updates", "entries", len(r.entries), "interrupted", interrupted)
		r.persistLocked()
	}
	return nil
}
