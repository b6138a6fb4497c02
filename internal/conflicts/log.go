package conflicts

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives every conflict appended to a Log.
type Sink interface {
	OnConflict(Conflict)
}

type SinkFunc func(Conflict)

func (f SinkFunc) OnConflict(c Conflict) {
	if f != nil {
		f(c)
	}
}

type Stats struct {
	Total      int              `json:"total"`
	ByKind     map[Kind]int     `json:"byKind"`
	BySeverity map[Severity]int `json:"bySeverity"`
}

// LogMetrics counts detected conflicts and tracks how many are still open.
type LogMetrics struct {
	detected *prometheus.CounterVec
	open     prometheus.Gauge
}

func NewLogMetrics(reg prometheus.Registerer) (*LogMetrics, error) {
	m := &LogMetrics{
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymutate_domain_conflicts_total",
			Help: "Domain conflicts recorded by kind and severity",
		}, []string{"kind", "severity"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymutate_domain_conflicts_open",
			Help: "Domain conflicts not yet resolved or cleared",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.detected, m.open} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

type LogOptions struct {
	Logger  *slog.Logger
	Metrics *LogMetrics
}

// Log keeps the conflicts of one process in detection order.
type Log struct {
	mu        sync.Mutex
	entries   []Conflict
	listeners map[uint64]Sink
	nextSub   uint64

	logger  *slog.Logger
	metrics *LogMetrics
}

func NewLog(opts LogOptions) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		listeners: map[uint64]Sink{},
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

func (l *Log) Append(c Conflict) {
	l.mu.Lock()
	l.entries = append(l.entries, c.clone())
	open := len(l.entries)
	listeners := l.listenersLocked()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.detected.WithLabelValues(string(c.Kind), string(c.Severity)).Inc()
		l.metrics.open.Set(float64(open))
	}
	l.logger.Info("conflict recorded",
		"conflict_id", c.ID,
		"kind", string(c.Kind),
		"severity", string(c.Severity),
		"resource", c.Resource,
		"resource_id", c.ResourceID,
	)
	for _, sink := range listeners {
		l.deliver(sink, c)
	}
}

func (l *Log) All() []Conflict {
	return l.filter(func(Conflict) bool { return true })
}

func (l *Log) ByKind(kind Kind) []Conflict {
	return l.filter(func(c Conflict) bool { return c.Kind == kind })
}

func (l *Log) BySeverity(severity Severity) []Conflict {
	return l.filter(func(c Conflict) bool { return c.Severity == severity })
}

func (l *Log) Get(id string) (Conflict, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.entries {
		if c.ID == id {
			return c.clone(), true
		}
	}
	return Conflict{}, false
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := Stats{
		Total:      len(l.entries),
		ByKind:     map[Kind]int{},
		BySeverity: map[Severity]int{},
	}
	for _, c := range l.entries {
		stats.ByKind[c.Kind]++
		stats.BySeverity[c.Severity]++
	}
	return stats
}

// Resolve removes the conflict with id and reports whether it was present.
func (l *Log) Resolve(id string) bool {
	l.mu.Lock()
	idx := -1
	for i, c := range l.entries {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	open := len(l.entries)
	l.mu.Unlock()

	l.setOpen(open)
	l.logger.Debug("conflict resolved", "conflict_id", id)
	return true
}

// Clear drops every conflict and returns how many were removed.
func (l *Log) Clear() int {
	l.mu.Lock()
	n := len(l.entries)
	l.entries = nil
	l.mu.Unlock()
	l.setOpen(0)
	return n
}

func (l *Log) Subscribe(sink Sink) (unsubscribe func()) {
	if sink == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	l.listeners[id] = sink
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}

func (l *Log) filter(keep func(Conflict) bool) []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conflict, 0, len(l.entries))
	for _, c := range l.entries {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	return out
}

func (l *Log) setOpen(n int) {
	if l.metrics != nil {
		l.metrics.open.Set(float64(n))
	}
}

func (l *Log) listenersLocked() []Sink {
	out := make([]Sink, 0, len(l.listeners))
	for id := uint64(1); id <= l.nextSub; id++ {
		if sink, ok := l.listeners[id]; ok {
			out = append(out, sink)
		}
	}
	return out
}

func (l *Log) deliver(sink Sink, c Conflict) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("conflict listener panicked", "conflict_id", c.ID, "panic", p)
		}
	}()
	sink.OnConflict(c.clone())
}
