package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type ServerConfig struct {
	// Token guards every /v1 route. Empty disables auth.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	OriginPatterns  []string
	WriteTimeout    time.Duration
}

type Options struct {
	Registry  *optimistic.Registry
	Conflicts *conflicts.Log
	Hub       *Hub
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Config    ServerConfig
	Now       func() time.Time
}

// Server exposes the registry and conflict log over HTTP and streams their
// activity on a websocket.
type Server struct {
	registry  *optimistic.Registry
	conflicts *conflicts.Log
	hub       *Hub
	cfg       ServerConfig
	logger    *slog.Logger
	limiter   *clientLimiter
	router    chi.Router
	detach    []func()
}

func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry required", optimistic.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger, 0)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		registry:  opts.Registry,
		conflicts: opts.Conflicts,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		limiter:   newClientLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, now),
	}
	s.detach = append(s.detach, opts.Registry.Subscribe(hub))
	if opts.Conflicts != nil {
		s.detach = append(s.detach, opts.Conflicts.Subscribe(hub))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/updates", s.handleListUpdates)
		r.Get("/updates/{id}", s.handleGetUpdate)
		r.Get("/stats", s.handleStats)
		r.Get("/conflicts", s.handleListConflicts)
		r.Delete("/conflicts", s.handleClearConflicts)
		r.Get("/conflicts/stats", s.handleConflictStats)
		r.Delete("/conflicts/{id}", s.handleResolveConflict)
		r.Get("/events", s.handleEvents)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub is the stream the server publishes on. Executors pass it as their
// feedback sink so feedback reaches stream clients too.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close detaches from the registry and conflict log and ends every stream.
func (s *Server) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.hub.Close()
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("inspect server listening", "addr", ln.Addr().String())
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	// Streams only end when the hub closes, so close it before waiting.
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" && r.URL.Path == "/v1/events" {
			// Browsers cannot set headers on a websocket handshake.
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				header = "Bearer " + tok
			}
		}
		if authErr := authorizeBearer(header, s.cfg.Token); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	filter, err := parseUpdateFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	entries := s.registry.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"updates": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "update not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":            stats.Total,
		"byStatus":         stats.ByStatus,
		"byType":           stats.ByType,
		"byOperation":      stats.ByOperation,
		"averageLatencyMs": stats.AverageLatency.Milliseconds(),
		"successRate":      stats.SuccessRate,
		"streamClients":    s.hub.Subscribers(),
	})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	if s.conflicts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": []conflicts.Conflict{}, "count": 0})
		return
	}
	q := r.URL.Query()
	kind := conflicts.Kind(strings.TrimSpace(q.Get("kind")))
	severity := conflicts.Severity(strings.TrimSpace(q.Get("severity")))
	var list []conflicts.Conflict
	if kind != "" {
		list = s.conflicts.ByKind(kind)
	} else {
		list = s.conflicts.All()
	}
	if severity != "" {
		kept := list[:0]
		for _, c := range list {
			if c.Severity == severity {
				kept = append(kept, c)
			}
		}
		list = kept
	}
	if list == nil {
		list = []conflicts.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": list, "count": len(list)})
}

func (s *Server) handleConflictStats(w http.ResponseWriter, r *http.Request) {
	if s.conflicts == nil {
		writeJSON(w, http.StatusOK, conflicts.Stats{ByKind: map[conflicts.Kind]int{}, BySeverity: map[conflicts.Severity]int{}})
		return
	}
	writeJSON(w, http.StatusOK, s.conflicts.Stats())
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if s.conflicts == nil || !s.conflicts.Resolve(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "conflict not found", getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearConflicts(w http.ResponseWriter, r *http.Request) {
	cleared := 0
	if s.conflicts != nil {
		cleared = s.conflicts.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("event stream handshake failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	frames, cancel := s.hub.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("event stream opened", "correlation_id", getCorrelationID(r))
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server closing")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			done()
			if err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func parseUpdateFilter(r *http.Request) (optimistic.Filter, error) {
	q := r.URL.Query()
	var filter optimistic.Filter
	for _, raw := range splitQuery(q["status"]) {
		status := optimistic.Status(raw)
		if !status.Valid() {
			return optimistic.Filter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	filter.Types = splitQuery(q["type"])
	for _, raw := range splitQuery(q["operation"]) {
		op := optimistic.Operation(raw)
		if !op.Valid() {
			return optimistic.Filter{}, fmt.Errorf("unknown operation %q", raw)
		}
		filter.Operations = append(filter.Operations, op)
	}
	filter.EntityType = strings.TrimSpace(q.Get("entityType"))
	filter.EntityID = strings.TrimSpace(q.Get("entityId"))
	filter.UserID = strings.TrimSpace(q.Get("userId"))
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		return optimistic.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		return optimistic.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	return filter, nil
}

func splitQuery(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

type correlationKey struct{}

func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = "inspect_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
