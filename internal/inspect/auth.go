package inspect

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the Authorization header against the configured
// token. An empty token disables the check.
func authorizeBearer(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}

// clientLimiter gives each client its own token bucket. A bucket refills
// max tokens over window, so a client that stays quiet for a whole window
// gets its full budget back.
type clientLimiter struct {
	now   func() time.Time
	every rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// idleClientSweep is the bucket count above which full buckets are dropped.
const idleClientSweep = 1024

func newClientLimiter(max int, window time.Duration, now func() time.Time) *clientLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &clientLimiter{
		now:     now,
		every:   rate.Every(window / time.Duration(max)),
		burst:   max,
		clients: map[string]*rate.Limiter{},
	}
}

func (l *clientLimiter) allow(key string) bool {
	at := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= idleClientSweep {
			l.forgetIdleLocked(at)
		}
		bucket = rate.NewLimiter(l.every, l.burst)
		l.clients[key] = bucket
	}
	return bucket.AllowN(at, 1)
}

// forgetIdleLocked drops buckets that have refilled completely; a new bucket
// for the same client starts full, so nothing is lost.
func (l *clientLimiter) forgetIdleLocked(at time.Time) {
	for key, bucket := range l.clients {
		if bucket.TokensAt(at) >= float64(l.burst) {
			delete(l.clients, key)
		}
	}
}

func (l *clientLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
