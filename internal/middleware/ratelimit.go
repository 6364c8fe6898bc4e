package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	RequestsPerSecond float64       // sustained rate per client
	Burst             int           // bucket size
	IdleTTL           time.Duration // forget clients idle this long, default 10m
	// Key identifies the client of a request. Defaults to ClientKey.
	Key func(*http.Request) string
}

// ClientKey identifies a client by its authenticated principal, or by
// remote address for anonymous requests. Keying by principal keeps
// producers behind one NAT address from sharing a bucket.
func ClientKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok && p != "" {
		return "sub:" + p
	}
	return "ip:" + clientIP(r)
}

// limiterSet holds one token bucket per client key.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	return &limiterSet{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// evict drops clients not seen since cutoff and returns how many remain.
func (s *limiterSet) evict(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			delete(s.clients, key)
		}
	}
	return len(s.clients)
}

// RateLimiter returns a per-client token bucket middleware. A request over
// the limit gets 429 with Retry-After. Idle clients are evicted until ctx
// is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = ClientKey
	}
	set := newLimiterSet(cfg.RequestsPerSecond, cfg.Burst)

	go func() {
		t := time.NewTicker(cfg.IdleTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				set.evict(now.Add(-cfg.IdleTTL))
			}
		}
	}()

	burst := strconv.Itoa(cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			lim := set.get(cfg.Key(r), now)

			res := lim.ReserveN(now, 1)
			if !res.OK() {
				writeTooManyRequests(w, 0)
				return
			}
			if wait := res.DelayFrom(now); wait > 0 {
				res.CancelAt(now)
				writeTooManyRequests(w, int(math.Ceil(wait.Seconds())))
				return
			}

			w.Header().Set("X-RateLimit-Limit", burst)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.TokensAt(now))))
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP uses RemoteAddr only; X-Forwarded-For is client controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
