package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters for keys that have been quiet this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200, IdleTTL: 10 * time.Minute}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per tenant and client address.
type limiterStore struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &limiterStore{cfg: cfg, entries: map[string]*limiterEntry{}, now: time.Now}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) > s.cfg.IdleTTL {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > s.cfg.IdleTTL {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			lim := store.get(key)
			r := lim.ReserveN(store.now(), 1)
			if !r.OK() {
				h.Set("Retry-After", "1")
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := r.DelayFrom(store.now()); delay > 0 {
				r.CancelAt(store.now())
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
