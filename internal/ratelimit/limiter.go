// Package ratelimit admits or rejects gateway requests using in-memory
// fixed-window counters. State is deliberately not durable: a restart
// resets every window, which is an accepted trade for zero external
// dependencies on the admission path.
package ratelimit

import (
	"sync"
	"time"

	"github.com/pgguard/pgguard/internal/model"
)

// Config sets the per-window ceilings. A zero or negative limit disables
// that window. Enabled gates the whole limiter.
type Config struct {
	Enabled          bool  `yaml:"enabled" json:"enabled"`
	GlobalPerMinute  int64 `yaml:"global_per_minute" json:"global_per_minute"`
	GlobalPerHour    int64 `yaml:"global_per_hour" json:"global_per_hour"`
	ClientPerMinute  int64 `yaml:"client_per_minute" json:"client_per_minute"`
	TokensPerMinute  int64 `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	TokensPerHour    int64 `yaml:"tokens_per_hour" json:"tokens_per_hour"`
}

// bucket is one fixed window: a counter that resets when the window rolls
// over. Reset is lazy, performed by whoever observes the expiry first.
type bucket struct {
	count   int64
	resetAt time.Time
}

// Limiter tracks the five admission windows. One mutex guards all state;
// the critical sections are a handful of integer operations, so contention
// is not a concern at gateway request rates.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	globalMinute bucket
	globalHour   bucket
	clients      map[string]*bucket
	tokensMinute bucket
	tokensHour   bucket
}

// New builds a Limiter. The clock is injectable for tests.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
	}
}

// clientKey derives the per-client bucket key: the caller IP when
// present, else the session id, else a shared unknown key.
func clientKey(ip, session string) string {
	if ip != "" {
		return "ip:" + ip
	}
	if session != "" {
		return "session:" + session
	}
	return "unknown"
}

// advance lazily resets an expired bucket. The new window runs a full
// duration from now, not from a wall-clock boundary; an idle bucket's
// first request always opens a complete window.
func advance(b *bucket, now time.Time, window time.Duration) {
	if b.resetAt.IsZero() || !now.Before(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
}

// checkAndIncrement admits one unit against a bucket. The count is
// incremented even when a later window in the same request denies; partial
// increments are intentionally not rolled back.
func checkAndIncrement(b *bucket, limit int64, now time.Time, window time.Duration, w model.RateLimitWindow) model.RateLimitResult {
	advance(b, now, window)
	if b.count >= limit {
		return model.RateLimitResult{
			Window:     w,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    b.resetAt,
			RetryAfter: b.resetAt.Sub(now),
		}
	}
	b.count++
	return model.RateLimitResult{
		Allowed:   true,
		Window:    w,
		Limit:     limit,
		Remaining: limit - b.count,
		ResetAt:   b.resetAt,
	}
}

// disabledResult reports a no-op admission for a disabled limiter or window.
func disabledResult(w model.RateLimitWindow, limit int64) model.RateLimitResult {
	return model.RateLimitResult{Allowed: true, Window: w, Limit: limit, Remaining: limit}
}

// CheckRequest admits one request for the given caller, evaluating
// global/minute, global/hour, then per-client/minute, and returning the
// first violated window. A violation after an earlier window has already
// counted the request leaves that earlier count in place.
func (l *Limiter) CheckRequest(ip, session string) model.RateLimitResult {
	if !l.cfg.Enabled {
		return disabledResult(model.WindowGlobalMinute, l.cfg.GlobalPerMinute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if l.cfg.GlobalPerMinute > 0 {
		res := checkAndIncrement(&l.globalMinute, l.cfg.GlobalPerMinute, now, time.Minute, model.WindowGlobalMinute)
		if !res.Allowed {
			return res
		}
	}
	if l.cfg.GlobalPerHour > 0 {
		res := checkAndIncrement(&l.globalHour, l.cfg.GlobalPerHour, now, time.Hour, model.WindowGlobalHour)
		if !res.Allowed {
			return res
		}
	}
	if l.cfg.ClientPerMinute > 0 {
		key := clientKey(ip, session)
		b := l.clients[key]
		if b == nil {
			b = &bucket{}
			l.clients[key] = b
		}
		return checkAndIncrement(b, l.cfg.ClientPerMinute, now, time.Minute, model.WindowClientMinute)
	}

	return disabledResult(model.WindowClientMinute, l.cfg.ClientPerMinute)
}

// RecordTokens adds n consumed tokens to both token windows and reports
// whether the minute window still has headroom. Token accounting is
// retrospective, so the add happens regardless of the answer.
func (l *Limiter) RecordTokens(n int64) model.RateLimitResult {
	if !l.cfg.Enabled || l.cfg.TokensPerMinute <= 0 {
		return disabledResult(model.WindowTokensMinute, l.cfg.TokensPerMinute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	advance(&l.tokensMinute, now, time.Minute)
	l.tokensMinute.count += n
	if l.cfg.TokensPerHour > 0 {
		advance(&l.tokensHour, now, time.Hour)
		l.tokensHour.count += n
	}

	remaining := l.cfg.TokensPerMinute - l.tokensMinute.count
	res := model.RateLimitResult{
		Allowed:   remaining > 0,
		Window:    model.WindowTokensMinute,
		Limit:     l.cfg.TokensPerMinute,
		Remaining: remaining,
		ResetAt:   l.tokensMinute.resetAt,
	}
	if remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = l.tokensMinute.resetAt.Sub(now)
	}
	return res
}

// CleanupStaleBuckets drops per-client buckets whose window expired more
// than maxAge ago. Callers drive this from a periodic ticker; nothing
// inside the limiter schedules it. Returns the number removed.
func (l *Limiter) CleanupStaleBuckets(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	removed := 0
	for key, b := range l.clients {
		if !b.resetAt.IsZero() && now.Sub(b.resetAt) > maxAge {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
