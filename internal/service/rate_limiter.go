package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTTL       = 24 * time.Hour
)

// DefaultRateLimits 各交易所默认配额, 未列出的交易所使用 DefaultRateLimit
var DefaultRateLimits = map[string]model.RateLimitConfig{
	// primary venue
	"lnmarkets": {PerMinuteCeiling: 30, PerHourCeiling: 500, PerDayCeiling: 5000, BurstCeiling: 10, WindowSizeMs: 60000, RetryAfterSec: 60},
	// high-throughput venue
	"binance": {PerMinuteCeiling: 1200, PerHourCeiling: 10000, PerDayCeiling: 100000, BurstCeiling: 100, WindowSizeMs: 60000, RetryAfterSec: 1},
}

var DefaultRateLimit = model.RateLimitConfig{
	PerMinuteCeiling: 60,
	PerHourCeiling:   1000,
	PerDayCeiling:    10000,
	BurstCeiling:     20,
	WindowSizeMs:     60000,
	RetryAfterSec:    30,
}

// RateLimiter enforces per-account minute/hour/day ceilings, a burst cap and a
// throttle. Windows reset lazily: a counter drops to zero once the time since the
// last allowed request exceeds that window. A request denied by the burst cap still
// counts toward the minute window, so a client that keeps pushing past the burst
// cap ends up throttled.
type RateLimiter struct {
	store KeyedStore[model.AccountKey, model.RateLimitState]

	mu        sync.RWMutex
	overrides map[string]model.RateLimitConfig

	failOpen      atomic.Bool
	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *slog.Logger
}

type RateLimiterOption func(*RateLimiter)

func WithRateLimitClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

func WithFailOpen(failOpen bool) RateLimiterOption {
	return func(l *RateLimiter) { l.failOpen.Store(failOpen) }
}

func WithIdleTTL(ttl time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

func WithExchangeLimits(limits map[string]model.RateLimitConfig) RateLimiterOption {
	return func(l *RateLimiter) {
		for slug, cfg := range limits {
			l.overrides[normalizeSlug(slug)] = normalizeRateConfig(cfg)
		}
	}
}

func NewRateLimiter(store KeyedStore[model.AccountKey, model.RateLimitState], opts ...RateLimiterOption) *RateLimiter {
	if store == nil {
		store = NewMemoryStore[model.AccountKey, model.RateLimitState]()
	}
	l := &RateLimiter{
		store:         store,
		overrides:     make(map[string]model.RateLimitConfig),
		idleTTL:       DefaultIdleTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           logger.Component("rate_limiter"),
	}
	l.failOpen.Store(true)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ConfigFor returns the effective config for an exchange.
func (l *RateLimiter) ConfigFor(exchange string) model.RateLimitConfig {
	slug := normalizeSlug(exchange)
	l.mu.RLock()
	cfg, ok := l.overrides[slug]
	l.mu.RUnlock()
	if ok {
		return cfg
	}
	if cfg, ok := DefaultRateLimits[slug]; ok {
		return cfg
	}
	return DefaultRateLimit
}

func (l *RateLimiter) SetExchangeConfig(exchange string, cfg model.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[normalizeSlug(exchange)] = normalizeRateConfig(cfg)
}

func (l *RateLimiter) SetFailOpen(v bool) {
	l.failOpen.Store(v)
}

func (l *RateLimiter) FailOpen() bool {
	return l.failOpen.Load()
}

// Check decides whether one more request is allowed for the account and records it
// when it is. custom overrides the exchange config for this key.
func (l *RateLimiter) Check(ctx context.Context, userID, accountID, exchange string, custom *model.RateLimitConfig) model.RateLimitStatus {
	key := model.AccountKey{UserID: userID, AccountID: accountID}
	cfg := l.ConfigFor(exchange)
	if custom != nil {
		cfg = normalizeRateConfig(*custom)
	}
	now := l.now()

	var status model.RateLimitStatus
	err := l.update(ctx, key, func(st model.RateLimitState, ok bool) (model.RateLimitState, error) {
		st.Config = cfg
		status = evaluateRateLimit(&st, now)
		return st, nil
	})
	if err != nil {
		status = l.failure(ctx, key, cfg, now, err)
	}

	metrics.RateLimitDecisions.WithLabelValues(strconv.FormatBool(status.Allowed), status.Window).Inc()
	return status
}

func (l *RateLimiter) update(ctx context.Context, key model.AccountKey, fn func(model.RateLimitState, bool) (model.RateLimitState, error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rate limiter panic: %v", r)
		}
	}()
	_, err = l.store.Update(ctx, key, fn)
	return err
}

// failure applies the fail-open / fail-closed policy to an internal error.
func (l *RateLimiter) failure(ctx context.Context, key model.AccountKey, cfg model.RateLimitConfig, now time.Time, err error) model.RateLimitStatus {
	if l.failOpen.Load() {
		logger.LogError(ctx, err, "rate limiter failed, allowing request (fail-open)", "key", key.String())
		return model.RateLimitStatus{
			Allowed:   true,
			Remaining: cfg.PerMinuteCeiling,
			ResetAt:   now.Add(cfg.MinuteWindow()),
			Ceiling:   cfg.PerMinuteCeiling,
			Window:    model.WindowFailOpen,
		}
	}
	logger.LogError(ctx, err, "rate limiter failed, denying request (fail-closed)", "key", key.String())
	return model.RateLimitStatus{
		Allowed:       false,
		ResetAt:       now.Add(cfg.RetryAfter()),
		RetryAfterSec: cfg.RetryAfterSec,
		Ceiling:       cfg.PerMinuteCeiling,
		Window:        model.WindowFailClosed,
	}
}

func evaluateRateLimit(st *model.RateLimitState, now time.Time) model.RateLimitStatus {
	cfg := st.Config

	if st.Throttled && st.ThrottledUntil != nil && st.ThrottledUntil.After(now) {
		return model.RateLimitStatus{
			Allowed:       false,
			ResetAt:       *st.ThrottledUntil,
			RetryAfterSec: ceilSeconds(st.ThrottledUntil.Sub(now)),
			CurrentUsage:  st.Usage.Minute,
			Ceiling:       cfg.PerMinuteCeiling,
			Window:        model.WindowThrottle,
		}
	}

	if !st.LastRequestAt.IsZero() {
		elapsed := now.Sub(st.LastRequestAt)
		if elapsed > cfg.MinuteWindow() {
			st.Usage.Minute = 0
		}
		if elapsed > hourWindow {
			st.Usage.Hour = 0
		}
		if elapsed > dayWindow {
			st.Usage.Day = 0
		}
	}

	windows := []struct {
		name    string
		used    int
		ceiling int
	}{
		{model.WindowMinute, st.Usage.Minute, cfg.PerMinuteCeiling},
		{model.WindowHour, st.Usage.Hour, cfg.PerHourCeiling},
		{model.WindowDay, st.Usage.Day, cfg.PerDayCeiling},
	}
	for _, w := range windows {
		if w.ceiling > 0 && w.used >= w.ceiling {
			until := now.Add(cfg.RetryAfter())
			st.Throttled = true
			st.ThrottledUntil = &until
			return model.RateLimitStatus{
				Allowed:       false,
				ResetAt:       until,
				RetryAfterSec: cfg.RetryAfterSec,
				CurrentUsage:  w.used,
				Ceiling:       w.ceiling,
				Window:        w.name,
			}
		}
	}

	if cfg.BurstCeiling > 0 && st.Usage.Minute >= cfg.BurstCeiling {
		st.Usage.Minute++
		resetAt := st.LastRequestAt.Add(cfg.MinuteWindow())
		if resetAt.Before(now) {
			resetAt = now.Add(cfg.MinuteWindow())
		}
		return model.RateLimitStatus{
			Allowed:       false,
			ResetAt:       resetAt,
			RetryAfterSec: ceilSeconds(resetAt.Sub(now)),
			CurrentUsage:  st.Usage.Minute,
			Ceiling:       cfg.BurstCeiling,
			Window:        model.WindowBurst,
		}
	}

	st.Usage.Minute++
	st.Usage.Hour++
	st.Usage.Day++
	if st.Throttled {
		st.Throttled = false
		st.ThrottledUntil = nil
	}
	st.LastRequestAt = now

	return model.RateLimitStatus{
		Allowed:      true,
		Remaining:    remaining(st),
		ResetAt:      now.Add(cfg.MinuteWindow()),
		CurrentUsage: st.Usage.Minute,
		Ceiling:      cfg.PerMinuteCeiling,
		Window:       model.WindowMinute,
	}
}

func remaining(st *model.RateLimitState) int {
	left := math.MaxInt
	pairs := [][2]int{
		{st.Config.PerMinuteCeiling, st.Usage.Minute},
		{st.Config.PerHourCeiling, st.Usage.Hour},
		{st.Config.PerDayCeiling, st.Usage.Day},
	}
	for _, p := range pairs {
		if p[0] <= 0 {
			continue
		}
		if r := p[0] - p[1]; r < left {
			left = r
		}
	}
	if left == math.MaxInt || left < 0 {
		return 0
	}
	return left
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func normalizeRateConfig(cfg model.RateLimitConfig) model.RateLimitConfig {
	if cfg.WindowSizeMs <= 0 {
		cfg.WindowSizeMs = 60000
	}
	if cfg.RetryAfterSec <= 0 {
		cfg.RetryAfterSec = 1
	}
	return cfg
}

// State returns the stored state for an account, if any.
func (l *RateLimiter) State(ctx context.Context, userID, accountID string) (model.RateLimitState, bool, error) {
	return l.store.Get(ctx, model.AccountKey{UserID: userID, AccountID: accountID})
}

// Reset clears the limiter state of one account.
func (l *RateLimiter) Reset(ctx context.Context, userID, accountID string) error {
	return l.store.Delete(ctx, model.AccountKey{UserID: userID, AccountID: accountID})
}

// Sweep evicts states idle longer than the idle TTL. A state whose throttle is still
// running is kept.
func (l *RateLimiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	cutoff := now.Add(-l.idleTTL)
	removed, err := l.store.Sweep(ctx, func(_ model.AccountKey, st model.RateLimitState) bool {
		if st.Throttled && st.ThrottledUntil != nil && st.ThrottledUntil.After(now) {
			return false
		}
		return st.LastRequestAt.Before(cutoff)
	})
	if removed > 0 {
		metrics.RateLimitEvictions.Add(float64(removed))
	}
	return removed, err
}

// Run sweeps idle state until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := l.Sweep(ctx)
			if err != nil {
				logger.LogError(ctx, err, "rate limit sweep failed")
				continue
			}
			if removed > 0 {
				l.log.Debug("rate limit sweep", "removed", removed)
			}
		}
	}
}
