// Package ratelimit enforces two axes: per-provider token buckets and
// per-client-IP fixed windows for expensive providers. Exceeding a limit is
// never an error - callers surface a synthetic "rate limited" item instead.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WindowConfig is a fixed-window limit for one provider.
type WindowConfig struct {
	MaxRequests int
	Window      time.Duration
}

type Options struct {
	// Sustained requests per second and burst per provider bucket
	ProviderRate  rate.Limit
	ProviderBurst int
	// Per-IP fixed windows, keyed by provider name. Providers without an
	// entry have no per-IP limit.
	IPWindows map[string]WindowConfig
	// Idle per-IP records older than this get purged
	CleanupInterval time.Duration
}

var DefaultOptions = Options{
	ProviderRate:    5,
	ProviderBurst:   10,
	CleanupInterval: 5 * time.Minute,
}

type ipWindow struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Governor tracks all limiter state. Safe for concurrent use.
type Governor struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	providers   map[string]*rate.Limiter
	windows     map[string]*ipWindow // key: provider + "|" + ip
	lastCleanup time.Time
}

func NewGovernor(opts Options, logger *zap.Logger) *Governor {
	if opts.ProviderRate == 0 {
		opts.ProviderRate = DefaultOptions.ProviderRate
	}
	if opts.ProviderBurst == 0 {
		opts.ProviderBurst = DefaultOptions.ProviderBurst
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultOptions.CleanupInterval
	}
	return &Governor{
		opts:        opts,
		logger:      logger,
		providers:   map[string]*rate.Limiter{},
		windows:     map[string]*ipWindow{},
		lastCleanup: time.Now(),
	}
}

// AllowProvider consumes one token from the provider's bucket. When the
// bucket is empty it returns false and how long until the next token.
func (g *Governor) AllowProvider(provider string) (bool, time.Duration) {
	g.mu.Lock()
	limiter, ok := g.providers[provider]
	if !ok {
		limiter = rate.NewLimiter(g.opts.ProviderRate, g.opts.ProviderBurst)
		g.providers[provider] = limiter
	}
	g.mu.Unlock()
	reservation := limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		g.logger.Debug("Provider hit token bucket limit",
			zap.String("provider", provider), zap.Duration("retryAfter", delay))
		return false, delay
	}
	return true, 0
}

// AllowClient checks the per-IP fixed window for a provider. When the limit
// is exceeded it returns false and how long the client has to wait for the
// window to roll over.
func (g *Governor) AllowClient(provider, clientIP string) (bool, time.Duration) {
	cfg, limited := g.opts.IPWindows[provider]
	if !limited || clientIP == "" {
		return true, 0
	}

	now := time.Now()
	key := provider + "|" + clientIP

	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeCleanupLocked(now)

	win, ok := g.windows[key]
	if !ok || now.Sub(win.windowStart) >= cfg.Window {
		g.windows[key] = &ipWindow{count: 1, windowStart: now, lastSeen: now}
		return true, 0
	}
	win.lastSeen = now
	if win.count >= cfg.MaxRequests {
		retryAfter := cfg.Window - now.Sub(win.windowStart)
		g.logger.Debug("Client hit per-IP rate limit",
			zap.String("provider", provider), zap.String("clientIP", clientIP),
			zap.Duration("retryAfter", retryAfter))
		return false, retryAfter
	}
	win.count++
	return true, 0
}

func (g *Governor) maybeCleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < g.opts.CleanupInterval {
		return
	}
	for key, win := range g.windows {
		if now.Sub(win.lastSeen) >= g.opts.CleanupInterval {
			delete(g.windows, key)
		}
	}
	g.lastCleanup = now
}
