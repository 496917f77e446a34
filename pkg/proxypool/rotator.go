// Package proxypool maintains a pool of SOCKS5 egress endpoints and races
// requests across them. Hostile origins block single IPs quickly; racing a
// small batch of proxies and keeping a "known good" list makes scraping
// through the pool reliable enough to be useful.
package proxypool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// URL of a plain text list of "host:port" SOCKS5 endpoints, one per line
	SourceURL string
	// How often the source list is re-fetched
	RefreshInterval time.Duration
	// Timeout of a single proxied request attempt
	Timeout time.Duration
	// Failures after which a proxy is blacklisted for the process lifetime
	MaxFailures int
	// Number of most-recently-successful proxies front-loaded into batches
	KnownGoodSize int
	// Responses smaller than this are treated as proxy garbage
	MinResponseBytes int
}

var DefaultOptions = Options{
	RefreshInterval:  10 * time.Minute,
	Timeout:          10 * time.Second,
	MaxFailures:      2,
	KnownGoodSize:    10,
	MinResponseBytes: 500,
}

// RaceOptions bound a single RequestWithRotation call.
type RaceOptions struct {
	// Parallel attempts per batch
	BatchSize int
	// Batches tried before giving up
	MaxBatches int
}

var DefaultRaceOptions = RaceOptions{
	BatchSize:  5,
	MaxBatches: 3,
}

type endpoint struct {
	addr     string
	failures int
	lastUsed time.Time
	client   *http.Client
}

// Rotator is the proxy pool. Safe for concurrent use.
type Rotator struct {
	opts       Options
	listClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	pool      map[string]*endpoint
	blacklist map[string]struct{}
	knownGood *lru.Cache[string, struct{}]
	didReset  bool

	refreshGroup singleflight.Group
	lastRefresh  time.Time
}

func NewRotator(opts Options, logger *zap.Logger) (*Rotator, error) {
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = DefaultOptions.RefreshInterval
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = DefaultOptions.MaxFailures
	}
	if opts.KnownGoodSize == 0 {
		opts.KnownGoodSize = DefaultOptions.KnownGoodSize
	}
	if opts.MinResponseBytes == 0 {
		opts.MinResponseBytes = DefaultOptions.MinResponseBytes
	}
	knownGood, err := lru.New[string, struct{}](opts.KnownGoodSize)
	if err != nil {
		return nil, err
	}
	return &Rotator{
		opts:       opts,
		listClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
		pool:       map[string]*endpoint{},
		blacklist:  map[string]struct{}{},
		knownGood:  knownGood,
	}, nil
}

// newSOCKS5Client builds an HTTP client that dials through the given SOCKS5
// proxy. The cookie jar matters for indexers that set session cookies.
func newSOCKS5Client(timeout time.Duration, socksProxyAddr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("couldn't create SOCKS5 dialer: %v", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("couldn't create cookie jar: %v", err)
	}
	return &http.Client{
		Transport: &http.Transport{
			Dial: dialer.Dial,
		},
		Jar:     jar,
		Timeout: timeout,
	}, nil
}

// AddEndpoints adds proxies to the pool. Mostly useful for tests and for
// deployments with a static list instead of a source URL.
func (r *Rotator) AddEndpoints(addrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range addrs {
		if _, ok := r.pool[addr]; !ok {
			r.pool[addr] = &endpoint{addr: addr}
		}
	}
}

// Refresh re-fetches the source list. Concurrent callers share one fetch.
func (r *Rotator) Refresh(ctx context.Context) error {
	if r.opts.SourceURL == "" {
		return nil
	}
	_, err, _ := r.refreshGroup.Do("refresh", func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.SourceURL, nil)
		if err != nil {
			return nil, err
		}
		res, err := r.listClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("couldn't fetch proxy list: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("bad proxy list response: %v", res.StatusCode)
		}

		var addrs []string
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			addr := strings.TrimSpace(scanner.Text())
			if addr != "" && strings.Contains(addr, ":") {
				addrs = append(addrs, addr)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("couldn't read proxy list: %v", err)
		}

		r.mu.Lock()
		for _, addr := range addrs {
			if _, ok := r.pool[addr]; !ok {
				r.pool[addr] = &endpoint{addr: addr}
			}
		}
		r.lastRefresh = time.Now()
		poolSize := len(r.pool)
		r.mu.Unlock()

		r.logger.Debug("Refreshed proxy list", zap.Int("listed", len(addrs)), zap.Int("poolSize", poolSize))
		return nil, nil
	})
	return err
}

// StartAutoRefresh refreshes the source list on the configured interval
// until ctx is done.
func (r *Rotator) StartAutoRefresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Warn("Couldn't refresh proxy list", zap.Error(err))
				}
			}
		}
	}()
}

// candidates picks up to n distinct non-blacklisted proxies: known-good ones
// first (to raise the hit rate after warm-up), then least recently used.
func (r *Rotator) candidates(n int) []*endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	picked := make([]*endpoint, 0, n)
	seen := map[string]struct{}{}
	for _, addr := range r.knownGood.Keys() {
		if len(picked) == n {
			break
		}
		ep, ok := r.pool[addr]
		if !ok {
			continue
		}
		if _, bad := r.blacklist[addr]; bad {
			continue
		}
		picked = append(picked, ep)
		seen[addr] = struct{}{}
	}

	var rest []*endpoint
	for addr, ep := range r.pool {
		if _, ok := seen[addr]; ok {
			continue
		}
		if _, bad := r.blacklist[addr]; bad {
			continue
		}
		rest = append(rest, ep)
	}
	// Least recently used first, so the load spreads over the pool
	for len(picked) < n && len(rest) > 0 {
		oldest := 0
		for i, ep := range rest {
			if ep.lastUsed.Before(rest[oldest].lastUsed) {
				oldest = i
			}
		}
		picked = append(picked, rest[oldest])
		rest = append(rest[:oldest], rest[oldest+1:]...)
	}

	now := time.Now()
	for _, ep := range picked {
		ep.lastUsed = now
	}
	return picked
}

func (r *Rotator) reportSuccess(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.pool[addr]; ok {
		ep.failures = 0
	}
	r.knownGood.Add(addr, struct{}{})
}

func (r *Rotator) reportFailure(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.pool[addr]
	if !ok {
		return
	}
	ep.failures++
	if ep.failures >= r.opts.MaxFailures {
		r.blacklist[addr] = struct{}{}
		r.knownGood.Remove(addr)
	}
}

// resetFailuresOnce clears all failure state a single time in the process
// lifetime, as a last resort when every proxy has been blacklisted.
func (r *Rotator) resetFailuresOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.didReset {
		return false
	}
	r.didReset = true
	r.blacklist = map[string]struct{}{}
	for _, ep := range r.pool {
		ep.failures = 0
	}
	r.logger.Warn("All proxies blacklisted, resetting failure counts once")
	return true
}

type raceResult struct {
	body []byte
	addr string
	err  error
}

// RequestWithRotation fires the request through batches of distinct proxies
// in parallel and returns the first acceptable response together with the
// proxy that produced it. Losing attempts are canceled promptly.
func (r *Rotator) RequestWithRotation(ctx context.Context, req *http.Request, race RaceOptions) ([]byte, string, error) {
	if race.BatchSize <= 0 {
		race.BatchSize = DefaultRaceOptions.BatchSize
	}
	if race.MaxBatches <= 0 {
		race.MaxBatches = DefaultRaceOptions.MaxBatches
	}

	var combinedErr error
	for batch := 0; batch < race.MaxBatches; batch++ {
		if ctx.Err() != nil {
			return nil, "", multierr.Append(combinedErr, ctx.Err())
		}
		eps := r.candidates(race.BatchSize)
		if len(eps) == 0 {
			if r.resetFailuresOnce() {
				eps = r.candidates(race.BatchSize)
			}
			if len(eps) == 0 {
				return nil, "", multierr.Append(combinedErr, fmt.Errorf("no usable proxies in pool"))
			}
		}

		body, addr, err := r.raceBatch(ctx, req, eps)
		if err == nil {
			return body, addr, nil
		}
		combinedErr = multierr.Append(combinedErr, err)
	}
	return nil, "", combinedErr
}

func (r *Rotator) raceBatch(ctx context.Context, req *http.Request, eps []*endpoint) ([]byte, string, error) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(eps))
	for _, ep := range eps {
		go func(ep *endpoint) {
			body, err := r.attempt(batchCtx, req, ep)
			results <- raceResult{body: body, addr: ep.addr, err: err}
		}(ep)
	}

	var errs error
	for i := 0; i < len(eps); i++ {
		res := <-results
		if res.err != nil {
			// Attempts cut short by cancellation don't count as proxy
			// failures; genuine failures do, even when they raced a
			// cancellation and lost
			if !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, context.DeadlineExceeded) {
				r.reportFailure(res.addr)
			}
			errs = multierr.Append(errs, fmt.Errorf("%v: %v", res.addr, res.err))
			continue
		}
		r.reportSuccess(res.addr)
		// First success wins, the deferred cancel releases the siblings
		return res.body, res.addr, nil
	}
	return nil, "", errs
}

func (r *Rotator) attempt(ctx context.Context, req *http.Request, ep *endpoint) ([]byte, error) {
	r.mu.Lock()
	if ep.client == nil {
		client, err := newSOCKS5Client(r.opts.Timeout, ep.addr)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		ep.client = client
	}
	client := ep.client
	r.mu.Unlock()

	res, err := client.Do(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad response status: %v", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("couldn't read response body: %v", err)
	}
	if len(body) < r.opts.MinResponseBytes {
		return nil, fmt.Errorf("suspiciously small response (%v bytes), treating as proxy garbage", len(body))
	}
	return body, nil
}

// PoolStats reports pool size and blacklist size, for the status endpoint.
func (r *Rotator) PoolStats() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool), len(r.blacklist)
}
