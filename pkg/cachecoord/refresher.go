package cachecoord

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// The failure counter caps here; the backoff interval stops growing with it.
const maxRefreshFailures = 6

type RefresherOptions struct {
	// Delay before the first refresh of a key
	BaseDelay time.Duration
	// Upper bound on the exponential backoff
	MaxDelay time.Duration
	// Wall-clock budget of one refresh task
	TaskTimeout time.Duration
	// Randomization factor of the backoff, 0..1
	Jitter float64
}

var DefaultRefresherOptions = RefresherOptions{
	BaseDelay:   30 * time.Second,
	MaxDelay:    30 * time.Minute,
	TaskTimeout: time.Minute,
	Jitter:      0.25,
}

type refreshState struct {
	inFlight      bool
	failures      int
	nextAllowedAt time.Time
	backoff       *backoff.ExponentialBackOff
}

// BackgroundRefresher runs cache-warming tasks with per-key exponential
// backoff. It never blocks the caller; rejected schedules are simply dropped
// because the next user request will try again.
type BackgroundRefresher struct {
	opts   RefresherOptions
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*refreshState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Refresher = (*BackgroundRefresher)(nil)

func NewBackgroundRefresher(opts RefresherOptions, logger *zap.Logger) *BackgroundRefresher {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = DefaultRefresherOptions.BaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = DefaultRefresherOptions.MaxDelay
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = DefaultRefresherOptions.TaskTimeout
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultRefresherOptions.Jitter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundRefresher{
		opts:    opts,
		logger:  logger,
		entries: map[string]*refreshState{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *BackgroundRefresher) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BaseDelay
	b.MaxInterval = r.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = r.opts.Jitter
	// The per-key failure cap bounds retries, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Schedule queues a refresh of the key unless one is in flight, the key is
// in its backoff window, or the key has exhausted its failure budget.
// Returns whether the task was accepted.
func (r *BackgroundRefresher) Schedule(cacheKey string, task func(ctx context.Context) error) bool {
	now := time.Now()

	r.mu.Lock()
	st, ok := r.entries[cacheKey]
	if !ok {
		st = &refreshState{backoff: r.newBackoff()}
		r.entries[cacheKey] = st
	}
	if st.inFlight || now.Before(st.nextAllowedAt) {
		r.mu.Unlock()
		return false
	}
	st.inFlight = true
	delay := st.backoff.NextBackOff()
	st.nextAllowedAt = now.Add(delay)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.ctx.Done():
			r.finish(cacheKey, nil, false)
			return
		case <-time.After(delay):
		}

		taskCtx, cancel := context.WithTimeout(r.ctx, r.opts.TaskTimeout)
		err := task(taskCtx)
		cancel()
		r.finish(cacheKey, err, true)
	}()
	return true
}

func (r *BackgroundRefresher) finish(cacheKey string, err error, ran bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entries[cacheKey]
	if !ok {
		return
	}
	st.inFlight = false
	if !ran {
		return
	}
	if err != nil {
		if st.failures < maxRefreshFailures {
			st.failures++
		}
		st.nextAllowedAt = time.Now().Add(st.backoff.NextBackOff())
		r.logger.Debug("Cache refresh failed",
			zap.String("cacheKey", cacheKey), zap.Int("failures", st.failures), zap.Error(err))
		return
	}
	st.failures = 0
	st.backoff = r.newBackoff()
	st.nextAllowedAt = time.Now().Add(r.opts.BaseDelay)
}

// Stop cancels running tasks and waits for them to exit.
func (r *BackgroundRefresher) Stop() {
	r.cancel()
	r.wg.Wait()
}
