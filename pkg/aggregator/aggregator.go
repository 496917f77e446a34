// Package aggregator fans a request out to the configured providers and
// releases results through an early-return gate, letting slow providers keep
// warming the cache in the background.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/rank"
	"github.com/streamrake/streamrake/pkg/ratelimit"
	"github.com/streamrake/streamrake/pkg/streams"
)

// ErrNoProviders means the user selected no provider the request could use.
// It's the only fatal condition of a gather; everything else degrades to a
// smaller result set.
var ErrNoProviders = errors.New("no provider configured for the request")

type Options struct {
	// Release before all providers completed
	EarlyReturnEnabled bool
	// Gate timer; bumped by the largest per-task GateTimeout
	EarlyReturnTimeout time.Duration
	// Minimum accumulated streams before the gate may release
	EarlyReturnMinStreams int
	// Hard ceiling for the whole fan-out, including the cache-warming tail
	GlobalDeadline time.Duration
	// Per-task deadline when the task carries no override
	DefaultProviderTimeout time.Duration
}

var DefaultOptions = Options{
	EarlyReturnEnabled:     true,
	EarlyReturnTimeout:     2500 * time.Millisecond,
	EarlyReturnMinStreams:  1,
	GlobalDeadline:         time.Minute,
	DefaultProviderTimeout: 5 * time.Second,
}

// Task is one provider's unit of work in a gather.
type Task struct {
	Provider string
	Run      func(ctx context.Context) ([]streams.Stream, error)
	// The gate waits for this task even after the timer fired
	EarlyReturnBlocking bool
	// Per-task deadline override, 0 means the aggregator default
	Timeout time.Duration
	// Bumps the gate timer for slow-but-worth-waiting providers
	GateTimeout time.Duration
}

type Aggregator struct {
	opts     Options
	governor *ratelimit.Governor
	logger   *zap.Logger
}

// New creates an Aggregator. governor may be nil, which disables per-IP
// limiting.
func New(opts Options, governor *ratelimit.Governor, logger *zap.Logger) *Aggregator {
	if opts.EarlyReturnTimeout == 0 {
		opts.EarlyReturnTimeout = DefaultOptions.EarlyReturnTimeout
	}
	if opts.EarlyReturnMinStreams == 0 {
		opts.EarlyReturnMinStreams = DefaultOptions.EarlyReturnMinStreams
	}
	if opts.GlobalDeadline == 0 {
		opts.GlobalDeadline = DefaultOptions.GlobalDeadline
	}
	if opts.DefaultProviderTimeout == 0 {
		opts.DefaultProviderTimeout = DefaultOptions.DefaultProviderTimeout
	}
	return &Aggregator{
		opts:     opts,
		governor: governor,
		logger:   logger,
	}
}

// RateLimitedStream is the informational item a rate-limited provider
// contributes instead of results.
func RateLimitedStream(provider string, retryAfter time.Duration) streams.Stream {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return streams.Stream{
		Provider: provider,
		Name:     provider,
		Title:    fmt.Sprintf("Rate limited, try again in %vs", secs),
		Note:     fmt.Sprintf("rate limited, retry after %vs", secs),
	}
}

type taskEvent struct {
	provider string
	blocking bool
	items    []streams.Stream
	err      error
}

// Gather runs all tasks concurrently and returns the filtered, sorted result
// set. The tasks run on a context detached from the caller with the global
// deadline, so providers that miss the early-return gate keep running and
// warming the cache after Gather returned.
func (a *Aggregator) Gather(ctx context.Context, clientIP string, tasks []Task, criteria rank.Criteria) ([]streams.Stream, error) {
	if len(tasks) == 0 {
		return nil, ErrNoProviders
	}

	// Exceeded limits, per client IP or per provider bucket, turn a task
	// into a synthetic informational item
	var synthetic []streams.Stream
	runnable := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if a.governor != nil {
			if allowed, retryAfter := a.governor.AllowClient(task.Provider, clientIP); !allowed {
				synthetic = append(synthetic, RateLimitedStream(task.Provider, retryAfter))
				continue
			}
			if allowed, retryAfter := a.governor.AllowProvider(task.Provider); !allowed {
				synthetic = append(synthetic, RateLimitedStream(task.Provider, retryAfter))
				continue
			}
		}
		runnable = append(runnable, task)
	}
	if len(runnable) == 0 {
		return rank.Apply(synthetic, criteria), nil
	}

	// Detached from the caller: early release must not cancel the laggards
	parentCtx, cancel := context.WithTimeout(context.Background(), a.opts.GlobalDeadline)
	events := make(chan taskEvent, len(runnable))
	var wg sync.WaitGroup
	pendingBlocking := 0
	for _, task := range runnable {
		if task.EarlyReturnBlocking {
			pendingBlocking++
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			a.runTask(parentCtx, task, events)
		}(task)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	gateTimeout := a.opts.EarlyReturnTimeout
	for _, task := range runnable {
		if task.GateTimeout > gateTimeout {
			gateTimeout = task.GateTimeout
		}
	}
	var timerC <-chan time.Time
	if a.opts.EarlyReturnEnabled {
		timer := time.NewTimer(gateTimeout)
		defer timer.Stop()
		timerC = timer.C
	}

	accumulated := append([]streams.Stream{}, synthetic...)
	gathered := 0
	var errs error
	remaining := len(runnable)
	timerFired := false
	start := time.Now()
	for remaining > 0 {
		select {
		case ev := <-events:
			remaining--
			if ev.blocking {
				pendingBlocking--
			}
			if ev.err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%v: %w", ev.provider, ev.err))
				a.logger.Warn("Provider task failed", zap.Error(ev.err), zap.String("provider", ev.provider))
			} else {
				accumulated = append(accumulated, ev.items...)
				gathered += len(ev.items)
			}
		case <-timerC:
			timerFired = true
			timerC = nil
		case <-ctx.Done():
			// The caller gave up; the tasks keep running detached
			return rank.Apply(accumulated, criteria), ctx.Err()
		}
		if remaining == 0 {
			break
		}
		if timerFired && pendingBlocking == 0 && gathered >= a.opts.EarlyReturnMinStreams {
			a.logger.Debug("Early return gate released",
				zap.Int("streamCount", gathered), zap.Int("pendingTasks", remaining),
				zap.Duration("elapsed", time.Since(start)))
			return rank.Apply(accumulated, criteria), nil
		}
	}

	if gathered == 0 && len(synthetic) == 0 && errs != nil {
		return nil, fmt.Errorf("Couldn't search on any provider: %w", errs)
	}
	return rank.Apply(accumulated, criteria), nil
}

func (a *Aggregator) runTask(parent context.Context, task Task, events chan<- taskEvent) {
	timeout := task.Timeout
	if timeout == 0 {
		timeout = a.opts.DefaultProviderTimeout
	}
	taskCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Provider task panicked", zap.Any("panic", r), zap.String("provider", task.Provider))
			events <- taskEvent{provider: task.Provider, blocking: task.EarlyReturnBlocking, err: fmt.Errorf("provider task panicked: %v", r)}
		}
	}()

	start := time.Now()
	items, err := task.Run(taskCtx)
	a.logger.Debug("Provider task finished",
		zap.String("provider", task.Provider), zap.Int("streamCount", len(items)),
		zap.Duration("duration", time.Since(start)), zap.Error(err))
	events <- taskEvent{provider: task.Provider, blocking: task.EarlyReturnBlocking, items: items, err: err}
}
