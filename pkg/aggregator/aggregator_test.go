package aggregator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/streamrake/streamrake/pkg/rank"
	"github.com/streamrake/streamrake/pkg/ratelimit"
	"github.com/streamrake/streamrake/pkg/streams"
)

func newTestAggregator(opts Options, governor *ratelimit.Governor) *Aggregator {
	return New(opts, governor, zap.NewNop())
}

func fixedTask(provider string, delay time.Duration, items []streams.Stream, completed *int32) Task {
	return Task{
		Provider: provider,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) ([]streams.Stream, error) {
			select {
			case <-time.After(delay):
				if completed != nil {
					atomic.AddInt32(completed, 1)
				}
				return items, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestGatherNoProviders(t *testing.T) {
	a := newTestAggregator(Options{}, nil)
	_, err := a.Gather(context.Background(), "", nil, rank.Criteria{})
	require.ErrorIs(t, err, ErrNoProviders)
}

func TestEarlyReturnReleasesWithoutLaggard(t *testing.T) {
	a := newTestAggregator(Options{
		EarlyReturnEnabled: true,
		EarlyReturnTimeout: 100 * time.Millisecond,
	}, nil)

	var slowDone int32
	tasks := []Task{
		fixedTask("fast", 20*time.Millisecond, []streams.Stream{{Provider: "fast", Title: "quick result"}}, nil),
		fixedTask("slow", 400*time.Millisecond, []streams.Stream{{Provider: "slow", Title: "late result"}}, &slowDone),
	}

	start := time.Now()
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "quick result", results[0].Title)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 350*time.Millisecond)

	// The laggard keeps running after release (its results warm the cache)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&slowDone) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAllDoneReleasesBeforeTimer(t *testing.T) {
	a := newTestAggregator(Options{
		EarlyReturnEnabled: true,
		EarlyReturnTimeout: 5 * time.Second,
	}, nil)

	tasks := []Task{
		fixedTask("a", 10*time.Millisecond, []streams.Stream{{Provider: "a", Title: "one"}}, nil),
		fixedTask("b", 20*time.Millisecond, []streams.Stream{{Provider: "b", Title: "two"}}, nil),
	}
	start := time.Now()
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Less(t, time.Since(start), time.Second)
}

func TestBlockingProviderHoldsGate(t *testing.T) {
	a := newTestAggregator(Options{
		EarlyReturnEnabled: true,
		EarlyReturnTimeout: 30 * time.Millisecond,
	}, nil)

	blocking := fixedTask("scarab", 200*time.Millisecond, []streams.Stream{{Provider: "scarab", Title: "worth the wait"}}, nil)
	blocking.EarlyReturnBlocking = true
	tasks := []Task{
		fixedTask("fast", 5*time.Millisecond, []streams.Stream{{Provider: "fast", Title: "quick"}}, nil),
		blocking,
	}

	start := time.Now()
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestMinStreamsHoldsGate(t *testing.T) {
	a := newTestAggregator(Options{
		EarlyReturnEnabled:    true,
		EarlyReturnTimeout:    30 * time.Millisecond,
		EarlyReturnMinStreams: 1,
	}, nil)

	tasks := []Task{
		fixedTask("empty", 5*time.Millisecond, nil, nil),
		fixedTask("late", 200*time.Millisecond, []streams.Stream{{Provider: "late", Title: "only result"}}, nil),
	}
	start := time.Now()
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestRateLimitedProviderYieldsSyntheticStream(t *testing.T) {
	governor := ratelimit.NewGovernor(ratelimit.Options{
		IPWindows: map[string]ratelimit.WindowConfig{
			"scarab": {MaxRequests: 1, Window: time.Minute},
		},
	}, zap.NewNop())
	a := newTestAggregator(Options{EarlyReturnEnabled: true, EarlyReturnTimeout: 20 * time.Millisecond}, governor)

	tasks := []Task{fixedTask("scarab", time.Millisecond, []streams.Stream{{Provider: "scarab", Title: "real"}}, nil)}

	// First call consumes the window
	results, err := a.Gather(context.Background(), "1.2.3.4", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Note)

	// Second call gets the synthetic item instead of a provider run
	results, err = a.Gather(context.Background(), "1.2.3.4", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Note)
	require.Contains(t, results[0].Note, "rate limited")
}

func TestProviderBucketYieldsSyntheticStream(t *testing.T) {
	governor := ratelimit.NewGovernor(ratelimit.Options{
		ProviderRate:  rate.Limit(0.01),
		ProviderBurst: 1,
	}, zap.NewNop())
	a := newTestAggregator(Options{}, governor)

	tasks := []Task{
		fixedTask("magnetio", time.Millisecond, []streams.Stream{{Provider: "magnetio", Title: "real"}}, nil),
		fixedTask("magnetio", time.Millisecond, []streams.Stream{{Provider: "magnetio", Title: "never dispatched"}}, nil),
	}

	// The burst covers one dispatch, the second task drains into a synthetic item
	results, err := a.Gather(context.Background(), "1.2.3.4", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var notes int
	for _, item := range results {
		if item.Note != "" {
			notes++
			require.Contains(t, item.Note, "rate limited")
		}
	}
	require.Equal(t, 1, notes)
}

func TestAllProvidersFailing(t *testing.T) {
	a := newTestAggregator(Options{}, nil)
	failing := Task{Provider: "down", Run: func(ctx context.Context) ([]streams.Stream, error) {
		return nil, errors.New("connection refused")
	}}
	_, err := a.Gather(context.Background(), "", []Task{failing, failing}, rank.Criteria{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestPartialFailureIsNotFatal(t *testing.T) {
	a := newTestAggregator(Options{}, nil)
	tasks := []Task{
		{Provider: "down", Run: func(ctx context.Context) ([]streams.Stream, error) {
			return nil, errors.New("connection refused")
		}},
		fixedTask("up", time.Millisecond, []streams.Stream{{Provider: "up", Title: "fine"}}, nil),
	}
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPanickingTaskCollapsesToFailure(t *testing.T) {
	a := newTestAggregator(Options{}, nil)
	tasks := []Task{
		{Provider: "buggy", Run: func(ctx context.Context) ([]streams.Stream, error) {
			panic("nil map write")
		}},
		fixedTask("up", time.Millisecond, []streams.Stream{{Provider: "up", Title: "fine"}}, nil),
	}
	results, err := a.Gather(context.Background(), "", tasks, rank.Criteria{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestCallerCancelReturnsPartial(t *testing.T) {
	a := newTestAggregator(Options{EarlyReturnEnabled: false}, nil)
	var slowDone int32
	tasks := []Task{
		fixedTask("fast", 10*time.Millisecond, []streams.Stream{{Provider: "fast", Title: "got this"}}, nil),
		fixedTask("slow", 500*time.Millisecond, []streams.Stream{{Provider: "slow", Title: "late"}}, &slowDone),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	results, err := a.Gather(ctx, "", tasks, rank.Criteria{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, results, 1)

	// The slow task runs on a detached context, it still completes
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&slowDone) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
