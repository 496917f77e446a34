package cachecoord

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRefresherRunsTask(t *testing.T) {
	refresher := NewBackgroundRefresher(RefresherOptions{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, zap.NewNop())
	defer refresher.Stop()

	var runs int32
	accepted := refresher.Schedule("k", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.True(t, accepted)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRefresherRejectsInFlightAndBackoffWindow(t *testing.T) {
	refresher := NewBackgroundRefresher(RefresherOptions{BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}, zap.NewNop())
	defer refresher.Stop()

	release := make(chan struct{})
	require.True(t, refresher.Schedule("k", func(ctx context.Context) error {
		<-release
		return nil
	}))
	// In flight (still waiting out its delay or running): rejected
	require.False(t, refresher.Schedule("k", func(ctx context.Context) error { return nil }))
	close(release)

	// Other keys are independent
	require.True(t, refresher.Schedule("other", func(ctx context.Context) error { return nil }))
}

func TestRefresherFailureCapAndRecovery(t *testing.T) {
	refresher := NewBackgroundRefresher(RefresherOptions{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zap.NewNop())
	defer refresher.Stop()

	var runs int32
	failing := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("provider down")
	}

	for i := 0; i < maxRefreshFailures+2; i++ {
		require.Eventually(t, func() bool {
			return refresher.Schedule("k", failing)
		}, time.Second, time.Millisecond, "schedule %d must eventually be accepted", i)
		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&runs) == int32(i+1)
		}, time.Second, time.Millisecond)
	}

	// The counter caps, it doesn't lock the key out
	refresher.mu.Lock()
	failures := refresher.entries["k"].failures
	refresher.mu.Unlock()
	require.Equal(t, maxRefreshFailures, failures)

	// One success resets the state
	require.Eventually(t, func() bool {
		return refresher.Schedule("k", func(ctx context.Context) error { return nil })
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		refresher.mu.Lock()
		defer refresher.mu.Unlock()
		return refresher.entries["k"].failures == 0 && !refresher.entries["k"].inFlight
	}, time.Second, time.Millisecond)
}
