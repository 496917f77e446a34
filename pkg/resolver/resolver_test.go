package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/memcache"
	"github.com/streamrake/streamrake/pkg/streams"
)

const hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

type fakeBackend struct {
	magnetCalls int32
	urlCalls    int32
	magnetErr   error
	magnetURL   string
	delay       time.Duration
}

func (f *fakeBackend) ResolveMagnet(ctx context.Context, credential, magnetURI string, opts debrid.MagnetOptions) (string, error) {
	atomic.AddInt32(&f.magnetCalls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.magnetErr != nil {
		return "", f.magnetErr
	}
	return f.magnetURL, nil
}

func (f *fakeBackend) ResolveURL(ctx context.Context, credential, rawURL string) (string, error) {
	atomic.AddInt32(&f.urlCalls, 1)
	return "https://cdn.example/from-url", nil
}

func newTestResolver(t *testing.T, opts Options) (*Resolver, *bytestore.Store, *memcache.SessionState) {
	t.Helper()
	backend, err := bytestore.NewBadgerBackend("", nil)
	require.NoError(t, err)
	store := bytestore.NewStore(backend, bytestore.Options{}, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	session := memcache.NewSessionState(memcache.Options{ResolveFailTTL: time.Minute})
	return New(opts, session, store, zap.NewNop()), store, session
}

func TestStaleCacheClaimEviction(t *testing.T) {
	res, store, session := newTestResolver(t, Options{})
	backend := &fakeBackend{magnetErr: debrid.ErrNotCached}
	res.Register("providerx", backend)
	ctx := context.Background()

	// Seed the search cache entry holding the bad hash plus a good one, and
	// the per-service availability row for the bad hash.
	data, err := streams.EncodeStreams([]streams.Stream{
		{Provider: "magnetio", InfoHash: hashA, Title: "Bad.Release.1080p"},
		{Provider: "magnetio", InfoHash: hashB, Title: "Good.Release.1080p"},
	})
	require.NoError(t, err)
	store.Upsert(bytestore.Record{Service: "magnetio", Hash: "search-key-K", Data: data}, time.Hour)
	store.Upsert(bytestore.Record{Service: "providerx", Hash: hashA, Data: []byte(`{}`)}, time.Hour)
	store.Flush()

	req := Request{
		Provider:      "providerx",
		Credential:    "someapikey123456",
		OpaqueRef:     "magnet:?xt=urn:btih:" + hashA,
		CacheService:  "magnetio",
		CacheKey:      "search-key-K",
		ClaimedCached: true,
	}
	_, err = res.Resolve(ctx, req)
	require.ErrorIs(t, err, debrid.ErrNotCached)
	store.Flush()

	// The per-service availability row is gone
	_, found := store.Get(ctx, "providerx", hashA)
	require.False(t, found)

	// The search entry no longer contains the bad hash
	rec, found := store.Get(ctx, "magnetio", "search-key-K")
	require.True(t, found)
	items, err := streams.DecodeStreams(rec.Data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, hashB, items[0].InfoHash)

	// The failure memo short-circuits the next attempt
	require.True(t, session.Resolve.RecentFailure(Key(req)))
	_, err = res.Resolve(ctx, req)
	require.ErrorIs(t, err, ErrRecentlyFailed)
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.magnetCalls))
}

func TestSuccessMemoAndExemption(t *testing.T) {
	res, _, session := newTestResolver(t, Options{SuccessTTLExempt: []string{"shortlived"}})
	normal := &fakeBackend{magnetURL: "https://cdn.example/one"}
	exempt := &fakeBackend{magnetURL: "https://cdn.example/two"}
	res.Register("normal", normal)
	res.Register("shortlived", exempt)
	ctx := context.Background()

	normalReq := Request{Provider: "normal", Credential: "k", OpaqueRef: "magnet:?xt=urn:btih:" + hashA}
	streamURL, err := res.Resolve(ctx, normalReq)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/one", streamURL)
	_, memoized := session.Resolve.GetSuccess(Key(normalReq))
	require.True(t, memoized)

	// Second call is served from the memo
	_, err = res.Resolve(ctx, normalReq)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&normal.magnetCalls))

	// Exempt providers resolve every time
	exemptReq := Request{Provider: "shortlived", Credential: "k", OpaqueRef: "magnet:?xt=urn:btih:" + hashA}
	_, err = res.Resolve(ctx, exemptReq)
	require.NoError(t, err)
	_, memoized = session.Resolve.GetSuccess(Key(exemptReq))
	require.False(t, memoized)
	_, err = res.Resolve(ctx, exemptReq)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&exempt.magnetCalls))
}

func TestConcurrentResolvesJoin(t *testing.T) {
	res, _, _ := newTestResolver(t, Options{})
	backend := &fakeBackend{magnetURL: "https://cdn.example/x", delay: 30 * time.Millisecond}
	res.Register("p", backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			streamURL, err := res.Resolve(context.Background(), Request{
				Provider: "p", Credential: "k", OpaqueRef: "magnet:?xt=urn:btih:" + hashA,
			})
			require.NoError(t, err)
			require.Equal(t, "https://cdn.example/x", streamURL)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.magnetCalls))
}

func TestCallerCancelDetachesWait(t *testing.T) {
	res, _, session := newTestResolver(t, Options{})
	backend := &fakeBackend{magnetURL: "https://cdn.example/slow", delay: 50 * time.Millisecond}
	res.Register("p", backend)
	req := Request{Provider: "p", Credential: "k", OpaqueRef: "magnet:?xt=urn:btih:" + hashB}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := res.Resolve(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared work keeps running and lands in the success memo
	require.Eventually(t, func() bool {
		_, found := session.Resolve.GetSuccess(Key(req))
		return found
	}, time.Second, 10*time.Millisecond)
}

func TestURLFlow(t *testing.T) {
	res, _, _ := newTestResolver(t, Options{})
	backend := &fakeBackend{}
	res.Register("p", backend)

	streamURL, err := res.Resolve(context.Background(), Request{
		Provider: "p", Credential: "k", OpaqueRef: "https://hoster.example/file/123",
	})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/from-url", streamURL)
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.urlCalls))
}
