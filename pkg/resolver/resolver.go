// Package resolver turns opaque references (magnet URIs, hoster links, NZB
// descriptors) into final playable URLs, with at-most-once execution per
// resolve key and short-lived outcome memos.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/memcache"
	"github.com/streamrake/streamrake/pkg/streams"
)

// ErrRecentlyFailed short-circuits a resolve whose key failed within the
// failure memo TTL. It prevents retry storms against the debrid backends.
var ErrRecentlyFailed = errors.New("resolve recently failed for this reference")

// Backend is what a provider must offer to take part in resolving. The
// debrid clients implement it directly; Usenet and hoster providers implement
// it with their own submit/poll or extraction flows behind ResolveURL.
type Backend interface {
	ResolveMagnet(ctx context.Context, credential, magnetURI string, opts debrid.MagnetOptions) (string, error)
	ResolveURL(ctx context.Context, credential, rawURL string) (string, error)
}

// Request is one resolve call.
type Request struct {
	Provider   string
	Credential string
	// Magnet URI, http(s) link or provider-specific descriptor
	OpaqueRef string
	Hint      *streams.EpisodeHint
	// Search cache entry that produced this reference, for stale-claim
	// eviction. CacheService is the service column of that entry.
	CacheService string
	CacheKey     string
	// Whether a cache probe claimed the hash is instantly available
	ClaimedCached bool
}

type Options struct {
	// Wall-clock budget of one resolve computation. The computation runs
	// detached from the caller so joiners aren't stranded by a cancel.
	Timeout time.Duration
	// Providers whose successes are not memoized because their links expire
	// too quickly
	SuccessTTLExempt []string
}

var DefaultOptions = Options{
	Timeout:          2 * time.Minute,
	SuccessTTLExempt: []string{"realdebrid"},
}

type Resolver struct {
	opts     Options
	backends map[string]Backend
	session  *memcache.SessionState
	store    *bytestore.Store
	exempt   map[string]struct{}
	group    singleflight.Group
	logger   *zap.Logger
}

func New(opts Options, session *memcache.SessionState, store *bytestore.Store, logger *zap.Logger) *Resolver {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.SuccessTTLExempt == nil {
		opts.SuccessTTLExempt = DefaultOptions.SuccessTTLExempt
	}
	exempt := make(map[string]struct{}, len(opts.SuccessTTLExempt))
	for _, provider := range opts.SuccessTTLExempt {
		exempt[strings.ToLower(provider)] = struct{}{}
	}
	return &Resolver{
		opts:     opts,
		backends: map[string]Backend{},
		session:  session,
		store:    store,
		exempt:   exempt,
		logger:   logger,
	}
}

// Register binds a provider name to its resolve backend.
func (r *Resolver) Register(provider string, backend Backend) {
	r.backends[strings.ToLower(provider)] = backend
}

// Key derives the resolve key: provider, a credential tail so different
// users don't share outcomes, and the content key (info hash for magnets,
// the raw reference otherwise).
func Key(req Request) string {
	contentKey := req.OpaqueRef
	if infoHash := streams.InfoHashFromMagnet(req.OpaqueRef); infoHash != "" {
		contentKey = infoHash
	}
	credTail := req.Credential
	if len(credTail) > 6 {
		credTail = credTail[len(credTail)-6:]
	}
	return strings.ToLower(req.Provider) + ":" + credTail + ":" + contentKey
}

// Resolve returns the final playable URL for the request. Concurrent calls
// with the same key join one computation; the caller's context cancels only
// its own wait, never the shared work.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	key := Key(req)
	if streamURL, found := r.session.Resolve.GetSuccess(key); found {
		r.logger.Debug("Resolve served from success memo", zap.String("provider", req.Provider))
		return streamURL, nil
	}
	if r.session.Resolve.RecentFailure(key) {
		return "", ErrRecentlyFailed
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// Detached from the caller: a canceled waiter must not strand joiners
		// or abort the cache writes at the end of the flow.
		workCtx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
		defer cancel()

		streamURL, err := r.dispatch(workCtx, req)
		if err != nil {
			r.session.Resolve.PutFailure(key)
			return "", err
		}
		if _, skip := r.exempt[strings.ToLower(req.Provider)]; !skip {
			r.session.Resolve.PutSuccess(key, streamURL)
		}
		return streamURL, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) dispatch(ctx context.Context, req Request) (string, error) {
	backend, ok := r.backends[strings.ToLower(req.Provider)]
	if !ok {
		return "", fmt.Errorf("no resolve backend registered for provider %q", req.Provider)
	}

	if strings.HasPrefix(req.OpaqueRef, "magnet:") {
		streamURL, err := backend.ResolveMagnet(ctx, req.Credential, req.OpaqueRef, debrid.MagnetOptions{
			Hint:          req.Hint,
			ClaimedCached: req.ClaimedCached,
		})
		if errors.Is(err, debrid.ErrNotCached) {
			r.evictStaleClaim(ctx, req)
		}
		if err != nil {
			return "", fmt.Errorf("couldn't resolve magnet via %v: %w", req.Provider, err)
		}
		return streamURL, nil
	}

	streamURL, err := backend.ResolveURL(ctx, req.Credential, req.OpaqueRef)
	if err != nil {
		return "", fmt.Errorf("couldn't resolve URL via %v: %w", req.Provider, err)
	}
	return streamURL, nil
}

// evictStaleClaim removes the hash from the search cache entry that claimed
// it was cached, and deletes the per-service availability row, so the next
// search doesn't repeat the false promise.
func (r *Resolver) evictStaleClaim(ctx context.Context, req Request) {
	infoHash := streams.InfoHashFromMagnet(req.OpaqueRef)
	if infoHash == "" {
		return
	}
	zapFields := []zap.Field{
		zap.String("provider", req.Provider),
		zap.String("infoHash", infoHash),
		zap.String("cacheKey", req.CacheKey),
	}
	r.logger.Info("Evicting stale cache claim", zapFields...)

	// Per-service availability row
	r.store.Delete(ctx, strings.ToLower(req.Provider), infoHash)

	if req.CacheService == "" || req.CacheKey == "" {
		return
	}
	rec, found := r.store.Get(ctx, req.CacheService, req.CacheKey)
	if !found {
		return
	}
	items, err := streams.DecodeStreams(rec.Data)
	if err != nil {
		r.logger.Warn("Couldn't decode search cache entry for eviction", append(zapFields, zap.Error(err))...)
		return
	}
	kept := items[:0]
	for _, item := range items {
		if !strings.EqualFold(item.InfoHash, infoHash) {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(items) {
		return
	}
	if len(kept) == 0 {
		r.store.Delete(ctx, req.CacheService, req.CacheKey)
		return
	}
	data, err := streams.EncodeStreams(kept)
	if err != nil {
		r.logger.Error("Couldn't re-encode search cache entry", append(zapFields, zap.Error(err))...)
		return
	}
	rec.Data = data
	// The record keeps its original ExpiresAt, the TTL argument only applies
	// to records without one
	r.store.Upsert(rec, 0)
}
