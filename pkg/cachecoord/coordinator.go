// Package cachecoord wraps provider searches with read-through/write-back
// semantics against the ByteStore and hands cache-warming work to the
// background refresher.
package cachecoord

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/streams"
)

// CacheVersion invalidates all prior search caches when bumped. Any change
// to the cached record shape requires a bump.
const CacheVersion = "v1"

// Key computes the search cache key. Colons inside series ids are rewritten
// so different episodes can't collide in key parsing.
func Key(provider string, ref streams.ContentRef, languages []string) string {
	id := strings.ReplaceAll(ref.ID(), ":", "-")
	normLangs := make([]string, len(languages))
	for i, lang := range languages {
		normLangs[i] = strings.ToLower(strings.TrimSpace(lang))
	}
	sort.Strings(normLangs)
	return fmt.Sprintf("%s-search-%s:%s:%s:%s",
		strings.ToLower(provider), CacheVersion, ref.Type, id, strings.Join(normLangs, ","))
}

// SearchFn produces a provider's results for one release.
type SearchFn func(ctx context.Context) ([]streams.Stream, error)

// Refresher schedules background cache-warming tasks. The concrete
// implementation lives in this package too, but the coordinator only sees
// the interface.
type Refresher interface {
	Schedule(cacheKey string, task func(ctx context.Context) error) bool
}

type Options struct {
	// Below this many combined results the live search runs in the
	// foreground
	MinResultsPerService int
	// TTL of written search rows; zero uses the store default
	SearchTTL time.Duration
	// Providers whose resolved URLs may be persisted (HTTP hosters, Usenet,
	// personal clouds). Everyone else only caches unresolved items.
	CachesURLs map[string]bool
}

var DefaultOptions = Options{
	MinResultsPerService: 1,
}

type Coordinator struct {
	opts      Options
	store     *bytestore.Store
	refresher Refresher
	logger    *zap.Logger
}

func NewCoordinator(opts Options, store *bytestore.Store, refresher Refresher, logger *zap.Logger) *Coordinator {
	if opts.MinResultsPerService == 0 {
		opts.MinResultsPerService = DefaultOptions.MinResultsPerService
	}
	return &Coordinator{
		opts:      opts,
		store:     store,
		refresher: refresher,
		logger:    logger,
	}
}

// FetchRequest is one read-through call.
type FetchRequest struct {
	Provider  string
	Ref       streams.ContentRef
	Languages []string
	// The live search, run when the cache isn't sufficient and on refresh
	Search SearchFn
	// Optional: the user's own files on the provider, run in parallel with
	// the cache read. Never persisted.
	Personal SearchFn
	// Optional: a confirmed-cached upstream aggregator. Its results are
	// trusted as fresh and win dedup against stored rows.
	Confirmed SearchFn
}

// GetOrFetch reads the cache, tops it up with a live search when it's below
// the sufficiency minimum, and schedules a background refresh either way.
func (c *Coordinator) GetOrFetch(ctx context.Context, req FetchRequest) ([]streams.Stream, error) {
	cacheKey := Key(req.Provider, req.Ref, req.Languages)
	zapFieldProvider := zap.String("provider", req.Provider)

	// Personal files and the confirmed upstream run in parallel with the
	// cache read
	personalCh := runOptional(ctx, req.Personal)
	confirmedCh := runOptional(ctx, req.Confirmed)

	var stored []streams.Stream
	if rec, found := c.store.Get(ctx, strings.ToLower(req.Provider), cacheKey); found {
		items, err := streams.DecodeStreams(rec.Data)
		if err != nil {
			c.logger.Warn("Couldn't decode search cache row, treating as miss", zap.Error(err), zapFieldProvider)
		} else {
			stored = items
		}
	}

	confirmed := c.collectOptional(confirmedCh, "confirmed upstream", zapFieldProvider)
	combined := mergeByHash(confirmed, stored)

	var result []streams.Stream
	if len(combined) < c.opts.MinResultsPerService {
		live, err := req.Search(ctx)
		if err != nil {
			// A failed provider contributes whatever the cache had
			c.logger.Warn("Live search failed", zap.Error(err), zapFieldProvider)
			result = combined
		} else {
			result = mergeByHash(live, combined)
			c.writeBack(req.Provider, req.Ref, cacheKey, result)
		}
		c.scheduleRefresh(req, cacheKey)
	} else {
		result = combined
		c.scheduleRefresh(req, cacheKey)
	}

	personal := c.collectOptional(personalCh, "personal files", zapFieldProvider)
	return mergeWithPersonal(personal, result), nil
}

func runOptional(ctx context.Context, fn SearchFn) chan []streams.Stream {
	if fn == nil {
		return nil
	}
	ch := make(chan []streams.Stream, 1)
	go func() {
		items, err := fn(ctx)
		if err != nil {
			ch <- nil
			close(ch)
			return
		}
		ch <- items
		close(ch)
	}()
	return ch
}

func (c *Coordinator) collectOptional(ch chan []streams.Stream, what string, fields ...zap.Field) []streams.Stream {
	if ch == nil {
		return nil
	}
	items := <-ch
	if items == nil {
		c.logger.Debug("Optional source yielded nothing", append(fields, zap.String("source", what))...)
	}
	return items
}

// mergeByHash deduplicates two result sets; the first argument wins.
// Items without an info hash are keyed by URL.
func mergeByHash(preferred, rest []streams.Stream) []streams.Stream {
	seen := make(map[string]struct{}, len(preferred)+len(rest))
	out := make([]streams.Stream, 0, len(preferred)+len(rest))
	for _, set := range [][]streams.Stream{preferred, rest} {
		for _, item := range set {
			key := strings.ToLower(item.InfoHash)
			if key == "" {
				key = "u:" + item.URL
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

// mergeWithPersonal prepends personal items and drops non-personal items
// sharing an info hash with one of them.
func mergeWithPersonal(personal, rest []streams.Stream) []streams.Stream {
	if len(personal) == 0 {
		return rest
	}
	shadowed := make(map[string]struct{}, len(personal))
	for _, item := range personal {
		if item.InfoHash != "" {
			shadowed[strings.ToLower(item.InfoHash)] = struct{}{}
		}
	}
	out := make([]streams.Stream, 0, len(personal)+len(rest))
	out = append(out, personal...)
	for _, item := range rest {
		if _, ok := shadowed[strings.ToLower(item.InfoHash)]; ok && item.InfoHash != "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// resolvedURLRx matches URLs that are only valid for the user and moment
// they were resolved for.
var resolvedURLRx = regexp.MustCompile(`^(https?://|/resolve)`)

// Cacheable filters a result set down to what may be persisted: no personal
// items, no already-resolved URLs (unless the provider is whitelisted for URL
// caching), deduplicated.
func (c *Coordinator) Cacheable(provider string, items []streams.Stream) []streams.Stream {
	cachesURLs := c.opts.CachesURLs[strings.ToLower(provider)]
	kept := make([]streams.Stream, 0, len(items))
	for _, item := range items {
		if item.Personal || item.Note != "" {
			continue
		}
		if !cachesURLs && resolvedURLRx.MatchString(item.URL) {
			continue
		}
		kept = append(kept, item)
	}
	return mergeByHash(kept, nil)
}

// writeBack persists a search result set. Empty sets are never persisted, so
// a transient empty response can't mask a previously good cache row.
func (c *Coordinator) writeBack(provider string, ref streams.ContentRef, cacheKey string, items []streams.Stream) {
	cacheable := c.Cacheable(provider, items)
	if len(cacheable) == 0 {
		return
	}
	data, err := streams.EncodeStreams(cacheable)
	if err != nil {
		c.logger.Error("Couldn't encode search results for cache", zap.Error(err), zap.String("provider", provider))
		return
	}
	c.store.Upsert(bytestore.Record{
		Service:    strings.ToLower(provider),
		Hash:       cacheKey,
		Data:       data,
		ReleaseKey: ref.ReleaseKey(),
	}, c.opts.SearchTTL)
}

// scheduleRefresh hands a merge-and-write-back task to the refresher. For
// URL-caching providers fresh results win the merge because their URLs are
// ephemeral.
func (c *Coordinator) scheduleRefresh(req FetchRequest, cacheKey string) {
	if c.refresher == nil {
		return
	}
	c.refresher.Schedule(cacheKey, func(ctx context.Context) error {
		live, err := req.Search(ctx)
		if err != nil {
			return err
		}
		var stored []streams.Stream
		if rec, found := c.store.Get(ctx, strings.ToLower(req.Provider), cacheKey); found {
			stored, _ = streams.DecodeStreams(rec.Data)
		}
		c.writeBack(req.Provider, req.Ref, cacheKey, mergeByHash(live, stored))
		return nil
	})
}

// TierSufficient reports whether a cached set meets the per-resolution
// minimums that let debrid availability callers skip the live path entirely.
func TierSufficient(items []streams.Stream) bool {
	counts := map[string]int{}
	for _, item := range items {
		counts[strings.ToLower(item.Resolution)]++
	}
	if counts["2160p"] >= 2 {
		return true
	}
	return counts["1080p"] >= 2 && counts["720p"] >= 1
}
