// Package debrid holds what the concrete debrid service clients share: the
// interfaces the resolver consumes, the not-cached sentinel, the token and
// availability cache, and file selection for multi-file torrents.
package debrid

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/streamrake/streamrake/pkg/streams"
)

// ErrNotCached signals that a torrent claimed to be instantly available is
// actually still downloading on the debrid service. Callers evict the stale
// availability rows when they see it.
var ErrNotCached = errors.New("torrent not cached on debrid service")

// MagnetOptions carry per-resolve context into the magnet state machine.
type MagnetOptions struct {
	// Which file of a multi-file torrent the caller wants
	Hint *streams.EpisodeHint
	// True when a cache probe previously claimed this hash is instantly
	// available. A downloading status then means the claim is stale.
	ClaimedCached bool
	// Request a remote-traffic link where the service supports it
	RemoteTraffic bool
}

// MagnetResolver turns a magnet URI into a final playable URL.
type MagnetResolver interface {
	ResolveMagnet(ctx context.Context, apiToken, magnetURI string, opts MagnetOptions) (string, error)
}

// URLResolver unrestricts a hoster or history link.
type URLResolver interface {
	ResolveURL(ctx context.Context, apiToken, rawURL string) (string, error)
}

// CacheProber reports which of the given info hashes are instantly available.
type CacheProber interface {
	ProbeCached(ctx context.Context, apiToken string, infoHashes []string) []string
}

// PersonalFiler lists files already present in the user's own space on the
// service.
type PersonalFiler interface {
	PersonalFiles(ctx context.Context, apiToken string) ([]streams.PersonalFile, error)
}

// Cache memoizes a user's API token validity and per-hash instant
// availability. Only positive outcomes are cached; a missing key means
// "unknown", never "unavailable".
type Cache interface {
	Set(key string) error
	Get(key string) (time.Time, bool, error)
}

var _ Cache = (*TTLCache)(nil)

// TTLCache is the default Cache implementation.
type TTLCache struct {
	cache *gocache.Cache
}

func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{cache: gocache.New(ttl, 2*ttl)}
}

func (c *TTLCache) Set(key string) error {
	c.cache.Set(key, time.Now(), gocache.DefaultExpiration)
	return nil
}

func (c *TTLCache) Get(key string) (time.Time, bool, error) {
	createdIface, found := c.cache.Get(key)
	if !found {
		return time.Time{}, false, nil
	}
	created, ok := createdIface.(time.Time)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unexpected cache value type %T", createdIface)
	}
	return created, true, nil
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".mov": {},
	".wmv": {}, ".ts": {}, ".webm": {}, ".flv": {}, ".mpg": {}, ".mpeg": {},
}

// IsVideo reports whether a file path looks like a playable video.
func IsVideo(filePath string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(filePath))]
	return ok
}

// EpisodeRegexes builds the patterns used to pin a torrent file to a
// requested episode, in decreasing order of confidence.
func EpisodeRegexes(season, episode int) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(fmt.Sprintf(`(?i)\bs%02de%02d\b`, season, episode)),
		regexp.MustCompile(fmt.Sprintf(`(?i)\b%dx%02d\b`, season, episode)),
		regexp.MustCompile(fmt.Sprintf(`(?i)episode[ ._-]*%d\b`, episode)),
		regexp.MustCompile(fmt.Sprintf(`(?i)\be%02d[ .]`, episode)),
	}
}

// MatchesEpisode reports whether a file path can be pinned to the hinted
// episode.
func MatchesEpisode(filePath string, hint *streams.EpisodeHint) bool {
	if hint == nil {
		return false
	}
	if hint.FilePath != "" && filePath == hint.FilePath {
		return true
	}
	for _, rx := range EpisodeRegexes(hint.Season, hint.Episode) {
		if rx.MatchString(filePath) {
			return true
		}
	}
	return false
}

// SelectFile picks the index of the wanted file: the hinted episode if one
// matches, otherwise the largest video, otherwise the largest file overall.
// Returns -1 for an empty list.
func SelectFile(paths []string, sizes []int64, hint *streams.EpisodeHint) int {
	if len(paths) == 0 {
		return -1
	}
	if hint != nil {
		for i, p := range paths {
			if IsVideo(p) && MatchesEpisode(p, hint) {
				return i
			}
		}
	}
	best := -1
	for i, p := range paths {
		if !IsVideo(p) {
			continue
		}
		if best == -1 || sizes[i] > sizes[best] {
			best = i
		}
	}
	if best != -1 {
		return best
	}
	for i := range paths {
		if best == -1 || sizes[i] > sizes[best] {
			best = i
		}
	}
	return best
}
