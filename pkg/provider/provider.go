// Package provider holds the adapter boundary to the stream sources and a
// registry of the configured providers with their per-provider settings.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamrake/streamrake/pkg/streams"
)

// ErrChallenged is returned when a site keeps serving an anti-bot challenge
// page after all bypass strategies were exhausted.
var ErrChallenged = errors.New("site challenge could not be solved")

// BlockedStream is the informational item a challenge-blocked indexer
// contributes instead of results, so users see why a source is missing.
func BlockedStream(provider, source string) streams.Stream {
	return streams.Stream{
		Provider: provider,
		Name:     provider,
		Title:    fmt.Sprintf("%v is blocked by a site challenge, try again later", source),
		Note:     fmt.Sprintf("blocked by site challenge on %v", source),
	}
}

// UserConfig is the per-request user configuration: selected providers with
// their credentials, plus the result filters.
type UserConfig struct {
	// Provider name (lowercase) to API key / token
	Credentials map[string]string

	Languages     []string
	Resolutions   []string
	MinSizeBytes  int64
	MaxSizeBytes  int64
	RemoteTraffic bool
}

// Credential returns the user's credential for a provider, or "".
func (c UserConfig) Credential(provider string) string {
	return c.Credentials[strings.ToLower(provider)]
}

// IdentityTokens returns the stable tokens that identify this user for
// request coalescing: the last 6 characters of each credential, sorted.
// Two tabs of the same user coalesce, different users never do.
func (c UserConfig) IdentityTokens() []string {
	tokens := make([]string, 0, len(c.Credentials))
	for _, cred := range c.Credentials {
		if len(cred) > 6 {
			cred = cred[len(cred)-6:]
		}
		tokens = append(tokens, cred)
	}
	sort.Strings(tokens)
	return tokens
}

// Adapter is a single stream source. Implementations must honor ctx
// cancellation and must not panic through the boundary.
type Adapter interface {
	Name() string
	Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error)
}

// PersonalSearcher is implemented by adapters that can additionally list the
// user's own files matching a release.
type PersonalSearcher interface {
	PersonalStreams(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error)
}

// Registration couples an adapter with its scheduling flags.
type Registration struct {
	Adapter Adapter
	// Per-provider deadline for one search, 0 means the aggregator default
	Timeout time.Duration
	// The early-return gate waits for this provider
	EarlyReturnBlocking bool
	// The coordinator may persist resolved URLs from this provider
	CachesURLs bool
}

// Registry is the set of known providers.
type Registry struct {
	mu    sync.RWMutex
	regs  map[string]Registration
	order []string
}

func NewRegistry() *Registry {
	return &Registry{regs: map[string]Registration{}}
}

func (r *Registry) Register(reg Registration) {
	name := strings.ToLower(reg.Adapter.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.regs[name] = reg
}

func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[strings.ToLower(name)]
	return reg, ok
}

// Names returns the provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// CachesURLs returns the URL-caching whitelist for the cache coordinator.
func (r *Registry) CachesURLs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	whitelist := map[string]bool{}
	for name, reg := range r.regs {
		if reg.CachesURLs {
			whitelist[name] = true
		}
	}
	return whitelist
}

// DedupByHash drops duplicate info hashes from a result set, keeping the copy
// with the higher seeder count. Hashless items pass through untouched.
func DedupByHash(items []streams.Stream) []streams.Stream {
	best := map[string]int{}
	kept := make([]streams.Stream, 0, len(items))
	for _, item := range items {
		hash := strings.ToLower(item.InfoHash)
		if hash == "" {
			kept = append(kept, item)
			continue
		}
		if at, ok := best[hash]; ok {
			if item.Seeders > kept[at].Seeders {
				kept[at] = item
			}
			continue
		}
		best[hash] = len(kept)
		kept = append(kept, item)
	}
	return kept
}
