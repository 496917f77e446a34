// Package memcache holds the process-local TTL maps: resolve outcome memos
// and solved challenge cookies. They're consistency improvements, not
// correctness requirements - everything here is lost on restart.
package memcache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Options struct {
	// TTL of a memoized successful resolve
	ResolveSuccessTTL time.Duration
	// TTL of a memoized failed resolve; short, so retries stay possible
	ResolveFailTTL time.Duration
	// TTL of a solved challenge cookie
	CookieTTL time.Duration
}

var DefaultOptions = Options{
	ResolveSuccessTTL: 10 * time.Minute,
	ResolveFailTTL:    45 * time.Second,
	CookieTTL:         6 * time.Hour,
}

// SessionState bundles the process-wide maps so components can share one
// object instead of package-level globals.
type SessionState struct {
	Resolve *ResolveCache
	Cookies *CookieCache
}

func NewSessionState(opts Options) *SessionState {
	if opts.ResolveSuccessTTL == 0 {
		opts.ResolveSuccessTTL = DefaultOptions.ResolveSuccessTTL
	}
	if opts.ResolveFailTTL == 0 {
		opts.ResolveFailTTL = DefaultOptions.ResolveFailTTL
	}
	if opts.CookieTTL == 0 {
		opts.CookieTTL = DefaultOptions.CookieTTL
	}
	return &SessionState{
		Resolve: &ResolveCache{
			success:    gocache.New(opts.ResolveSuccessTTL, 2*opts.ResolveSuccessTTL),
			failure:    gocache.New(opts.ResolveFailTTL, 2*opts.ResolveFailTTL),
			successTTL: opts.ResolveSuccessTTL,
			failTTL:    opts.ResolveFailTTL,
		},
		Cookies: &CookieCache{
			cache: gocache.New(opts.CookieTTL, 2*opts.CookieTTL),
			ttl:   opts.CookieTTL,
		},
	}
}

// ResolveCache memoizes resolve outcomes per resolve key. Successes and
// failures live in separate maps with different TTLs.
type ResolveCache struct {
	success    *gocache.Cache
	failure    *gocache.Cache
	successTTL time.Duration
	failTTL    time.Duration
}

func (c *ResolveCache) PutSuccess(key, streamURL string) {
	c.success.Set(key, streamURL, c.successTTL)
}

func (c *ResolveCache) GetSuccess(key string) (string, bool) {
	urlIface, found := c.success.Get(key)
	if !found {
		return "", false
	}
	streamURL, ok := urlIface.(string)
	return streamURL, ok
}

func (c *ResolveCache) PutFailure(key string) {
	c.failure.Set(key, time.Now(), c.failTTL)
}

// RecentFailure reports whether the key failed within the failure TTL, which
// short-circuits retry storms.
func (c *ResolveCache) RecentFailure(key string) bool {
	_, found := c.failure.Get(key)
	return found
}

// Cookie is a solved challenge cookie. It's bound to the user agent that
// obtained it and must be replayed with that exact UA.
type Cookie struct {
	Header    string `json:"header"`
	UserAgent string `json:"userAgent"`
}

// CookieCache maps domain → solved cookie.
type CookieCache struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func (c *CookieCache) Put(domain string, cookie Cookie) {
	c.cache.Set(domain, cookie, c.ttl)
}

func (c *CookieCache) Get(domain string) (Cookie, bool) {
	cookieIface, found := c.cache.Get(domain)
	if !found {
		return Cookie{}, false
	}
	cookie, ok := cookieIface.(Cookie)
	return cookie, ok
}

// Clear drops a domain's cookie, typically after observing a 403 or a fresh
// challenge page despite replaying the cookie.
func (c *CookieCache) Clear(domain string) {
	c.cache.Delete(domain)
}
