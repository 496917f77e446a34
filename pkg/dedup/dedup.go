// Package dedup collapses concurrent identical requests into a single
// underlying computation.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/streamrake/streamrake/pkg/streams"
)

// Deduper is a process-wide in-flight map. Callers with the same key join
// the same computation; the entry is removed once the computation settles.
type Deduper struct {
	group singleflight.Group
}

func New() *Deduper {
	return &Deduper{}
}

// Key derives the deterministic request key for a provider search.
// The identity tokens are stable user credentials (API-key tails), so two
// tabs of the same user coalesce while different users don't.
func Key(provider string, ref streams.ContentRef, languages []string, identityTokens ...string) string {
	normLangs := make([]string, len(languages))
	for i, lang := range languages {
		normLangs[i] = strings.ToLower(strings.TrimSpace(lang))
	}
	sort.Strings(normLangs)

	hasher := sha256.New()
	hasher.Write([]byte(provider))
	hasher.Write([]byte{0})
	hasher.Write([]byte(ref.ReleaseKey()))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strings.Join(normLangs, ",")))
	hasher.Write([]byte{0})
	hasher.Write([]byte(IdentityHash(identityTokens...)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// IdentityHash derives a stable per-user token from credential tails.
// Only the last few characters of each credential go into the hash, which is
// enough to separate users without spreading whole keys around.
func IdentityHash(tokens ...string) string {
	tails := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if len(token) > 6 {
			token = token[len(token)-6:]
		}
		tails = append(tails, token)
	}
	sort.Strings(tails)
	sum := sha256.Sum256([]byte(strings.Join(tails, "|")))
	return hex.EncodeToString(sum[:8])
}

// Do executes fn under the key, or joins an in-flight execution of the same
// key. shared is true when the result was shared with other callers.
func (d *Deduper) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return d.group.Do(key, fn)
}

// DoCtx is like Do, but the caller's wait is cancelable. Cancellation only
// detaches this caller - the computation keeps running for other joiners and
// its result still lands in caches.
func (d *Deduper) DoCtx(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	ch := d.group.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}
