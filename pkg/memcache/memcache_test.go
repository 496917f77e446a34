package memcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveCacheRoundTrip(t *testing.T) {
	state := NewSessionState(Options{
		ResolveSuccessTTL: 50 * time.Millisecond,
		ResolveFailTTL:    50 * time.Millisecond,
	})

	state.Resolve.PutSuccess("rd|abcdef|deadbeef", "https://example.com/stream.mkv")
	streamURL, found := state.Resolve.GetSuccess("rd|abcdef|deadbeef")
	require.True(t, found)
	require.Equal(t, "https://example.com/stream.mkv", streamURL)

	require.False(t, state.Resolve.RecentFailure("rd|abcdef|deadbeef"))
	state.Resolve.PutFailure("rd|abcdef|cafebabe")
	require.True(t, state.Resolve.RecentFailure("rd|abcdef|cafebabe"))

	time.Sleep(70 * time.Millisecond)
	_, found = state.Resolve.GetSuccess("rd|abcdef|deadbeef")
	require.False(t, found)
	require.False(t, state.Resolve.RecentFailure("rd|abcdef|cafebabe"))
}

func TestCookieCache(t *testing.T) {
	state := NewSessionState(DefaultOptions)

	cookie := Cookie{Header: "cf_clearance=abc", UserAgent: "Mozilla/5.0"}
	state.Cookies.Put("indexer.example", cookie)

	got, found := state.Cookies.Get("indexer.example")
	require.True(t, found)
	require.Equal(t, cookie, got)

	state.Cookies.Clear("indexer.example")
	_, found = state.Cookies.Get("indexer.example")
	require.False(t, found)
}
