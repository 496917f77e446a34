package alldebrid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		CacheAge:     time.Hour,
		PollInterval: 5 * time.Millisecond,
		PollAttempts: 10,
	}, debrid.NewTTLCache(time.Hour), debrid.NewTTLCache(time.Hour), zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestProbeCachedParsesMagnets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/magnet/instant", r.URL.Path)
		require.Equal(t, agent, r.URL.Query().Get("agent"))
		w.Write([]byte(`{
			"status": "success",
			"data": {"magnets": [
				{"hash": "AAAA", "instant": true},
				{"hash": "BBBB", "instant": false}
			]}
		}`))
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	cached := client.ProbeCached(context.Background(), "key", []string{"aaaa", "bbbb"})
	require.Equal(t, []string{"aaaa"}, cached)
}

func TestResolveMagnet(t *testing.T) {
	var statusCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/magnet/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "success", "data": {"magnets": [{"id": 123}]}}`))
	})
	mux.HandleFunc("/v4/magnet/status", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "123", r.URL.Query().Get("id"))
		if atomic.AddInt32(&statusCalls, 1) < 3 {
			w.Write([]byte(`{"status": "success", "data": {"magnets": {"statusCode": 2, "status": "Downloading", "links": []}}}`))
			return
		}
		w.Write([]byte(`{"status": "success", "data": {"magnets": {"statusCode": 4, "status": "Ready", "links": [
			{"link": "https://alldebrid.com/f/EP1", "filename": "Show.S01E01.mkv", "size": 2000},
			{"link": "https://alldebrid.com/f/EP2", "filename": "Show.S01E02.mkv", "size": 2100}
		]}}}`))
	})
	mux.HandleFunc("/v4/link/unlock", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://alldebrid.com/f/EP1", r.URL.Query().Get("link"))
		w.Write([]byte(`{"status": "success", "data": {"link": "https://cdn.alldebrid.example/EP1"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	hint := &streams.EpisodeHint{Season: 1, Episode: 1}
	streamURL, err := client.ResolveMagnet(context.Background(), "key", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{Hint: hint})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.alldebrid.example/EP1", streamURL)
}

func TestResolveMagnetStaleCacheClaim(t *testing.T) {
	var deleted int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/magnet/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "success", "data": {"magnets": [{"id": 123}]}}`))
	})
	mux.HandleFunc("/v4/magnet/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "success", "data": {"magnets": {"statusCode": 1, "status": "Downloading", "links": []}}}`))
	})
	mux.HandleFunc("/v4/magnet/delete", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deleted, 1)
		w.Write([]byte(`{"status": "success"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	_, err := client.ResolveMagnet(context.Background(), "key", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{ClaimedCached: true})
	require.ErrorIs(t, err, debrid.ErrNotCached)
	require.Equal(t, int32(1), atomic.LoadInt32(&deleted))
}
