package realdebrid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

// fakeRD models just enough of the RealDebrid API for the resolve machine.
type fakeRD struct {
	status       string
	infoCalls    int32
	selectCalls  int32
	deleteCalls  int32
	unrestricted string
}

func (f *fakeRD) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/1.0/torrents/addMagnet", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "T1", "uri": "/rest/1.0/torrents/info/T1"}`))
	})
	mux.HandleFunc("/rest/1.0/torrents/info/T1", func(w http.ResponseWriter, r *http.Request) {
		calls := atomic.AddInt32(&f.infoCalls, 1)
		status := f.status
		links := `[]`
		// After file selection the fake torrent finishes on the second poll
		if status == "waiting_files_selection" && atomic.LoadInt32(&f.selectCalls) > 0 && calls > 2 {
			status = "downloaded"
			links = `["https://real-debrid.com/d/NFO", "https://real-debrid.com/d/EP1", "https://real-debrid.com/d/EP2"]`
		}
		fmt.Fprintf(w, `{
			"id": "T1",
			"status": %q,
			"files": [
				{"id": 1, "path": "/Show/info.nfo", "bytes": 1000, "selected": 1},
				{"id": 2, "path": "/Show/Show.S01E01.mkv", "bytes": 2000000000, "selected": 1},
				{"id": 3, "path": "/Show/Show.S01E02.mkv", "bytes": 2100000000, "selected": 1}
			],
			"links": %s
		}`, status, links)
	})
	mux.HandleFunc("/rest/1.0/torrents/selectFiles/T1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.selectCalls, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/rest/1.0/unrestrict/link", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.unrestricted = r.PostForm.Get("link")
		fmt.Fprintf(w, `{"download": "https://cdn.example/%s"}`, strings.TrimPrefix(f.unrestricted, "https://real-debrid.com/d/"))
	})
	mux.HandleFunc("/rest/1.0/torrents/delete/T1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.deleteCalls, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

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

func TestResolveMagnetPicksHintedFile(t *testing.T) {
	fake := &fakeRD{status: "waiting_files_selection"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	hint := &streams.EpisodeHint{Season: 1, Episode: 2}
	streamURL, err := client.ResolveMagnet(context.Background(), "token", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{Hint: hint})
	require.NoError(t, err)
	// links[i] maps to allFiles[i]: the S01E02 file is index 2
	require.Equal(t, "https://cdn.example/EP2", streamURL)
	require.Equal(t, "https://real-debrid.com/d/EP2", fake.unrestricted)
	require.Equal(t, int32(0), atomic.LoadInt32(&fake.deleteCalls))
}

func TestResolveMagnetLargestVideoWithoutHint(t *testing.T) {
	fake := &fakeRD{status: "waiting_files_selection"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	streamURL, err := client.ResolveMagnet(context.Background(), "token", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/EP2", streamURL)
}

func TestResolveMagnetStaleCacheClaim(t *testing.T) {
	fake := &fakeRD{status: "downloading"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	_, err := client.ResolveMagnet(context.Background(), "token", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{ClaimedCached: true})
	require.ErrorIs(t, err, debrid.ErrNotCached)
	require.Equal(t, int32(1), atomic.LoadInt32(&fake.deleteCalls), "stale torrent must be deleted on the backend")
}

func TestResolveMagnetBadStatus(t *testing.T) {
	fake := &fakeRD{status: "magnet_error"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	_, err := client.ResolveMagnet(context.Background(), "token", "magnet:?xt=urn:btih:aaaa", debrid.MagnetOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad torrent status")
	require.Equal(t, int32(1), atomic.LoadInt32(&fake.deleteCalls))
}

func TestProbeCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/rest/1.0/torrents/instantAvailability/"))
		w.Write([]byte(`{
			"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {"rd": [{"1": {"filename": "x.mkv"}}]},
			"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": {"rd": []}
		}`))
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	cached := client.ProbeCached(context.Background(), "token", []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	})
	require.Equal(t, []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, cached)

	// The positive outcome is served from cache on the next probe
	srv.Close()
	cached = client.ProbeCached(context.Background(), "token", []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	require.Equal(t, []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, cached)
}

func TestPersonalFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/1.0/torrents", r.URL.Path)
		w.Write([]byte(`[
			{"id": "A", "filename": "Movie.2020.mkv", "hash": "AAAA", "bytes": 1000, "status": "downloaded", "links": ["https://real-debrid.com/d/A"]},
			{"id": "B", "filename": "Other.mkv", "hash": "BBBB", "bytes": 2000, "status": "downloading", "links": []}
		]`))
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	files, err := client.PersonalFiles(context.Background(), "token")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "Movie.2020.mkv", files[0].FileName)
	require.Equal(t, "aaaa", files[0].InfoHash)
}
