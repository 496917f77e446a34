package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/challenge"
	"github.com/streamrake/streamrake/pkg/memcache"
	"github.com/streamrake/streamrake/pkg/streams"
)

const testHashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const testHashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func testMovieRef() streams.ContentRef {
	return streams.ContentRef{Type: streams.ContentTypeMovie, IMDbID: "tt0111161", Title: "The Shawshank Redemption"}
}

func newTestStore(t *testing.T) *bytestore.Store {
	t.Helper()
	backend, err := bytestore.NewBadgerBackend("", nil)
	require.NoError(t, err)
	store := bytestore.NewStore(backend, bytestore.Options{}, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMagnetioSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tt0111161", r.URL.Query().Get("q"))
		fmt.Fprintf(w, `[
			{"info_hash":"%v","name":"The.Shawshank.Redemption.1994.1080p","size":"2000000000","seeders":"120"},
			{"info_hash":"%v","name":"The.Shawshank.Redemption.1994.1080p.COPY","size":"2000000000","seeders":"3"},
			{"info_hash":"%v","name":"The.Shawshank.Redemption.720p","size":"900000000","seeders":"40"}
		]`, testHashA, testHashA, testHashB)
	}))
	defer srv.Close()

	c := NewMagnetio(NewMagnetioOpts(srv.URL, time.Second), zap.NewNop())
	results, err := c.Search(context.Background(), testMovieRef(), UserConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, testHashA, results[0].InfoHash)
	require.Equal(t, 120, results[0].Seeders)
	require.Equal(t, "1080p", results[0].Resolution)
	require.Equal(t, "magnetio", results[0].Provider)
}

func TestMagnetioNoResultsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"info_hash":"0000000000000000000000000000000000000000","name":"No results returned","size":"0","seeders":"0"}]`)
	}))
	defer srv.Close()

	c := NewMagnetio(NewMagnetioOpts(srv.URL, time.Second), zap.NewNop())
	results, err := c.Search(context.Background(), testMovieRef(), UserConfig{})
	require.NoError(t, err)
	require.Empty(t, results)
}

const scarabResultsHTML = `<html><body><table class="table-list"><tbody>
<tr>
  <td class="name"><a href="/cat"></a><a href="/torrent/1">Show S05E14 1080p WEB</a></td>
  <td class="seeds">77</td>
  <td class="size">1.4 GB</td>
  <td><a href="magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=x">magnet</a></td>
</tr>
<tr>
  <td class="name"><a href="/torrent/2">Broken row without magnet</a></td>
  <td class="seeds">5</td>
  <td class="size">700 MB</td>
</tr>
</tbody></table></body></html>`

func newScarabFixture(t *testing.T) (*scarab, *memcache.SessionState, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "cf_clearance=ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "<html><title>Just a moment...</title></html>")
			return
		}
		fmt.Fprint(w, scarabResultsHTML)
	}))
	t.Cleanup(srv.Close)

	session := memcache.NewSessionState(memcache.Options{})
	solver := challenge.NewSolver(challenge.Options{}, session.Cookies, newTestStore(t), zap.NewNop())
	c, err := NewScarab(NewScarabOpts(srv.URL, time.Second), solver, nil, zap.NewNop())
	require.NoError(t, err)
	return c, session, srv
}

func TestScarabSearchWithReplayedCookie(t *testing.T) {
	c, session, srv := newScarabFixture(t)
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	session.Cookies.Put(parsed.Hostname(), memcache.Cookie{Header: "cf_clearance=ok", UserAgent: "UA"})

	ref := streams.ContentRef{Type: streams.ContentTypeSeries, IMDbID: "tt0903747", Season: 5, Episode: 14}
	results, err := c.Search(context.Background(), ref, UserConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, testHashA, results[0].InfoHash)
	require.Equal(t, 77, results[0].Seeders)
	require.Equal(t, int64(1503238553), results[0].SizeBytes)
	require.Equal(t, "scarab", results[0].Provider)
}

func TestScarabUnsolvableChallenge(t *testing.T) {
	// No cookie, no rotator, no emulator: every strategy is exhausted
	c, _, _ := newScarabFixture(t)
	_, err := c.Search(context.Background(), testMovieRef(), UserConfig{})
	require.ErrorIs(t, err, ErrChallenged)
}

func TestNewshostSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "movie", r.URL.Query().Get("t"))
		require.Equal(t, "secret", r.URL.Query().Get("apikey"))
		fmt.Fprint(w, `{"channel":{"item":[
			{"title":"Movie.1994.2160p.Usenet","enclosure":{"@attributes":{"url":"https://newshost.example/nzb/1","length":"4000000000"}}},
			{"title":"broken, no nzb"}
		]}}`)
	}))
	defer srv.Close()

	c := NewNewshost(NewNewshostOpts(srv.URL, time.Second), zap.NewNop())
	cfg := UserConfig{Credentials: map[string]string{"newshost": "secret"}}
	results, err := c.Search(context.Background(), testMovieRef(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "https://newshost.example/nzb/1", results[0].URL)
	require.Equal(t, "2160p", results[0].Resolution)
	require.Empty(t, results[0].InfoHash)
}

func TestNewshostResolveURLPollsUntilDone(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/fetch":
			require.Equal(t, "https://newshost.example/nzb/1", r.URL.Query().Get("url"))
			fmt.Fprint(w, `{"task_id":"t1"}`)
		case r.URL.Path == "/api/fetch/t1":
			if atomic.AddInt32(&polls, 1) < 3 {
				fmt.Fprint(w, `{"status":"downloading"}`)
				return
			}
			fmt.Fprint(w, `{"status":"done","files":[
				{"name":"sample.mkv","size":100,"link":"https://dl.example/sample"},
				{"name":"release.nfo","size":999999999,"link":"https://dl.example/nfo"},
				{"name":"movie.mkv","size":4000000000,"link":"https://dl.example/movie"}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	opts := NewNewshostOpts(srv.URL, time.Second)
	opts.PollInterval = 10 * time.Millisecond
	c := NewNewshost(opts, zap.NewNop())
	finalURL, err := c.ResolveURL(context.Background(), "secret", "https://newshost.example/nzb/1")
	require.NoError(t, err)
	require.Equal(t, "https://dl.example/movie", finalURL)
	require.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestNewshostResolveURLFailedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/fetch" {
			fmt.Fprint(w, `{"task_id":"t1"}`)
			return
		}
		fmt.Fprint(w, `{"status":"failed"}`)
	}))
	defer srv.Close()

	opts := NewNewshostOpts(srv.URL, time.Second)
	opts.PollInterval = 10 * time.Millisecond
	c := NewNewshost(opts, zap.NewNop())
	_, err := c.ResolveURL(context.Background(), "secret", "https://newshost.example/nzb/1")
	require.ErrorContains(t, err, "bad task status")
}

type fakeSource struct {
	name  string
	items []streams.Stream
	err   error
}

func (f fakeSource) Name() string { return f.name }
func (f fakeSource) Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	return f.items, f.err
}

type fakeProber struct {
	cached []string
}

func (f fakeProber) ProbeCached(ctx context.Context, apiToken string, infoHashes []string) []string {
	return f.cached
}

type fakeFiler struct {
	files []streams.PersonalFile
}

func (f fakeFiler) PersonalFiles(ctx context.Context, apiToken string) ([]streams.PersonalFile, error) {
	return f.files, nil
}

func TestDebridAdapterSearchKeepsOnlyCached(t *testing.T) {
	store := newTestStore(t)
	sourceA := fakeSource{name: "magnetio", items: []streams.Stream{
		{Provider: "magnetio", InfoHash: testHashA, Title: "Cached.1080p", Resolution: "1080p", Seeders: 10},
		{Provider: "magnetio", InfoHash: testHashB, Title: "Uncached.720p", Seeders: 5},
	}}
	sourceB := fakeSource{name: "scarab", err: errors.New("site down")}

	d := NewDebridAdapter("realdebrid", fakeProber{cached: []string{testHashA}}, nil, store, zap.NewNop(), sourceA, sourceB)
	ref := testMovieRef()
	results, err := d.Search(context.Background(), ref, UserConfig{Credentials: map[string]string{"realdebrid": "tok"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, testHashA, results[0].InfoHash)
	require.Equal(t, "realdebrid", results[0].Provider)

	// A positive probe leaves an availability row behind
	store.Flush()
	rec, found := store.Get(context.Background(), "realdebrid", testHashA)
	require.True(t, found)
	require.Equal(t, ref.ReleaseKey(), rec.ReleaseKey)
	require.Equal(t, "1080p", rec.Resolution)
}

func TestDebridAdapterPersonalStreams(t *testing.T) {
	store := newTestStore(t)
	filer := fakeFiler{files: []streams.PersonalFile{
		{FileName: "The.Shawshank.Redemption.1994.mkv", URL: "https://rd/1", SizeBytes: 100},
		{FileName: "Totally.Other.Movie.mkv", URL: "https://rd/2", SizeBytes: 200},
	}}
	d := NewDebridAdapter("realdebrid", fakeProber{}, filer, store, zap.NewNop())

	results, err := d.PersonalStreams(context.Background(), testMovieRef(), UserConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Personal)
	require.Equal(t, "https://rd/1", results[0].URL)

	// Series requests pin to the episode
	episodeFiler := fakeFiler{files: []streams.PersonalFile{
		{FileName: "Show.S05E14.mkv", URL: "https://rd/3"},
		{FileName: "Show.S05E15.mkv", URL: "https://rd/4"},
	}}
	d = NewDebridAdapter("realdebrid", fakeProber{}, episodeFiler, store, zap.NewNop())
	ref := streams.ContentRef{Type: streams.ContentTypeSeries, IMDbID: "tt0903747", Season: 5, Episode: 14}
	results, err = d.PersonalStreams(context.Background(), ref, UserConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "https://rd/3", results[0].URL)
}

func TestDebridAdapterSurfacesBlockedSource(t *testing.T) {
	store := newTestStore(t)
	sourceA := fakeSource{name: "magnetio", items: []streams.Stream{
		{Provider: "magnetio", InfoHash: testHashA, Title: "Cached.1080p", Resolution: "1080p", Seeders: 10},
	}}
	sourceB := fakeSource{name: "scarab", err: fmt.Errorf("%w: emulator unreachable", ErrChallenged)}

	d := NewDebridAdapter("realdebrid", fakeProber{cached: []string{testHashA}}, nil, store, zap.NewNop(), sourceA, sourceB)
	results, err := d.Search(context.Background(), testMovieRef(), UserConfig{Credentials: map[string]string{"realdebrid": "tok"}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var real, info streams.Stream
	for _, item := range results {
		if item.Note != "" {
			info = item
		} else {
			real = item
		}
	}
	require.Equal(t, testHashA, real.InfoHash)
	require.Equal(t, "realdebrid", info.Provider)
	require.Contains(t, info.Note, "blocked")
	require.Contains(t, info.Title, "scarab")

	// When every source is blocked the informational item is the whole answer
	d = NewDebridAdapter("realdebrid", fakeProber{}, nil, store, zap.NewNop(), sourceB)
	results, err = d.Search(context.Background(), testMovieRef(), UserConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Note)
}
