package debrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamrake/streamrake/pkg/streams"
)

func TestSelectFile(t *testing.T) {
	paths := []string{
		"/Show.S01/Show.S01E01.1080p.mkv",
		"/Show.S01/Show.S01E02.1080p.mkv",
		"/Show.S01/sample.mkv",
		"/Show.S01/info.nfo",
	}
	sizes := []int64{2_000_000_000, 2_100_000_000, 50_000_000, 1_000}

	// Episode hint pins the exact file
	hint := &streams.EpisodeHint{Season: 1, Episode: 1}
	require.Equal(t, 0, SelectFile(paths, sizes, hint))

	// No hint falls back to the largest video
	require.Equal(t, 1, SelectFile(paths, sizes, nil))

	// An unmatchable hint also falls back to the largest video
	require.Equal(t, 1, SelectFile(paths, sizes, &streams.EpisodeHint{Season: 9, Episode: 9}))

	// No videos at all: largest file overall
	require.Equal(t, 0, SelectFile([]string{"a.nfo", "b.txt"}, []int64{10, 5}, nil))

	require.Equal(t, -1, SelectFile(nil, nil, nil))
}

func TestMatchesEpisode(t *testing.T) {
	hint := &streams.EpisodeHint{Season: 2, Episode: 5}
	require.True(t, MatchesEpisode("Show.S02E05.720p.mkv", hint))
	require.True(t, MatchesEpisode("show 2x05 hdtv.mkv", hint))
	require.True(t, MatchesEpisode("Show - Episode 5.mkv", hint))
	require.True(t, MatchesEpisode("Show E05 .mkv", hint))
	require.False(t, MatchesEpisode("Show.S02E06.720p.mkv", hint))
	require.False(t, MatchesEpisode("Show.S03E05.720p.mkv", hint))

	// File path hint wins outright
	pathHint := &streams.EpisodeHint{Season: 1, Episode: 1, FilePath: "/x/weirdly-named.mkv"}
	require.True(t, MatchesEpisode("/x/weirdly-named.mkv", pathHint))
}

func TestIsVideo(t *testing.T) {
	require.True(t, IsVideo("movie.MKV"))
	require.True(t, IsVideo("/a/b/movie.mp4"))
	require.False(t, IsVideo("movie.srt"))
	require.False(t, IsVideo("movie"))
}

func TestTTLCache(t *testing.T) {
	cache := NewTTLCache(30 * time.Millisecond)
	_, found, err := cache.Get("k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, cache.Set("k"))
	created, found, err := cache.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), created, time.Second)

	time.Sleep(40 * time.Millisecond)
	_, found, _ = cache.Get("k")
	require.False(t, found)
}
