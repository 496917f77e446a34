package rank

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/streamrake/streamrake/pkg/streams"
)

func movieCriteria() Criteria {
	return Criteria{Ref: streams.ContentRef{
		Type:   streams.ContentTypeMovie,
		IMDbID: "tt0111161",
		Title:  "The Shawshank Redemption",
		Year:   1994,
	}}
}

func TestYearFilter(t *testing.T) {
	c := movieCriteria()
	kept := Apply([]streams.Stream{
		{Title: "The.Shawshank.Redemption.1994.1080p"},
		{Title: "The.Shawshank.Redemption.1995.1080p"},
		{Title: "The.Shawshank.Redemption.2004.1080p"},
		{Title: "The.Shawshank.Redemption.1080p"},
	}, c)
	var titles []string
	for _, item := range kept {
		titles = append(titles, item.Title)
	}
	require.Equal(t, []string{
		"The.Shawshank.Redemption.1994.1080p",
		"The.Shawshank.Redemption.1995.1080p",
		"The.Shawshank.Redemption.1080p",
	}, titles)
}

func TestTitleFilter(t *testing.T) {
	c := movieCriteria()
	kept := Apply([]streams.Stream{
		{Title: "Shawshank Redemption 1994 BluRay"},
		{Title: "Completely.Different.Movie.1994"},
	}, c)
	require.Len(t, kept, 1)
	require.Equal(t, "Shawshank Redemption 1994 BluRay", kept[0].Title)

	// Alternative titles count
	alt := Criteria{Ref: streams.ContentRef{
		Type: streams.ContentTypeMovie, Title: "Untranslatable Original", AltTitles: []string{"Die Verurteilten"},
	}}
	kept = Apply([]streams.Stream{{Title: "Die.Verurteilten.1994.German.1080p"}}, alt)
	require.Len(t, kept, 1)
}

func TestEpisodePinning(t *testing.T) {
	c := Criteria{Ref: streams.ContentRef{
		Type: streams.ContentTypeSeries, IMDbID: "tt0903747", Season: 5, Episode: 14,
	}}
	kept := Apply([]streams.Stream{
		{Title: "Show.S05E14.720p", InfoHash: "a"},
		{Title: "Show.5x14.HDTV", InfoHash: "b"},
		{Title: "Show.S05E15.720p", InfoHash: "c"},
		{Title: "Show.Season.5.Complete.1080p", InfoHash: "d"},
		{Title: "Show parsed", Season: 5, Episode: 14, InfoHash: "e"},
		{Title: "Show parsed wrong", Season: 5, Episode: 15, InfoHash: "f"},
		{Title: "Show.E14.HDTV", InfoHash: "g"},
	}, c)
	var hashes []string
	for _, item := range kept {
		hashes = append(hashes, item.InfoHash)
	}
	// The unpinnable season pack is rejected, never "fallen through"
	require.ElementsMatch(t, []string{"a", "b", "e", "g"}, hashes)
}

func TestLanguageResolutionAndSizeFilters(t *testing.T) {
	c := Criteria{
		Ref:          streams.ContentRef{Type: streams.ContentTypeMovie},
		Languages:    []string{"german"},
		Resolutions:  []string{"1080p", "2160p"},
		MinSizeBytes: 1_000,
		MaxSizeBytes: 10_000,
	}
	kept := Apply([]streams.Stream{
		{Title: "Movie.German.1080p", Resolution: "1080p", SizeBytes: 5_000},
		{Title: "Movie.1080p", Languages: []string{"German"}, Resolution: "1080p", SizeBytes: 5_000},
		{Title: "Movie.French.1080p", Languages: []string{"french"}, Resolution: "1080p", SizeBytes: 5_000},
		{Title: "Movie.German.720p", Resolution: "720p", SizeBytes: 5_000},
		{Title: "Movie.German.1080p.tiny", Resolution: "1080p", SizeBytes: 500},
		{Title: "Movie.German.1080p.huge", Resolution: "1080p", SizeBytes: 50_000},
	}, c)
	require.Len(t, kept, 2)
	require.Equal(t, "Movie.German.1080p", kept[0].Title)
	require.Equal(t, "Movie.1080p", kept[1].Title)
}

func TestSortOrder(t *testing.T) {
	items := []streams.Stream{
		{Title: "small 1080", Resolution: "1080p", SizeBytes: 1},
		{Title: "mine", Personal: true, Resolution: "720p", SizeBytes: 1},
		{Title: "big 1080", Resolution: "1080p", SizeBytes: 2},
		{Title: "4k", Resolution: "2160p", SizeBytes: 1},
		{Title: "unknown res", SizeBytes: 9},
	}
	Sort(items)
	var titles []string
	for _, item := range items {
		titles = append(titles, item.Title)
	}
	want := []string{"mine", "4k", "big 1080", "small 1080", "unknown res"}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	// Stable: sorting twice yields the same ordering
	Sort(items)
	var again []string
	for _, item := range items {
		again = append(again, item.Title)
	}
	require.Equal(t, titles, again)
}

func TestPersonalShadowing(t *testing.T) {
	c := Criteria{Ref: streams.ContentRef{Type: streams.ContentTypeMovie}}
	kept := Apply([]streams.Stream{
		{Title: "Movie.1080p", InfoHash: "aaaa", Resolution: "1080p"},
		{Title: "mine", InfoHash: "aaaa", Personal: true},
		{Title: "Movie.720p", InfoHash: "bbbb", Resolution: "720p"},
	}, c)
	require.Len(t, kept, 2)
	require.True(t, kept[0].Personal)
	require.Equal(t, "bbbb", kept[1].InfoHash)
}
