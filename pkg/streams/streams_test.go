package streams

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseContentID(t *testing.T) {
	ref, err := ParseContentID(ContentTypeMovie, "tt0111161")
	require.NoError(t, err)
	require.Equal(t, "tt0111161", ref.IMDbID)
	require.Equal(t, "movie:tt0111161", ref.ReleaseKey())

	ref, err = ParseContentID(ContentTypeSeries, "tt0903747:5:14")
	require.NoError(t, err)
	require.Equal(t, 5, ref.Season)
	require.Equal(t, 14, ref.Episode)
	require.Equal(t, "tt0903747:5:14", ref.ID())
	require.Equal(t, "series:tt0903747:5:14", ref.ReleaseKey())

	_, err = ParseContentID(ContentTypeSeries, "tt0903747")
	require.Error(t, err)
	_, err = ParseContentID(ContentTypeMovie, "tt1:2:3")
	require.Error(t, err)
}

func TestMagnetRoundTrip(t *testing.T) {
	torrent := Torrent{
		InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		Title:    "Big Buck Bunny 1080p",
	}
	magnet := torrent.MagnetURI()
	require.True(t, strings.HasPrefix(magnet, "magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"))
	require.Equal(t, torrent.InfoHash, InfoHashFromMagnet(magnet))

	// Upper case hashes in foreign magnets must come out lowercased
	require.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c",
		InfoHashFromMagnet("magnet:?xt=urn:btih:DD8255ECDC7CA55FB0BBF81323D87062DB1F6D1C&dn=foo"))
	require.Empty(t, InfoHashFromMagnet("https://example.com/file.mkv"))
}

func TestNormalizeInfoHash(t *testing.T) {
	hash, ok := NormalizeInfoHash("DD8255ECDC7CA55FB0BBF81323D87062DB1F6D1C")
	require.True(t, ok)
	require.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", hash)

	_, ok = NormalizeInfoHash("nothex")
	require.False(t, ok)
	_, ok = NormalizeInfoHash("dd8255ecdc7ca55fb0bbf81323d87062db1f6d1z")
	require.False(t, ok)
}

func TestResolutionRank(t *testing.T) {
	require.Greater(t, ResolutionRank("2160p"), ResolutionRank("1080p"))
	require.Greater(t, ResolutionRank("1080p"), ResolutionRank("720p"))
	require.Greater(t, ResolutionRank("720p"), ResolutionRank("480p"))
	require.Greater(t, ResolutionRank("480p"), ResolutionRank(""))
	require.Equal(t, ResolutionRank("1080P"), ResolutionRank("1080p"))
}

func TestDetectResolution(t *testing.T) {
	require.Equal(t, "2160p", DetectResolution("Movie.2019.4K.HDR.WEBRip"))
	require.Equal(t, "1080p", DetectResolution("Movie.2019.1080p.BluRay.x264"))
	require.Equal(t, "", DetectResolution("Movie.2019.DVDRip"))
}
