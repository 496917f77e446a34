package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/streams"
)

func TestDedupByHashPrefersSeeders(t *testing.T) {
	items := []streams.Stream{
		{InfoHash: "aaaa", Title: "low", Seeders: 3},
		{InfoHash: "AAAA", Title: "high", Seeders: 50},
		{InfoHash: "bbbb", Title: "other", Seeders: 1},
		{Title: "hashless"},
	}
	kept := DedupByHash(items)
	require.Len(t, kept, 3)
	require.Equal(t, "high", kept[0].Title)
	require.Equal(t, "other", kept[1].Title)
	require.Equal(t, "hashless", kept[2].Title)
}

func TestIdentityTokens(t *testing.T) {
	cfg := UserConfig{Credentials: map[string]string{
		"realdebrid": "ABCDEFGHIJKLMNOP",
		"newshost":   "short",
	}}
	tokens := cfg.IdentityTokens()
	require.Equal(t, []string{"KLMNOP", "short"}, tokens)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Adapter: NewMagnetio(DefaultMagnetioOpts, zap.NewNop())})
	nh := NewNewshost(DefaultNewshostOpts, zap.NewNop())
	reg.Register(Registration{Adapter: nh, CachesURLs: true})

	require.Equal(t, []string{"magnetio", "newshost"}, reg.Names())
	require.Equal(t, map[string]bool{"newshost": true}, reg.CachesURLs())

	r, ok := reg.Get("MagnetIO")
	require.True(t, ok)
	require.Equal(t, "magnetio", r.Adapter.Name())

	// Re-registering replaces, it doesn't duplicate
	reg.Register(Registration{Adapter: nh})
	require.Equal(t, []string{"magnetio", "newshost"}, reg.Names())
	require.Equal(t, map[string]bool{}, reg.CachesURLs())
}

func TestParseHumanSize(t *testing.T) {
	require.Equal(t, int64(1024), parseHumanSize("1 KB"))
	require.Equal(t, int64(1503238553), parseHumanSize("1.4 GB"))
	require.Equal(t, int64(700*1<<20), parseHumanSize("700 MiB"))
	require.Equal(t, int64(0), parseHumanSize("n/a"))
}
