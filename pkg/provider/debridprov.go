package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

// availabilityTTL bounds how long a positive instant-availability row lives.
const availabilityTTL = 24 * time.Hour

var (
	_ Adapter          = (*debridAdapter)(nil)
	_ PersonalSearcher = (*debridAdapter)(nil)
)

// debridAdapter presents a debrid service as a provider: it fans out to the
// configured torrent indexers, keeps only the hashes the service reports as
// instantly available, and lists the user's own files for the release.
// Positive availability results are persisted as per-service rows so the
// resolver can evict them when they turn out stale.
type debridAdapter struct {
	name    string
	sources []Adapter
	prober  debrid.CacheProber
	filer   debrid.PersonalFiler
	store   *bytestore.Store
	logger  *zap.Logger
}

// NewDebridAdapter wires a debrid client to its indexer sources. filer may be
// nil for services without a personal file listing.
func NewDebridAdapter(name string, prober debrid.CacheProber, filer debrid.PersonalFiler, store *bytestore.Store, logger *zap.Logger, sources ...Adapter) *debridAdapter {
	return &debridAdapter{
		name:    strings.ToLower(name),
		sources: sources,
		prober:  prober,
		filer:   filer,
		store:   store,
		logger:  logger,
	}
}

func (d *debridAdapter) Name() string {
	return d.name
}

func (d *debridAdapter) Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	zapFieldService := zap.String("debridSite", d.name)

	// Fan out to the indexers; a failed source contributes nothing
	var wg sync.WaitGroup
	collected := make([][]streams.Stream, len(d.sources))
	srcErrs := make([]error, len(d.sources))
	for i, source := range d.sources {
		wg.Add(1)
		go func(i int, source Adapter) {
			defer wg.Done()
			items, err := source.Search(ctx, ref, cfg)
			if err != nil {
				d.logger.Warn("Indexer search failed", zap.Error(err), zap.String("source", source.Name()), zapFieldService)
				srcErrs[i] = err
				return
			}
			collected[i] = items
		}(i, source)
	}
	wg.Wait()

	// A source stuck behind an unsolvable challenge becomes a visible
	// informational item, not a silent gap
	var blocked []streams.Stream
	for i, err := range srcErrs {
		if errors.Is(err, ErrChallenged) {
			blocked = append(blocked, BlockedStream(d.name, d.sources[i].Name()))
		}
	}

	var candidates []streams.Stream
	for _, items := range collected {
		candidates = append(candidates, items...)
	}
	candidates = DedupByHash(candidates)
	if len(candidates) == 0 {
		return blocked, nil
	}

	hashes := make([]string, 0, len(candidates))
	for _, item := range candidates {
		if item.InfoHash != "" {
			hashes = append(hashes, strings.ToLower(item.InfoHash))
		}
	}
	cached := map[string]bool{}
	for _, hash := range d.prober.ProbeCached(ctx, cfg.Credential(d.name), hashes) {
		cached[strings.ToLower(hash)] = true
	}

	results := make([]streams.Stream, 0, len(cached))
	rows := make([]bytestore.Record, 0, len(cached))
	for _, item := range candidates {
		hash := strings.ToLower(item.InfoHash)
		if !cached[hash] {
			continue
		}
		item.Provider = d.name
		results = append(results, item)
		rows = append(rows, bytestore.Record{
			Service:    d.name,
			Hash:       hash,
			FileName:   item.Title,
			SizeBytes:  item.SizeBytes,
			ReleaseKey: ref.ReleaseKey(),
			Category:   "torrent",
			Resolution: item.Resolution,
		})
	}
	if len(rows) > 0 {
		d.store.UpsertBulk(rows, availabilityTTL)
	}
	d.logger.Debug("Probed instant availability",
		zap.Int("candidateCount", len(candidates)), zap.Int("cachedCount", len(results)), zapFieldService)
	return append(results, blocked...), nil
}

// PersonalStreams lists the user's own files on the service that match the
// requested release.
func (d *debridAdapter) PersonalStreams(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	if d.filer == nil {
		return nil, nil
	}
	files, err := d.filer.PersonalFiles(ctx, cfg.Credential(d.name))
	if err != nil {
		return nil, err
	}
	var hint *streams.EpisodeHint
	if ref.Type == streams.ContentTypeSeries {
		hint = &streams.EpisodeHint{Season: ref.Season, Episode: ref.Episode}
	}
	var results []streams.Stream
	for _, file := range files {
		if !matchesRelease(file.FileName, ref, hint) {
			continue
		}
		results = append(results, streams.FromPersonalFile(d.name, file))
	}
	return results, nil
}

// matchesRelease decides whether a personal file belongs to the requested
// release. Episodes must pin to the exact episode; movies must share at least
// half of the title's words.
func matchesRelease(fileName string, ref streams.ContentRef, hint *streams.EpisodeHint) bool {
	if hint != nil {
		return debrid.MatchesEpisode(fileName, hint)
	}
	if ref.Title == "" {
		return true
	}
	normFile := strings.ToLower(fileName)
	for _, r := range []rune{'.', '_', '-', '['} {
		normFile = strings.ReplaceAll(normFile, string(r), " ")
	}
	words := strings.Fields(strings.ToLower(ref.Title))
	if len(words) == 0 {
		return true
	}
	matched := 0
	for _, word := range words {
		if strings.Contains(normFile, word) {
			matched++
		}
	}
	return matched >= (len(words)+1)/2
}
