// Package rank filters provider results against the request (year, title,
// episode, language, resolution, size) and produces the final ordering.
package rank

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

// Criteria is everything the filters need to judge a result set.
type Criteria struct {
	Ref         streams.ContentRef
	Languages   []string
	Resolutions []string
	// Size bounds in bytes; zero means no bound
	MinSizeBytes int64
	MaxSizeBytes int64
}

// Apply filters, shadows and sorts a result set. Personal files and
// informational items pass the filters untouched; providers already matched
// them to the release.
func Apply(items []streams.Stream, c Criteria) []streams.Stream {
	kept := make([]streams.Stream, 0, len(items))
	for _, item := range items {
		if item.Personal || item.Note != "" {
			kept = append(kept, item)
			continue
		}
		if !matchesYear(item, c.Ref) {
			continue
		}
		if !matchesTitle(item, c.Ref) {
			continue
		}
		if !matchesEpisode(item, c.Ref) {
			continue
		}
		if !matchesLanguage(item, c.Languages) {
			continue
		}
		if !matchesResolution(item, c.Resolutions) {
			continue
		}
		if !matchesSize(item, c.MinSizeBytes, c.MaxSizeBytes) {
			continue
		}
		kept = append(kept, item)
	}
	kept = shadowPersonal(kept)
	Sort(kept)
	return kept
}

// Sort orders items by personal first, then resolution rank, then size.
// The sort is stable so equal items keep their provider order.
func Sort(items []streams.Stream) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Personal != b.Personal {
			return a.Personal
		}
		ra, rb := streams.ResolutionRank(a.Resolution), streams.ResolutionRank(b.Resolution)
		if ra != rb {
			return ra > rb
		}
		return a.SizeBytes > b.SizeBytes
	})
}

// shadowPersonal drops non-personal items whose hash a personal item covers.
func shadowPersonal(items []streams.Stream) []streams.Stream {
	shadowed := map[string]struct{}{}
	for _, item := range items {
		if item.Personal && item.InfoHash != "" {
			shadowed[strings.ToLower(item.InfoHash)] = struct{}{}
		}
	}
	if len(shadowed) == 0 {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if !item.Personal && item.InfoHash != "" {
			if _, ok := shadowed[strings.ToLower(item.InfoHash)]; ok {
				continue
			}
		}
		kept = append(kept, item)
	}
	return kept
}

var yearRx = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

// matchesYear keeps movie results whose title carries no year, or a year
// within ±1 of the release year.
func matchesYear(item streams.Stream, ref streams.ContentRef) bool {
	if ref.Type != streams.ContentTypeMovie || ref.Year == 0 {
		return true
	}
	match := yearRx.FindString(item.Title)
	if match == "" {
		return true
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return true
	}
	diff := year - ref.Year
	return diff >= -1 && diff <= 1
}

var nonAlnumRx = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeTitle(title string) string {
	return nonAlnumRx.ReplaceAllString(strings.ToLower(title), " ")
}

// matchesTitle requires at least half of the canonical title's words (rounded
// up) to appear in the result title. Alternative titles count too.
func matchesTitle(item streams.Stream, ref streams.ContentRef) bool {
	if ref.Type != streams.ContentTypeMovie || ref.Title == "" {
		return true
	}
	normItem := normalizeTitle(item.Title)
	candidates := append([]string{ref.Title}, ref.AltTitles...)
	for _, candidate := range candidates {
		words := strings.Fields(normalizeTitle(candidate))
		if len(words) == 0 {
			continue
		}
		needed := (len(words) + 1) / 2
		matched := 0
		for _, word := range words {
			if strings.Contains(normItem, word) {
				matched++
			}
		}
		if matched >= needed {
			return true
		}
	}
	return false
}

// matchesEpisode keeps series results pinnable to the requested episode.
// Results that can't be pinned at all are rejected; a season pack is not an
// episode.
func matchesEpisode(item streams.Stream, ref streams.ContentRef) bool {
	if ref.Type != streams.ContentTypeSeries {
		return true
	}
	if item.Season != 0 || item.Episode != 0 {
		return item.Season == ref.Season && item.Episode == ref.Episode
	}
	// Same pattern set the debrid file selection pins with, so a stream kept
	// here is also pinnable there
	for _, rx := range debrid.EpisodeRegexes(ref.Season, ref.Episode) {
		if rx.MatchString(item.Title) {
			return true
		}
	}
	return false
}

// matchesLanguage keeps the item when no language is selected, or when any
// selected language appears in the item's language list or as a title tag.
func matchesLanguage(item streams.Stream, selected []string) bool {
	if len(selected) == 0 {
		return true
	}
	normTitle := normalizeTitle(item.Title)
	for _, want := range selected {
		want = strings.ToLower(strings.TrimSpace(want))
		for _, have := range item.Languages {
			if strings.ToLower(have) == want {
				return true
			}
		}
		if want != "" && strings.Contains(normTitle, want) {
			return true
		}
	}
	return false
}

func matchesResolution(item streams.Stream, selected []string) bool {
	if len(selected) == 0 {
		return true
	}
	for _, want := range selected {
		if strings.EqualFold(item.Resolution, want) {
			return true
		}
	}
	return false
}

func matchesSize(item streams.Stream, minBytes, maxBytes int64) bool {
	if minBytes > 0 && item.SizeBytes < minBytes {
		return false
	}
	if maxBytes > 0 && item.SizeBytes > maxBytes {
		return false
	}
	return true
}
