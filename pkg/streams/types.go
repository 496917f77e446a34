package streams

import (
	"strconv"
	"strings"
)

// ContentType is the kind of content a request refers to.
type ContentType string

const (
	ContentTypeMovie  ContentType = "movie"
	ContentTypeSeries ContentType = "series"
)

// ContentRef identifies a movie or a specific series episode, plus optional
// metadata that filters can use when it's known.
type ContentRef struct {
	Type    ContentType
	IMDbID  string
	Season  int
	Episode int

	// Optional metadata, filled by the meta fetcher when available
	Title     string
	Year      int
	AltTitles []string
	TMDBid    string
}

// ID returns the wire form of the reference: "tt123" for movies,
// "tt123:1:2" for episodes.
func (r ContentRef) ID() string {
	if r.Type == ContentTypeSeries {
		return r.IMDbID + ":" + strconv.Itoa(r.Season) + ":" + strconv.Itoa(r.Episode)
	}
	return r.IMDbID
}

// ReleaseKey groups cache rows belonging to the same release.
func (r ContentRef) ReleaseKey() string {
	if r.Type == ContentTypeSeries {
		return "series:" + r.IMDbID + ":" + strconv.Itoa(r.Season) + ":" + strconv.Itoa(r.Episode)
	}
	return "movie:" + r.IMDbID
}

// Torrent is a single torrent result from an indexer.
type Torrent struct {
	InfoHash  string   `json:"infoHash"`
	Title     string   `json:"title"`
	SizeBytes int64    `json:"sizeBytes"`
	Seeders   int      `json:"seeders"`
	Tracker   string   `json:"tracker"`
	Languages []string `json:"languages,omitempty"`

	// Parsed fields, zero when unknown
	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	Codec           string `json:"codec,omitempty"`
	QualityCategory string `json:"qualityCategory,omitempty"`
}

// HTTPStream is a result from an HTTP file hoster. It carries no info hash,
// and its URL may require a second resolution stage.
type HTTPStream struct {
	ProviderLabel string `json:"providerLabel"`
	DisplayTitle  string `json:"displayTitle"`
	SizeBytes     int64  `json:"sizeBytes,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	URL           string `json:"url"`
}

// PersonalFile is a file that already exists in the user's own storage on a
// provider. It's served without further resolution and never cached.
type PersonalFile struct {
	URL        string `json:"url"`
	InfoHash   string `json:"infoHash,omitempty"`
	FileName   string `json:"fileName"`
	SizeBytes  int64  `json:"sizeBytes"`
	Resolution string `json:"resolution,omitempty"`
}

// Stream is the assembled output item.
type Stream struct {
	Provider   string   `json:"provider"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	BingeGroup string   `json:"bingeGroup,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	SizeBytes  int64    `json:"sizeBytes,omitempty"`
	Personal   bool     `json:"personal,omitempty"`
	InfoHash   string   `json:"infoHash,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Seeders    int      `json:"seeders,omitempty"`
	Season     int      `json:"season,omitempty"`
	Episode    int      `json:"episode,omitempty"`
	// Informational items (rate-limited, blocked) carry a note and no URL
	Note string `json:"note,omitempty"`
}

// EpisodeHint tells the resolver which file of a multi-file torrent the
// caller wants. It travels as a side channel, never inside the URL string.
type EpisodeHint struct {
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
	FilePath string `json:"filePath,omitempty"`
	FileID   string `json:"fileId,omitempty"`
}

// resolutionRanks orders resolutions for sorting. Higher is better.
var resolutionRanks = map[string]int{
	"2160p": 5,
	"1440p": 4,
	"1080p": 3,
	"720p":  2,
	"480p":  1,
}

// ResolutionRank returns the sort rank for a resolution string like "1080p".
// Unknown resolutions rank below 480p.
func ResolutionRank(resolution string) int {
	return resolutionRanks[strings.ToLower(resolution)]
}

// DetectResolution extracts a resolution token from a release title.
func DetectResolution(title string) string {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "2160p") || strings.Contains(lower, "4k") || strings.Contains(lower, "uhd"):
		return "2160p"
	case strings.Contains(lower, "1440p"):
		return "1440p"
	case strings.Contains(lower, "1080p"):
		return "1080p"
	case strings.Contains(lower, "720p"):
		return "720p"
	case strings.Contains(lower, "480p"):
		return "480p"
	}
	return ""
}
