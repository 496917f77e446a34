package streams

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Default tracker list added to assembled magnets, so clients that pass the
// magnet on to a debrid service get a resolvable one.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://tracker.coppersurfer.tk:6969/announce",
	"udp://9.rarbg.to:2920/announce",
	"udp://tracker.cyberia.is:6969/announce",
	"udp://p4p.arenabg.com:1337/announce",
}

var infoHashRegex = regexp.MustCompile(`(?i)btih:([0-9a-f]{40})`)

// MagnetURI assembles a magnet URI from the torrent's info hash and title.
func (t Torrent) MagnetURI() string {
	magnet := "magnet:?xt=urn:btih:" + t.InfoHash + "&dn=" + url.QueryEscape(t.Title)
	for _, tracker := range defaultTrackers {
		magnet += "&tr=" + tracker
	}
	return magnet
}

// InfoHashFromMagnet extracts the lowercased info hash from a magnet URI.
// Returns an empty string if none can be found.
func InfoHashFromMagnet(magnet string) string {
	match := infoHashRegex.FindStringSubmatch(magnet)
	if match == nil {
		return ""
	}
	return strings.ToLower(match[1])
}

// NormalizeInfoHash lowercases a hash and reports whether it looks like a
// BT v1 info hash (40 hex chars).
func NormalizeInfoHash(hash string) (string, bool) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) != 40 {
		return hash, false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return hash, false
		}
	}
	return hash, true
}

// ParseContentID parses the wire id of a request into a ContentRef.
// Movies use a plain IMDb ID, series use "imdbID:season:episode".
func ParseContentID(contentType ContentType, id string) (ContentRef, error) {
	switch contentType {
	case ContentTypeMovie:
		if strings.Contains(id, ":") {
			return ContentRef{}, fmt.Errorf("movie ID must not contain colons: %v", id)
		}
		return ContentRef{Type: ContentTypeMovie, IMDbID: id}, nil
	case ContentTypeSeries:
		parts := strings.Split(id, ":")
		if len(parts) != 3 {
			return ContentRef{}, fmt.Errorf("series ID must have the format \"imdbID:season:episode\": %v", id)
		}
		season, err := strconv.Atoi(parts[1])
		if err != nil {
			return ContentRef{}, fmt.Errorf("couldn't parse season from ID %v: %v", id, err)
		}
		episode, err := strconv.Atoi(parts[2])
		if err != nil {
			return ContentRef{}, fmt.Errorf("couldn't parse episode from ID %v: %v", id, err)
		}
		return ContentRef{Type: ContentTypeSeries, IMDbID: parts[0], Season: season, Episode: episode}, nil
	}
	return ContentRef{}, fmt.Errorf("unknown content type: %v", contentType)
}
