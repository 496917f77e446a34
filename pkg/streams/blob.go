package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Cache rows historically stored either a bare item array or an envelope
// with a result count. New writes always use the envelope; reads accept both.

type streamEnvelope struct {
	Data        []Stream `json:"data"`
	ResultCount int      `json:"resultCount"`
}

// EncodeStreams marshals items into the envelope shape for cache rows.
func EncodeStreams(items []Stream) ([]byte, error) {
	return json.Marshal(streamEnvelope{Data: items, ResultCount: len(items)})
}

// DecodeStreams unmarshals a cache row's data blob, accepting both the bare
// array shape and the envelope shape.
func DecodeStreams(raw []byte) ([]Stream, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []Stream
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal stream array: %w", err)
		}
		return items, nil
	}
	var envelope streamEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("couldn't unmarshal stream envelope: %w", err)
	}
	return envelope.Data, nil
}

// FromTorrent projects an indexer result onto the output sum type. The URL
// stays empty; it's filled per user at serve time (magnet or resolve link).
func FromTorrent(provider string, t Torrent) Stream {
	resolution := t.Resolution
	if resolution == "" {
		resolution = DetectResolution(t.Title)
	}
	return Stream{
		Provider:   provider,
		Name:       t.Tracker,
		Title:      t.Title,
		InfoHash:   t.InfoHash,
		SizeBytes:  t.SizeBytes,
		Seeders:    t.Seeders,
		Resolution: resolution,
		Languages:  t.Languages,
		Season:     t.Season,
		Episode:    t.Episode,
	}
}

// FromHTTPStream projects a hoster result onto the output sum type.
func FromHTTPStream(provider string, h HTTPStream) Stream {
	resolution := h.Resolution
	if resolution == "" {
		resolution = DetectResolution(h.DisplayTitle)
	}
	return Stream{
		Provider:   provider,
		Name:       h.ProviderLabel,
		Title:      h.DisplayTitle,
		URL:        h.URL,
		SizeBytes:  h.SizeBytes,
		Resolution: resolution,
	}
}

// FromPersonalFile projects a personal file onto the output sum type.
func FromPersonalFile(provider string, p PersonalFile) Stream {
	resolution := p.Resolution
	if resolution == "" {
		resolution = DetectResolution(p.FileName)
	}
	return Stream{
		Provider:   provider,
		Title:      p.FileName,
		URL:        p.URL,
		InfoHash:   p.InfoHash,
		SizeBytes:  p.SizeBytes,
		Resolution: resolution,
		Personal:   true,
	}
}
