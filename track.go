package lavapool

import "time"

// Track is a resolved, playable reference to a piece of audio content. The
// encoded form is produced by the node and treated as opaque; Info is never
// mutated after decoding.
type Track struct {
	// Node-encoded hash, passed back verbatim in play commands.
	Encoded string    `json:"track"`
	Info    TrackInfo `json:"info"`
}

type TrackInfo struct {
	// Source-specific track id.
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Title      string `json:"title"`
	// Whether seek commands are accepted for this track.
	Seekable bool `json:"isSeekable"`
	// Track length in milliseconds.
	LengthMs int64 `json:"length"`
	// Whether the track is a livestream (length is meaningless).
	Stream bool   `json:"isStream"`
	URI    string `json:"uri"`
	// Name of the source backend, e.g. "youtube".
	SourceName string `json:"sourceName"`
}

// Duration returns the track length. Zero for livestreams.
func (i TrackInfo) Duration() time.Duration {
	if i.Stream {
		return 0
	}
	return time.Duration(i.LengthMs) * time.Millisecond
}
