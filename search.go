package lavapool

import "strings"

// LoadType discriminates the outcome of a /loadtracks call. "No matches" and
// "load failed" are ordinary outcomes, not errors.
type LoadType string

const (
	// A direct URL or identifier resolved to exactly one track.
	LoadTypeTrack LoadType = "TRACK_LOADED"
	// A playlist URL resolved to an ordered set of tracks.
	LoadTypePlaylist LoadType = "PLAYLIST_LOADED"
	// A search query produced ranked results.
	LoadTypeSearch LoadType = "SEARCH_RESULT"
	// Nothing matched the query.
	LoadTypeNoMatches LoadType = "NO_MATCHES"
	// The node failed to load the reference; Exception carries the cause.
	LoadTypeLoadFailed LoadType = "LOAD_FAILED"
)

// LoadResult is the node's full typed resolution outcome.
type LoadResult struct {
	LoadType  LoadType       `json:"loadType"`
	Playlist  PlaylistInfo   `json:"playlistInfo"`
	Tracks    []*Track       `json:"tracks"`
	Exception *LoadException `json:"exception,omitempty"`
}

// Only populated when LoadType is LoadTypePlaylist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Populated when LoadType is LoadTypeLoadFailed.
type LoadException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// SearchMode selects which backend the node queries. The value is the raw
// identifier prefix understood by the node, so custom provider prefixes work
// without this package knowing about them.
type SearchMode string

const (
	// Load the query verbatim as a URL or identifier, bypassing search.
	ModeDirect       SearchMode = ""
	ModeYouTube      SearchMode = "ytsearch"
	ModeYouTubeMusic SearchMode = "ytmsearch"
	ModeSoundCloud   SearchMode = "scsearch"
)

// identifier builds the value for the loadtracks identifier parameter.
func (m SearchMode) identifier(query string) string {
	if m == ModeDirect {
		return query
	}
	return string(m) + ":" + query
}

// cacheKey normalizes a query for use as a resolution cache key. Two queries
// differing only in case or surrounding whitespace share an entry.
func cacheKey(query string, mode SearchMode) string {
	return string(mode) + "|" + strings.ToLower(strings.TrimSpace(query))
}
