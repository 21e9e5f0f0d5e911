package lavapool

// Stats is the periodic load snapshot a node pushes over its websocket. Each
// inbound frame replaces the previous snapshot wholesale; fields are never
// merged individually.
type Stats struct {
	// Connected players on the node.
	Players int `json:"players"`
	// Players currently playing a track.
	PlayingPlayers int `json:"playingPlayers"`
	// Node uptime in milliseconds.
	UptimeMs int64       `json:"uptime"`
	Memory   MemoryStats `json:"memory"`
	CPU      CPUStats    `json:"cpu"`
	// Audio frame statistics over the last minute. Absent on nodes with no
	// active players.
	Frames *FrameStats `json:"frameStats,omitempty"`
}

type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

type CPUStats struct {
	Cores int `json:"cores"`
	// Whole-system load in [0,1].
	SystemLoad float64 `json:"systemLoad"`
	// Load attributable to the node process, in [0,1].
	ProcessLoad float64 `json:"lavalinkLoad"`
}

type FrameStats struct {
	// Frames sent per minute.
	Sent int `json:"sent"`
	// Frames that were null (silence substituted).
	Nulled int `json:"nulled"`
	// Shortfall against the expected frame rate. -1 when unknown.
	Deficit int `json:"deficit"`
}
