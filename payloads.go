package lavapool

// Outbound and inbound protocol payloads for the node websocket. Field names
// follow the Lavalink v3 wire format.

type basePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId,omitempty"`
}

type resumePayload struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

type voiceUpdatePayload struct {
	Op        string             `json:"op"`
	GuildID   string             `json:"guildId"`
	SessionID string             `json:"sessionId"`
	Event     voiceServerPayload `json:"event"`
}

type voiceServerPayload struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

type playPayload struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	Track     string `json:"track"`
	NoReplace bool   `json:"noReplace,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	Volume    int    `json:"volume,omitempty"`
	Pause     bool   `json:"pause,omitempty"`
}

type stopPayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

type pausePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Pause   bool   `json:"pause"`
}

type seekPayload struct {
	Op       string `json:"op"`
	GuildID  string `json:"guildId"`
	Position int64  `json:"position"`
}

type volumePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Volume  int    `json:"volume"`
}

type equalizerPayload struct {
	Op      string   `json:"op"`
	GuildID string   `json:"guildId"`
	Bands   []EqBand `json:"bands"`
}

type destroyPayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

// Inbound "event" frame. Only the fields relevant to the event type are set.
type eventPayload struct {
	Op          string `json:"op"`
	Type        string `json:"type"`
	GuildID     string `json:"guildId"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
	ThresholdMs int64  `json:"thresholdMs"`
	Code        int    `json:"code"`
	ByRemote    bool   `json:"byRemote"`
}

// Inbound "playerUpdate" frame: a fresh position sample for one guild.
type playerUpdatePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	State   struct {
		TimeMs     int64 `json:"time"`
		PositionMs int64 `json:"position"`
		Connected  bool  `json:"connected"`
	} `json:"state"`
}

const (
	trackStartEvent      = "TrackStartEvent"
	trackEndEvent        = "TrackEndEvent"
	trackExceptionEvent  = "TrackExceptionEvent"
	trackStuckEvent      = "TrackStuckEvent"
	webSocketClosedEvent = "WebSocketClosedEvent"
)
