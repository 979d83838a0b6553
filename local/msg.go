package local

import "encoding/json"

// Wire frames exchanged with the companion app remote. The remote pushes
// player state; commands are fire-and-forget except image reads, which are
// correlated by id.
type rawMessage struct {
	Type string `json:"type"`
	Id   int64  `json:"id,omitempty"`

	// hello
	ClientId string `json:"client_id,omitempty"`
	Ok       bool   `json:"ok,omitempty"`
	Error    string `json:"error,omitempty"`

	// command
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	// state push
	State *StateEvent `json:"state,omitempty"`

	// image request/response
	Uri  string `json:"uri,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// TrackInfo is the currently loaded item as reported by the remote.
type TrackInfo struct {
	Name       string   `json:"name"`
	Uri        string   `json:"uri"`
	Artists    []string `json:"artists"`
	AlbumName  string   `json:"album_name"`
	ImageUri   string   `json:"image_uri"`
	DurationMs int      `json:"duration_ms"`
	IsEpisode  bool     `json:"is_episode"`
	IsPodcast  bool     `json:"is_podcast"`
}

// StateEvent is one push-based player state update.
type StateEvent struct {
	Track      *TrackInfo `json:"track"`
	PositionMs int        `json:"position_ms"`
	Paused     bool       `json:"paused"`
	Shuffling  bool       `json:"shuffling"`
	RepeatMode int        `json:"repeat_mode"`
}

type seekArgs struct {
	PositionMs int `json:"position_ms"`
}

type playArgs struct {
	Uri string `json:"uri"`
}

type shuffleArgs struct {
	Shuffle bool `json:"shuffle"`
}

type repeatArgs struct {
	Mode int `json:"mode"`
}

type queueArgs struct {
	Uri string `json:"uri"`
}

type libraryArgs struct {
	Uris []string `json:"uris"`
}
