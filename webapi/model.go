package webapi

// Wire models for the subset of the web API used for playback control and
// browsing. Unknown fields are ignored for forward compatibility.

type Image struct {
	Url    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Artist struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type Album struct {
	Id     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

type Show struct {
	Id        string  `json:"id"`
	Name      string  `json:"name"`
	Publisher string  `json:"publisher"`
	Images    []Image `json:"images"`
}

type Item struct {
	Id         string   `json:"id"`
	Uri        string   `json:"uri"`
	Name       string   `json:"name"`
	DurationMs int      `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
	Album      *Album   `json:"album"`
	Show       *Show    `json:"show"`
	Images     []Image  `json:"images"`
}

type Device struct {
	Id             string `json:"id"`
	Name           string `json:"name"`
	VolumePercent  *int   `json:"volume_percent"`
	SupportsVolume bool   `json:"supports_volume"`
}

type Disallows struct {
	Pausing               *bool `json:"pausing"`
	Resuming              *bool `json:"resuming"`
	Seeking               *bool `json:"seeking"`
	SkippingNext          *bool `json:"skipping_next"`
	SkippingPrev          *bool `json:"skipping_prev"`
	TogglingRepeatContext *bool `json:"toggling_repeat_context"`
	TogglingRepeatTrack   *bool `json:"toggling_repeat_track"`
	TogglingShuffle       *bool `json:"toggling_shuffle"`
}

type Actions struct {
	Disallows *Disallows `json:"disallows"`
}

type PlaybackState struct {
	Device               *Device  `json:"device"`
	ShuffleState         *bool    `json:"shuffle_state"`
	RepeatState          string   `json:"repeat_state"`
	ProgressMs           *int     `json:"progress_ms"`
	IsPlaying            bool     `json:"is_playing"`
	Item                 *Item    `json:"item"`
	CurrentlyPlayingType string   `json:"currently_playing_type"`
	Actions              *Actions `json:"actions"`
}

type QueueResponse struct {
	CurrentlyPlaying *Item  `json:"currently_playing"`
	Queue            []Item `json:"queue"`
}

type Playlist struct {
	Id     string  `json:"id"`
	Uri    string  `json:"uri"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
	Tracks *struct {
		Total int `json:"total"`
	} `json:"tracks"`
}

type PlaylistsResponse struct {
	Items  []Playlist `json:"items"`
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
}

type PlaylistItem struct {
	Track *Item `json:"track"`
}

type PlaylistItemsResponse struct {
	Items  []PlaylistItem `json:"items"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

type LibraryItem struct {
	AddedAt string `json:"added_at"`
	Track   *Item  `json:"track"`
}

type LibraryItemsResponse struct {
	Items  []LibraryItem `json:"items"`
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

type SavedShow struct {
	AddedAt string `json:"added_at"`
	Show    *Show  `json:"show"`
}

type ShowsResponse struct {
	Items  []SavedShow `json:"items"`
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

type Episode struct {
	Id         string  `json:"id"`
	Uri        string  `json:"uri"`
	Name       string  `json:"name"`
	DurationMs int     `json:"duration_ms"`
	Images     []Image `json:"images"`
}

type EpisodesResponse struct {
	Items  []Episode `json:"items"`
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

type SavedEpisode struct {
	AddedAt string   `json:"added_at"`
	Episode *Episode `json:"episode"`
}

type SavedEpisodesResponse struct {
	Items  []SavedEpisode `json:"items"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

type SearchResponse struct {
	Tracks *struct {
		Items []Item `json:"items"`
		Total int    `json:"total"`
	} `json:"tracks"`
}

type playRequestBody struct {
	ContextUri string         `json:"context_uri,omitempty"`
	Uris       []string       `json:"uris,omitempty"`
	Offset     *requestOffset `json:"offset,omitempty"`
}

type requestOffset struct {
	Position int `json:"position"`
}
