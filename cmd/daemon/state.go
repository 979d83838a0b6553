package main

import (
	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/state"
)

// ApiPlayerState is the wire view of the shared player state, also pushed to
// websocket clients on every change.
type ApiPlayerState struct {
	Type          *string  `json:"type"`
	TrackName     *string  `json:"track_name"`
	TrackId       *string  `json:"track_id"`
	TrackUri      *string  `json:"track_uri"`
	ArtistName    *string  `json:"artist_name"`
	ShowName      *string  `json:"show_name"`
	ThumbnailUrls []string `json:"thumbnail_urls,omitempty"`

	Shuffling *bool   `json:"shuffling"`
	Repeat    *string `json:"repeat"`
	Playing   *bool   `json:"playing"`

	ProgressMs *int     `json:"progress_ms"`
	DurationMs *int     `json:"duration_ms"`
	Volume     *float64 `json:"volume"`

	DisabledActions map[spintunes.PlayerAction]bool `json:"disabled_actions,omitempty"`

	CommandPending  bool `json:"command_pending"`
	RequestsPending int  `json:"requests_pending"`

	Initialized bool `json:"initialized"`
	LocalPlayer bool `json:"local_player"`

	Error *spintunes.PlayerError `json:"error,omitempty"`
}

func NewApiPlayerState(st state.PlayerState) *ApiPlayerState {
	out := &ApiPlayerState{
		TrackName:       st.TrackName,
		TrackId:         st.TrackID,
		TrackUri:        st.TrackURI,
		ArtistName:      st.ArtistName,
		ShowName:        st.ShowName,
		ThumbnailUrls:   st.ThumbnailURLs,
		Shuffling:       st.Shuffling,
		Playing:         st.Playing,
		ProgressMs:      st.ProgressMs,
		DurationMs:      st.DurationMs,
		Volume:          st.Volume,
		DisabledActions: st.DisabledActions,
		CommandPending:  st.CommandPending,
		RequestsPending: st.RequestsPending,
		Initialized:     st.Initialized,
		LocalPlayer:     st.LocalPlayer,
		Error:           st.Err,
	}

	if st.Type != nil {
		var t string
		switch *st.Type {
		case spintunes.PlaybackTypeEpisode:
			t = "episode"
		case spintunes.PlaybackTypeAd:
			t = "ad"
		default:
			t = "track"
		}
		out.Type = &t
	}

	if st.Repeat != nil {
		r := st.Repeat.String()
		out.Repeat = &r
	}

	return out
}
