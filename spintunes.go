package spintunes

import (
	"context"
	"fmt"
	"runtime"
)

func VersionNumberString() string {
	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-spintunes %s", VersionNumberString())
}

func UserAgent() string {
	return fmt.Sprintf("go-spintunes/%s Go/%s", VersionNumberString(), runtime.Version())
}

// RepeatState is the player repeat mode.
type RepeatState int

const (
	RepeatOff RepeatState = iota
	RepeatTrack
	RepeatContext
)

func (r RepeatState) String() string {
	switch r {
	case RepeatTrack:
		return "track"
	case RepeatContext:
		return "context"
	default:
		return "off"
	}
}

func RepeatStateFromString(s string) (RepeatState, bool) {
	switch s {
	case "off":
		return RepeatOff, true
	case "track":
		return RepeatTrack, true
	case "context":
		return RepeatContext, true
	default:
		return RepeatOff, false
	}
}

func RepeatStateFromInt(i int) (RepeatState, bool) {
	switch i {
	case 0:
		return RepeatOff, true
	case 1:
		return RepeatTrack, true
	case 2:
		return RepeatContext, true
	default:
		return RepeatOff, false
	}
}

// PlaybackType describes what kind of item is currently playing.
type PlaybackType int

const (
	PlaybackTypeTrack PlaybackType = iota
	PlaybackTypeEpisode
	PlaybackTypeAd
)

func PlaybackTypeFromString(s string) (PlaybackType, bool) {
	switch s {
	case "track":
		return PlaybackTypeTrack, true
	case "episode":
		return PlaybackTypeEpisode, true
	case "ad":
		return PlaybackTypeAd, true
	default:
		return PlaybackTypeTrack, false
	}
}

// PlayerAction identifies a user-triggerable player capability. The web
// backend reports per-action restrictions which are kept in the player state
// so the UI can disable the corresponding buttons.
type PlayerAction string

const (
	ActionPlay          PlayerAction = "play"
	ActionPause         PlayerAction = "pause"
	ActionSkipNext      PlayerAction = "skip_next"
	ActionSkipPrevious  PlayerAction = "skip_previous"
	ActionSeek          PlayerAction = "seek"
	ActionToggleShuffle PlayerAction = "toggle_shuffle"
	ActionToggleRepeat  PlayerAction = "toggle_repeat"
	ActionSetVolume     PlayerAction = "set_volume"
)

// PlayerError is the user-facing classification of a failed player request.
type PlayerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *PlayerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// PlayRequest starts playback of a context (playlist, album, show) at an
// optional offset, or of a plain list of URIs.
type PlayRequest struct {
	ContextUri string   `json:"context_uri,omitempty"`
	Uris       []string `json:"uris,omitempty"`
	OffsetPos  *int     `json:"-"`
}

// Client is the playback-control capability set shared by the web and local
// backends. Callers obtain the active implementation through the provider,
// never hold one directly.
type Client interface {
	Play(ctx context.Context, req *PlayRequest) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Seek(ctx context.Context, positionMs int) error
	SetShuffle(ctx context.Context, shuffle bool) error
	SetRepeat(ctx context.Context, repeat RepeatState) error
	SetVolume(ctx context.Context, volume float64) error
	AddToQueue(ctx context.Context, uri string) error
	AddToLibrary(ctx context.Context, ids []string) error
}

// RideState mirrors the host device's recording state.
type RideState int

const (
	RideIdle RideState = iota
	RideRecording
	RidePaused
)

// SpeedSource reports the device's current speed in m/s.
type SpeedSource interface {
	Speed(ctx context.Context) (<-chan float64, error)
}

// RideMonitor exposes the host signals the web polling gate depends on.
type RideMonitor interface {
	RideState(ctx context.Context) (<-chan RideState, error)
	// WidgetVisible streams whether the player widget is on the visible page.
	WidgetVisible(ctx context.Context) (<-chan bool, error)
	// WidgetOnProfile streams whether the player widget is configured anywhere
	// on the currently active profile.
	WidgetOnProfile(ctx context.Context) (<-chan bool, error)
}

// Notifier dispatches a transient user-visible alert on the host device.
type Notifier interface {
	Alert(title, detail string)
}

// NetworkInfo reports whether the device is on a fast (unmetered) network.
type NetworkInfo interface {
	FastNetwork() bool
}

// AudioMixer is the device's own audio stream volume control, used by the
// local backend instead of a remote volume endpoint.
type AudioMixer interface {
	Volume() (float64, error)
	SetVolume(volume float64) error
}

func ClampProgress(progressMs, durationMs int) int {
	if progressMs > durationMs {
		return durationMs
	}
	if progressMs < 0 {
		return 0
	}
	return progressMs
}
