// Package state holds the single shared player state record and the store
// through which all mutation flows.
package state

import (
	spintunes "github.com/spintunes/go-spintunes"
)

// PlayerState is the one record every consumer reads. Optional fields are
// pointers: nil means the backend has not reported a value. The struct is
// treated as an immutable value; writers derive a new copy inside
// Store.Update and must not retain the maps/slices of a previous state.
type PlayerState struct {
	Type          *spintunes.PlaybackType
	TrackName     *string
	TrackID       *string
	TrackURI      *string
	ArtistName    *string
	ShowName      *string
	ThumbnailURLs []string

	Shuffling *bool
	Repeat    *spintunes.RepeatState
	Playing   *bool

	ProgressMs *int
	DurationMs *int
	Volume     *float64

	// DisabledActions is the per-action restriction map reported by the web
	// backend. Treated as immutable once stored.
	DisabledActions map[spintunes.PlayerAction]bool

	// CommandPending is set optimistically when a user command has been issued
	// and the next poll has not yet confirmed it.
	CommandPending bool
	// RequestsPending counts authorized requests currently in flight.
	RequestsPending int

	Initialized bool
	LocalPlayer bool

	Err *spintunes.PlayerError
}

// Exhausted reports whether the current track has run out or a user command
// is awaiting confirmation. Either condition warrants an out-of-cycle refresh.
func (s PlayerState) Exhausted() bool {
	if s.CommandPending {
		return true
	}

	return s.Playing != nil && *s.Playing &&
		s.ProgressMs != nil && s.DurationMs != nil &&
		*s.ProgressMs >= *s.DurationMs
}

// WithAdvancedProgress returns the state with progress optimistically moved
// forward by deltaMs, clamped to the track duration. No-op while paused.
func (s PlayerState) WithAdvancedProgress(deltaMs int) PlayerState {
	if s.Playing == nil || !*s.Playing {
		return s
	}

	var progress, duration int
	if s.ProgressMs != nil {
		progress = *s.ProgressMs
	}
	if s.DurationMs != nil {
		duration = *s.DurationMs
	}

	advanced := spintunes.ClampProgress(progress+deltaMs, duration)
	s.ProgressMs = &advanced
	return s
}

func Ptr[T any](v T) *T {
	return &v
}
