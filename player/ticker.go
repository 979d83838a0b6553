package player

import (
	"context"
	"time"

	"github.com/spintunes/go-spintunes/state"
)

const (
	progressTickInterval = 5 * time.Second
	progressTickMs       = 5000
)

// RunProgressTicker advances the displayed playback position between
// synchronizations so the progress bar keeps moving without network traffic.
// The next real refresh snaps it back to the authoritative value.
func RunProgressTicker(ctx context.Context, ps *state.Store) {
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.Update(func(st state.PlayerState) state.PlayerState {
				return st.WithAdvancedProgress(progressTickMs)
			})
		}
	}
}
