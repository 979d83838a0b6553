package player

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/local"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/webapi"
)

// Tuned empirically upstream; kept as configurable fields on the Scheduler.
const (
	DefaultPollInterval   = 45 * time.Second
	DefaultThrottle       = 10 * time.Second
	DefaultDebounce       = 500 * time.Millisecond
	DefaultExhaustedDelay = 3 * time.Second
)

// Scheduler decides when to re-synchronize the player state. The local
// backend pushes state, so its strategy only debounces and applies; the web
// backend is polled on an adaptive schedule. The active strategy is restarted
// whenever the backend switches, and the old one is fully stopped before the
// new one starts so that no stale writer outlives a switch.
type Scheduler struct {
	provider *Provider
	ps       *state.Store
	settings *config.Store
	ride     spintunes.RideMonitor
	preview  *PreviewMode

	PollInterval   time.Duration
	Throttle       time.Duration
	Debounce       time.Duration
	ExhaustedDelay time.Duration
}

func NewScheduler(provider *Provider, ps *state.Store, settings *config.Store, ride spintunes.RideMonitor, preview *PreviewMode) *Scheduler {
	return &Scheduler{
		provider:       provider,
		ps:             ps,
		settings:       settings,
		ride:           ride,
		preview:        preview,
		PollInterval:   DefaultPollInterval,
		Throttle:       DefaultThrottle,
		Debounce:       DefaultDebounce,
		ExhaustedDelay: DefaultExhaustedDelay,
	}
}

// Run drives the strategy lifecycle until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	backends := s.provider.Watch(ctx)

	var cancel context.CancelFunc
	var done chan struct{}

	stop := func() {
		if cancel != nil {
			cancel()
			<-done
			cancel = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case b, ok := <-backends:
			if !ok {
				stop()
				return
			}

			stop()

			strategyCtx, strategyCancel := context.WithCancel(ctx)
			cancel = strategyCancel
			done = make(chan struct{})

			go func(b Backend) {
				defer close(done)

				log.Debugf("starting %s refresh strategy", b)
				if b == BackendLocal {
					s.runLocal(strategyCtx)
				} else {
					s.runWeb(strategyCtx)
				}
			}(b)
		}
	}
}

// runLocal applies the push-based event stream, coalescing bursts with a
// fixed debounce window.
func (s *Scheduler) runLocal(ctx context.Context) {
	events := s.provider.Local().States()

	var pending *local.StateEvent
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			pending = &ev
			debounce = time.After(s.Debounce)
		case <-debounce:
			debounce = nil
			if pending != nil {
				s.applyLocal(*pending)
				pending = nil
			}
		}
	}
}

// runWeb polls the web backend: once immediately, shortly after the player is
// judged exhausted, and periodically while the visibility gate holds, all
// throttled to one fetch per throttle window.
func (s *Scheduler) runWeb(ctx context.Context) {
	visibleCh := s.rideChan(ctx, s.ride.WidgetVisible)
	onProfileCh := s.rideChan(ctx, s.ride.WidgetOnProfile)
	rideCh := s.rideStateChan(ctx)

	settingsCh := s.settings.Watch(ctx)
	previewCh := s.preview.Watch(ctx)
	stateCh := s.ps.Watch(ctx)

	visible := false
	onProfile := false
	rideState := spintunes.RideIdle
	settings := s.settings.Get()
	preview := s.preview.Count()

	gate := func() bool {
		if preview > 0 {
			return true
		}

		riding := rideState == spintunes.RideRecording || rideState == spintunes.RidePaused
		if settings.OnlyRefreshOnActivePage {
			return visible && riding
		}
		return riding && onProfile
	}

	poll := time.NewTicker(s.PollInterval)
	defer poll.Stop()

	var lastFetch time.Time
	var throttleTimer <-chan time.Time

	fetch := func() {
		lastFetch = time.Now()
		throttleTimer = nil
		s.fetchWeb(ctx)
	}

	// trigger requests a fetch, deferring it while still inside the throttle
	// window; a newer trigger supersedes the pending wait
	trigger := func() {
		if wait := s.Throttle - time.Since(lastFetch); wait > 0 && !lastFetch.IsZero() {
			if throttleTimer == nil {
				throttleTimer = time.After(wait)
			}
			return
		}
		fetch()
	}

	wasExhausted := false
	var exhaustedTimer <-chan time.Time

	gateOpen := gate()
	if gateOpen {
		trigger()
	}

	// gateEdge fires a throttled fetch the moment the gate opens, instead of
	// waiting for the next periodic tick
	gateEdge := func() {
		open := gate()
		if open && !gateOpen {
			trigger()
		}
		gateOpen = open
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			if gate() {
				trigger()
			}

		case st, ok := <-stateCh:
			if !ok {
				return
			}
			exhausted := st.Exhausted()
			if exhausted && !wasExhausted {
				exhaustedTimer = time.After(s.ExhaustedDelay)
			}
			wasExhausted = exhausted

		case <-exhaustedTimer:
			exhaustedTimer = nil
			// restart the periodic phase from the out-of-cycle refresh
			poll.Reset(s.PollInterval)
			if gate() {
				trigger()
			}

		case <-throttleTimer:
			if gate() {
				fetch()
			} else {
				throttleTimer = nil
			}

		case v, ok := <-visibleCh:
			if !ok {
				visibleCh = nil
				continue
			}
			visible = v
			gateEdge()

		case v, ok := <-onProfileCh:
			if !ok {
				onProfileCh = nil
				continue
			}
			onProfile = v
			gateEdge()

		case r, ok := <-rideCh:
			if !ok {
				rideCh = nil
				continue
			}
			rideState = r
			gateEdge()

		case cfg, ok := <-settingsCh:
			if !ok {
				return
			}
			settings = cfg
			gateEdge()

		case p, ok := <-previewCh:
			if !ok {
				return
			}
			preview = p
			gateEdge()
		}
	}
}

func (s *Scheduler) rideChan(ctx context.Context, f func(context.Context) (<-chan bool, error)) <-chan bool {
	ch, err := f(ctx)
	if err != nil {
		log.WithError(err).Warnf("failed subscribing to host signal")
		return nil
	}
	return ch
}

func (s *Scheduler) rideStateChan(ctx context.Context) <-chan spintunes.RideState {
	ch, err := s.ride.RideState(ctx)
	if err != nil {
		log.WithError(err).Warnf("failed subscribing to ride state")
		return nil
	}
	return ch
}

// fetchWeb polls once and overwrites the network-derived state fields. A
// failed fetch only logs: transient errors must not flap the UI, the prior
// state stays visible until the next successful poll.
func (s *Scheduler) fetchWeb(ctx context.Context) {
	log.Debugf("getting player state")
	start := time.Now()

	resp, err := s.provider.Web().PlayerState(ctx)
	if err != nil {
		log.WithError(err).Errorf("failed to get player state")
		return
	}

	log.Debugf("got player state in %s", time.Since(start))

	s.ps.Update(func(st state.PlayerState) state.PlayerState {
		return mergeWebState(st, resp)
	})
}

func mergeWebState(st state.PlayerState, resp *webapi.PlaybackState) state.PlayerState {
	next := state.PlayerState{
		Initialized:     true,
		RequestsPending: st.RequestsPending,
	}

	if resp == nil {
		// no active player: keep whatever error is already displayed
		next.Err = st.Err
		return next
	}

	if t, ok := spintunes.PlaybackTypeFromString(resp.CurrentlyPlayingType); ok {
		next.Type = &t
	}

	if item := resp.Item; item != nil {
		next.TrackName = state.Ptr(item.Name)
		next.TrackID = state.Ptr(item.Id)
		next.TrackURI = state.Ptr(item.Uri)
		next.DurationMs = state.Ptr(item.DurationMs)

		if len(item.Artists) > 0 {
			names := make([]string, 0, len(item.Artists))
			for _, a := range item.Artists {
				names = append(names, a.Name)
			}
			next.ArtistName = state.Ptr(strings.Join(names, ", "))
		}

		if item.Show != nil {
			next.ShowName = state.Ptr(item.Show.Name)
		}

		images := item.Images
		if len(images) == 0 && item.Album != nil {
			images = item.Album.Images
		}
		for _, img := range images {
			if img.Url != "" {
				next.ThumbnailURLs = append(next.ThumbnailURLs, img.Url)
			}
		}
	}

	next.Shuffling = resp.ShuffleState
	if r, ok := spintunes.RepeatStateFromString(resp.RepeatState); ok {
		next.Repeat = &r
	}
	next.Playing = state.Ptr(resp.IsPlaying)
	next.ProgressMs = resp.ProgressMs

	disabled := map[spintunes.PlayerAction]bool{}
	if resp.Device != nil {
		disabled[spintunes.ActionSetVolume] = !resp.Device.SupportsVolume

		if resp.Device.VolumePercent != nil {
			vol := float64(*resp.Device.VolumePercent) / 100
			if vol < 0 {
				vol = 0
			} else if vol > 1 {
				vol = 1
			}
			next.Volume = &vol
		}
	}
	if resp.Actions != nil && resp.Actions.Disallows != nil {
		d := resp.Actions.Disallows
		setIf := func(action spintunes.PlayerAction, v *bool) {
			if v != nil {
				disabled[action] = *v
			}
		}
		setIf(spintunes.ActionPause, d.Pausing)
		setIf(spintunes.ActionPlay, d.Resuming)
		setIf(spintunes.ActionSeek, d.Seeking)
		setIf(spintunes.ActionSkipNext, d.SkippingNext)
		setIf(spintunes.ActionSkipPrevious, d.SkippingPrev)
		setIf(spintunes.ActionToggleRepeat, d.TogglingRepeatContext)
		setIf(spintunes.ActionToggleRepeat, d.TogglingRepeatTrack)
		setIf(spintunes.ActionToggleShuffle, d.TogglingShuffle)
	}
	next.DisabledActions = disabled

	return next
}

func (s *Scheduler) applyLocal(ev local.StateEvent) {
	var volume *float64
	if vol, err := s.provider.Local().Volume(); err == nil {
		volume = &vol
	} else {
		log.WithError(err).Debugf("failed reading device volume")
	}

	s.ps.Update(func(st state.PlayerState) state.PlayerState {
		next := state.PlayerState{
			Initialized:     true,
			LocalPlayer:     true,
			RequestsPending: st.RequestsPending,
			Volume:          volume,
			Shuffling:       state.Ptr(ev.Shuffling),
			ProgressMs:      state.Ptr(ev.PositionMs),
			DisabledActions: map[spintunes.PlayerAction]bool{
				spintunes.ActionSetVolume: false,
			},
		}

		if r, ok := spintunes.RepeatStateFromInt(ev.RepeatMode); ok {
			next.Repeat = &r
		}

		if track := ev.Track; track != nil {
			t := spintunes.PlaybackTypeTrack
			if track.IsEpisode {
				t = spintunes.PlaybackTypeEpisode
			}
			next.Type = &t

			next.TrackName = state.Ptr(track.Name)
			next.TrackURI = state.Ptr(track.Uri)
			next.DurationMs = state.Ptr(track.DurationMs)
			next.Playing = state.Ptr(!ev.Paused)

			if len(track.Artists) > 0 {
				next.ArtistName = state.Ptr(strings.Join(track.Artists, ", "))
			}
			if track.IsEpisode || track.IsPodcast {
				next.ShowName = state.Ptr(track.AlbumName)
			}
			if track.ImageUri != "" {
				next.ThumbnailURLs = []string{track.ImageUri}
			}
		}

		return next
	})
}
