package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/transport"
)

// HostBridge talks to the companion process exposing the device's sensors
// and audio controls: speed and ride state arrive as a websocket event
// stream, alerts and mixer volume go over plain HTTP. It implements all the
// host-facing interfaces the engine depends on.
type HostBridge struct {
	url  string
	exec *transport.Executor

	// the last observed value per signal is replayed to new subscribers, so a
	// restarted consumer does not wait for the next transition on the wire
	mu          sync.Mutex
	speedSubs   map[chan float64]struct{}
	lastSpeed   *float64
	rideSubs    map[chan spintunes.RideState]struct{}
	lastRide    *spintunes.RideState
	visibleSubs map[chan bool]struct{}
	lastVisible *bool
	profileSubs map[chan bool]struct{}
	lastProfile *bool

	fastNetwork atomic.Bool
}

var (
	_ spintunes.SpeedSource = (*HostBridge)(nil)
	_ spintunes.RideMonitor = (*HostBridge)(nil)
	_ spintunes.Notifier    = (*HostBridge)(nil)
	_ spintunes.NetworkInfo = (*HostBridge)(nil)
	_ spintunes.AudioMixer  = (*HostBridge)(nil)
)

type hostEvent struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value,omitempty"`
	State     string  `json:"state,omitempty"`
	BoolValue bool    `json:"bool_value,omitempty"`
}

func NewHostBridge(url string, exec *transport.Executor) *HostBridge {
	return &HostBridge{
		url:         url,
		exec:        exec,
		speedSubs:   map[chan float64]struct{}{},
		rideSubs:    map[chan spintunes.RideState]struct{}{},
		visibleSubs: map[chan bool]struct{}{},
		profileSubs: map[chan bool]struct{}{},
	}
}

// Run keeps the event stream connected until ctx ends, reconnecting with
// exponential backoff.
func (b *HostBridge) Run(ctx context.Context) {
	for {
		err := backoff.Retry(func() error {
			return b.connectAndReceive(ctx)
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
		if ctx.Err() != nil {
			return
		}

		log.WithError(err).Warnf("host bridge stream failed, reconnecting")
	}
}

func (b *HostBridge) connectAndReceive(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := websocket.Dial(dialCtx, b.url+"/events", nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed connecting to host bridge: %w", err)
	}

	defer func() { _ = conn.Close(websocket.StatusGoingAway, "") }()

	log.Debugf("connected to host bridge at %s", b.url)

	for {
		var ev hostEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("failed reading host event: %w", err)
		}

		b.dispatch(ev)
	}
}

func (b *HostBridge) dispatch(ev hostEvent) {
	switch ev.Type {
	case "speed":
		b.mu.Lock()
		b.lastSpeed = &ev.Value
		for ch := range b.speedSubs {
			sendLatest(ch, ev.Value)
		}
		b.mu.Unlock()
	case "ride_state":
		state := spintunes.RideIdle
		switch ev.State {
		case "recording":
			state = spintunes.RideRecording
		case "paused":
			state = spintunes.RidePaused
		}

		b.mu.Lock()
		b.lastRide = &state
		for ch := range b.rideSubs {
			sendLatest(ch, state)
		}
		b.mu.Unlock()
	case "widget_visible":
		b.mu.Lock()
		b.lastVisible = &ev.BoolValue
		for ch := range b.visibleSubs {
			sendLatest(ch, ev.BoolValue)
		}
		b.mu.Unlock()
	case "widget_on_profile":
		b.mu.Lock()
		b.lastProfile = &ev.BoolValue
		for ch := range b.profileSubs {
			sendLatest(ch, ev.BoolValue)
		}
		b.mu.Unlock()
	case "network":
		b.fastNetwork.Store(ev.BoolValue)
	default:
		log.Debugf("ignoring unknown host event: %s", ev.Type)
	}
}

// sendLatest delivers on a buffered channel, dropping the stale value if the
// receiver has not caught up.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// subscribe registers a latest-wins channel, seeded with the last observed
// value when one exists.
func subscribe[T any](ctx context.Context, mu *sync.Mutex, subs map[chan T]struct{}, last **T) <-chan T {
	ch := make(chan T, 1)

	mu.Lock()
	subs[ch] = struct{}{}
	if v := *last; v != nil {
		ch <- *v
	}
	mu.Unlock()

	go func() {
		<-ctx.Done()
		mu.Lock()
		delete(subs, ch)
		mu.Unlock()
	}()

	return ch
}

func (b *HostBridge) Speed(ctx context.Context) (<-chan float64, error) {
	return subscribe(ctx, &b.mu, b.speedSubs, &b.lastSpeed), nil
}

func (b *HostBridge) RideState(ctx context.Context) (<-chan spintunes.RideState, error) {
	return subscribe(ctx, &b.mu, b.rideSubs, &b.lastRide), nil
}

func (b *HostBridge) WidgetVisible(ctx context.Context) (<-chan bool, error) {
	return subscribe(ctx, &b.mu, b.visibleSubs, &b.lastVisible), nil
}

func (b *HostBridge) WidgetOnProfile(ctx context.Context) (<-chan bool, error) {
	return subscribe(ctx, &b.mu, b.profileSubs, &b.lastProfile), nil
}

func (b *HostBridge) FastNetwork() bool {
	return b.fastNetwork.Load()
}

func (b *HostBridge) Alert(title, detail string) {
	body, _ := json.Marshal(map[string]string{"title": title, "detail": detail})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", b.url+"/alert", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warnf("failed building alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.exec.HTTPClient().Do(req)
	if err != nil {
		log.WithError(err).Warnf("failed dispatching alert")
		return
	}

	_ = resp.Body.Close()
}

func (b *HostBridge) Volume() (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", b.url+"/volume", nil)
	if err != nil {
		return 0, fmt.Errorf("failed building volume request: %w", err)
	}

	resp, err := b.exec.HTTPClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed getting device volume: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed getting device volume: status %d", resp.StatusCode)
	}

	var data struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, fmt.Errorf("failed decoding device volume: %w", err)
	}

	return data.Value, nil
}

func (b *HostBridge) SetVolume(volume float64) error {
	body, _ := json.Marshal(map[string]float64{"value": volume})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", b.url+"/volume", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed building volume request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.exec.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed setting device volume: %w", err)
	}

	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed setting device volume: status %d", resp.StatusCode)
	}

	return nil
}
