// Package local wraps the companion app's remote over a websocket. The remote
// pushes player state continuously; volume is controlled through the device's
// own audio stream, not the remote.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/config"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	imageTimeout  = 30 * time.Second
	probeInterval = time.Minute
)

// HealthState follows the lifecycle of the remote connection.
type HealthState int

const (
	HealthIdle HealthState = iota
	HealthConnecting
	HealthConnected
	HealthFailed
	HealthNotInstalled
)

func (h HealthState) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthFailed:
		return "failed"
	case HealthNotInstalled:
		return "not_installed"
	default:
		return "idle"
	}
}

// ConnectionHealth is the selector's view of the local backend.
type ConnectionHealth struct {
	State  HealthState
	Reason string
}

// Client is the local backend implementation of spintunes.Client.
type Client struct {
	url      string
	clientId string
	mixer    spintunes.AudioMixer

	// mu guards the connection and the pending image reads against races
	// between teardown and in-flight commands.
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan *rawMessage
	nextId  int64

	states chan StateEvent

	healthMu   sync.Mutex
	health     ConnectionHealth
	healthSubs map[chan ConnectionHealth]struct{}
}

func NewClient(url, clientId string, mixer spintunes.AudioMixer) *Client {
	return &Client{
		url:        url,
		clientId:   clientId,
		mixer:      mixer,
		pending:    map[int64]chan *rawMessage{},
		states:     make(chan StateEvent, 16),
		healthSubs: map[chan ConnectionHealth]struct{}{},
	}
}

// States returns the push-based player state stream. Events arriving faster
// than the consumer drains them displace the oldest buffered event.
func (c *Client) States() <-chan StateEvent {
	return c.states
}

func (c *Client) Health() ConnectionHealth {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.health
}

// HealthWatch returns a latest-wins channel of health transitions, starting
// with the current value.
func (c *Client) HealthWatch(ctx context.Context) <-chan ConnectionHealth {
	ch := make(chan ConnectionHealth, 1)

	c.healthMu.Lock()
	c.healthSubs[ch] = struct{}{}
	ch <- c.health
	c.healthMu.Unlock()

	go func() {
		<-ctx.Done()

		c.healthMu.Lock()
		delete(c.healthSubs, ch)
		close(ch)
		c.healthMu.Unlock()
	}()

	return ch
}

func (c *Client) setHealth(h ConnectionHealth) {
	c.healthMu.Lock()
	if c.health == h {
		c.healthMu.Unlock()
		return
	}
	c.health = h

	log.Debugf("local remote connection state: %s", h.State)

	for ch := range c.healthSubs {
		select {
		case ch <- h:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- h:
			default:
			}
		}
	}
	c.healthMu.Unlock()
}

// Connect dials the companion remote and performs the hello handshake. It is
// a no-op while already connected. A refused dial means the companion app is
// not installed on this device.
func (c *Client) Connect(ctx context.Context) (ConnectionHealth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return ConnectionHealth{State: HealthConnected}, nil
	}

	c.setHealth(ConnectionHealth{State: HealthConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{})
	if err != nil {
		health := ConnectionHealth{State: HealthFailed, Reason: err.Error()}
		if isRefused(err) {
			health = ConnectionHealth{State: HealthNotInstalled}
		}

		c.setHealth(health)
		return health, fmt.Errorf("failed dialing local remote: %w", err)
	}

	conn.SetReadLimit(math.MaxInt32)

	if err := wsjson.Write(dialCtx, conn, &rawMessage{Type: "hello", ClientId: c.clientId}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		health := ConnectionHealth{State: HealthFailed, Reason: err.Error()}
		c.setHealth(health)
		return health, fmt.Errorf("failed sending hello: %w", err)
	}

	var reply rawMessage
	if err := wsjson.Read(dialCtx, conn, &reply); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		health := ConnectionHealth{State: HealthFailed, Reason: err.Error()}
		c.setHealth(health)
		return health, fmt.Errorf("failed reading hello reply: %w", err)
	}

	if reply.Type != "hello" || !reply.Ok {
		reason := reply.Error
		if reason == "" {
			reason = "handshake rejected"
		}

		_ = conn.Close(websocket.StatusPolicyViolation, "")
		health := ConnectionHealth{State: HealthFailed, Reason: reason}
		c.setHealth(health)
		return health, fmt.Errorf("local remote rejected handshake: %s", reason)
	}

	c.conn = conn
	c.setHealth(ConnectionHealth{State: HealthConnected})
	go c.recvLoop(conn)

	log.Infof("connected to local remote at %s", c.url)
	return ConnectionHealth{State: HealthConnected}, nil
}

// Disconnect tears the connection down. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.setHealth(ConnectionHealth{State: HealthIdle})
		return nil
	}

	err := c.conn.Close(websocket.StatusGoingAway, "")
	c.conn = nil

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}

	c.setHealth(ConnectionHealth{State: HealthIdle})
	return err
}

func (c *Client) recvLoop(conn *websocket.Conn) {
	for {
		var msg rawMessage
		if err := wsjson.Read(context.Background(), conn, &msg); err != nil {
			c.mu.Lock()
			stillCurrent := c.conn == conn
			c.mu.Unlock()

			if stillCurrent {
				if websocket.CloseStatus(err) != websocket.StatusGoingAway {
					log.WithError(err).Errorf("local remote connection lost")
				}

				_ = c.Disconnect()
				c.setHealth(ConnectionHealth{State: HealthFailed, Reason: err.Error()})
			}
			return
		}

		switch msg.Type {
		case "state":
			if msg.State == nil {
				continue
			}

			// displace the oldest event rather than blocking the reader
			select {
			case c.states <- *msg.State:
			default:
				select {
				case <-c.states:
				default:
				}
				select {
				case c.states <- *msg.State:
				default:
				}
			}
		case "image":
			c.mu.Lock()
			ch, ok := c.pending[msg.Id]
			if ok {
				delete(c.pending, msg.Id)
			}
			c.mu.Unlock()

			if ok {
				ch <- &msg
			}
		default:
			log.Warnf("unknown local remote message type: %s", msg.Type)
		}
	}
}

// Maintain keeps the connection alive while the prefer-local setting is on,
// reconnecting with exponential backoff and probing periodically. Toggling
// the setting off disconnects.
func (c *Client) Maintain(ctx context.Context, settings *config.Store) {
	watch := settings.Watch(ctx)

	preferLocal := false
	bo := backoff.NewExponentialBackOff()

	for {
		var wait time.Duration
		if preferLocal {
			if _, err := c.Connect(ctx); err != nil {
				wait = bo.NextBackOff()
				log.WithError(err).Debugf("local remote connect failed, retrying in %s", wait)
			} else {
				bo.Reset()
				wait = probeInterval
			}
		}

		var timerCh <-chan time.Time
		var timer *time.Timer
		if preferLocal {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = c.Disconnect()
			return
		case s, ok := <-watch:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				_ = c.Disconnect()
				return
			}
			if s.PreferLocal != preferLocal {
				preferLocal = s.PreferLocal
				bo.Reset()
				if !preferLocal {
					if err := c.Disconnect(); err != nil {
						log.WithError(err).Warnf("failed disconnecting local remote")
					}
				}
			}
		case <-timerCh:
		}
	}
}

func (c *Client) command(ctx context.Context, command string, args any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("local remote not connected")
	}

	var rawArgs json.RawMessage
	if args != nil {
		var err error
		rawArgs, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed marshalling command args: %w", err)
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := wsjson.Write(writeCtx, c.conn, &rawMessage{Type: "command", Command: command, Args: rawArgs}); err != nil {
		return fmt.Errorf("failed sending %s command: %w", command, err)
	}
	return nil
}

// ReadImage fetches artwork through the remote's image API.
func (c *Client) ReadImage(ctx context.Context, uri string) ([]byte, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errors.New("local remote not connected")
	}

	c.nextId++
	id := c.nextId
	ch := make(chan *rawMessage, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, &rawMessage{Type: "image", Id: id, Uri: uri}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed requesting image: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok || msg == nil {
			return nil, errors.New("connection closed while reading image")
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("failed reading image: %s", msg.Error)
		}
		return msg.Data, nil
	case <-writeCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, writeCtx.Err()
	}
}

func (c *Client) Play(ctx context.Context, req *spintunes.PlayRequest) error {
	var uri string
	if req != nil {
		if req.ContextUri != "" {
			uri = req.ContextUri
		} else if len(req.Uris) > 0 {
			uri = req.Uris[0]
		}
	}
	return c.command(ctx, "play", playArgs{Uri: uri})
}

func (c *Client) Pause(ctx context.Context) error {
	return c.command(ctx, "pause", nil)
}

func (c *Client) Next(ctx context.Context) error {
	return c.command(ctx, "next", nil)
}

func (c *Client) Previous(ctx context.Context) error {
	return c.command(ctx, "previous", nil)
}

func (c *Client) Seek(ctx context.Context, positionMs int) error {
	return c.command(ctx, "seek", seekArgs{PositionMs: positionMs})
}

func (c *Client) SetShuffle(ctx context.Context, shuffle bool) error {
	return c.command(ctx, "shuffle", shuffleArgs{Shuffle: shuffle})
}

func (c *Client) SetRepeat(ctx context.Context, repeat spintunes.RepeatState) error {
	return c.command(ctx, "repeat", repeatArgs{Mode: int(repeat)})
}

func (c *Client) AddToQueue(ctx context.Context, uri string) error {
	return c.command(ctx, "queue", queueArgs{Uri: uri})
}

func (c *Client) AddToLibrary(ctx context.Context, ids []string) error {
	return c.command(ctx, "add_to_library", libraryArgs{Uris: ids})
}

// Volume reads the device audio stream volume, which the user may change
// out-of-band with a physical control.
func (c *Client) Volume() (float64, error) {
	return c.mixer.Volume()
}

// SetVolume drives the device audio stream, not the remote.
func (c *Client) SetVolume(_ context.Context, volume float64) error {
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	return c.mixer.SetVolume(volume)
}

// A refused dial means no companion app is listening on this device.
func isRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
