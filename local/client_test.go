package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	spintunes "github.com/spintunes/go-spintunes"
)

type stubMixer struct {
	mu  sync.Mutex
	vol float64
}

func (m *stubMixer) Volume() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vol, nil
}

func (m *stubMixer) SetVolume(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vol = v
	return nil
}

// fakeRemote is an in-process companion remote speaking the websocket
// protocol; received command frames are collected for assertions.
type fakeRemote struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []rawMessage
	reject   bool
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	r := &fakeRemote{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}

		ctx := context.Background()

		var hello rawMessage
		if err := wsjson.Read(ctx, conn, &hello); err != nil || hello.Type != "hello" {
			_ = conn.Close(websocket.StatusPolicyViolation, "")
			return
		}

		reply := rawMessage{Type: "hello", Ok: true}
		if r.reject {
			reply.Ok = false
			reply.Error = "unauthorized"
		}
		if err := wsjson.Write(ctx, conn, &reply); err != nil || r.reject {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()

		for {
			var msg rawMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}

			switch msg.Type {
			case "command":
				r.mu.Lock()
				r.commands = append(r.commands, msg)
				r.mu.Unlock()
			case "image":
				_ = wsjson.Write(ctx, conn, &rawMessage{Type: "image", Id: msg.Id, Data: []byte("image-bytes")})
			}
		}
	}))
	t.Cleanup(r.server.Close)

	return r
}

func (r *fakeRemote) url() string {
	return strings.Replace(r.server.URL, "http", "ws", 1)
}

func (r *fakeRemote) push(ev StateEvent) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	return wsjson.Write(context.Background(), conn, &rawMessage{Type: "state", State: &ev})
}

func (r *fakeRemote) received() []rawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rawMessage(nil), r.commands...)
}

func TestConnectHandshakeAndStatePush(t *testing.T) {
	remote := newFakeRemote(t)
	c := NewClient(remote.url(), "test-client", &stubMixer{})

	health, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthConnected, health.State)
	assert.Equal(t, HealthConnected, c.Health().State)

	require.NoError(t, remote.push(StateEvent{
		Track:      &TrackInfo{Name: "Pushed Track", Uri: "spotify:track:x", DurationMs: 1000},
		PositionMs: 250,
	}))

	select {
	case ev := <-c.States():
		require.NotNil(t, ev.Track)
		assert.Equal(t, "Pushed Track", ev.Track.Name)
		assert.Equal(t, 250, ev.PositionMs)
	case <-time.After(2 * time.Second):
		t.Fatal("no state event received")
	}

	require.NoError(t, c.Disconnect())
	assert.Equal(t, HealthIdle, c.Health().State)
}

func TestConnectRejectedHandshake(t *testing.T) {
	remote := newFakeRemote(t)
	remote.reject = true

	c := NewClient(remote.url(), "test-client", &stubMixer{})

	health, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, HealthFailed, health.State)
	assert.Equal(t, "unauthorized", health.Reason)
}

func TestConnectRefusedMeansNotInstalled(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "test-client", &stubMixer{})

	health, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, HealthNotInstalled, health.State)
}

func TestCommands(t *testing.T) {
	remote := newFakeRemote(t)
	c := NewClient(remote.url(), "test-client", &stubMixer{})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = c.Disconnect() }()

	ctx := context.Background()
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Seek(ctx, 30000))
	require.NoError(t, c.SetRepeat(ctx, spintunes.RepeatTrack))

	require.Eventually(t, func() bool {
		return len(remote.received()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cmds := remote.received()
	assert.Equal(t, "pause", cmds[0].Command)
	assert.Equal(t, "seek", cmds[1].Command)
	assert.Equal(t, "repeat", cmds[2].Command)
}

func TestCommandWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "test-client", &stubMixer{})
	assert.Error(t, c.Pause(context.Background()))
}

func TestReadImage(t *testing.T) {
	remote := newFakeRemote(t)
	c := NewClient(remote.url(), "test-client", &stubMixer{})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = c.Disconnect() }()

	data, err := c.ReadImage(context.Background(), "spotify:image:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestSetVolumeClampsThroughMixer(t *testing.T) {
	mixer := &stubMixer{}
	c := NewClient("ws://127.0.0.1:1", "test-client", mixer)

	require.NoError(t, c.SetVolume(context.Background(), 1.5))
	vol, err := c.Volume()
	require.NoError(t, err)
	assert.Equal(t, 1.0, vol)

	require.NoError(t, c.SetVolume(context.Background(), -0.2))
	vol, err = c.Volume()
	require.NoError(t, err)
	assert.Equal(t, 0.0, vol)
}
