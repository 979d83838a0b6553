package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/auth"
	"github.com/spintunes/go-spintunes/respcache"
	"github.com/spintunes/go-spintunes/transport"
)

// stubAuthorizer replays canned responses and records every request.
type stubAuthorizer struct {
	mu        sync.Mutex
	responses map[string]*transport.Response
	err       error

	methods []string
	urls    []string
}

func (s *stubAuthorizer) AuthorizedRequest(ctx context.Context, method, url string, opts ...auth.RequestOption) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.methods = append(s.methods, method)
	s.urls = append(s.urls, url)

	if s.err != nil {
		return nil, s.err
	}
	if resp, ok := s.responses[url]; ok {
		return resp, nil
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte("{}")}, nil
}

func (s *stubAuthorizer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Alert(title, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func newTestClient(t *testing.T, authz Authorizer, notifier spintunes.Notifier) *Client {
	t.Helper()

	cache, err := respcache.New(t.TempDir(), respcache.DefaultTTL)
	require.NoError(t, err)
	return NewClient("https://api.example/v1", authz, cache, notifier)
}

func TestControlEndpoints(t *testing.T) {
	authz := &stubAuthorizer{}
	c := newTestClient(t, authz, nil)
	ctx := context.Background()

	require.NoError(t, c.Play(ctx, &spintunes.PlayRequest{ContextUri: "spotify:playlist:p1"}))
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Next(ctx))
	require.NoError(t, c.Seek(ctx, 30000))
	require.NoError(t, c.SetShuffle(ctx, true))
	require.NoError(t, c.SetRepeat(ctx, spintunes.RepeatContext))

	urls := authz.requests()
	require.Len(t, urls, 6)
	assert.Contains(t, urls[0], "/me/player/play")
	assert.Contains(t, urls[1], "/me/player/pause")
	assert.Contains(t, urls[2], "/me/player/next")
	assert.Contains(t, urls[3], "/me/player/seek?position_ms=30000")
	assert.Contains(t, urls[4], "/me/player/shuffle?state=true")
	assert.Contains(t, urls[5], "/me/player/repeat?state=context")
}

func TestPlayerStateNoActivePlayer(t *testing.T) {
	authz := &stubAuthorizer{err: &auth.HttpError{Status: http.StatusNoContent}}
	c := newTestClient(t, authz, nil)

	st, err := c.PlayerState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPlayerStateDecodes(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"is_playing": true,
		"item":       map[string]any{"name": "A Track"},
	})
	require.NoError(t, err)

	authz := &stubAuthorizer{responses: map[string]*transport.Response{
		"https://api.example/v1/me/player?additional_types=episode": {StatusCode: http.StatusOK, Body: body},
	}}
	c := newTestClient(t, authz, nil)

	st, err := c.PlayerState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.IsPlaying)
	require.NotNil(t, st.Item)
	assert.Equal(t, "A Track", st.Item.Name)
}

func TestPlaylistsAreCachedPerOffset(t *testing.T) {
	authz := &stubAuthorizer{}
	c := newTestClient(t, authz, nil)
	ctx := context.Background()

	_, err := c.Playlists(ctx, 0)
	require.NoError(t, err)
	_, err = c.Playlists(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, authz.requests(), 1)

	_, err = c.Playlists(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, authz.requests(), 2)
}

func TestClearPlaylistsInvalidates(t *testing.T) {
	authz := &stubAuthorizer{}
	c := newTestClient(t, authz, nil)
	ctx := context.Background()

	_, err := c.Playlists(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, c.ClearPlaylists())

	_, err = c.Playlists(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, authz.requests(), 2)
}

func TestSavedEpisodesNotCached(t *testing.T) {
	authz := &stubAuthorizer{}
	c := newTestClient(t, authz, nil)
	ctx := context.Background()

	_, err := c.SavedEpisodes(ctx, 0)
	require.NoError(t, err)
	_, err = c.SavedEpisodes(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, authz.requests(), 2)
}

func TestControlFailureRaisesAlert(t *testing.T) {
	authz := &stubAuthorizer{err: &auth.HttpError{Status: http.StatusForbidden, Message: "Premium required"}}
	notifier := &recordingNotifier{}
	c := newTestClient(t, authz, notifier)

	err := c.Pause(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"Pause"}, notifier.titles)
}
