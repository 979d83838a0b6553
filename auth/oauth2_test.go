package auth

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/transport"
)

func newTestClient(t *testing.T, tokenURL string, tok Token) (*OAuth2Client, *state.Store) {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save(tok))

	ps := state.NewStore()
	c := NewOAuth2Client(Config{
		ClientID: "test-client",
		AuthURL:  tokenURL + "/authorize",
		TokenURL: tokenURL + "/token",
	}, store, transport.NewExecutor(nil), ps)

	return c, ps
}

func serveToken(w http.ResponseWriter, accessToken string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"` + accessToken + `","token_type":"Bearer","refresh_token":"refresh-2","expires_in":3600}`))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		status   int
		msg      string
		wantKind string
		wantMsg  string
	}{
		{0, "connection refused", "Offline", "No internet connection"},
		{-1, "", "Offline", "No internet connection"},
		{204, "", "No player", "No active player found"},
		{404, "not found", "No player", "No active player found"},
		{500, "Timeout", "HTTP 500", "Timeout"},
		{403, "", "HTTP 403", "Unknown error"},
	}

	for _, tt := range tests {
		got := ClassifyError(tt.status, tt.msg)
		assert.Equal(t, tt.wantKind, got.Kind, "status %d", tt.status)
		assert.Equal(t, tt.wantMsg, got.Message, "status %d", tt.status)
	}
}

func TestAuthorizedRequestRefreshesOn401(t *testing.T) {
	var refreshes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		serveToken(w, "access-2")
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	resp, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), refreshes.Load())

	// the refreshed pair must be persisted
	tok, ok := c.store.Token()
	require.True(t, ok)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "refresh-2", tok.RefreshToken)
}

func TestRefreshSingleFlight(t *testing.T) {
	var refreshes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		serveToken(w, "access-2")
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	first, err := c.refresh(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", first.AccessToken)

	// a caller that used the already replaced token gets the fresh pair
	// without a second round trip
	second, err := c.refresh(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", second.AccessToken)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestAuthorizedRequestRetriesOn429(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	start := time.Now()
	resp, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestAuthorizedRequestPendingCounter(t *testing.T) {
	var observed atomic.Int32

	var ps *state.Store
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		observed.Store(int32(ps.Get().RequestsPending))
		_, _ = w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, store := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})
	ps = store

	_, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.NoError(t, err)
	assert.Equal(t, int32(1), observed.Load())
	assert.Equal(t, 0, ps.Get().RequestsPending)

	_, err = c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me", WithoutPending())
	require.NoError(t, err)
	assert.Equal(t, int32(0), observed.Load())
}

func TestAuthorizedRequestGzip(t *testing.T) {
	plain := []byte(`{"name":"compressed"}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(plain)
		_ = zw.Close()

		_, _ = w.Write(buf.Bytes())
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	resp, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.NoError(t, err)
	assert.Equal(t, plain, resp.Body)
}

func TestAuthCodeFlowEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "good-code", r.FormValue("code"))
		assert.NotEmpty(t, r.FormValue("code_verifier"))
		serveToken(w, "access-1")
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	store, err := NewStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, err)
	_, ok := store.Token()
	require.False(t, ok)

	c := NewOAuth2Client(Config{
		ClientID:    "test-client",
		AuthURL:     server.URL + "/authorize",
		TokenURL:    server.URL + "/token",
		RedirectURL: "spintunes://oauth2redirect",
	}, store, transport.NewExecutor(nil), state.NewStore())

	authURL := c.AuthURL()
	assert.Contains(t, authURL, "code_challenge=")
	assert.Contains(t, authURL, "code_challenge_method=S256")

	// the redirect callback echoes the state value embedded in the auth URL
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.True(t, c.CheckState(parsed.Query().Get("state")))
	assert.False(t, c.CheckState("forged"))

	tok, err := c.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	stored, ok := store.Token()
	require.True(t, ok)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-2", stored.RefreshToken)

	// no further user interaction needed
	resp, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthorizedRequestCanceledIsNotClassified(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	defer close(release)

	c, ps := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.AuthorizedRequest(ctx, "GET", server.URL+"/me")
	require.ErrorIs(t, err, context.Canceled)

	// a caller going away must not flash "Offline" at the rider
	assert.Nil(t, ps.Get().Err)
}

func TestAuthorizedRequestRecordsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c, ps := newTestClient(t, server.URL, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})

	_, err := c.AuthorizedRequest(context.Background(), "GET", server.URL+"/me")
	require.Error(t, err)

	var httpErr *HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)

	recorded := ps.Get().Err
	require.NotNil(t, recorded)
	assert.Equal(t, "No player", recorded.Kind)
}
