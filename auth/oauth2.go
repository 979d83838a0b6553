package auth

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/transport"
)

const defaultRetryAfter = 30 * time.Second

// HttpError carries the terminal status of a failed authorized request.
type HttpError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ClassifyError maps a request failure to its user-facing form. It is a pure
// function of the status and message.
func ClassifyError(status int, msg string) *spintunes.PlayerError {
	switch status {
	case 0, -1:
		return &spintunes.PlayerError{Kind: "Offline", Message: "No internet connection"}
	case http.StatusNoContent, http.StatusNotFound:
		return &spintunes.PlayerError{Kind: "No player", Message: "No active player found"}
	default:
		if msg == "" {
			msg = "Unknown error"
		}
		return &spintunes.PlayerError{Kind: fmt.Sprintf("HTTP %d", status), Message: msg}
	}
}

// Config carries the OAuth2 endpoints used by the client.
type Config struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	RedirectURL string
	Scopes      []string
}

// OAuth2Client performs the PKCE exchange, token refresh and all authorized
// HTTP calls. Authorized calls are serialized through a single lock: the
// remote rate limits are per-account, so parallel requests only provoke 429s.
type OAuth2Client struct {
	conf  oauth2.Config
	store *Store
	exec  *transport.Executor
	ps    *state.Store

	// one verifier/state per process lifetime; a fresh authorization attempt
	// reuses them
	verifier  string
	authState string

	reqMu     sync.Mutex
	refreshMu sync.Mutex
}

func NewOAuth2Client(cfg Config, store *Store, exec *transport.Executor, ps *state.Store) *OAuth2Client {
	return &OAuth2Client{
		conf: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		store:     store,
		exec:      exec,
		ps:        ps,
		verifier:  oauth2.GenerateVerifier(),
		authState: oauth2.GenerateVerifier(),
	}
}

// AuthURL returns the browser URL starting the PKCE authorization flow.
func (c *OAuth2Client) AuthURL() string {
	return c.conf.AuthCodeURL(c.authState, oauth2.S256ChallengeOption(c.verifier))
}

// CheckState validates the anti-CSRF state of a redirect callback.
func (c *OAuth2Client) CheckState(got string) bool {
	return got == c.authState
}

func (c *OAuth2Client) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.exec.HTTPClient())
}

// ExchangeCode completes the PKCE flow. The obtained pair is persisted; a
// failed exchange clears any stored token so the user is sent back to login.
func (c *OAuth2Client) ExchangeCode(ctx context.Context, code string) (Token, error) {
	tok, err := c.conf.Exchange(c.httpCtx(ctx), code, oauth2.VerifierOption(c.verifier))
	if err != nil {
		_ = c.store.Clear()
		return Token{}, fmt.Errorf("failed exchanging code for token: %w", err)
	}

	pair := Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if err := c.store.Save(pair); err != nil {
		return Token{}, err
	}

	log.Infof("successfully exchanged code for token")
	return pair, nil
}

// refresh obtains a fresh token pair using the stored refresh token. It is
// single-flight: a caller that raced a refresh which already replaced the
// access token it had used reuses the fresh pair instead of refreshing again.
// An irrecoverable refresh failure clears the stored token.
func (c *OAuth2Client) refresh(ctx context.Context, usedAccessToken string) (Token, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur, ok := c.store.Token()
	if !ok {
		return Token{}, fmt.Errorf("no refresh token available")
	}
	if cur.AccessToken != usedAccessToken {
		// somebody else already refreshed while we were waiting
		return cur, nil
	}

	log.Infof("refreshing access token")

	src := c.conf.TokenSource(c.httpCtx(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		_ = c.store.Clear()
		return Token{}, fmt.Errorf("failed refreshing access token: %w", err)
	}

	next := Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	if err := c.store.Save(next); err != nil {
		return Token{}, err
	}
	return next, nil
}

// RequestOption tweaks a single authorized request.
type RequestOption func(*requestParams)

type requestParams struct {
	headers     map[string]string
	body        []byte
	queue       bool
	markPending bool
}

func WithBody(body []byte) RequestOption {
	return func(p *requestParams) { p.body = body }
}

func WithHeader(key, value string) RequestOption {
	return func(p *requestParams) { p.headers[key] = value }
}

// Queued marks the request as queueable on the host bridge, exempting it from
// the request timeout.
func Queued() RequestOption {
	return func(p *requestParams) { p.queue = true }
}

// WithoutPending suppresses the pending-request counter, used by background
// polls that must not light up the busy indicator.
func WithoutPending() RequestOption {
	return func(p *requestParams) { p.markPending = false }
}

// AuthorizedRequest performs one bearer-authorized call. On 401 it refreshes
// the token once and retries; 429 responses are retried transparently after
// the server-provided delay. Any terminal failure is classified into the
// player state error field and returned as *HttpError.
func (c *OAuth2Client) AuthorizedRequest(ctx context.Context, method, url string, opts ...RequestOption) (*transport.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	params := requestParams{headers: map[string]string{}, markPending: true}
	for _, opt := range opts {
		opt(&params)
	}

	if params.markPending {
		c.ps.Update(func(s state.PlayerState) state.PlayerState {
			s.RequestsPending++
			return s
		})
		defer c.ps.Update(func(s state.PlayerState) state.PlayerState {
			s.RequestsPending--
			return s
		})
	}

	resp, err := c.authorizedRequest(ctx, method, url, &params)
	if err != nil {
		if httpErr, ok := err.(*HttpError); ok {
			log.WithError(err).Errorf("authorized %s %s failed", method, url)

			playerErr := ClassifyError(httpErr.Status, httpErr.Message)
			c.ps.Update(func(s state.PlayerState) state.PlayerState {
				s.Err = playerErr
				return s
			})
		}
		return nil, err
	}
	return resp, nil
}

func (c *OAuth2Client) authorizedRequest(ctx context.Context, method, url string, params *requestParams) (*transport.Response, error) {
	for {
		tok, ok := c.store.Token()
		if !ok {
			return nil, fmt.Errorf("no token available")
		}

		headers := map[string]string{
			"Authorization":   "Bearer " + tok.AccessToken,
			"Accept-Encoding": "gzip",
		}
		for k, v := range params.headers {
			headers[k] = v
		}

		resp := c.exec.Do(ctx, transport.Request{
			Method:  method,
			URL:     url,
			Headers: headers,
			Body:    params.body,
			Queue:   params.queue,
		})

		if resp.StatusCode == http.StatusUnauthorized {
			newTok, err := c.refresh(ctx, tok.AccessToken)
			if err != nil {
				return nil, err
			}

			headers["Authorization"] = "Bearer " + newTok.AccessToken
			resp = c.exec.Do(ctx, transport.Request{
				Method:  method,
				URL:     url,
				Headers: headers,
				Body:    params.body,
				Queue:   params.queue,
			})
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := defaultRetryAfter
			if v := resp.Headers.Get("Retry-After"); v != "" {
				if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			}

			log.Warnf("rate limited, waiting %s before retrying %s %s", retryAfter, method, url)

			select {
			case <-time.After(retryAfter):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode == 0 || resp.StatusCode == -1 {
			// a cancelled caller is not a network failure, nothing to report
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			msg := resp.Err
			if msg == "" {
				msg = "Network unavailable"
			}
			return nil, &HttpError{Status: resp.StatusCode, Message: msg}
		}

		if len(resp.Body) > 0 {
			resp.Body = decompress(resp.Body)
		}

		if resp.StatusCode == http.StatusNoContent || resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Err != "" {
			return nil, &HttpError{Status: resp.StatusCode, Message: resp.Err, Body: resp.Body}
		}

		return resp, nil
	}
}

// decompress gunzips a response body, returning it untouched if it is not
// actually compressed.
func decompress(body []byte) []byte {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer func() { _ = r.Close() }()

	plain, err := io.ReadAll(r)
	if err != nil {
		log.WithError(err).Warnf("failed decompressing response, assuming it is uncompressed")
		return body
	}

	log.Debugf("decompressed response from %d bytes to %d bytes", len(body), len(plain))
	return plain
}
