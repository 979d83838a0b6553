// Package webapi is the cloud backend: playback control and paged browsing
// over the bearer-authorized REST API.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/auth"
	"github.com/spintunes/go-spintunes/respcache"
	"github.com/spintunes/go-spintunes/transport"
)

const pageLimit = 50

// Authorizer is the serialized authorized-request path. Satisfied by
// *auth.OAuth2Client.
type Authorizer interface {
	AuthorizedRequest(ctx context.Context, method, url string, opts ...auth.RequestOption) (*transport.Response, error)
}

// Client implements spintunes.Client against the web API. Control failures
// are surfaced as a device alert and returned; browsing reads go through the
// response cache.
type Client struct {
	baseUrl  string
	authz    Authorizer
	cache    *respcache.Cache
	notifier spintunes.Notifier
}

func NewClient(baseUrl string, authz Authorizer, cache *respcache.Cache, notifier spintunes.Notifier) *Client {
	return &Client{
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		authz:    authz,
		cache:    cache,
		notifier: notifier,
	}
}

func (c *Client) showError(title string, err error) error {
	log.WithError(err).Errorf("%s failed", title)
	if c.notifier != nil {
		c.notifier.Alert(title, err.Error())
	}
	return err
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.authz.AuthorizedRequest(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed decoding response: %w", err)
	}
	return nil
}

func (c *Client) Play(ctx context.Context, req *spintunes.PlayRequest) error {
	var opts []auth.RequestOption
	if req != nil {
		body := playRequestBody{ContextUri: req.ContextUri, Uris: req.Uris}
		if req.OffsetPos != nil {
			body.Offset = &requestOffset{Position: *req.OffsetPos}
		}

		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed marshalling play request: %w", err)
		}
		opts = append(opts, auth.WithBody(data), auth.WithHeader("Content-Type", "application/json"))
	}

	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, c.baseUrl+"/me/player/play", opts...); err != nil {
		return c.showError("Play", err)
	}
	return nil
}

func (c *Client) Pause(ctx context.Context) error {
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, c.baseUrl+"/me/player/pause"); err != nil {
		return c.showError("Pause", err)
	}
	return nil
}

func (c *Client) Next(ctx context.Context) error {
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPost, c.baseUrl+"/me/player/next"); err != nil {
		return c.showError("Change track", err)
	}
	return nil
}

func (c *Client) Previous(ctx context.Context) error {
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPost, c.baseUrl+"/me/player/previous"); err != nil {
		return c.showError("Change track", err)
	}
	return nil
}

func (c *Client) Seek(ctx context.Context, positionMs int) error {
	url := fmt.Sprintf("%s/me/player/seek?position_ms=%d", c.baseUrl, positionMs)
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, url); err != nil {
		return c.showError("Seek", err)
	}
	return nil
}

func (c *Client) SetShuffle(ctx context.Context, shuffle bool) error {
	url := fmt.Sprintf("%s/me/player/shuffle?state=%t", c.baseUrl, shuffle)
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, url); err != nil {
		return c.showError("Toggle Shuffle", err)
	}
	return nil
}

func (c *Client) SetRepeat(ctx context.Context, repeat spintunes.RepeatState) error {
	url := fmt.Sprintf("%s/me/player/repeat?state=%s", c.baseUrl, repeat)
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, url); err != nil {
		return c.showError("Toggle Repeat", err)
	}
	return nil
}

func (c *Client) SetVolume(ctx context.Context, volume float64) error {
	percent := int(math.Round(volume * 100))
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	url := fmt.Sprintf("%s/me/player/volume?volume_percent=%d", c.baseUrl, percent)
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, url); err != nil {
		return c.showError("Volume Control", err)
	}
	return nil
}

func (c *Client) AddToQueue(ctx context.Context, uri string) error {
	reqUrl := fmt.Sprintf("%s/me/player/queue?uri=%s", c.baseUrl, url.QueryEscape(uri))
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPost, reqUrl); err != nil {
		return c.showError("Add To Queue", err)
	}
	return nil
}

func (c *Client) AddToLibrary(ctx context.Context, ids []string) error {
	reqUrl := fmt.Sprintf("%s/me/tracks/?ids=%s", c.baseUrl, url.QueryEscape(strings.Join(ids, ",")))
	if _, err := c.authz.AuthorizedRequest(ctx, http.MethodPut, reqUrl); err != nil {
		return c.showError("Add To Library", err)
	}
	return nil
}

// PlayerState fetches the current playback state. The pending indicator is
// suppressed since this runs on every scheduler tick. A 204/404 means no
// active player and yields a nil state without error.
func (c *Client) PlayerState(ctx context.Context) (*PlaybackState, error) {
	resp, err := c.authz.AuthorizedRequest(ctx, http.MethodGet,
		c.baseUrl+"/me/player?additional_types=episode", auth.WithoutPending())
	if err != nil {
		var httpErr *auth.HttpError
		if errors.As(err, &httpErr) && (httpErr.Status == http.StatusNoContent || httpErr.Status == http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var ps PlaybackState
	if err := json.Unmarshal(resp.Body, &ps); err != nil {
		return nil, fmt.Errorf("failed decoding playback state: %w", err)
	}
	return &ps, nil
}

func (c *Client) PlayerQueue(ctx context.Context) (*QueueResponse, error) {
	var out QueueResponse
	if err := c.getJSON(ctx, c.baseUrl+"/me/player/queue", &out); err != nil {
		return nil, c.showError("Queue", err)
	}
	return &out, nil
}

func (c *Client) Search(ctx context.Context, q string) (*SearchResponse, error) {
	var out SearchResponse
	reqUrl := fmt.Sprintf("%s/search?q=%s&type=track", c.baseUrl, url.QueryEscape(q))
	if err := c.getJSON(ctx, reqUrl, &out); err != nil {
		return nil, c.showError("Search", err)
	}
	return &out, nil
}

func (c *Client) Playlist(ctx context.Context, playlistId string) (*Playlist, error) {
	var out Playlist
	if err := c.getJSON(ctx, fmt.Sprintf("%s/playlists/%s", c.baseUrl, playlistId), &out); err != nil {
		return nil, c.showError("Playlist", err)
	}
	return &out, nil
}

func (c *Client) Playlists(ctx context.Context, offset int) (*PlaylistsResponse, error) {
	out, err := respcache.Read(c.cache, "playlists", offset, func(offset int) (*PlaylistsResponse, error) {
		var resp PlaylistsResponse
		reqUrl := fmt.Sprintf("%s/me/playlists?limit=%d&offset=%d", c.baseUrl, pageLimit, offset)
		if err := c.getJSON(ctx, reqUrl, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.showError("Playlists", err)
	}
	return out, nil
}

func (c *Client) PlaylistItems(ctx context.Context, playlistId string, offset int) (*PlaylistItemsResponse, error) {
	identifier := "playlist_items_" + playlistId
	out, err := respcache.Read(c.cache, identifier, offset, func(offset int) (*PlaylistItemsResponse, error) {
		var resp PlaylistItemsResponse
		reqUrl := fmt.Sprintf("%s/playlists/%s/tracks?offset=%d&limit=%d", c.baseUrl, playlistId, offset, pageLimit)
		if err := c.getJSON(ctx, reqUrl, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.showError("Playlist", err)
	}
	return out, nil
}

func (c *Client) LibraryItems(ctx context.Context, offset int) (*LibraryItemsResponse, error) {
	out, err := respcache.Read(c.cache, "library", offset, func(offset int) (*LibraryItemsResponse, error) {
		var resp LibraryItemsResponse
		reqUrl := fmt.Sprintf("%s/me/tracks?offset=%d&limit=%d", c.baseUrl, offset, pageLimit)
		if err := c.getJSON(ctx, reqUrl, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.showError("Library", err)
	}
	return out, nil
}

func (c *Client) SavedShows(ctx context.Context, offset int) (*ShowsResponse, error) {
	out, err := respcache.Read(c.cache, "shows", offset, func(offset int) (*ShowsResponse, error) {
		var resp ShowsResponse
		reqUrl := fmt.Sprintf("%s/me/shows?offset=%d&limit=%d", c.baseUrl, offset, pageLimit)
		if err := c.getJSON(ctx, reqUrl, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.showError("Shows", err)
	}
	return out, nil
}

func (c *Client) ShowEpisodes(ctx context.Context, showId string, offset int) (*EpisodesResponse, error) {
	identifier := "episodes_" + showId
	out, err := respcache.Read(c.cache, identifier, offset, func(offset int) (*EpisodesResponse, error) {
		var resp EpisodesResponse
		reqUrl := fmt.Sprintf("%s/shows/%s/episodes?offset=%d&limit=%d", c.baseUrl, showId, offset, pageLimit)
		if err := c.getJSON(ctx, reqUrl, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.showError("Episodes", err)
	}
	return out, nil
}

// SavedEpisodes is deliberately uncached: the saved list changes from other
// devices often enough that stale pages are more confusing than the refetch.
func (c *Client) SavedEpisodes(ctx context.Context, offset int) (*SavedEpisodesResponse, error) {
	var out SavedEpisodesResponse
	reqUrl := fmt.Sprintf("%s/me/episodes?offset=%d&limit=%d", c.baseUrl, offset, pageLimit)
	if err := c.getJSON(ctx, reqUrl, &out); err != nil {
		return nil, c.showError("Episodes", err)
	}
	return &out, nil
}

// Cache invalidation for pull-to-refresh.

func (c *Client) ClearPlaylists() error {
	return respcache.Clear[*PlaylistsResponse](c.cache, "playlists")
}

func (c *Client) ClearPlaylistItems(playlistId string) error {
	return respcache.Clear[*PlaylistItemsResponse](c.cache, "playlist_items_"+playlistId)
}

func (c *Client) ClearLibrary() error {
	return respcache.Clear[*LibraryItemsResponse](c.cache, "library")
}

func (c *Client) ClearShows() error {
	return respcache.Clear[*ShowsResponse](c.cache, "shows")
}

func (c *Client) ClearShowEpisodes(showId string) error {
	return respcache.Clear[*EpisodesResponse](c.cache, "episodes_"+showId)
}
