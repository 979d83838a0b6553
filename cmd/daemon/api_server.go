package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/auth"
	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/player"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/thumbs"
	"github.com/spintunes/go-spintunes/webapi"
)

const timeout = 10 * time.Second

// Relative volume steps are applied as-is on the web backend and halved on
// the local one, whose mixer is more sensitive.
const localVolumeStepFactor = 0.5

type ApiServer struct {
	allowOrigin string

	close    bool
	listener net.Listener

	provider *player.Provider
	web      *webapi.Client
	thumbs   *thumbs.Cache
	ps       *state.Store
	settings *config.Store
	preview  *player.PreviewMode
	oauth    *auth.OAuth2Client

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

func NewApiServer(address string, port int, allowOrigin string, provider *player.Provider, web *webapi.Client, thumbsCache *thumbs.Cache, ps *state.Store, settings *config.Store, preview *player.PreviewMode, oauth *auth.OAuth2Client) (_ *ApiServer, err error) {
	s := &ApiServer{
		allowOrigin: allowOrigin,
		provider:    provider,
		web:         web,
		thumbs:      thumbsCache,
		ps:          ps,
		settings:    settings,
		preview:     preview,
		oauth:       oauth,
	}

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	go s.serve()
	return s, nil
}

func (s *ApiServer) writeError(w http.ResponseWriter, err error) {
	var httpErr *auth.HttpError
	if errors.As(err, &httpErr) && httpErr.Status >= 400 {
		w.WriteHeader(httpErr.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": httpErr.Message})
		return
	}

	log.WithError(err).Errorf("failed handling api request")
	w.WriteHeader(http.StatusInternalServerError)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// command runs a playback control against the currently active backend. Web
// commands additionally mark the state as pending so the scheduler refreshes
// out of cycle to confirm the effect.
func (s *ApiServer) command(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, client spintunes.Client) error) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := fn(r.Context(), s.provider.ActiveClient()); err != nil {
		s.writeError(w, err)
		return
	}

	if !s.provider.IsLocal() {
		s.ps.Update(func(st state.PlayerState) state.PlayerState {
			st.CommandPending = true
			return st
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiServer) browse(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (any, error)) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	data, err := fn(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	respondJSON(w, data)
}

func queryOffset(r *http.Request) int {
	var offset int
	_, _ = fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &offset)
	if offset < 0 {
		offset = 0
	}
	return offset
}

func (s *ApiServer) serve() {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})

	m.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		respondJSON(w, NewApiPlayerState(s.ps.Get()))
	})

	m.HandleFunc("/player/play", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			ContextUri string   `json:"context_uri"`
			Uris       []string `json:"uris"`
			Offset     *int     `json:"offset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(data.ContextUri) == 0 && len(data.Uris) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Play(ctx, &spintunes.PlayRequest{
				ContextUri: data.ContextUri,
				Uris:       data.Uris,
				OffsetPos:  data.Offset,
			})
		})
	})
	m.HandleFunc("/player/resume", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Play(ctx, nil)
		})
	})
	m.HandleFunc("/player/pause", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Pause(ctx)
		})
	})
	m.HandleFunc("/player/playpause", func(w http.ResponseWriter, r *http.Request) {
		playing := false
		if p := s.ps.Get().Playing; p != nil {
			playing = *p
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			if playing {
				return client.Pause(ctx)
			}
			return client.Play(ctx, nil)
		})
	})
	m.HandleFunc("/player/next", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Next(ctx)
		})
	})
	m.HandleFunc("/player/prev", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Previous(ctx)
		})
	})
	m.HandleFunc("/player/seek", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			Position int  `json:"position"`
			Relative bool `json:"relative"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !data.Relative && data.Position < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		position := data.Position
		if data.Relative {
			st := s.ps.Get()
			var progress, duration int
			if st.ProgressMs != nil {
				progress = *st.ProgressMs
			}
			if st.DurationMs != nil {
				duration = *st.DurationMs
			}
			position = spintunes.ClampProgress(progress+data.Position, duration)
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.Seek(ctx, position)
		})
	})
	m.HandleFunc("/player/volume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			var value float64
			if v := s.ps.Get().Volume; v != nil {
				value = *v
			}
			respondJSON(w, map[string]float64{"value": value})
			return
		} else if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data struct {
			Volume   float64 `json:"volume"`
			Relative bool    `json:"relative"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !data.Relative && (data.Volume < 0 || data.Volume > 1) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		target := data.Volume
		if data.Relative {
			step := data.Volume
			if s.provider.IsLocal() {
				step *= localVolumeStepFactor
			}

			var current float64
			if v := s.ps.Get().Volume; v != nil {
				current = *v
			}

			target = current + step
			if target < 0 {
				target = 0
			} else if target > 1 {
				target = 1
			}
		}

		// unlike other local commands, a mixer change is not confirmed by the
		// push stream, so volume is marked pending on both backends
		if err := s.provider.ActiveClient().SetVolume(r.Context(), target); err != nil {
			s.writeError(w, err)
			return
		}

		s.ps.Update(func(st state.PlayerState) state.PlayerState {
			st.CommandPending = true
			st.Volume = &target
			return st
		})

		w.WriteHeader(http.StatusNoContent)
	})
	m.HandleFunc("/player/repeat", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		repeat, ok := spintunes.RepeatStateFromString(data.State)
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.SetRepeat(ctx, repeat)
		})
	})
	m.HandleFunc("/player/shuffle", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			Shuffle bool `json:"shuffle"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.SetShuffle(ctx, data.Shuffle)
		})
	})
	m.HandleFunc("/player/add_to_queue", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			Uri string `json:"uri"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(data.Uri) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			return client.AddToQueue(ctx, data.Uri)
		})
	})
	m.HandleFunc("/library/add", func(w http.ResponseWriter, r *http.Request) {
		var data struct {
			Ids []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(data.Ids) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.command(w, r, func(ctx context.Context, client spintunes.Client) error {
			if err := client.AddToLibrary(ctx, data.Ids); err != nil {
				return err
			}
			return s.web.ClearLibrary()
		})
	})

	m.HandleFunc("/player/queue", func(w http.ResponseWriter, r *http.Request) {
		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.PlayerQueue(ctx)
		})
	})
	m.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if len(q) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.Search(ctx, q)
		})
	})
	m.HandleFunc("/browse/playlists", func(w http.ResponseWriter, r *http.Request) {
		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.Playlists(ctx, queryOffset(r))
		})
	})
	m.HandleFunc("/browse/playlists/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/browse/playlists/")
		id, sub, _ := strings.Cut(rest, "/")
		if len(id) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch sub {
		case "":
			s.browse(w, r, func(ctx context.Context) (any, error) {
				return s.web.Playlist(ctx, id)
			})
		case "items":
			s.browse(w, r, func(ctx context.Context) (any, error) {
				return s.web.PlaylistItems(ctx, id, queryOffset(r))
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	m.HandleFunc("/browse/library", func(w http.ResponseWriter, r *http.Request) {
		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.LibraryItems(ctx, queryOffset(r))
		})
	})
	m.HandleFunc("/browse/shows", func(w http.ResponseWriter, r *http.Request) {
		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.SavedShows(ctx, queryOffset(r))
		})
	})
	m.HandleFunc("/browse/shows/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/browse/shows/")
		id, sub, _ := strings.Cut(rest, "/")
		if len(id) == 0 || sub != "episodes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.ShowEpisodes(ctx, id, queryOffset(r))
		})
	})
	m.HandleFunc("/browse/episodes", func(w http.ResponseWriter, r *http.Request) {
		s.browse(w, r, func(ctx context.Context) (any, error) {
			return s.web.SavedEpisodes(ctx, queryOffset(r))
		})
	})

	m.HandleFunc("/thumbnail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		url := r.URL.Query().Get("url")
		if len(url) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		data, err := s.thumbs.Get(r.Context(), url)
		if err != nil {
			s.writeError(w, err)
			return
		} else if data == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(data)
	})

	m.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			respondJSON(w, s.settings.Get())
		case "PUT":
			var data config.Settings
			if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			s.settings.Update(func(config.Settings) config.Settings { return data })
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	m.HandleFunc("/preview/enter", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.preview.Enter()
		w.WriteHeader(http.StatusNoContent)
	})
	m.HandleFunc("/preview/exit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.preview.Exit()
		w.WriteHeader(http.StatusNoContent)
	})

	m.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		respondJSON(w, map[string]string{"url": s.oauth.AuthURL()})
	})
	m.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		if errMsg := query.Get("error"); len(errMsg) > 0 {
			log.Errorf("authorization denied: %s", errMsg)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		code := query.Get("code")
		if len(code) == 0 || !s.oauth.CheckState(query.Get("state")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if _, err := s.oauth.ExchangeCode(r.Context(), code); err != nil {
			s.writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Authorized, you can close this page."))
	})

	m.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(s.allowOrigin) > 0 {
			allow := s.allowOrigin
			allow = strings.TrimPrefix(allow, "http://")
			allow = strings.TrimPrefix(allow, "https://")
			allow = strings.TrimSuffix(allow, "/")
			opts.OriginPatterns = []string{allow}
		}

		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.WithError(err).Error("failed accepting websocket connection")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		// add the client to the list
		s.clientsLock.Lock()
		s.clients = append(s.clients, c)
		s.clientsLock.Unlock()

		log.Debugf("new websocket client")

		for {
			_, _, err := c.Read(context.Background())
			if s.close {
				return
			} else if err != nil {
				log.WithError(err).Error("websocket connection errored")

				// remove the client from the list
				s.clientsLock.Lock()
				for i, cc := range s.clients {
					if cc == c {
						s.clients = append(s.clients[:i], s.clients[i+1:]...)
						break
					}
				}
				s.clientsLock.Unlock()
				return
			}
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedMethods:      []string{"GET", "POST", "PUT"},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	err := http.Serve(s.listener, c.Handler(m))
	if s.close {
		return
	} else if err != nil {
		log.WithError(err).Fatal("failed serving api")
	}
}

// Emit pushes the given state to all connected websocket clients.
func (s *ApiServer) Emit(st *ApiPlayerState) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, st)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			log.WithError(err).Error("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) Close() {
	s.close = true

	// close all websocket clients
	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	// close the listener
	_ = s.listener.Close()
}
