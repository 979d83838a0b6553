package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/spintunes/go-spintunes/auth"
	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/local"
	"github.com/spintunes/go-spintunes/player"
	"github.com/spintunes/go-spintunes/respcache"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/thumbs"
	"github.com/spintunes/go-spintunes/transport"
	"github.com/spintunes/go-spintunes/webapi"
)

var oauthScopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
	"playlist-read-private",
	"user-library-read",
	"user-library-modify",
}

type App struct {
	cfg *config.Config

	ps       *state.Store
	settings *config.Store

	exec   *transport.Executor
	oauth  *auth.OAuth2Client
	bridge *HostBridge

	web      *webapi.Client
	local    *local.Client
	provider *player.Provider
	thumbs   *thumbs.Cache
	preview  *player.PreviewMode

	server *ApiServer
}

// resolveStatePath places relative data paths under the user state
// directory, so a default config works without any setup.
func resolveStatePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	stateDir, err := UserStateDir()
	if err != nil {
		return path
	}

	return filepath.Join(stateDir, "go-spintunes", path)
}

func NewApp(cfg *config.Config) (app *App, err error) {
	app = &App{cfg: cfg}

	cfg.CacheDir = resolveStatePath(cfg.CacheDir)
	cfg.TokenPath = resolveStatePath(cfg.TokenPath)

	app.ps = state.NewStore()
	app.settings = config.NewStore(cfg.Settings)

	// requests go through the host bridge proxy when one is configured,
	// falling back to a direct connection when it is unreachable
	var hostTransport http.RoundTripper
	if len(cfg.HostBridgeURL) > 0 {
		proxyURL, err := url.Parse(cfg.HostBridgeURL)
		if err != nil {
			return nil, err
		}

		hostTransport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	app.exec = transport.NewExecutor(hostTransport)

	tokens, err := auth.NewStore(cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	app.oauth = auth.NewOAuth2Client(auth.Config{
		ClientID:    cfg.ClientID,
		AuthURL:     cfg.AuthURL,
		TokenURL:    cfg.TokenURL,
		RedirectURL: cfg.RedirectURL,
		Scopes:      oauthScopes,
	}, tokens, app.exec, app.ps)

	respCache, err := respcache.New(filepath.Join(cfg.CacheDir, "responses"), respcache.DefaultTTL)
	if err != nil {
		return nil, err
	}

	app.bridge = NewHostBridge(cfg.HostBridgeURL, app.exec)

	app.web = webapi.NewClient(cfg.APIBaseURL, app.oauth, respCache, app.bridge)
	app.local = local.NewClient(cfg.LocalRemoteURL, "go-spintunes", app.bridge)
	app.provider = player.NewProvider(app.web, app.local, app.settings)
	app.preview = player.NewPreviewMode()

	app.thumbs, err = thumbs.NewCache(filepath.Join(cfg.CacheDir, "thumbnails"), app.exec, func() (thumbs.LocalImages, bool) {
		if app.provider.IsLocal() {
			return app.local, true
		}
		return nil, false
	}, app.bridge, app.settings, app.ps)
	if err != nil {
		return nil, err
	}

	return app, nil
}

func (app *App) Run(ctx context.Context) error {
	var err error
	app.server, err = NewApiServer("", app.cfg.ServerPort, app.cfg.AllowOrigin,
		app.provider, app.web, app.thumbs, app.ps, app.settings, app.preview, app.oauth)
	if err != nil {
		return err
	}

	scheduler := player.NewScheduler(app.provider, app.ps, app.settings, app.bridge, app.preview)
	autoVolume := player.NewAutoVolume(app.provider, app.settings, app.bridge, app.bridge)

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(app.bridge.Run)
	run(app.provider.Run)
	run(func(ctx context.Context) { app.local.Maintain(ctx, app.settings) })
	run(scheduler.Run)
	run(func(ctx context.Context) { player.RunProgressTicker(ctx, app.ps) })
	run(app.thumbs.Run)
	run(autoVolume.Run)
	run(app.emitStates)

	<-ctx.Done()

	app.server.Close()
	app.local.Disconnect()
	wg.Wait()
	return nil
}

// emitStates pushes every state change to the websocket clients and keeps the
// upcoming thumbnails warm.
func (app *App) emitStates(ctx context.Context) {
	states := app.ps.Watch(ctx)
	for st := range states {
		app.server.Emit(NewApiPlayerState(st))

		for _, url := range st.ThumbnailURLs {
			app.thumbs.EnsureInCache(ctx, url)
		}
	}
}

func main() {
	flags := pflag.NewFlagSet("go-spintunes", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config.yml", "the configuration file path")
	flags.String("log_level", "", "the log level")
	flags.Int("server_port", 0, "the api server port")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		log.WithError(err).Fatal("failed reading configuration")
	}

	// parse and set log level
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	} else {
		log.SetLevel(logLevel)
	}

	log.Debugf("config loaded from %s", cfg.ConfigPath)

	app, err := NewApp(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed creating app")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Fatal("failed running app")
	}
}
