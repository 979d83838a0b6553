// Package config loads the daemon configuration and holds the live, runtime
// mutable settings consumed by the selector, scheduler, caches and the
// auto-volume controller.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// AutoVolumeConfig maps device speed to a target playback volume. A change to
// any field resets the controller's manual-offset accumulator.
type AutoVolumeConfig struct {
	Enabled          bool    `koanf:"enabled"`
	MinVolume        float64 `koanf:"min_volume"`
	MaxVolume        float64 `koanf:"max_volume"`
	MinVolumeAtSpeed float64 `koanf:"min_volume_at_speed"`
	MaxVolumeAtSpeed float64 `koanf:"max_volume_at_speed"`
}

// Settings are the runtime-changeable knobs, editable from the settings
// screen through the API server.
type Settings struct {
	PreferLocal                    bool             `koanf:"prefer_local"`
	OnlyRefreshOnActivePage        bool             `koanf:"only_refresh_on_active_page"`
	UnrestrictedThumbnailDownloads bool             `koanf:"unrestricted_thumbnail_downloads"`
	AutoVolume                     AutoVolumeConfig `koanf:"auto_volume"`
}

// Config is the static daemon configuration.
type Config struct {
	ConfigPath string `koanf:"-"`

	LogLevel  string `koanf:"log_level"`
	CacheDir  string `koanf:"cache_dir"`
	TokenPath string `koanf:"token_path"`

	ClientID    string `koanf:"client_id"`
	AuthURL     string `koanf:"auth_url"`
	TokenURL    string `koanf:"token_url"`
	RedirectURL string `koanf:"redirect_url"`
	APIBaseURL  string `koanf:"api_base_url"`

	// LocalRemoteURL is the websocket endpoint of the companion app's remote.
	LocalRemoteURL string `koanf:"local_remote_url"`
	// HostBridgeURL is the host device bridge serving speed/ride/network
	// signals and proxied HTTP.
	HostBridgeURL string `koanf:"host_bridge_url"`

	ServerPort  int    `koanf:"server_port"`
	AllowOrigin string `koanf:"allow_origin"`

	Settings Settings `koanf:"settings"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log_level":    "info",
		"cache_dir":    "cache",
		"token_path":   "token.json",
		"auth_url":     "https://accounts.spotify.com/authorize",
		"token_url":    "https://accounts.spotify.com/api/token",
		"api_base_url": "https://api.spotify.com/v1",
		"redirect_url": "spintunes://oauth2redirect",
		"server_port":  0,
		"settings.auto_volume.min_volume":          0.3,
		"settings.auto_volume.max_volume":          0.9,
		"settings.auto_volume.min_volume_at_speed": 5.0 * 0.277778,
		"settings.auto_volume.max_volume_at_speed": 50.0 * 0.277778,
	}
}

// Load reads the yaml config file (missing file is fine), applies defaults
// and overlays command line flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed loading config file: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed loading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling config: %w", err)
	}

	cfg.ConfigPath = path
	return &cfg, nil
}
