package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"), nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://api.spotify.com/v1", cfg.APIBaseURL)
	assert.Equal(t, "https://accounts.spotify.com/authorize", cfg.AuthURL)
	assert.InDelta(t, 0.3, cfg.Settings.AutoVolume.MinVolume, 1e-9)
	assert.InDelta(t, 0.9, cfg.Settings.AutoVolume.MaxVolume, 1e-9)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server_port: 8181
settings:
  prefer_local: true
  auto_volume:
    enabled: true
    min_volume: 0.5
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8181, cfg.ServerPort)
	assert.True(t, cfg.Settings.PreferLocal)
	assert.True(t, cfg.Settings.AutoVolume.Enabled)
	assert.InDelta(t, 0.5, cfg.Settings.AutoVolume.MinVolume, 1e-9)

	// untouched defaults survive a partial file
	assert.InDelta(t, 0.9, cfg.Settings.AutoVolume.MaxVolume, 1e-9)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log_level", "", "")
	flags.Int("server_port", 0, "")
	require.NoError(t, flags.Parse([]string{"--log_level=trace"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "trace", cfg.LogLevel)
	// unset flags keep the file/default values
	assert.Equal(t, 0, cfg.ServerPort)
}

func TestStoreWatchSeesUpdates(t *testing.T) {
	s := NewStore(Settings{PreferLocal: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Watch(ctx)
	assert.False(t, (<-ch).PreferLocal)

	s.Update(func(st Settings) Settings {
		st.PreferLocal = true
		return st
	})

	assert.True(t, (<-ch).PreferLocal)
	assert.True(t, s.Get().PreferLocal)
}
