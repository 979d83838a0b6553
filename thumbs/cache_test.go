package thumbs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/transport"
)

type fakeNetwork struct{ fast bool }

func (f fakeNetwork) FastNetwork() bool { return f.fast }

type fakeImages struct{ data []byte }

func (f fakeImages) ReadImage(context.Context, string) ([]byte, error) { return f.data, nil }

func webActive() (LocalImages, bool) { return nil, false }

func newTestCache(t *testing.T, network fakeNetwork, active ActiveFunc) *Cache {
	t.Helper()

	c, err := NewCache(t.TempDir(), transport.NewExecutor(nil), active, network, config.NewStore(config.Settings{}), state.NewStore())
	require.NoError(t, err)
	return c
}

func TestGetPrefersDiskTier(t *testing.T) {
	c := newTestCache(t, fakeNetwork{fast: true}, webActive)

	url := "https://images.example/track1"
	require.NoError(t, os.WriteFile(c.fileName(url), []byte("cached"), 0o600))

	data, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), data)
}

func TestGetDownloadsAndPersists(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	c := newTestCache(t, fakeNetwork{fast: true}, webActive)

	data, err := c.Get(context.Background(), server.URL+"/thumb")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	// second read must come from disk
	data, err = c.Get(context.Background(), server.URL+"/thumb")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetSkipsDownloadOnSlowNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("download should have been skipped")
	}))
	defer server.Close()

	c := newTestCache(t, fakeNetwork{fast: false}, webActive)

	data, err := c.Get(context.Background(), server.URL+"/thumb")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetUnrestrictedOverridesNetworkPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	c := newTestCache(t, fakeNetwork{fast: false}, webActive)
	c.settings.Update(func(s config.Settings) config.Settings {
		s.UnrestrictedThumbnailDownloads = true
		return s
	})

	data, err := c.Get(context.Background(), server.URL+"/thumb")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestGetUsesLocalImages(t *testing.T) {
	images := fakeImages{data: []byte("local-bytes")}
	c := newTestCache(t, fakeNetwork{fast: false}, func() (LocalImages, bool) { return images, true })

	data, err := c.Get(context.Background(), "spotify:image:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("local-bytes"), data)
}

func TestEnsureInCacheDeduplicates(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("once"))
	}))
	defer server.Close()

	c := newTestCache(t, fakeNetwork{fast: true}, webActive)

	url := server.URL + "/thumb"
	c.EnsureInCache(context.Background(), url)

	require.Eventually(t, func() bool {
		return c.FromMemory(url) != nil
	}, 2*time.Second, 10*time.Millisecond)

	c.EnsureInCache(context.Background(), url)

	assert.Equal(t, []byte("once"), c.FromMemory(url))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCleanupOnceEvictsOldestFiles(t *testing.T) {
	c := newTestCache(t, fakeNetwork{fast: true}, webActive)
	c.diskLimit = 10

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		path := filepath.Join(c.dir, fmt.Sprintf("thumb-%02d", i))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	require.NoError(t, c.CleanupOnce())

	entries, err := os.ReadDir(c.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	// the oldest five must be the ones gone
	for i := 0; i < 5; i++ {
		_, err := os.Stat(filepath.Join(c.dir, fmt.Sprintf("thumb-%02d", i)))
		assert.True(t, os.IsNotExist(err), "thumb-%02d should have been evicted", i)
	}
}
