// Package thumbs caches track artwork in two tiers: a bounded on-disk store
// keyed by source URL and a short-lived in-memory map of recently requested,
// ready-to-render images.
package thumbs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/state"
	"github.com/spintunes/go-spintunes/transport"
)

const (
	// DefaultDiskLimit bounds the disk tier; the bound is only enforced by
	// the periodic cleanup, not per insert.
	DefaultDiskLimit = 1000

	cleanupInterval = time.Hour
	memoryTTL       = 60 * time.Second
)

// LocalImages is the local backend's image API, used instead of HTTP when the
// local backend is active.
type LocalImages interface {
	ReadImage(ctx context.Context, uri string) ([]byte, error)
}

// ActiveFunc reports the currently active backend's image source. isLocal is
// false when the web backend is active.
type ActiveFunc func() (images LocalImages, isLocal bool)

type cachedThumbnail struct {
	requestedAt time.Time
	data        []byte
}

// Cache is the two-tier thumbnail cache with fetch de-duplication.
type Cache struct {
	dir       string
	diskLimit int

	exec     *transport.Executor
	active   ActiveFunc
	network  spintunes.NetworkInfo
	settings *config.Store
	ps       *state.Store

	// diskMu makes disk read-modify-write atomic; memMu guards the in-memory
	// map including its in-flight placeholders.
	diskMu sync.Mutex
	memMu  sync.Mutex
	memory map[string]*cachedThumbnail

	now func() time.Time
}

func NewCache(dir string, exec *transport.Executor, active ActiveFunc, network spintunes.NetworkInfo, settings *config.Store, ps *state.Store) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating thumbnail directory: %w", err)
	}

	return &Cache{
		dir:       dir,
		diskLimit: DefaultDiskLimit,
		exec:      exec,
		active:    active,
		network:   network,
		settings:  settings,
		ps:        ps,
		memory:    map[string]*cachedThumbnail{},
		now:       time.Now,
	}, nil
}

func (c *Cache) fileName(url string) string {
	return filepath.Join(c.dir, base64.URLEncoding.EncodeToString([]byte(url)))
}

// Get returns the thumbnail bytes for url, reading the disk tier first and
// fetching through the active backend on a miss. A disk hit ages the file
// back to the front of the eviction order.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, error) {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()

	path := c.fileName(url)

	if data, err := os.ReadFile(path); err == nil {
		now := c.now()
		if err := os.Chtimes(path, now, now); err != nil {
			log.WithError(err).Debugf("failed touching thumbnail %s", path)
		}
		return data, nil
	}

	data, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if data == nil {
		// download skipped by network policy
		return nil, nil
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.WithError(err).Warnf("failed writing thumbnail %s", path)
	} else {
		log.Infof("updated thumbnail cache with %s, %d bytes", url, len(data))
	}

	// no-op update purely to wake UI observers now that the image is ready
	c.ps.Update(func(s state.PlayerState) state.PlayerState { return s })

	return data, nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	if images, isLocal := c.active(); isLocal {
		return images.ReadImage(ctx, url)
	}

	downloadEnabled := c.network.FastNetwork() || c.settings.Get().UnrestrictedThumbnailDownloads
	if !downloadEnabled {
		log.Debugf("not downloading thumbnail for %s", url)
		return nil, nil
	}

	resp := c.exec.Do(ctx, transport.Request{Method: http.MethodGet, URL: url})
	if resp.Err != "" || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to get thumbnail data: %d %s", resp.StatusCode, resp.Err)
	}
	return resp.Body, nil
}

// EnsureInCache idempotently requests url into the memory tier. A URL already
// in flight (nil placeholder) is not fetched again; entries older than 60s
// are pruned on every completed insert.
func (c *Cache) EnsureInCache(ctx context.Context, url string) {
	c.memMu.Lock()
	if _, ok := c.memory[url]; ok {
		c.memMu.Unlock()
		return
	}
	c.memory[url] = nil
	c.memMu.Unlock()

	go func() {
		data, err := c.Get(ctx, url)
		if err != nil || data == nil {
			if err != nil {
				log.WithError(err).Errorf("failed to cache thumbnail for %s", url)
			}

			c.memMu.Lock()
			delete(c.memory, url)
			c.memMu.Unlock()
			return
		}

		c.memMu.Lock()
		c.memory[url] = &cachedThumbnail{requestedAt: c.now(), data: data}

		cutoff := c.now().Add(-memoryTTL)
		for k, v := range c.memory {
			if v != nil && v.requestedAt.Before(cutoff) {
				delete(c.memory, k)
			}
		}
		c.memMu.Unlock()

		log.Debugf("cached thumbnail for %s", url)

		c.ps.Update(func(s state.PlayerState) state.PlayerState { return s })
	}()
}

// FromMemory returns the ready bytes for url, or nil if not (yet) cached.
func (c *Cache) FromMemory(url string) []byte {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	if v := c.memory[url]; v != nil {
		return v.data
	}
	return nil
}

// CleanupOnce deletes the oldest-by-modification-time files once the disk
// tier exceeds its bound.
func (c *Cache) CleanupOnce() error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed listing thumbnail directory: %w", err)
	}

	type fileAge struct {
		path    string
		modTime time.Time
	}

	files := make([]fileAge, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{path: filepath.Join(c.dir, entry.Name()), modTime: info.ModTime()})
	}

	if len(files) < c.diskLimit {
		log.Debugf("%d files in thumbnail cache, no cleanup needed", len(files))
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	deleteCount := len(files) - c.diskLimit
	log.Infof("%d files in thumbnail cache, deleting oldest %d files", len(files), deleteCount)

	for _, f := range files[:deleteCount] {
		if err := os.Remove(f.path); err != nil {
			log.WithError(err).Warnf("failed deleting thumbnail %s", f.path)
		}
	}
	return nil
}

// Run performs periodic cleanup until ctx ends.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		if err := c.CleanupOnce(); err != nil {
			log.WithError(err).Errorf("failed to clean up thumbnail cache")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
