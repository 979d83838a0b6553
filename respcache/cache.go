// Package respcache is a keyed, disk-backed cache for idempotent paged reads.
// Each (identifier, response type) pair owns one JSON file holding a map of
// request key to response, so paging back through an already-seen list never
// re-fetches it. Cache I/O failures are logged and treated as misses.
package respcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// DefaultTTL matches the upstream one-week expiry for cached pages.
const DefaultTTL = 7 * 24 * time.Hour

// Cache stores one file per (identifier, type). With a zero TTL files only
// expire through explicit Clear calls; otherwise a file older than TTL is
// rejected wholesale, forcing a refetch.
type Cache struct {
	dir string
	ttl time.Duration

	mu sync.Mutex

	now func() time.Time
}

func New(dir string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating cache directory: %w", err)
	}
	return &Cache{dir: dir, ttl: ttl, now: time.Now}, nil
}

type cacheFile[K comparable, V any] struct {
	CreatedAt time.Time `json:"created_at"`
	Entries   map[K]V   `json:"entries"`
}

func typeName[V any]() string {
	t := reflect.TypeOf((*V)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func (c *Cache) filePath(name, identifier string) string {
	return filepath.Join(c.dir, fmt.Sprintf("webapi_%s_%s.json", name, identifier))
}

// Read returns the cached value for (identifier, key), or invokes supplier
// and persists its result. Concurrent reads are serialized per cache; the
// backing file is additionally flock-guarded against other processes.
func Read[K comparable, V any](c *Cache, identifier string, key K, supplier func(K) (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.filePath(typeName[V](), identifier)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		log.WithError(err).Warnf("failed locking cache file %s", path)
	} else {
		defer func() { _ = lock.Unlock() }()
	}

	entry := loadFile[K, V](c, path)

	if val, ok := entry.Entries[key]; ok {
		log.Debugf("cache hit for %s", identifier)
		return val, nil
	}

	log.Debugf("cache miss for %s", identifier)

	val, err := supplier(key)
	if err != nil {
		var zero V
		return zero, err
	}

	entry.Entries[key] = val
	if err := writeFile(path, entry); err != nil {
		log.WithError(err).Warnf("failed writing cache file %s", path)
	}

	return val, nil
}

// Clear deletes the backing file for (identifier, V), forcing the next read
// to miss.
func Clear[V any](c *Cache, identifier string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.filePath(typeName[V](), identifier)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed clearing cache %s: %w", identifier, err)
	}
	if err := os.Remove(path + ".lock"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warnf("failed removing cache lock file %s", path)
	}
	return nil
}

func loadFile[K comparable, V any](c *Cache, path string) *cacheFile[K, V] {
	fresh := &cacheFile[K, V]{CreatedAt: c.now(), Entries: map[K]V{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fresh
	} else if err != nil {
		log.WithError(err).Warnf("failed reading cache file %s", path)
		return fresh
	}

	var file cacheFile[K, V]
	if err := json.Unmarshal(data, &file); err != nil {
		log.WithError(err).Warnf("failed decoding cache file %s", path)
		return fresh
	}

	if c.ttl > 0 && c.now().Sub(file.CreatedAt) > c.ttl {
		log.Debugf("cache file %s expired, refetching", path)
		return fresh
	}

	if file.Entries == nil {
		file.Entries = map[K]V{}
	}
	return &file
}

func writeFile[K comparable, V any](path string, file *cacheFile[K, V]) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed encoding cache file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed writing cache file: %w", err)
	}
	return nil
}
