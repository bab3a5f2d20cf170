package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the persistence abstraction for resolved manifest URLs.
// Implementations must make Put atomic with respect to concurrent readers:
// a Get must never observe a partially written document.
type Store interface {
	Get(id ContentID) (CacheEntry, bool)
	Put(entry CacheEntry) error
	Len() int
}

// FileStore keeps the content-id → entry mapping in a single JSON document on
// disk, loaded once and rewritten whole on every Put via a temp file and
// rename so readers in other processes never see a torn write.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	entries map[ContentID]CacheEntry
}

// NewFileStore loads (or creates) the mapping file at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, entries: make(map[ContentID]CacheEntry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &fs.entries); err != nil {
		// A corrupt mapping file is replaced on the next Put rather than
		// blocking startup.
		fs.entries = make(map[ContentID]CacheEntry)
	}
	return fs, nil
}

// Get implements Store.Get.
func (fs *FileStore) Get(id ContentID) (CacheEntry, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, ok := fs.entries[id]
	e.ID = id
	return e, ok
}

// Put implements Store.Put. The whole mapping is rewritten atomically.
func (fs *FileStore) Put(entry CacheEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.entries[entry.ID] = entry
	data, err := json.MarshalIndent(fs.entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

// Len implements Store.Len.
func (fs *FileStore) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.entries)
}

// ManifestCache answers "is there a still-valid resolved URL for this id"
// without any network call. A short-lived memory layer fronts the store; the
// validity check always re-derives the expiry from the URL's own signed
// parameters, so a stale entry goes invalid without a write and is only ever
// replaced, never served.
type ManifestCache struct {
	store Store
	mem   *gocache.Cache
	now   nowFunc
}

const memLayerTTL = 10 * time.Second

// NewManifestCache wraps store with a memory read layer.
func NewManifestCache(store Store) *ManifestCache {
	return &ManifestCache{
		store: store,
		mem:   gocache.New(memLayerTTL, 2*memLayerTTL),
		now:   time.Now,
	}
}

// Lookup returns the cached URL for id only while its embedded expiry is in
// the future.
func (c *ManifestCache) Lookup(id ContentID) (string, bool) {
	var rawURL string
	if v, ok := c.mem.Get(string(id)); ok {
		rawURL = v.(string)
	} else {
		entry, ok := c.store.Get(id)
		if !ok {
			return "", false
		}
		rawURL = entry.URL
		c.mem.Set(string(id), rawURL, gocache.DefaultExpiration)
	}

	if !URLValid(rawURL, c.now()) {
		c.mem.Delete(string(id))
		return "", false
	}
	return rawURL, true
}

// Store overwrites the entry for id unconditionally.
func (c *ManifestCache) Store(id ContentID, rawURL string) error {
	c.mem.Set(string(id), rawURL, gocache.DefaultExpiration)
	return c.store.Put(CacheEntry{ID: id, URL: rawURL, UpdatedAt: c.now().Unix()})
}

// Len reports the number of persisted entries, valid or not. Used for metrics.
func (c *ManifestCache) Len() int {
	return c.store.Len()
}
