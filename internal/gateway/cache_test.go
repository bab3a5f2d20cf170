package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs, path
}

func TestFileStore_PutGet(t *testing.T) {
	fs, _ := newTestStore(t)

	if _, ok := fs.Get(ContentID("123")); ok {
		t.Error("expected miss on empty store")
	}

	entry := CacheEntry{ID: ContentID("123"), URL: "https://cdn.example.com/m.mpd?exp=99", UpdatedAt: 1}
	if err := fs.Put(entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := fs.Get(ContentID("123"))
	if !ok || got.URL != entry.URL {
		t.Errorf("Get: ok=%v url=%q", ok, got.URL)
	}
	if fs.Len() != 1 {
		t.Errorf("Len: expected 1, got %d", fs.Len())
	}
}

func TestFileStore_persists_across_reload(t *testing.T) {
	fs, path := newTestStore(t)
	if err := fs.Put(CacheEntry{ID: ContentID("123"), URL: "https://cdn.example.com/m.mpd", UpdatedAt: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(ContentID("123"))
	if !ok || got.URL != "https://cdn.example.com/m.mpd" {
		t.Errorf("reload Get: ok=%v url=%q", ok, got.URL)
	}

	// No stray temp file should survive a Put.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Put")
	}
}

func TestFileStore_corrupt_file_starts_empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if fs.Len() != 0 {
		t.Errorf("expected empty store from corrupt file, got %d entries", fs.Len())
	}
}

func newTestCache(t *testing.T, now time.Time) *ManifestCache {
	t.Helper()
	fs, _ := newTestStore(t)
	c := NewManifestCache(fs)
	c.now = func() time.Time { return now }
	return c
}

func TestManifestCache_valid_hit(t *testing.T) {
	c := newTestCache(t, time.Unix(500, 0))
	url := "https://cdn.example.com/m.mpd?exp=1000"
	if err := c.Store(ContentID("123"), url); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok := c.Lookup(ContentID("123"))
	if !ok || got != url {
		t.Errorf("Lookup: ok=%v url=%q", ok, got)
	}
}

func TestManifestCache_expired_miss_without_write(t *testing.T) {
	fs, _ := newTestStore(t)
	c := NewManifestCache(fs)
	c.now = func() time.Time { return time.Unix(500, 0) }

	url := "https://cdn.example.com/m.mpd?exp=1000"
	if err := c.Store(ContentID("123"), url); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// The same entry goes invalid as time passes, with no write in between.
	c.now = func() time.Time { return time.Unix(1000, 0) }
	if _, ok := c.Lookup(ContentID("123")); ok {
		t.Error("expected miss at the expiry instant")
	}

	// The stale entry stays persisted until replaced.
	if fs.Len() != 1 {
		t.Errorf("expected stale entry to remain in store, Len=%d", fs.Len())
	}
}

func TestManifestCache_entry_without_expiry_is_invalid(t *testing.T) {
	c := newTestCache(t, time.Unix(500, 0))
	if err := c.Store(ContentID("123"), "https://cdn.example.com/m.mpd"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := c.Lookup(ContentID("123")); ok {
		t.Error("expected miss for URL without resolvable expiry")
	}
}

func TestManifestCache_store_overwrites(t *testing.T) {
	c := newTestCache(t, time.Unix(500, 0))
	for i := 0; i < 2; i++ {
		url := fmt.Sprintf("https://cdn.example.com/m%d.mpd?exp=1000", i)
		if err := c.Store(ContentID("123"), url); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, ok := c.Lookup(ContentID("123"))
	if !ok || got != "https://cdn.example.com/m1.mpd?exp=1000" {
		t.Errorf("expected latest URL, got %q ok=%v", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len: expected 1, got %d", c.Len())
	}
}
