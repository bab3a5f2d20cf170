package gateway

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func tokenQuery(channel string) string {
	return "hdntl=" + url.QueryEscape("exp=9999999999~acl=/bpk-tv/irdeto_com_Channel_"+channel+"/*~hmac=deadbeef")
}

func newTestSegmentProxy(t *testing.T, cdnHost string) (*SegmentProxy, *ManifestCache) {
	t.Helper()
	cache := newTestCache(t, time.Unix(500, 0))
	return NewSegmentProxy(cdnHost, cache, 5*time.Second, testLogger()), cache
}

func TestSegmentProxy_direct_mode_url(t *testing.T) {
	p, _ := newTestSegmentProxy(t, "cdn.example.com")

	got, err := p.upstreamURL(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("upstreamURL: %v", err)
	}
	want := "https://cdn.example.com/bpk-tv/irdeto_com_Channel_1125/output/dash/seg_1.m4s?" + tokenQuery("1125")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSegmentProxy_token_channel_overrides_path_id(t *testing.T) {
	p, cache := newTestSegmentProxy(t, "cdn.example.com")

	// The cached manifest URL names channel 9999; the token scopes 1125.
	// The token must win.
	if err := cache.Store(ContentID("123"), "https://edge.example.com/bpk-tv/irdeto_com_Channel_9999/output/manifest.mpd?exp=1000"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := p.upstreamURL(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("upstreamURL: %v", err)
	}
	if !strings.Contains(got, "/irdeto_com_Channel_1125/") {
		t.Errorf("token channel should govern the upstream path, got %q", got)
	}
	if !strings.HasPrefix(got, "https://edge.example.com/") {
		t.Errorf("cached mode should keep the cached host, got %q", got)
	}
	if !strings.Contains(got, "/output/dash/seg_1.m4s") {
		t.Errorf("segment should land in the sibling dash directory, got %q", got)
	}
}

func TestSegmentProxy_prefix_follows_reresolved_manifest(t *testing.T) {
	p, cache := newTestSegmentProxy(t, "cdn.example.com")

	if err := cache.Store(ContentID("123"), "https://edge-a.example.com/bpk-tv/irdeto_com_Channel_1125/output/manifest.mpd?exp=1000"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := p.upstreamURL(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("upstreamURL: %v", err)
	}
	if !strings.HasPrefix(got, "https://edge-a.example.com/") {
		t.Fatalf("expected edge-a host, got %q", got)
	}

	// The manifest re-resolves onto a different edge; segments must follow.
	if err := cache.Store(ContentID("123"), "https://edge-b.example.com/bpk-tv/irdeto_com_Channel_1125/output/manifest.mpd?exp=1000"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err = p.upstreamURL(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("upstreamURL: %v", err)
	}
	if !strings.HasPrefix(got, "https://edge-b.example.com/") {
		t.Errorf("expected edge-b host after re-resolution, got %q", got)
	}
}

func TestSegmentProxy_missing_token(t *testing.T) {
	p, _ := newTestSegmentProxy(t, "cdn.example.com")

	if _, err := p.Fetch(ContentID("123"), "seg_1.m4s", ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without a token, got %v", err)
	}
	if _, err := p.Fetch(ContentID("123"), "seg_1.m4s", "hdntl=exp%3D1~acl%3D%2Fother%2F*"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for a channel-less token, got %v", err)
	}
}

func TestSegmentProxy_Fetch_relays_body(t *testing.T) {
	segment := []byte{0x00, 0x00, 0x01, 0xba, 0x44}
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if got := r.Header.Get("User-Agent"); got != PlayerUserAgent {
			t.Errorf("upstream User-Agent = %q", got)
		}
		w.Write(segment)
	}))
	defer server.Close()

	p, cache := newTestSegmentProxy(t, "unused.example.com")
	if err := cache.Store(ContentID("123"), server.URL+"/bpk-tv/irdeto_com_Channel_9999/output/manifest.mpd?exp=1000"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	res, err := p.Fetch(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusOK || !bytes.Equal(res.Body, segment) {
		t.Errorf("expected relayed segment, got status=%d len=%d", res.Status, len(res.Body))
	}
	if gotPath != "/bpk-tv/irdeto_com_Channel_1125/output/dash/seg_1.m4s" {
		t.Errorf("unexpected upstream path %q", gotPath)
	}
}

func TestSegmentProxy_Fetch_mirrors_upstream_status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	p, cache := newTestSegmentProxy(t, "unused.example.com")
	if err := cache.Store(ContentID("123"), server.URL+"/bpk-tv/irdeto_com_Channel_9999/output/manifest.mpd?exp=1000"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	res, err := p.Fetch(ContentID("123"), "seg_1.m4s", tokenQuery("1125"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusForbidden {
		t.Errorf("expected 403 mirrored, got %d", res.Status)
	}
	if len(res.Body) != 0 {
		t.Error("non-200 responses must not carry a relayed body")
	}
}
