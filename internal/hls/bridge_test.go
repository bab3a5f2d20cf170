package hls

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"dash-gateway/internal/gateway"
)

const bridgeManifest = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT8S" minBufferTime="PT2S" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period>
    <BaseURL>http://proxy.local/123/?baseurl=https://cdn.example.com/output/</BaseURL>
    <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
      <SegmentTemplate initialization="init_$RepresentationID$.mp4" media="seg_$RepresentationID$_$Number$.m4s" timescale="90000" startNumber="5">
        <SegmentTimeline>
          <S t="0" d="180000" r="2"/>
          <S d="90000"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720"/>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate initialization="init_$RepresentationID$.mp4" media="seg_$RepresentationID$_$Number$.m4s" timescale="48000" startNumber="5">
        <SegmentTimeline>
          <S t="0" d="96000" r="3"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="a1" bandwidth="128000"/>
    </AdaptationSet>
  </Period>
</MPD>
`

type fakeSource struct {
	body   []byte
	key    gateway.ClearKey
	keyErr error
	err    error
}

func (f *fakeSource) Manifest(ctx context.Context, id gateway.ContentID) (gateway.ManifestResult, error) {
	if f.err != nil {
		return gateway.ManifestResult{}, f.err
	}
	return gateway.ManifestResult{Body: f.body}, nil
}

func (f *fakeSource) ClearKey(ctx context.Context, id gateway.ContentID) (gateway.ClearKey, error) {
	return f.key, f.keyErr
}

func testLog() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge() *Bridge {
	return NewBridge(&fakeSource{
		body: []byte(bridgeManifest),
		key:  gateway.ClearKey{KIDHex: "00112233445566778899aabbccddeeff", KeyHex: "000102030405060708090a0b0c0d0e0f"},
	}, testLog())
}

func TestBridge_Master(t *testing.T) {
	out, err := newTestBridge().Master(context.Background(), gateway.ContentID("123"))
	if err != nil {
		t.Fatalf("Master: %v", err)
	}
	pl := string(out)

	if !strings.HasPrefix(pl, "#EXTM3U") {
		t.Fatalf("not an m3u8 playlist:\n%s", pl)
	}
	if !strings.Contains(pl, "media_playlist_v1.m3u8?id=123") {
		t.Error("video variant URI missing")
	}
	if !strings.Contains(pl, "media_playlist_a1.m3u8?id=123") {
		t.Error("audio variant URI missing")
	}
	if !strings.Contains(pl, "BANDWIDTH=1000000") || !strings.Contains(pl, "RESOLUTION=1280x720") {
		t.Error("video variant params missing")
	}
	if !strings.Contains(pl, "avc1.64001f") || !strings.Contains(pl, "mp4a.40.2") {
		t.Error("codecs missing")
	}
}

func TestBridge_Media_expands_timeline(t *testing.T) {
	out, err := newTestBridge().Media(context.Background(), gateway.ContentID("123"), "v1")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	pl := string(out)

	if !strings.Contains(pl, `URI="http://proxy.local/123/init_v1.mp4"`) {
		t.Errorf("init map missing:\n%s", pl)
	}

	// d=180000 r=2 expands to three segments, plus one more from the second
	// S entry, numbered from startNumber.
	for n := 5; n <= 8; n++ {
		want := fmt.Sprintf("http://proxy.local/123/seg_v1_%d.m4s", n)
		if !strings.Contains(pl, want) {
			t.Errorf("segment %d missing (%s)", n, want)
		}
	}
	if strings.Contains(pl, "seg_v1_9.m4s") {
		t.Error("timeline over-expanded")
	}
	if !strings.Contains(pl, "#EXT-X-TARGETDURATION:2") {
		t.Error("target duration not derived from the longest segment")
	}
	if !strings.Contains(pl, "#EXT-X-ENDLIST") {
		t.Error("playlist not closed")
	}

	keyB64 := base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	if !strings.Contains(pl, "METHOD=AES-128") || !strings.Contains(pl, keyB64) {
		t.Error("content key not embedded as a data URI")
	}
}

func TestBridge_Media_keyless_when_clearkey_fails(t *testing.T) {
	b := NewBridge(&fakeSource{
		body:   []byte(bridgeManifest),
		keyErr: gateway.ErrUpstreamUnavailable,
	}, testLog())

	out, err := b.Media(context.Background(), gateway.ContentID("123"), "v1")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if strings.Contains(string(out), "EXT-X-KEY") {
		t.Error("no key line expected when the key fetch fails")
	}
}

func TestBridge_Media_unknown_representation(t *testing.T) {
	_, err := newTestBridge().Media(context.Background(), gateway.ContentID("123"), "nope")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBridge_source_errors_pass_through(t *testing.T) {
	b := NewBridge(&fakeSource{err: gateway.ErrAuthRequired}, testLog())
	if _, err := b.Master(context.Background(), gateway.ContentID("123")); !errors.Is(err, gateway.ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
}

func newBridgeRouter() *chi.Mux {
	h := NewHandler(newTestBridge(), testLog())
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestHandler_GetMaster(t *testing.T) {
	r := newBridgeRouter()

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8?id=123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandler_GetMaster_missing_id(t *testing.T) {
	r := newBridgeRouter()

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_GetMedia(t *testing.T) {
	r := newBridgeRouter()

	req := httptest.NewRequest(http.MethodGet, "/media_playlist_v1.m3u8?id=123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Error("response is not a playlist")
	}
}

func TestHandler_GetMedia_unknown_representation(t *testing.T) {
	r := newBridgeRouter()

	req := httptest.NewRequest(http.MethodGet, "/media_playlist_zz.m3u8?id=123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
