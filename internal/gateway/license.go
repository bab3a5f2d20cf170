package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	gocache "github.com/patrickmn/go-cache"
)

// LicenseRelay forwards license requests to the upstream license server and
// caches responses permanently by DRM key id: a license for a given key id is
// assumed immutable once issued, so a cached key id is never re-fetched.
type LicenseRelay struct {
	client   *http.Client
	upstream string // URL template; "{id}" is replaced by the channel id
	dir      string // one cache file per channel id
	mem      *gocache.Cache
	mu       sync.Mutex // serializes cache file writes
	log      *slog.Logger
}

// LicenseRequest is the explicit inbound context for a license relay call.
type LicenseRequest struct {
	ChannelID string
	Body      []byte
	Header    http.Header
}

// LicenseResponse is the explicit response value the handler writes out.
// Headers is an ordered list of "Name: value" strings.
type LicenseResponse struct {
	Status  int
	Headers []string
	Body    []byte
	Cached  bool
}

// NewLicenseRelay builds a LicenseRelay storing per-channel cache files under
// dir.
func NewLicenseRelay(upstream, dir string, timeout time.Duration, log *slog.Logger) *LicenseRelay {
	return &LicenseRelay{
		client:   &http.Client{Timeout: timeout},
		upstream: upstream,
		dir:      dir,
		mem:      gocache.New(gocache.NoExpiration, 0),
		log:      log,
	}
}

// keyIDFromBody extracts kids[0] from the decoded JSON request body.
func keyIDFromBody(body []byte) string {
	var req struct {
		Kids []string `json:"kids"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Kids) == 0 {
		return ""
	}
	return req.Kids[0]
}

// Relay answers a license request from the cache when possible, forwarding to
// the upstream license server otherwise. acceptsGzip reflects the client's
// Accept-Encoding.
func (l *LicenseRelay) Relay(ctx context.Context, req LicenseRequest, acceptsGzip bool) (LicenseResponse, error) {
	keyID := keyIDFromBody(req.Body)

	if keyID != "" {
		if entry, ok := l.lookup(req.ChannelID, keyID); ok {
			l.log.Debug("license cache hit",
				slog.String("channel", req.ChannelID), slog.String("key_id", keyID))
			return l.replay(entry, acceptsGzip)
		}
	}
	return l.forward(ctx, req, keyID, acceptsGzip)
}

// replay re-serves a cached license. The stored payload is decoded JSON;
// the body is re-encoded fresh on every replay, and re-gzipped fresh when the
// client accepts gzip, so a previously compressed byte stream is never reused.
func (l *LicenseRelay) replay(entry LicenseEntry, acceptsGzip bool) (LicenseResponse, error) {
	body, err := encodeJSON(entry.License)
	if err != nil {
		return LicenseResponse{}, fmt.Errorf("%w: cached license: %v", ErrDecode, err)
	}

	resp := LicenseResponse{Status: http.StatusOK, Cached: true}
	for _, h := range entry.Headers {
		if strings.HasPrefix(strings.ToLower(h), "content-encoding:") {
			continue
		}
		resp.Headers = append(resp.Headers, h)
	}
	if acceptsGzip {
		if body, err = gzipBytes(body); err != nil {
			return LicenseResponse{}, fmt.Errorf("%w: gzip: %v", ErrDecode, err)
		}
		resp.Headers = append(resp.Headers, "Content-Encoding: gzip")
	}
	resp.Headers = append(resp.Headers, "Content-Type: application/json")
	resp.Body = body
	return resp, nil
}

// forward relays the original request body upstream with the allow-listed
// header subset, stores the response when possible, and serves the client
// the encoding it negotiated. Decompression for the store and relay encoding
// for the client are decoupled on purpose.
func (l *LicenseRelay) forward(ctx context.Context, req LicenseRequest, keyID string, acceptsGzip bool) (LicenseResponse, error) {
	endpoint := strings.ReplaceAll(l.upstream, "{id}", req.ChannelID)
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return LicenseResponse{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	for _, name := range licenseForwardAllowList {
		if v := req.Header.Get(name); v != "" {
			upReq.Header.Set(name, v)
		}
	}

	upResp, err := l.client.Do(upReq)
	if err != nil {
		return LicenseResponse{}, fmt.Errorf("%w: license api: %v", ErrUpstreamUnavailable, err)
	}
	defer upResp.Body.Close()

	rawBody, err := io.ReadAll(upResp.Body)
	if err != nil {
		return LicenseResponse{}, fmt.Errorf("%w: license api: %v", ErrUpstreamUnavailable, err)
	}

	var headers []string
	isGzip := false
	for _, name := range []string{"Content-Type", "Content-Encoding"} {
		if v := upResp.Header.Get(name); v != "" {
			headers = append(headers, name+": "+v)
			if name == "Content-Encoding" && strings.Contains(strings.ToLower(v), "gzip") {
				isGzip = true
			}
		}
	}

	// Decompress once for caching and inspection regardless of what goes to
	// the client.
	decoded := rawBody
	decodedOK := !isGzip
	if isGzip {
		if d, err := gunzipBytes(rawBody); err == nil {
			decoded = d
			decodedOK = true
		} else {
			l.log.Warn("license response gzip decode failed", slog.String("error", err.Error()))
		}
	}

	if keyID != "" && upResp.StatusCode == http.StatusOK {
		var payload any
		if err := json.Unmarshal(decoded, &payload); err == nil {
			l.store(req.ChannelID, keyID, LicenseEntry{License: payload, Headers: headers})
		}
	}

	resp := LicenseResponse{Status: upResp.StatusCode}
	if isGzip && !acceptsGzip && decodedOK {
		resp.Body = decoded
		for _, h := range headers {
			if !strings.HasPrefix(strings.ToLower(h), "content-encoding:") {
				resp.Headers = append(resp.Headers, h)
			}
		}
	} else {
		resp.Body = rawBody
		resp.Headers = headers
	}
	return resp, nil
}

func (l *LicenseRelay) memKey(channelID, keyID string) string {
	return channelID + "|" + keyID
}

func (l *LicenseRelay) cacheFile(channelID string) string {
	return filepath.Join(l.dir, "license_"+channelID+".json")
}

func (l *LicenseRelay) lookup(channelID, keyID string) (LicenseEntry, bool) {
	if v, ok := l.mem.Get(l.memKey(channelID, keyID)); ok {
		return v.(LicenseEntry), true
	}

	entries, err := l.loadFile(channelID)
	if err != nil {
		return LicenseEntry{}, false
	}
	entry, ok := entries[keyID]
	if ok {
		l.mem.Set(l.memKey(channelID, keyID), entry, gocache.NoExpiration)
	}
	return entry, ok
}

func (l *LicenseRelay) loadFile(channelID string) (map[string]LicenseEntry, error) {
	data, err := os.ReadFile(l.cacheFile(channelID))
	if err != nil {
		return nil, err
	}
	entries := make(map[string]LicenseEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *LicenseRelay) store(channelID, keyID string, entry LicenseEntry) {
	l.mem.Set(l.memKey(channelID, keyID), entry, gocache.NoExpiration)

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadFile(channelID)
	if err != nil {
		entries = make(map[string]LicenseEntry)
	}
	entries[keyID] = entry

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		l.log.Error("license cache encode failed", slog.String("error", err.Error()))
		return
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.log.Error("license cache dir failed", slog.String("error", err.Error()))
		return
	}
	target := l.cacheFile(channelID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.log.Error("license cache write failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		l.log.Error("license cache rename failed", slog.String("error", err.Error()))
	}
}

// ClearKey is the decoded key material returned by the license server for one
// key id.
type ClearKey struct {
	KIDHex string `json:"kid_hex"`
	KeyHex string `json:"key_hex"`
}

// FetchClearKey asks the upstream license server for the content key of
// kidHex (plain or dashed hex) on the given channel and decodes the JWK-style
// response to hex.
func (l *LicenseRelay) FetchClearKey(ctx context.Context, channelID, kidHex string) (ClearKey, error) {
	kidBytes, err := hex.DecodeString(strings.ReplaceAll(kidHex, "-", ""))
	if err != nil {
		return ClearKey{}, fmt.Errorf("%w: kid hex: %v", ErrDecode, err)
	}
	kidB64 := base64.RawURLEncoding.EncodeToString(kidBytes)

	payload, err := encodeJSON(map[string]any{
		"kids": []string{kidB64},
		"type": "temporary",
	})
	if err != nil {
		return ClearKey{}, err
	}

	endpoint := strings.ReplaceAll(l.upstream, "{id}", channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ClearKey{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header = cdnHeaders()
	req.Header.Del("Accept-Encoding") // let the transport negotiate and decode
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return ClearKey{}, fmt.Errorf("%w: license api: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	var decoded struct {
		Keys []struct {
			KID string `json:"kid"`
			K   string `json:"k"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil || len(decoded.Keys) == 0 {
		return ClearKey{}, fmt.Errorf("%w: keys", ErrNotFound)
	}

	kid, err := base64URLPadded(decoded.Keys[0].KID)
	if err != nil {
		return ClearKey{}, err
	}
	key, err := base64URLPadded(decoded.Keys[0].K)
	if err != nil {
		return ClearKey{}, err
	}
	return ClearKey{KIDHex: hex.EncodeToString(kid), KeyHex: hex.EncodeToString(key)}, nil
}

func base64URLPadded(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: base64url: %v", ErrDecode, err)
	}
	return b, nil
}

// encodeJSON marshals without HTML escaping so URLs inside license payloads
// survive byte-for-byte.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
