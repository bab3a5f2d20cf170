package gateway

import (
	"errors"
	"time"
)

// ContentID identifies a channel/stream in the upstream catalog. It is the key
// into the manifest cache and into license routing.
type ContentID string

// CacheEntry is one resolved upstream manifest URL. Validity is never stored:
// it is recomputed on every read from the signed parameters embedded in URL
// itself, so an entry can go stale without a write.
type CacheEntry struct {
	ID        ContentID `json:"-"`
	URL       string    `json:"url"`
	UpdatedAt int64     `json:"updated_at"`
}

// Session is the authentication bundle produced by the external login
// component. The gateway treats both fields as opaque strings.
type Session struct {
	SubscriberID string
	Token        string
}

// ProtectionMetadata is the DRM data recovered from an initialization segment.
// KeyID is the plain lowercase hex of the 16-byte default KID; the PSSH fields
// hold the base64 of the complete pssh box for each system.
type ProtectionMetadata struct {
	KeyID         string
	WidevinePSSH  string
	PlayReadyPSSH string
}

// LicenseEntry is one cached license response, keyed by DRM key id. The
// license payload is kept decoded so replays can re-encode it fresh.
type LicenseEntry struct {
	License any      `json:"license"`
	Headers []string `json:"headers"`
}

var (
	// ErrAuthRequired means no login bundle is available.
	ErrAuthRequired = errors.New("login required")

	// ErrInvalidSession means the login bundle exists but is malformed.
	ErrInvalidSession = errors.New("invalid login data")

	// ErrUpstreamUnavailable covers transport failures against the content
	// API, the CDN, or the license server.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound means an expected field was absent from an upstream JSON
	// payload.
	ErrNotFound = errors.New("not found upstream")

	// ErrInvalidToken means no channel id could be recovered from the access
	// token carried by a segment request.
	ErrInvalidToken = errors.New("invalid token or unable to extract channel id")

	// ErrDecode covers URL decryption and gzip decompression failures.
	ErrDecode = errors.New("decode failed")
)

// nowFunc is swapped in tests that exercise expiry behavior.
type nowFunc func() time.Time
