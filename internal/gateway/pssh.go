package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/unki2aut/go-mpd"
)

// DRM system ids (ISO/IEC 23001-7 system UUIDs, hex without dashes).
const (
	WidevineSystemID  = "edef8ba979d64acea3c827dcd51d21ed"
	PlayReadySystemID = "9a04f07998404286ab92e65be0885f95"
)

// Extractor recovers DRM protection metadata from the initialization segment
// referenced by a manifest. Every failure mode degrades to "no metadata":
// the manifest is then served unmodified, which players without DRM handle.
type Extractor struct {
	client *http.Client
	log    *slog.Logger
}

// NewExtractor builds an Extractor with its own bounded HTTP client.
func NewExtractor(timeout time.Duration, log *slog.Logger) *Extractor {
	return &Extractor{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Extract locates the first reachable initialization segment referenced by
// manifest, fetches it, and scans it for pssh boxes. nil means no usable DRM
// metadata; that is a valid outcome, not an error.
func (e *Extractor) Extract(ctx context.Context, manifest []byte, baseURL string) *ProtectionMetadata {
	initURLs := initSegmentURLs(manifest, baseURL)
	if len(initURLs) == 0 {
		e.log.Debug("manifest has no resolvable init segment")
		return nil
	}

	for _, initURL := range initURLs {
		data, err := e.fetchInit(ctx, initURL)
		if err != nil {
			e.log.Warn("init segment fetch failed",
				slog.String("url", initURL), slog.String("error", err.Error()))
			continue
		}
		if meta := scanInitSegment(data); meta != nil {
			return meta
		}
	}
	return nil
}

func (e *Extractor) fetchInit(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = cdnHeaders()

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// initSegmentURLs parses the manifest and resolves every representation-level
// initialization template against baseURL. Parse failures yield nil.
func initSegmentURLs(manifest []byte, baseURL string) []string {
	doc := new(mpd.MPD)
	if err := doc.Decode(manifest); err != nil {
		return nil
	}

	var urls []string
	for _, period := range doc.Period {
		for _, as := range period.AdaptationSets {
			for _, rep := range as.Representations {
				if rep.ID == nil {
					continue
				}
				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}
				if tmpl == nil || tmpl.Initialization == nil {
					continue
				}
				init := strings.ReplaceAll(*tmpl.Initialization, "$RepresentationID$", *rep.ID)
				urls = append(urls, resolveURL(init, baseURL))
			}
		}
	}
	return urls
}

// resolveURL makes target absolute against base. base is a directory-style
// URL (no trailing filename expected to survive).
func resolveURL(target, base string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	u, err := url.Parse(base + "/")
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.ResolveReference(ref).String()
}

// scanInitSegment walks the ISO-BMFF box tree of an init segment and collects
// the default KID plus the Widevine and PlayReady pssh boxes. The top-level
// boxes are decoded one by one rather than as a whole file: file-level
// assembly assumes a complete trak chain, which truncated segments do not
// have. Malformed input yields nil; this function must never panic on
// corrupt bytes.
func scanInitSegment(data []byte) (meta *ProtectionMetadata) {
	defer func() {
		if r := recover(); r != nil {
			meta = nil
		}
	}()

	moov := findMoov(data)
	if moov == nil {
		return nil
	}

	meta = collectProtection(moov)
	return meta
}

// findMoov decodes top-level boxes until the moov box is found.
func findMoov(data []byte) *mp4.MoovBox {
	sr := bytes.NewReader(data)
	var pos uint64
	for pos < uint64(len(data)) {
		box, err := mp4.DecodeBox(pos, sr)
		if err != nil {
			return nil
		}
		if moov, ok := box.(*mp4.MoovBox); ok {
			return moov
		}
		pos += box.Size()
	}
	return nil
}

func collectProtection(moov *mp4.MoovBox) *ProtectionMetadata {
	var meta ProtectionMetadata
	for _, child := range moov.Children {
		pssh, ok := child.(*mp4.PsshBox)
		if !ok {
			continue
		}
		var buf bytes.Buffer
		if err := pssh.Encode(&buf); err != nil {
			continue
		}
		b64 := base64.StdEncoding.EncodeToString(buf.Bytes())

		switch hex.EncodeToString(pssh.SystemID) {
		case WidevineSystemID:
			meta.WidevinePSSH = b64
		case PlayReadySystemID:
			meta.PlayReadyPSSH = b64
		}
		if meta.KeyID == "" && len(pssh.KIDs) > 0 {
			meta.KeyID = hex.EncodeToString(pssh.KIDs[0])
		}
	}

	if kid := defaultKID(moov); kid != "" {
		meta.KeyID = kid
	}

	// Partial extraction must not produce a corrupt manifest: both the shared
	// key id and at least one DRM system are required.
	if meta.KeyID == "" || (meta.WidevinePSSH == "" && meta.PlayReadyPSSH == "") {
		return nil
	}
	return &meta
}

// defaultKID digs the tenc default KID out of the first protected track.
func defaultKID(moov *mp4.MoovBox) string {
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd == nil {
			continue
		}

		var sinf *mp4.SinfBox
		if stsd.Encv != nil {
			sinf = stsd.Encv.Sinf
		} else if stsd.Enca != nil {
			sinf = stsd.Enca.Sinf
		}
		if sinf == nil || sinf.Schi == nil || sinf.Schi.Tenc == nil {
			continue
		}
		return hex.EncodeToString(sinf.Schi.Tenc.DefaultKID)
	}
	return ""
}
