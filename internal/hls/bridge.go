// Package hls converts processed DASH manifests into HLS playlists so
// players without a DASH stack can consume the gateway's streams.
package hls

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/unki2aut/go-mpd"

	"dash-gateway/internal/gateway"
)

// ManifestSource supplies processed manifests and content keys. The
// gateway service satisfies it.
type ManifestSource interface {
	Manifest(ctx context.Context, id gateway.ContentID) (gateway.ManifestResult, error)
	ClearKey(ctx context.Context, id gateway.ContentID) (gateway.ClearKey, error)
}

// Bridge renders HLS master and media playlists from DASH manifests.
type Bridge struct {
	src ManifestSource
	log *slog.Logger
}

func NewBridge(src ManifestSource, log *slog.Logger) *Bridge {
	return &Bridge{src: src, log: log}
}

func (b *Bridge) fetch(ctx context.Context, id gateway.ContentID) (*mpd.MPD, error) {
	res, err := b.src.Manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RedirectURL != "" {
		return nil, fmt.Errorf("%w: content is served by direct redirect", gateway.ErrNotFound)
	}

	doc := new(mpd.MPD)
	if err := doc.Decode(res.Body); err != nil {
		return nil, fmt.Errorf("%w: manifest parse: %v", gateway.ErrUpstreamUnavailable, err)
	}
	return doc, nil
}

// Master renders the master playlist for id, one variant per DASH
// representation. Media playlist URIs carry the content id through as a
// query parameter.
func (b *Bridge) Master(ctx context.Context, id gateway.ContentID) ([]byte, error) {
	doc, err := b.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	master := m3u8.NewMasterPlaylist()
	for _, period := range doc.Period {
		for _, as := range period.AdaptationSets {
			isAudio := as.MimeType == "audio/mp4"
			for _, rep := range as.Representations {
				if rep.ID == nil {
					continue
				}

				codecs := ""
				if rep.Codecs != nil {
					codecs = *rep.Codecs
				} else if as.Codecs != nil {
					codecs = *as.Codecs
				}

				resolution := ""
				if !isAudio && rep.Width != nil && rep.Height != nil {
					resolution = fmt.Sprintf("%dx%d", *rep.Width, *rep.Height)
				}

				bandwidth := uint32(0)
				if rep.Bandwidth != nil {
					bandwidth = uint32(*rep.Bandwidth)
				}

				uri := fmt.Sprintf("media_playlist_%s.m3u8?id=%s", *rep.ID, id)
				master.Append(uri, nil, m3u8.VariantParams{
					Codecs:     codecs,
					Resolution: resolution,
					Bandwidth:  bandwidth,
				})
			}
		}
	}

	var buf bytes.Buffer
	if _, err := master.Encode().WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Media renders the media playlist for one representation, expanding the
// DASH segment timeline into discrete segment entries.
func (b *Bridge) Media(ctx context.Context, id gateway.ContentID, repID string) ([]byte, error) {
	doc, err := b.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, period := range doc.Period {
		baseURL := ""
		if len(period.BaseURL) > 0 {
			// The rewritten BaseURL can carry a query; playlist entries
			// append segment names to the bare path.
			baseURL = strings.Split(period.BaseURL[0].Value, "?")[0]
		}

		for _, as := range period.AdaptationSets {
			for _, rep := range as.Representations {
				if rep.ID == nil || *rep.ID != repID {
					continue
				}

				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}
				if tmpl == nil || tmpl.SegmentTimeline == nil || tmpl.Media == nil {
					return nil, fmt.Errorf("%w: representation %q has no segment timeline", gateway.ErrNotFound, repID)
				}

				return b.renderMedia(ctx, id, baseURL, repID, tmpl)
			}
		}
	}

	return nil, fmt.Errorf("%w: representation %q", gateway.ErrNotFound, repID)
}

func (b *Bridge) renderMedia(ctx context.Context, id gateway.ContentID, baseURL, repID string, tmpl *mpd.SegmentTemplate) ([]byte, error) {
	total := uint(0)
	for _, s := range tmpl.SegmentTimeline.S {
		total++
		if s.R != nil && *s.R > 0 {
			total += uint(*s.R)
		}
	}

	pl, err := m3u8.NewMediaPlaylist(total, total)
	if err != nil {
		return nil, err
	}

	if tmpl.Initialization != nil {
		init := strings.ReplaceAll(*tmpl.Initialization, "$RepresentationID$", repID)
		pl.Map = &m3u8.Map{URI: baseURL + init}
	}

	if key, err := b.src.ClearKey(ctx, id); err != nil {
		b.log.Warn("content key unavailable, emitting keyless playlist",
			slog.String("id", string(id)), slog.String("error", err.Error()))
	} else if uri, err := keyDataURI(key); err == nil {
		pl.Key = &m3u8.Key{Method: "AES-128", URI: uri}
	}

	timescale := uint64(1)
	if tmpl.Timescale != nil {
		timescale = *tmpl.Timescale
	}
	number := uint64(1)
	if tmpl.StartNumber != nil {
		number = *tmpl.StartNumber
	}

	appendSegment := func(duration float64) error {
		name := strings.ReplaceAll(*tmpl.Media, "$Number$", fmt.Sprintf("%d", number))
		name = strings.ReplaceAll(name, "$RepresentationID$", repID)
		number++
		return pl.Append(baseURL+name, duration, "")
	}

	maxDuration := 0.0
	for _, s := range tmpl.SegmentTimeline.S {
		duration := float64(s.D) / float64(timescale)
		if duration > maxDuration {
			maxDuration = duration
		}
		if err := appendSegment(duration); err != nil {
			return nil, err
		}
		if s.R != nil && *s.R > 0 {
			for i := int64(0); i < *s.R; i++ {
				if err := appendSegment(duration); err != nil {
					return nil, err
				}
			}
		}
	}

	pl.TargetDuration = maxDuration
	pl.Close()

	var buf bytes.Buffer
	if _, err := pl.Encode().WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// keyDataURI packs the raw content key into a data: URI so players can
// apply it without a second key round trip.
func keyDataURI(key gateway.ClearKey) (string, error) {
	raw, err := hex.DecodeString(key.KeyHex)
	if err != nil {
		return "", fmt.Errorf("decode content key: %w", err)
	}
	return "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw), nil
}
