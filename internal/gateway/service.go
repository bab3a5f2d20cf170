package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Service drives the manifest pipeline: session load, resolution, manifest
// fetch, PSSH extraction, and rewriting. Handlers stay thin on top of it.
type Service struct {
	resolver  *Resolver
	extractor *Extractor
	license   *LicenseRelay
	client    *http.Client
	loginFile string
	proxyBase string
	log       *slog.Logger
}

// ManifestResult is a processed manifest or an instruction to redirect the
// client to an already-final URL.
type ManifestResult struct {
	Body        []byte
	RedirectURL string
	FromCache   bool
}

// NewService wires the manifest pipeline together. proxyBase is the
// externally visible base URL of this gateway, spliced into rewritten
// manifests.
func NewService(resolver *Resolver, extractor *Extractor, license *LicenseRelay, loginFile, proxyBase string, timeout time.Duration, log *slog.Logger) *Service {
	return &Service{
		resolver:  resolver,
		extractor: extractor,
		license:   license,
		client:    &http.Client{Timeout: timeout},
		loginFile: loginFile,
		proxyBase: proxyBase,
		log:       log,
	}
}

// Manifest produces the fully processed DASH manifest for id.
func (s *Service) Manifest(ctx context.Context, id ContentID) (ManifestResult, error) {
	session, err := LoadSession(s.loginFile)
	if err != nil {
		return ManifestResult{}, err
	}

	res, err := s.resolver.Resolve(ctx, id, session)
	if err != nil {
		return ManifestResult{}, err
	}
	if res.Redirect {
		return ManifestResult{RedirectURL: res.URL}, nil
	}

	body, err := s.fetchManifest(ctx, res.URL)
	if err != nil {
		return ManifestResult{}, err
	}

	base := urlDir(res.URL)
	protection := s.extractor.Extract(ctx, body, base)
	if protection == nil {
		s.log.Info("no pssh data found", slog.String("id", string(id)))
	}

	body = AbsolutizeSegmentPaths(body, base)
	body = Rewrite(body, protection, s.proxyBase, id)
	return ManifestResult{Body: body, FromCache: res.FromCache}, nil
}

// ClearKey resolves the manifest for id, reads its default KID, and trades it
// for the content key at the license server.
func (s *Service) ClearKey(ctx context.Context, id ContentID) (ClearKey, error) {
	res, err := s.Manifest(ctx, id)
	if err != nil {
		return ClearKey{}, err
	}
	if res.RedirectURL != "" {
		return ClearKey{}, fmt.Errorf("%w: content has no DRM manifest", ErrNotFound)
	}

	kid, ok := DefaultKIDFromManifest(res.Body)
	if !ok {
		return ClearKey{}, fmt.Errorf("%w: default_KID", ErrNotFound)
	}
	return s.license.FetchClearKey(ctx, string(id), kid)
}

func (s *Service) fetchManifest(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("User-Agent", PlayerUserAgent)
	req.Header.Set("Referer", PlayerReferer)
	req.Header.Set("Origin", PlayerOrigin)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest fetch: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: manifest fetch status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// urlDir strips the query string and the final path element, mirroring
// dirname on a URL. The composite token in the query can itself contain
// slashes, so the query must go before the path is cut.
func urlDir(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = path.Dir(u.Path)
	return strings.TrimRight(u.String(), "/")
}
