package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Provider-specific path normalization: catchup-branded hosts are rebranded
// to the live host before use. Business rule, not security-relevant.
const (
	catchupPathToken = "bpaicatchupta"
	livePathToken    = "bpaita"
)

// Resolver turns a content id into the final upstream manifest URL: content
// API call, URL decryption, path normalization, and at most one manual
// redirect hop.
type Resolver struct {
	client     *http.Client // redirects disabled
	contentAPI string       // URL template; "{id}" is replaced by the content id
	secret     string       // shared key for the encrypted URL field
	cache      *ManifestCache
	flight     *flightGroup
	log        *slog.Logger
}

// NewResolver builds a Resolver writing results into cache. timeout bounds
// each upstream call.
func NewResolver(contentAPI, secret string, cache *ManifestCache, timeout time.Duration, log *slog.Logger) *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		contentAPI: contentAPI,
		secret:     secret,
		cache:      cache,
		flight:     newFlightGroup(),
		log:        log,
	}
}

type contentResponse struct {
	Data struct {
		DashPlayreadyPlayURL string `json:"dashPlayreadyPlayUrl"`
	} `json:"data"`
}

// Resolution is the outcome of resolving a content id. Redirect means the
// URL is already final and the client should be sent there directly with no
// manifest processing.
type Resolution struct {
	URL       string
	Redirect  bool
	FromCache bool
}

// Resolve returns a valid manifest URL for id, serving from the cache when
// its embedded expiry allows and resolving upstream otherwise. Concurrent
// misses for the same id are collapsed to a single upstream resolution.
func (r *Resolver) Resolve(ctx context.Context, id ContentID, session Session) (Resolution, error) {
	if cached, ok := r.cache.Lookup(id); ok {
		r.log.Debug("manifest cache hit", slog.String("id", string(id)))
		return Resolution{URL: cached, FromCache: true}, nil
	}

	owner, wait := r.flight.begin(id)
	if !owner {
		select {
		case <-wait:
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		}
		if cached, ok := r.cache.Lookup(id); ok {
			return Resolution{URL: cached, FromCache: true}, nil
		}
		// Owner failed or produced a redirect; resolve independently.
		return r.resolveUpstream(ctx, id, session)
	}

	defer r.flight.done(id)
	return r.resolveUpstream(ctx, id, session)
}

func (r *Resolver) resolveUpstream(ctx context.Context, id ContentID, session Session) (Resolution, error) {
	encrypted, err := r.fetchPlayURL(ctx, id, session)
	if err != nil {
		return Resolution{}, err
	}

	decrypted, err := DecryptURL(encrypted, r.secret)
	if err != nil {
		return Resolution{}, err
	}
	normalized := strings.ReplaceAll(decrypted, catchupPathToken, livePathToken)

	if !strings.Contains(normalized, livePathToken) {
		// Already final; no manifest processing applies to this branch.
		r.log.Info("non-standard play url, redirecting client", slog.String("id", string(id)))
		return Resolution{URL: normalized, Redirect: true}, nil
	}

	final, err := r.followOnce(ctx, normalized)
	if err != nil {
		return Resolution{}, err
	}

	if err := r.cache.Store(id, final); err != nil {
		r.log.Error("manifest cache write failed", slog.String("id", string(id)), slog.String("error", err.Error()))
	}
	r.log.Info("resolved manifest url", slog.String("id", string(id)))
	return Resolution{URL: final}, nil
}

func (r *Resolver) fetchPlayURL(ctx context.Context, id ContentID, session Session) (string, error) {
	endpoint := strings.ReplaceAll(r.contentAPI, "{id}", string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+session.Token)
	req.Header.Set("subscriberId", session.SubscriberID)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: content api: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: content api: %v", ErrUpstreamUnavailable, err)
	}

	var cr contentResponse
	if err := json.Unmarshal(body, &cr); err != nil || cr.Data.DashPlayreadyPlayURL == "" {
		return "", fmt.Errorf("%w: dashPlayreadyPlayUrl", ErrNotFound)
	}
	return cr.Data.DashPlayreadyPlayURL, nil
}

// followOnce discovers the final manifest location behind rawURL: a single
// request with redirects disabled. No Location header means rawURL is final.
// A multi-valued Location is a chain with the true target last. Everything
// after the first '&' in the target is upstream tracking noise.
func (r *Resolver) followOnce(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("User-Agent", PlayerUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: redirect check: %v", ErrUpstreamUnavailable, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	locations := resp.Header.Values("Location")
	if len(locations) == 0 {
		return rawURL, nil
	}

	final := locations[len(locations)-1]
	if i := strings.IndexByte(final, '&'); i >= 0 {
		final = final[:i]
	}
	return final, nil
}
