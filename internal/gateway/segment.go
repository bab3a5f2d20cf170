package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"
)

// SegmentProxy resolves token-addressed segment requests to upstream CDN URLs
// and relays the bytes. Two addressing modes exist: cached mode recovers the
// upstream host and directory prefix from the manifest cache, direct mode
// falls back to the fixed CDN host. In both modes the channel identity comes
// from the hdntl token, never from the client-visible path id.
type SegmentProxy struct {
	client   *fasthttp.Client
	cache    *ManifestCache
	prefixes *gocache.Cache // cached manifest URL -> derived upstream segment prefix
	cdnHost  string
	log      *slog.Logger
}

// SegmentResult is the upstream response relayed to the client.
type SegmentResult struct {
	Status int
	Body   []byte
}

const (
	segmentDirName    = "dash"
	prefixTTL         = 1 * time.Hour
	maxRedirectHops   = 3
	directPathPattern = "https://%s/bpk-tv/irdeto_com_Channel_%s/output/dash/%s"
)

// NewSegmentProxy builds a SegmentProxy. cdnHost is the fixed host used in
// direct mode.
func NewSegmentProxy(cdnHost string, cache *ManifestCache, timeout time.Duration, log *slog.Logger) *SegmentProxy {
	return &SegmentProxy{
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		cache:    cache,
		prefixes: gocache.New(prefixTTL, 2*prefixTTL),
		cdnHost:  cdnHost,
		log:      log,
	}
}

// Fetch resolves the upstream URL for a segment request and relays it.
// id is the client-visible path id, segment the requested filename, query the
// raw query string (which must carry the hdntl token).
func (p *SegmentProxy) Fetch(id ContentID, segment, query string) (SegmentResult, error) {
	upstream, err := p.upstreamURL(id, segment, query)
	if err != nil {
		return SegmentResult{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(upstream)
	req.Header.SetMethod(fasthttp.MethodGet)
	for key, vals := range cdnHeaders() {
		for _, v := range vals {
			req.Header.Set(key, v)
		}
	}

	if err := p.client.DoRedirects(req, resp, maxRedirectHops); err != nil {
		p.log.Error("segment fetch failed", slog.String("url", upstream), slog.String("error", err.Error()))
		return SegmentResult{}, fmt.Errorf("%w: segment: %v", ErrUpstreamUnavailable, err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK {
		// Mirror the upstream status to the client; no retries here.
		return SegmentResult{Status: status}, nil
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return SegmentResult{Status: status, Body: body}, nil
}

// upstreamURL builds the upstream segment URL. The channel id is always the
// one scoped by the hdntl token.
func (p *SegmentProxy) upstreamURL(id ContentID, segment, query string) (string, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", ErrInvalidToken
	}
	channel, ok := ChannelFromToken(values.Get(compositeTokenParam))
	if !ok {
		return "", ErrInvalidToken
	}

	var upstream string
	if prefix, ok := p.segmentPrefix(id); ok {
		// Cached mode: host and directory prefix from the resolved manifest
		// URL, channel element forced to the token's scope.
		upstream = channelPattern.ReplaceAllString(prefix, "/irdeto_com_Channel_"+channel+"/") + "/" + segment
	} else {
		upstream = fmt.Sprintf(directPathPattern, p.cdnHost, channel, segment)
	}

	if query != "" {
		upstream += "?" + query
	}
	return upstream, nil
}

// segmentPrefix derives the sibling segment directory of the cached manifest
// URL for id: the manifest filename is replaced by the fixed segment
// directory name. The memo is keyed by the manifest URL itself, so a
// re-resolution onto a different host switches prefixes immediately.
// Cache misses select direct mode.
func (p *SegmentProxy) segmentPrefix(id ContentID) (string, bool) {
	cached, ok := p.cache.Lookup(id)
	if !ok {
		return "", false
	}
	if v, ok := p.prefixes.Get(cached); ok {
		return v.(string), true
	}

	u, err := url.Parse(cached)
	if err != nil {
		return "", false
	}
	u.RawQuery = ""
	u.Path = path.Join(path.Dir(u.Path), segmentDirName)

	prefix := strings.TrimRight(u.String(), "/")
	p.prefixes.Set(cached, prefix, gocache.DefaultExpiration)
	return prefix, true
}
