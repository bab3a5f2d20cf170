package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"dash-gateway/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const manifestContentType = "application/dash+xml"

// Handler exposes the gateway HTTP endpoints using go-chi.
type Handler struct {
	svc      *Service
	segments *SegmentProxy
	license  *LicenseRelay
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler over the given components. Metrics may be nil
// to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, segments *SegmentProxy, license *LicenseRelay, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, segments: segments, license: license, log: log, metrics: m}
}

// Routes mounts all gateway endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/manifest.mpd", h.GetManifest)
	r.Get("/keys", h.GetKeys)
	r.Post("/license", h.PostLicense)
	r.Get("/{id}/{segment}", h.GetSegment)
}

// statusFor maps the gateway error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidSession):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GetManifest handles GET /manifest.mpd?id=<contentId>.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	id := ContentID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "Missing content ID.", http.StatusBadRequest)
		return
	}
	if h.metrics != nil {
		h.metrics.IncManifestRequests()
	}

	res, err := h.svc.Manifest(r.Context(), id)
	if err != nil {
		h.log.Error("manifest request failed",
			slog.String("id", string(id)), slog.String("error", err.Error()))
		if h.metrics != nil && errors.Is(err, ErrUpstreamUnavailable) {
			h.metrics.IncUpstreamErrors()
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	if h.metrics != nil && res.FromCache {
		h.metrics.IncManifestCacheHits()
	}

	hardeningHeaders(w)
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tp%s.mpd"`, url.QueryEscape(string(id))))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

// GetSegment handles GET /{id}/{segment}?...&hdntl=<token>.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := ContentID(chi.URLParam(r, "id"))
	segment := chi.URLParam(r, "segment")
	if id == "" || segment == "" {
		http.Error(w, "Missing ID or segment path.", http.StatusBadRequest)
		return
	}

	res, err := h.segments.Fetch(id, segment, r.URL.RawQuery)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, ErrUpstreamUnavailable) {
			if h.metrics != nil {
				h.metrics.IncUpstreamErrors()
			}
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}
	if res.Status != http.StatusOK {
		h.log.Warn("segment upstream status",
			slog.String("id", string(id)), slog.Int("status", res.Status))
		http.Error(w, fmt.Sprintf("Failed to fetch segment. Code: %d", res.Status), res.Status)
		return
	}

	if h.metrics != nil {
		h.metrics.IncSegmentsProxied()
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

// PostLicense handles POST /license?channel_id=<id>.
func (h *Handler) PostLicense(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "Missing channel_id"}`))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	acceptsGzip := strings.Contains(strings.ToLower(r.Header.Get("Accept-Encoding")), "gzip")
	res, err := h.license.Relay(r.Context(), LicenseRequest{
		ChannelID: channelID,
		Body:      body,
		Header:    r.Header,
	}, acceptsGzip)
	if err != nil {
		h.log.Error("license relay failed",
			slog.String("channel", channelID), slog.String("error", err.Error()))
		if h.metrics != nil && errors.Is(err, ErrUpstreamUnavailable) {
			h.metrics.IncUpstreamErrors()
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	for _, header := range res.Headers {
		if name, value, ok := strings.Cut(header, ":"); ok {
			w.Header().Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	if h.metrics != nil {
		h.metrics.IncLicensesServed()
		if res.Cached {
			h.metrics.IncLicenseCacheHits()
		}
	}
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// GetKeys handles GET /keys?id=<contentId>: the ClearKey discovery flow.
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	id := ContentID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "Missing content ID.", http.StatusBadRequest)
		return
	}

	key, err := h.svc.ClearKey(r.Context(), id)
	if err != nil {
		h.log.Error("clearkey fetch failed",
			slog.String("id", string(id)), slog.String("error", err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	body, err := encodeJSON(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func hardeningHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", "default-src 'self';")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-XSS-Protection", "1; mode=block")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
