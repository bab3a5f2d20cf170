package hls

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dash-gateway/internal/gateway"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the HLS bridge endpoints using go-chi.
type Handler struct {
	bridge *Bridge
	log    *slog.Logger
}

func NewHandler(bridge *Bridge, log *slog.Logger) *Handler {
	return &Handler{bridge: bridge, log: log}
}

// Routes mounts the bridge endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/playlist.m3u8", h.GetMaster)
	r.Get("/media_playlist_{rep}.m3u8", h.GetMedia)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrInvalidSession):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GetMaster handles GET /playlist.m3u8?id=<contentId>.
func (h *Handler) GetMaster(w http.ResponseWriter, r *http.Request) {
	id := gateway.ContentID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "Missing content ID.", http.StatusBadRequest)
		return
	}

	body, err := h.bridge.Master(r.Context(), id)
	if err != nil {
		h.log.Error("master playlist failed",
			slog.String("id", string(id)), slog.String("error", err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// GetMedia handles GET /media_playlist_{rep}.m3u8?id=<contentId>.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id := gateway.ContentID(r.URL.Query().Get("id"))
	rep := strings.TrimSuffix(chi.URLParam(r, "rep"), ".m3u8")
	if id == "" || rep == "" {
		http.Error(w, "Missing content ID or representation.", http.StatusBadRequest)
		return
	}

	body, err := h.bridge.Media(r.Context(), id, rep)
	if err != nil {
		h.log.Error("media playlist failed",
			slog.String("id", string(id)), slog.String("rep", rep),
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
