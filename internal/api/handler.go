// Package api serves the HTTP surface: the /generate websocket, the
// single-shot /invocations endpoint and the health probes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/realtime"
	"github.com/ricochet1k/ghosttype/internal/session"
	apiTypes "github.com/ricochet1k/ghosttype/pkg/api"
)

const (
	// maxMessageSize bounds one inbound frame or request body. Screenshots
	// arrive inline as base64.
	maxMessageSize = 16 << 20

	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// Handler routes requests to per-connection sessions and agent handles
// built by builder.
type Handler struct {
	cfg     *config.Config
	builder session.Builder
	logger  *slog.Logger
	hub     *realtime.Hub

	pingInterval time.Duration
	pongWait     time.Duration
}

// NewHandler creates a Handler. builder is normally a *provider.Factory.
func NewHandler(cfg *config.Config, builder session.Builder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:          cfg,
		builder:      builder,
		logger:       logger,
		hub:          realtime.NewHub(),
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// Mount registers all routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.health)
	r.Get("/ping", h.ping)
	r.Get("/generate", h.generateWebSocket)
	r.Post("/invocations", h.invocations)
}

// Router returns a chi router with the handler mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	h.Mount(r)
	return r
}

// CloseConnections closes every open websocket. http.Server.Shutdown does
// not track hijacked connections; register this with RegisterOnShutdown.
func (h *Handler) CloseConnections() {
	h.hub.CloseAll()
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{
		Status:      "ok",
		Provider:    h.cfg.Provider,
		Model:       h.cfg.ModelID,
		Connections: h.hub.Len(),
	})
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
