package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"go.uber.org/atomic"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the body of /livez and /readyz
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles liveness, readiness and drain requests
type HealthHandler struct {
	store       Pinger
	pingTimeout time.Duration
	draining    *atomic.Bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:       store,
		pingTimeout: 2 * time.Second,
		draining:    atomic.NewBool(false),
		logger:      logger.With(slog.String("handler", "health")),
		now:         time.Now,
	}
}

// Draining reports whether the server is refusing readiness
func (h *HealthHandler) Draining() bool {
	return h.draining.Load()
}

// SetDraining flips the drain flag. It returns the previous value.
func (h *HealthHandler) SetDraining(v bool) bool {
	return h.draining.Swap(v)
}

// Livez handles GET /livez
func (h *HealthHandler) Livez(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthStatus{
		Status:    "ok",
		Timestamp: h.now().UTC(),
		Version:   contracts.Version,
	})
}

// Readyz handles GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: h.now().UTC(),
		Version:   contracts.Version,
		Checks:    map[string]string{"store": "ok", "drain": "off"},
	}
	ready := true

	if h.draining.Load() {
		status.Checks["drain"] = "on"
		ready = false
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "store ping failed", slog.String("error", err.Error()))
		status.Checks["store"] = "unreachable"
		ready = false
	}

	if !ready {
		status.Status = "not_ready"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// Drain handles POST /drain. Readiness fails until /undrain.
func (h *HealthHandler) Drain(w http.ResponseWriter, r *http.Request) {
	if !h.SetDraining(true) {
		h.logger.InfoContext(r.Context(), "server draining")
	}
	w.WriteHeader(http.StatusNoContent)
}

// Undrain handles POST /undrain
func (h *HealthHandler) Undrain(w http.ResponseWriter, r *http.Request) {
	if h.SetDraining(false) {
		h.logger.InfoContext(r.Context(), "server undrained")
	}
	w.WriteHeader(http.StatusNoContent)
}
