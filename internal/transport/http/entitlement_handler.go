package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	apierrors "github.com/Micka420-collab/CRM-SERV-sub000/internal/errors"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/middleware"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// EntitlementService is the part of entitlement.Service the client API needs
type EntitlementService interface {
	Validate(ctx context.Context, key, hardwareID string) (*entitlement.Entitlement, error)
	Activate(ctx context.Context, key, hardwareID, machineName string) (*entitlement.Entitlement, error)
	Deactivate(ctx context.Context, key, hardwareID string) (int, error)
	Heartbeat(ctx context.Context, key, hardwareID string) (*entitlement.Entitlement, error)
}

// EntitlementHandler serves the /v1 client API
type EntitlementHandler struct {
	service      EntitlementService
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(service EntitlementService, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "entitlement")),
	}
}

// Routes returns a chi router for the client API
func (h *EntitlementHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/heartbeat", h.Heartbeat)
	return r
}

// Validate handles POST /v1/validate
func (h *EntitlementHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ent, err := h.service.Validate(r.Context(), req.LicenseKey, req.HardwareID)
	if err != nil {
		var denial *entitlement.Error
		if !errors.As(err, &denial) {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		render.Status(r, apierrors.StatusForCode(denial.Code))
		render.JSON(w, r, domain.ValidateResponse{
			Valid:   false,
			Error:   denial.Code,
			Message: denial.Message,
		})
		return
	}

	render.JSON(w, r, domain.ValidateResponse{
		Valid:       true,
		Plan:        ent.Plan,
		Features:    ent.Features,
		ExpiresAt:   ent.ExpiresAt,
		SeatsUsed:   ent.SeatsUsed,
		SeatsMax:    ent.SeatsMax,
		ValidatedAt: timePtr(ent.ValidatedAt),
	})
}

// Activate handles POST /v1/activate
func (h *EntitlementHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ent, err := h.service.Activate(r.Context(), req.LicenseKey, req.HardwareID, req.MachineName)
	if err != nil {
		var denial *entitlement.Error
		if !errors.As(err, &denial) {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		render.Status(r, apierrors.StatusForCode(denial.Code))
		render.JSON(w, r, domain.ActivateResponse{
			Success:   false,
			Error:     denial.Code,
			Message:   denial.Message,
			SeatsUsed: denial.SeatsUsed,
			SeatsMax:  denial.SeatsMax,
		})
		return
	}

	render.JSON(w, r, domain.ActivateResponse{
		Success:     true,
		Plan:        ent.Plan,
		Features:    ent.Features,
		ExpiresAt:   ent.ExpiresAt,
		SeatsUsed:   ent.SeatsUsed,
		SeatsMax:    ent.SeatsMax,
		ValidatedAt: timePtr(ent.ValidatedAt),
	})
}

// Deactivate handles POST /v1/deactivate
func (h *EntitlementHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req domain.DeactivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.deactivate(w, r, req.LicenseKey, req.HardwareID)
}

func (h *EntitlementHandler) deactivate(w http.ResponseWriter, r *http.Request, key, hardwareID string) {
	remaining, err := h.service.Deactivate(r.Context(), key, hardwareID)
	if err != nil {
		var denial *entitlement.Error
		if !errors.As(err, &denial) {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		render.Status(r, apierrors.StatusForCode(denial.Code))
		render.JSON(w, r, domain.DeactivateResponse{
			Success: false,
			Error:   denial.Code,
			Message: denial.Message,
		})
		return
	}

	render.JSON(w, r, domain.DeactivateResponse{
		Success:              true,
		RemainingActivations: remaining,
	})
}

// Heartbeat handles POST /v1/heartbeat
func (h *EntitlementHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req domain.HeartbeatRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ent, err := h.service.Heartbeat(r.Context(), req.LicenseKey, req.HardwareID)
	if err != nil {
		var denial *entitlement.Error
		if !errors.As(err, &denial) {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		render.Status(r, apierrors.StatusForCode(denial.Code))
		render.JSON(w, r, domain.HeartbeatResponse{
			Valid:   false,
			Error:   denial.Code,
			Message: denial.Message,
		})
		return
	}

	render.JSON(w, r, domain.HeartbeatResponse{
		Valid:       true,
		Plan:        ent.Plan,
		Features:    ent.Features,
		ExpiresAt:   ent.ExpiresAt,
		SeatsUsed:   ent.SeatsUsed,
		SeatsMax:    ent.SeatsMax,
		NextCheckIn: ent.NextCheckIn,
		ValidatedAt: timePtr(ent.ValidatedAt),
	})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
