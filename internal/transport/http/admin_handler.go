package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	apierrors "github.com/Micka420-collab/CRM-SERV-sub000/internal/errors"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/middleware"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// AdminService is the administrative surface of entitlement.Service
type AdminService interface {
	IssueLicense(ctx context.Context, p entitlement.IssueParams) (*entitlement.License, error)
	GetLicense(ctx context.Context, key string) (*entitlement.License, error)
	ListActivations(ctx context.Context, key string) ([]entitlement.Activation, error)
	Revoke(ctx context.Context, key, reason string) (*entitlement.License, error)
	Suspend(ctx context.Context, key, reason string) (*entitlement.License, error)
	Reinstate(ctx context.Context, key string) (*entitlement.License, error)
	Renew(ctx context.Context, key string, expiresAt *time.Time) (*entitlement.License, error)
	Deactivate(ctx context.Context, key, hardwareID string) (int, error)
}

// KeyMinter produces self-signed license keys
type KeyMinter interface {
	Generate(opts licensekey.Options) (string, error)
}

// ErrSigningDisabled is returned by POST /admin/keys when no signing secret is configured
var ErrSigningDisabled = apierrors.New(http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "Self-signed key issuance is not configured")

// AdminHandler serves the /admin API
type AdminHandler struct {
	service      AdminService
	minter       KeyMinter
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewAdminHandler creates a new admin handler. minter may be nil.
func NewAdminHandler(service AdminService, minter KeyMinter, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:      service,
		minter:       minter,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns a chi router for admin endpoints
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/licenses", h.IssueLicense)
	r.Route("/licenses/{key}", func(r chi.Router) {
		r.Get("/", h.GetLicense)
		r.Get("/activations", h.ListActivations)
		r.Delete("/activations/{hardwareId}", h.ReleaseActivation)
		r.Post("/revoke", h.Revoke)
		r.Post("/suspend", h.Suspend)
		r.Post("/reinstate", h.Reinstate)
		r.Post("/renew", h.Renew)
	})
	r.Post("/keys", h.MintKey)
	return r
}

// IssueLicense handles POST /admin/licenses
func (h *AdminHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueLicenseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	lic, err := h.service.IssueLicense(r.Context(), entitlement.IssueParams{
		Key:            req.LicenseKey,
		UserID:         req.UserID,
		Plan:           req.Plan,
		Features:       req.Features,
		MaxActivations: req.MaxActivations,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "license issued",
		slog.String("license_key", infrastructure.MaskLicenseKey(lic.Key)),
		slog.String("user_id", lic.UserID),
		slog.String("plan", lic.Plan),
		slog.String("client", middleware.ClientFromContext(r.Context())))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic.View())
}

// GetLicense handles GET /admin/licenses/{key}
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.GetLicense(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic.View())
}

// ListActivations handles GET /admin/licenses/{key}/activations
func (h *AdminHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	acts, err := h.service.ListActivations(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	views := make([]domain.ActivationView, 0, len(acts))
	for _, a := range acts {
		views = append(views, a.View())
	}
	render.JSON(w, r, views)
}

// ReleaseActivation handles DELETE /admin/licenses/{key}/activations/{hardwareId}
func (h *AdminHandler) ReleaseActivation(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "hardwareId"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.DeactivateResponse{
		Success:              true,
		RemainingActivations: remaining,
	})
}

// Revoke handles POST /admin/licenses/{key}/revoke
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.service.Revoke)
}

// Suspend handles POST /admin/licenses/{key}/suspend
func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.service.Suspend)
}

func (h *AdminHandler) statusChange(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, string) (*entitlement.License, error)) {
	var req domain.StatusChangeRequest
	// The reason is optional, so is the body
	if r.ContentLength != 0 {
		if err := h.validator.Decode(r, &req); err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
	}

	lic, err := apply(r.Context(), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic.View())
}

// Reinstate handles POST /admin/licenses/{key}/reinstate
func (h *AdminHandler) Reinstate(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Reinstate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic.View())
}

// Renew handles POST /admin/licenses/{key}/renew
func (h *AdminHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req domain.RenewRequest
	if r.ContentLength != 0 {
		if err := h.validator.Decode(r, &req); err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
	}

	lic, err := h.service.Renew(r.Context(), chi.URLParam(r, "key"), req.ExpiresAt)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic.View())
}

// MintKey handles POST /admin/keys
func (h *AdminHandler) MintKey(w http.ResponseWriter, r *http.Request) {
	if h.minter == nil {
		h.errorHandler.HandleError(w, r, ErrSigningDisabled)
		return
	}

	var req domain.SignedKeyRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	key, err := h.minter.Generate(licensekey.Options{
		LicenseID:   strings.ToUpper(req.LicenseID),
		Tier:        strings.ToUpper(req.Tier),
		ExpiresAt:   req.ExpiresAt,
		Fingerprint: req.BindTo,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "self-signed key minted",
		slog.String("license_key", infrastructure.MaskLicenseKey(key)),
		slog.String("tier", strings.ToUpper(req.Tier)),
		slog.Bool("bound", req.BindTo != ""))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, domain.SignedKeyResponse{LicenseKey: key})
}
