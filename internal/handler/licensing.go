package handler

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/keygate/internal/licensing"
	"github.com/dukerupert/keygate/internal/metrics"
	"github.com/dukerupert/keygate/internal/middleware"
	"github.com/dukerupert/keygate/internal/model"
)

// LicensingHandler serves the plugin-facing /licensing/v1 endpoints.
type LicensingHandler struct {
	registry   *licensing.ProductRegistry
	licenses   *licensing.LicenseService
	ledger     *licensing.ActivationLedger
	gate       *licensing.UpdateGate
	metrics    *metrics.Metrics
	logger     *slog.Logger
	trustProxy bool
}

func NewLicensingHandler(
	registry *licensing.ProductRegistry,
	licenses *licensing.LicenseService,
	ledger *licensing.ActivationLedger,
	gate *licensing.UpdateGate,
	m *metrics.Metrics,
	logger *slog.Logger,
	trustProxy bool,
) *LicensingHandler {
	return &LicensingHandler{
		registry:   registry,
		licenses:   licenses,
		ledger:     ledger,
		gate:       gate,
		metrics:    m,
		logger:     logger,
		trustProxy: trustProxy,
	}
}

type licenseRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	ProductSlug string `json:"product_slug"`
}

type domainRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	Domain      string `json:"domain" validate:"required"`
	ProductSlug string `json:"product_slug"`
}

type updateCheckRequest struct {
	LicenseKey     string `json:"license_key" validate:"required"`
	ProductSlug    string `json:"product_slug" validate:"required"`
	CurrentVersion string `json:"current_version" validate:"required"`
}

type licenseSummary struct {
	Status         model.LicenseStatus `json:"status"`
	ExpiresAt      *time.Time          `json:"expires_at"`
	MaxActivations int                 `json:"max_activations"`
	Activations    int                 `json:"activations"`
	InGrace        bool                `json:"in_grace,omitempty"`
}

// productID resolves an optional slug; 0 means no product constraint.
func (h *LicensingHandler) productID(r *http.Request, slug string) (int64, error) {
	if slug == "" {
		return 0, nil
	}
	p, err := h.registry.GetProductBySlug(r.Context(), slug)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func (h *LicensingHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := bindParams(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	pid, err := h.productID(r, req.ProductSlug)
	if err != nil {
		h.metrics.Validation(licensing.KindOf(err).String())
		writeError(w, h.logger, err, "validate license", "product_slug", req.ProductSlug)
		return
	}

	v, err := h.licenses.ValidateLicense(r.Context(), req.LicenseKey, pid)
	if err != nil {
		h.metrics.Validation(licensing.KindOf(err).String())
		writeError(w, h.logger, err, "validate license", "product_slug", req.ProductSlug)
		return
	}
	outcome := "valid"
	if v.InGrace {
		outcome = "grace"
	}
	h.metrics.Validation(outcome)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"license": licenseSummary{
			Status:         v.License.Status,
			ExpiresAt:      v.License.ExpiresAt,
			MaxActivations: v.License.MaxActivations,
			Activations:    v.License.Activations,
			InGrace:        v.InGrace,
		},
	})
}

func (h *LicensingHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := bindParams(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	pid, err := h.productID(r, req.ProductSlug)
	if err != nil {
		h.metrics.Activation("activate", licensing.KindOf(err).String())
		writeError(w, h.logger, err, "activate domain", "product_slug", req.ProductSlug)
		return
	}

	res, err := h.ledger.Activate(r.Context(), req.LicenseKey, req.Domain, pid, middleware.RealIP(r, h.trustProxy))
	if err != nil {
		h.metrics.Activation("activate", licensing.KindOf(err).String())
		writeError(w, h.logger, err, "activate domain", "domain", req.Domain)
		return
	}

	msg := "domain already activated"
	outcome := "existing"
	if res.Created {
		msg = "domain activated"
		outcome = "created"
	}
	h.metrics.Activation("activate", outcome)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       msg,
		"activation_id": res.Activation.ID,
	})
}

func (h *LicensingHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := bindParams(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	pid, err := h.productID(r, req.ProductSlug)
	if err != nil {
		h.metrics.Activation("deactivate", licensing.KindOf(err).String())
		writeError(w, h.logger, err, "deactivate domain", "product_slug", req.ProductSlug)
		return
	}

	if err := h.ledger.Deactivate(r.Context(), req.LicenseKey, req.Domain, pid); err != nil {
		h.metrics.Activation("deactivate", licensing.KindOf(err).String())
		writeError(w, h.logger, err, "deactivate domain", "domain", req.Domain)
		return
	}
	h.metrics.Activation("deactivate", "removed")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "domain deactivated",
	})
}

func (h *LicensingHandler) UpdateCheck(w http.ResponseWriter, r *http.Request) {
	var req updateCheckRequest
	if err := bindParams(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.gate.CheckUpdate(r.Context(), req.LicenseKey, req.ProductSlug, req.CurrentVersion)
	if err != nil {
		writeError(w, h.logger, err, "update check", "product_slug", req.ProductSlug)
		return
	}

	resp := map[string]any{
		"success":        true,
		"has_update":     info.HasUpdate,
		"latest_version": info.LatestVersion,
	}
	if info.HasUpdate {
		resp["changelog"] = info.Changelog
		resp["download_url"] = info.DownloadURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LicensingHandler) UpdateDownload(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := bindParams(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProductSlug == "" {
		writeFailure(w, http.StatusBadRequest, "product_slug is required")
		return
	}

	dl, err := h.gate.AuthorizeDownload(r.Context(), req.LicenseKey, req.ProductSlug)
	if err != nil {
		writeError(w, h.logger, err, "update download", "product_slug", req.ProductSlug)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	if dl.Version != "" {
		w.Header().Set("X-Keygate-Version", dl.Version)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		h.logger.Warn("update download interrupted", "product_slug", req.ProductSlug, "error", err)
	}
}

// Stats requires an admin token.
func (h *LicensingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		writeError(w, h.logger, err, "activation stats")
		return
	}
	if stats.TopDomains == nil {
		stats.TopDomains = []model.DomainCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}
