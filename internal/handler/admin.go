package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/keygate/internal/artifact"
	"github.com/dukerupert/keygate/internal/auth"
	"github.com/dukerupert/keygate/internal/backup"
	"github.com/dukerupert/keygate/internal/licensing"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

type backupRunner interface {
	Status() backup.Status
	Run(ctx context.Context) (*artifact.Object, error)
}

// AdminHandler serves the token-protected catalog and license management
// routes.
type AdminHandler struct {
	registry *licensing.ProductRegistry
	licenses *licensing.LicenseService
	ledger   *licensing.ActivationLedger
	backups  backupRunner
	logger   *slog.Logger
}

// NewAdminHandler creates the handler. backups may be nil.
func NewAdminHandler(registry *licensing.ProductRegistry, licenses *licensing.LicenseService, ledger *licensing.ActivationLedger, backups backupRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, licenses: licenses, ledger: ledger, backups: backups, logger: logger}
}

func (h *AdminHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.registry.ListProducts(r.Context())
	if err != nil {
		writeError(w, h.logger, err, "list products")
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "products": products})
}

func (h *AdminHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug        string `json:"slug"`
		Name        string `json:"name" validate:"required"`
		Version     string `json:"version"`
		Changelog   string `json:"changelog"`
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.registry.CreateProduct(r.Context(), licensing.ProductInput{
		Slug:        req.Slug,
		Name:        req.Name,
		Version:     req.Version,
		Changelog:   req.Changelog,
		ArtifactRef: req.ArtifactRef,
	})
	if err != nil {
		writeError(w, h.logger, err, "create product", "slug", req.Slug)
		return
	}
	h.logger.Info("product created by admin", "product_id", p.ID, "by", auth.Subject(r.Context()))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "product": p})
}

func (h *AdminHandler) PublishUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var req struct {
		Version     string `json:"version" validate:"required"`
		Changelog   string `json:"changelog"`
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.registry.PublishUpdate(r.Context(), id, req.Version, req.Changelog, req.ArtifactRef)
	if err != nil {
		writeError(w, h.logger, err, "publish update", "product_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "product": p})
}

func (h *AdminHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid product id")
		return
	}
	if _, err := h.registry.GetProduct(r.Context(), id); err != nil {
		writeError(w, h.logger, err, "delete product", "product_id", id)
		return
	}
	ok, err := h.registry.DeleteProduct(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "delete product", "product_id", id)
		return
	}
	if !ok {
		writeFailure(w, http.StatusConflict, "product has licenses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Status:        model.LicenseStatus(q.Get("status")),
		CustomerEmail: q.Get("customer_email"),
		OrderRef:      q.Get("order_ref"),
		Limit:         100,
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeFailure(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	if v := q.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid product_id")
			return
		}
		f.ProductID = id
	}
	if f.Status != "" && !f.Status.Valid() {
		writeFailure(w, http.StatusBadRequest, "invalid status")
		return
	}

	licenses, err := h.licenses.ListLicenses(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err, "list licenses")
		return
	}
	if licenses == nil {
		licenses = []model.License{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "licenses": licenses})
}

func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	l, err := h.licenses.GetLicense(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "get license", "license_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "license": l})
}

func (h *AdminHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID      int64      `json:"product_id"`
		ProductSlug    string     `json:"product_slug" validate:"required_without=ProductID"`
		CustomerEmail  string     `json:"customer_email" validate:"required,email"`
		MaxActivations int        `json:"max_activations" validate:"min=0"`
		ExpiresAt      *time.Time `json:"expires_at"`
		Lifetime       bool       `json:"lifetime"`
		Status         string     `json:"status" validate:"omitempty,oneof=active inactive"`
		LicenseKey     string     `json:"license_key"`
		OrderRef       string     `json:"order_ref"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	productID := req.ProductID
	if productID == 0 {
		p, err := h.registry.GetProductBySlug(r.Context(), req.ProductSlug)
		if err != nil {
			writeError(w, h.logger, err, "create license", "product_slug", req.ProductSlug)
			return
		}
		productID = p.ID
	}

	l, err := h.licenses.CreateLicense(r.Context(), licensing.LicenseInput{
		ProductID:      productID,
		CustomerEmail:  req.CustomerEmail,
		Status:         model.LicenseStatus(req.Status),
		ExpiresAt:      req.ExpiresAt,
		Lifetime:       req.Lifetime,
		MaxActivations: req.MaxActivations,
		Key:            req.LicenseKey,
		OrderRef:       req.OrderRef,
	})
	if err != nil {
		writeError(w, h.logger, err, "create license", "product_id", productID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "license": l})
}

func (h *AdminHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	var req struct {
		Status         *string    `json:"status" validate:"omitempty,oneof=active inactive expired disabled"`
		ExpiresAt      *time.Time `json:"expires_at"`
		ClearExpiry    bool       `json:"clear_expiry"`
		MaxActivations *int       `json:"max_activations" validate:"omitempty,min=1"`
		CustomerEmail  *string    `json:"customer_email" validate:"omitempty,email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	u := licensing.LicenseUpdate{
		ExpiresAt:      req.ExpiresAt,
		ClearExpiry:    req.ClearExpiry,
		MaxActivations: req.MaxActivations,
		CustomerEmail:  req.CustomerEmail,
	}
	if req.Status != nil {
		s := model.LicenseStatus(*req.Status)
		u.Status = &s
	}

	l, err := h.licenses.UpdateLicense(r.Context(), id, u)
	if err != nil {
		writeError(w, h.logger, err, "update license", "license_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "license": l})
}

func (h *AdminHandler) RenewLicense(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	var req struct {
		Days int `json:"days" validate:"required,min=1"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	l, err := h.licenses.Renew(r.Context(), id, req.Days)
	if err != nil {
		writeError(w, h.logger, err, "renew license", "license_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "license": l})
}

func (h *AdminHandler) DisableLicense(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	l, err := h.licenses.Disable(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "disable license", "license_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "license": l})
}

func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	ok, err := h.licenses.DeleteLicense(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "delete license", "license_id", id)
		return
	}
	if !ok {
		writeFailure(w, http.StatusNotFound, licensing.ErrLicenseNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid license id")
		return
	}
	acts, err := h.ledger.ListActivations(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "list activations", "license_id", id)
		return
	}
	if acts == nil {
		acts = []model.Activation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "activations": acts})
}

func (h *AdminHandler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "backup": backup.Status{State: backup.StateDisabled}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "backup": h.backups.Status()})
}

func (h *AdminHandler) RunBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil || h.backups.Status().State == backup.StateDisabled {
		writeFailure(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}
	obj, err := h.backups.Run(r.Context())
	if err != nil {
		h.logger.Error("manual backup failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": obj.Key, "size": obj.Size})
}
