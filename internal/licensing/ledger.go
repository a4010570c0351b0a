package licensing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/keygate/internal/keygen"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

const topDomainCount = 10

// ActivationResult is returned by a successful Activate.
type ActivationResult struct {
	Activation *model.Activation
	// Created is false when the domain was already activated.
	Created bool
}

// ActivationLedger tracks which domains hold a seat of each license.
type ActivationLedger struct {
	licenses    *LicenseService
	licenseRows *store.LicenseStore
	activations *store.ActivationStore
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewActivationLedger(svc *LicenseService, ls *store.LicenseStore, as *store.ActivationStore, timeout time.Duration, logger *slog.Logger) *ActivationLedger {
	return &ActivationLedger{
		licenses:    svc,
		licenseRows: ls,
		activations: as,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Activate claims a seat of the license for domain. Validation errors from
// the license are returned unchanged. Re-activating a recorded domain
// succeeds without consuming a seat.
func (a *ActivationLedger) Activate(ctx context.Context, key, domain string, productID int64, ip string) (*ActivationResult, error) {
	v, err := a.licenses.ValidateLicense(ctx, key, productID)
	if err != nil {
		return nil, err
	}
	l := v.License

	d := NormalizeDomain(domain)
	if d == "" {
		return nil, ErrInvalidDomain
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	act, created, err := a.activations.Activate(ctx, l.ID, l.ProductID, d, ip)
	if errors.Is(err, store.ErrLimitReached) {
		return nil, ErrActivationLimit
	}
	if err != nil {
		return nil, err
	}
	if created {
		a.logger.Info("domain activated", "license_id", l.ID, "domain", d)
	}
	return &ActivationResult{Activation: act, Created: created}, nil
}

// Deactivate releases the seat held by domain. Only existence and product
// ownership are checked, so expired and disabled licenses can still free
// their seats.
func (a *ActivationLedger) Deactivate(ctx context.Context, key, domain string, productID int64) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	l, err := a.licenseRows.GetByKey(ctx, keygen.Normalize(key))
	if err != nil {
		return err
	}
	if l == nil {
		return ErrLicenseNotFound
	}
	if productID != 0 && l.ProductID != productID {
		return ErrProductMismatch
	}

	d := NormalizeDomain(domain)
	if d == "" {
		return ErrInvalidDomain
	}

	ok, err := a.activations.Deactivate(ctx, l.ID, d)
	if err != nil {
		return err
	}
	if !ok {
		return ErrActivationNotFound
	}
	a.logger.Info("domain deactivated", "license_id", l.ID, "domain", d)
	return nil
}

// Stats reports totals, today's activations (UTC day) and the most
// activated domains.
func (a *ActivationLedger) Stats(ctx context.Context) (*model.ActivationStats, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	now := a.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return a.activations.Stats(ctx, today, topDomainCount)
}

func (a *ActivationLedger) ListActivations(ctx context.Context, licenseID int64) ([]model.Activation, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	l, err := a.licenseRows.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}
	return a.activations.ListByLicense(ctx, licenseID)
}
