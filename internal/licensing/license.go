package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/keygate/internal/keygen"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

const (
	keyAttempts    = 5
	sweepBatchSize = 100
)

// Notifier receives license lifecycle events. Delivery failures are the
// notifier's problem; callers only log returned errors.
type Notifier interface {
	LicenseCreated(ctx context.Context, l *model.License) error
	LicenseExpiring(ctx context.Context, l *model.License, daysRemaining int) error
	LicenseExpired(ctx context.Context, l *model.License) error
}

type nopNotifier struct{}

func (nopNotifier) LicenseCreated(context.Context, *model.License) error       { return nil }
func (nopNotifier) LicenseExpiring(context.Context, *model.License, int) error { return nil }
func (nopNotifier) LicenseExpired(context.Context, *model.License) error       { return nil }

type LicenseConfig struct {
	// DefaultExpiryDays is the validity of new licenses; 0 issues lifetime
	// licenses.
	DefaultExpiryDays     int
	DefaultMaxActivations int
	Grace                 GracePolicy
	QueryTimeout          time.Duration
}

// LicenseInput describes a license to issue. Zero fields take defaults.
type LicenseInput struct {
	ProductID      int64
	CustomerEmail  string
	Status         model.LicenseStatus
	ExpiresAt      *time.Time
	Lifetime       bool
	MaxActivations int
	Key            string
	OrderRef       string
}

// LicenseUpdate is an administrative edit; nil fields are left unchanged.
type LicenseUpdate struct {
	Status         *model.LicenseStatus
	ExpiresAt      *time.Time
	ClearExpiry    bool
	MaxActivations *int
	CustomerEmail  *string
}

// Validation is the outcome of a successful ValidateLicense.
type Validation struct {
	License *model.License
	// InGrace is set when the license is past expiry but the grace policy
	// still accepts it.
	InGrace bool
}

// LicenseService implements the license state machine.
type LicenseService struct {
	licenses *store.LicenseStore
	products *store.ProductStore
	notifier Notifier
	cfg      LicenseConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewLicenseService(ls *store.LicenseStore, ps *store.ProductStore, notifier Notifier, cfg LicenseConfig, logger *slog.Logger) *LicenseService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.Grace == nil {
		cfg.Grace = NoGrace{}
	}
	if cfg.DefaultMaxActivations < 1 {
		cfg.DefaultMaxActivations = 1
	}
	return &LicenseService{
		licenses: ls,
		products: ps,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateLicense issues a license for an existing product.
func (s *LicenseService) CreateLicense(ctx context.Context, in LicenseInput) (*model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	email := strings.TrimSpace(in.CustomerEmail)
	if email == "" {
		return nil, fmt.Errorf("customer email is required: %w", ErrInvalidInput)
	}
	status := in.Status
	if status == "" {
		status = model.LicenseActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, ErrInvalidInput)
	}
	maxActivations := in.MaxActivations
	if maxActivations == 0 {
		maxActivations = s.cfg.DefaultMaxActivations
	}
	if maxActivations < 1 {
		return nil, fmt.Errorf("max activations must be at least 1: %w", ErrInvalidInput)
	}

	product, err := s.products.GetByID(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrProductNotFound
	}

	l := model.License{
		ProductID:      product.ID,
		Status:         status,
		MaxActivations: maxActivations,
		CustomerEmail:  email,
	}
	switch {
	case in.Lifetime:
	case in.ExpiresAt != nil:
		t := in.ExpiresAt.UTC()
		l.ExpiresAt = &t
	case s.cfg.DefaultExpiryDays > 0:
		t := s.now().UTC().AddDate(0, 0, s.cfg.DefaultExpiryDays)
		l.ExpiresAt = &t
	}
	if in.OrderRef != "" {
		ref := in.OrderRef
		l.OrderRef = &ref
	}

	created, err := s.insert(ctx, l, in.Key)
	if err != nil {
		return nil, err
	}
	s.logger.Info("license created",
		"license_id", created.ID, "product_slug", product.Slug, "order_ref", in.OrderRef)

	if err := s.notifier.LicenseCreated(ctx, created); err != nil {
		s.logger.Warn("notify license created", "license_id", created.ID, "error", err)
	}
	return created, nil
}

func (s *LicenseService) insert(ctx context.Context, l model.License, key string) (*model.License, error) {
	if key != "" {
		l.Key = keygen.Normalize(key)
		created, err := s.licenses.Create(ctx, l)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("license key already issued: %w", ErrInvalidInput)
		}
		return created, err
	}

	for i := 0; i < keyAttempts; i++ {
		k, err := keygen.Generate()
		if err != nil {
			return nil, err
		}
		l.Key = k
		created, err := s.licenses.Create(ctx, l)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		return created, err
	}
	return nil, fmt.Errorf("insert license: no unique key after %d attempts", keyAttempts)
}

// ValidateLicense is the single gate in front of activation and update
// distribution. productID 0 skips the product check.
//
// An active license past its expiry, and outside grace, is moved to expired
// here and ErrLicenseExpired is returned.
func (s *LicenseService) ValidateLicense(ctx context.Context, key string, productID int64) (*Validation, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	l, err := s.licenses.GetByKey(ctx, keygen.Normalize(key))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}
	if productID != 0 && l.ProductID != productID {
		return nil, ErrProductMismatch
	}
	if err := statusError(l.Status); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if l.PastExpiry(now) {
		if s.cfg.Grace.InGrace(l, now) {
			return &Validation{License: l, InGrace: true}, nil
		}
		if _, err := s.expire(ctx, l, now); err != nil {
			return nil, err
		}
		return nil, ErrLicenseExpired
	}
	return &Validation{License: l}, nil
}

func statusError(status model.LicenseStatus) error {
	switch status {
	case model.LicenseExpired:
		return ErrLicenseExpired
	case model.LicenseDisabled:
		return ErrLicenseDisabled
	case model.LicenseInactive:
		return ErrLicenseInactive
	}
	return nil
}

// expire persists the active -> expired transition and reports whether this
// call made it. Only the caller that wins the conditional update emits the
// event.
func (s *LicenseService) expire(ctx context.Context, l *model.License, now time.Time) (bool, error) {
	ok, err := s.licenses.MarkExpired(ctx, l.ID, now)
	if err != nil {
		return false, err
	}
	l.Status = model.LicenseExpired
	if !ok {
		return false, nil
	}
	s.logger.Info("license expired", "license_id", l.ID, "license_key", l.Key)
	if err := s.notifier.LicenseExpired(ctx, l); err != nil {
		// The license will not be selected for expiry again, so this
		// notice is lost.
		s.logger.Error("expiry notice not delivered", "license_id", l.ID, "customer_email", l.CustomerEmail, "error", err)
	}
	return true, nil
}

func (s *LicenseService) GetLicense(ctx context.Context, id int64) (*model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}
	return l, nil
}

func (s *LicenseService) GetLicenseByKey(ctx context.Context, key string) (*model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	l, err := s.licenses.GetByKey(ctx, keygen.Normalize(key))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}
	return l, nil
}

func (s *LicenseService) ListLicenses(ctx context.Context, f store.ListFilter) ([]model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.licenses.List(ctx, f)
}

// UpdateLicense applies an administrative edit. No transition guard
// applies, except that an active license left past its expiry is expired
// immediately.
func (s *LicenseService) UpdateLicense(ctx context.Context, id int64, u LicenseUpdate) (*model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}

	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q: %w", *u.Status, ErrInvalidInput)
		}
		l.Status = *u.Status
	}
	if u.ClearExpiry {
		l.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		t := u.ExpiresAt.UTC()
		l.ExpiresAt = &t
	}
	if u.MaxActivations != nil {
		if *u.MaxActivations < 1 {
			return nil, fmt.Errorf("max activations must be at least 1: %w", ErrInvalidInput)
		}
		if *u.MaxActivations < l.Activations {
			return nil, fmt.Errorf("max activations below current activations (%d): %w", l.Activations, ErrInvalidInput)
		}
		l.MaxActivations = *u.MaxActivations
	}
	if u.CustomerEmail != nil {
		email := strings.TrimSpace(*u.CustomerEmail)
		if email == "" {
			return nil, fmt.Errorf("customer email is required: %w", ErrInvalidInput)
		}
		l.CustomerEmail = email
	}

	if _, err := s.licenses.Update(ctx, *l); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if l.Status == model.LicenseActive && l.PastExpiry(now) && !s.cfg.Grace.InGrace(l, now) {
		if _, err := s.expire(ctx, l, now); err != nil {
			return nil, err
		}
	}
	return s.licenses.GetByID(ctx, id)
}

func (s *LicenseService) DeleteLicense(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	ok, err := s.licenses.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("license deleted", "license_id", id)
	}
	return ok, nil
}

// IncrementActivations bumps the counter unless it is at the limit.
func (s *LicenseService) IncrementActivations(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	ok, err := s.licenses.IncrementActivations(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrLicenseNotFound
	}
	return ErrActivationLimit
}

// DecrementActivations lowers the counter, flooring at zero.
func (s *LicenseService) DecrementActivations(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	ok, err := s.licenses.DecrementActivations(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLicenseNotFound
	}
	return nil
}

// Disable revokes a single license.
func (s *LicenseService) Disable(ctx context.Context, id int64) (*model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	ok, err := s.licenses.SetStatus(ctx, id, model.LicenseDisabled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLicenseNotFound
	}
	s.logger.Info("license disabled", "license_id", id)
	return s.licenses.GetByID(ctx, id)
}

// DisableByOrder revokes every license issued for a refunded or cancelled
// order.
func (s *LicenseService) DisableByOrder(ctx context.Context, orderRef string) ([]model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	if orderRef == "" {
		return nil, fmt.Errorf("order reference is required: %w", ErrInvalidInput)
	}
	disabled, err := s.licenses.DisableByOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order licenses disabled", "order_ref", orderRef, "count", len(disabled))
	return disabled, nil
}

// Renew extends a license by days, counting from the later of now and the
// current expiry, and brings an expired license back to active. Lifetime
// licenses are returned unchanged; disabled licenses cannot be renewed.
func (s *LicenseService) Renew(ctx context.Context, id int64, days int) (*model.License, error) {
	if days < 1 {
		return nil, fmt.Errorf("renewal days must be positive: %w", ErrInvalidInput)
	}
	l, err := s.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == model.LicenseDisabled {
		return nil, ErrLicenseDisabled
	}
	if l.Lifetime() {
		return l, nil
	}

	base := s.now().UTC()
	if l.ExpiresAt.After(base) {
		base = *l.ExpiresAt
	}
	expiresAt := base.AddDate(0, 0, days)
	u := LicenseUpdate{ExpiresAt: &expiresAt}
	if l.Status == model.LicenseExpired {
		active := model.LicenseActive
		u.Status = &active
	}
	return s.UpdateLicense(ctx, id, u)
}

// SweepExpired expires every active license past its expiry that is not in
// grace and returns how many this call expired. It is safe to run
// concurrently with itself and with request traffic.
func (s *LicenseService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired := 0
	for {
		batch, err := s.listDue(ctx, now)
		if err != nil {
			return expired, err
		}
		progressed := false
		for i := range batch {
			l := &batch[i]
			if s.cfg.Grace.InGrace(l, now) {
				continue
			}
			won, err := s.expireWithTimeout(ctx, l, now)
			if err != nil {
				return expired, err
			}
			if won {
				expired++
			}
			progressed = true
		}
		if len(batch) < sweepBatchSize || !progressed {
			return expired, nil
		}
	}
}

func (s *LicenseService) listDue(ctx context.Context, now time.Time) ([]model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.licenses.ListDueForExpiry(ctx, now, sweepBatchSize)
}

func (s *LicenseService) expireWithTimeout(ctx context.Context, l *model.License, now time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.expire(ctx, l, now)
}

// RemindExpiring notifies owners of active licenses that expire in exactly
// d days (within the d-th 24 hour window from now) for each d in days.
func (s *LicenseService) RemindExpiring(ctx context.Context, days []int) (int, error) {
	now := s.now().UTC()
	reminded := 0
	for _, d := range days {
		if d < 1 {
			continue
		}
		from := now.AddDate(0, 0, d-1)
		to := now.AddDate(0, 0, d)
		licenses, err := s.listExpiring(ctx, from, to)
		if err != nil {
			return reminded, err
		}
		for i := range licenses {
			if err := s.notifier.LicenseExpiring(ctx, &licenses[i], d); err != nil {
				s.logger.Warn("notify license expiring", "license_id", licenses[i].ID, "error", err)
				continue
			}
			reminded++
		}
	}
	return reminded, nil
}

func (s *LicenseService) listExpiring(ctx context.Context, from, to time.Time) ([]model.License, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.licenses.ListExpiringBetween(ctx, from, to)
}

// Reconcile recounts every license's activations from the ledger.
func (s *LicenseService) Reconcile(ctx context.Context) (int64, error) {
	n, err := s.licenses.Reconcile(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("license counters reconciled", "count", n)
	}
	return n, nil
}
