package licensing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/keygate/internal/model"
)

func TestCreateLicenseDefaults(t *testing.T) {
	e := setupEnv(t, LicenseConfig{DefaultExpiryDays: 365, DefaultMaxActivations: 3})
	p := e.product(t, "widget", "1.0.0")
	now := time.Now().UTC()

	l, err := e.licenses.CreateLicense(context.Background(), LicenseInput{ProductID: p.ID, CustomerEmail: " bob@example.com "})
	if err != nil {
		t.Fatalf("create license: %v", err)
	}
	if !strings.HasPrefix(l.Key, "KG-") {
		t.Errorf("key = %q, want generated KG- key", l.Key)
	}
	if l.Status != model.LicenseActive {
		t.Errorf("status = %q, want active", l.Status)
	}
	if l.MaxActivations != 3 {
		t.Errorf("max_activations = %d, want 3", l.MaxActivations)
	}
	if l.CustomerEmail != "bob@example.com" {
		t.Errorf("customer_email = %q", l.CustomerEmail)
	}
	if l.ExpiresAt == nil {
		t.Fatal("expected default expiry")
	}
	if d := l.ExpiresAt.Sub(now.AddDate(0, 0, 365)); d < -time.Minute || d > time.Minute {
		t.Errorf("expires_at = %v, want about a year from now", l.ExpiresAt)
	}
	if len(e.notifier.created) != 1 || e.notifier.created[0] != l.ID {
		t.Errorf("created events = %v, want [%d]", e.notifier.created, l.ID)
	}
}

func TestCreateLicenseLifetimeByDefault(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	p := e.product(t, "widget", "1.0.0")

	l, err := e.licenses.CreateLicense(context.Background(), LicenseInput{ProductID: p.ID, CustomerEmail: "a@example.com"})
	if err != nil {
		t.Fatalf("create license: %v", err)
	}
	if !l.Lifetime() {
		t.Errorf("expires_at = %v, want lifetime", l.ExpiresAt)
	}
	if l.MaxActivations != 1 {
		t.Errorf("max_activations = %d, want 1", l.MaxActivations)
	}
}

func TestCreateLicenseExplicitKey(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")

	l, err := e.licenses.CreateLicense(ctx, LicenseInput{ProductID: p.ID, CustomerEmail: "a@example.com", Key: " kg-custom-1 "})
	if err != nil {
		t.Fatalf("create license: %v", err)
	}
	if l.Key != "KG-CUSTOM-1" {
		t.Errorf("key = %q, want KG-CUSTOM-1", l.Key)
	}

	_, err = e.licenses.CreateLicense(ctx, LicenseInput{ProductID: p.ID, CustomerEmail: "b@example.com", Key: "KG-CUSTOM-1"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("duplicate key err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateLicenseRequiresProductAndEmail(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")

	if _, err := e.licenses.CreateLicense(ctx, LicenseInput{ProductID: 999, CustomerEmail: "a@example.com"}); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("missing product err = %v, want ErrProductNotFound", err)
	}
	if _, err := e.licenses.CreateLicense(ctx, LicenseInput{ProductID: p.ID}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing email err = %v, want ErrInvalidInput", err)
	}
	if _, err := e.licenses.CreateLicense(ctx, LicenseInput{ProductID: p.ID, CustomerEmail: "a@example.com", Status: "paused"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad status err = %v, want ErrInvalidInput", err)
	}
}

func TestValidateLicense(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	other := e.product(t, "gadget", "1.0.0")
	l := e.license(t, p.ID, 1, ptrTime(time.Now().UTC().Add(24*time.Hour)))

	v, err := e.licenses.ValidateLicense(ctx, strings.ToLower(l.Key), p.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.License.ID != l.ID || v.InGrace {
		t.Errorf("validation = %+v", v)
	}

	if _, err := e.licenses.ValidateLicense(ctx, l.Key, 0); err != nil {
		t.Errorf("validate without product: %v", err)
	}
	if _, err := e.licenses.ValidateLicense(ctx, l.Key, other.ID); !errors.Is(err, ErrProductMismatch) {
		t.Errorf("wrong product err = %v, want ErrProductMismatch", err)
	}
	if _, err := e.licenses.ValidateLicense(ctx, "KG-NOPE", p.ID); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("unknown key err = %v, want ErrLicenseNotFound", err)
	}
}

func TestValidateLicenseStatuses(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")

	tests := []struct {
		status model.LicenseStatus
		want   error
	}{
		{model.LicenseInactive, ErrLicenseInactive},
		{model.LicenseDisabled, ErrLicenseDisabled},
		{model.LicenseExpired, ErrLicenseExpired},
	}
	for _, tt := range tests {
		l := e.license(t, p.ID, 1, nil)
		status := tt.status
		if _, err := e.licenses.UpdateLicense(ctx, l.ID, LicenseUpdate{Status: &status}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if _, err := e.licenses.ValidateLicense(ctx, l.Key, p.ID); !errors.Is(err, tt.want) {
			t.Errorf("status %s: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestValidateExpiresAndPersists(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	l := e.license(t, p.ID, 1, &yesterday)

	if _, err := e.licenses.ValidateLicense(ctx, l.Key, p.ID); !errors.Is(err, ErrLicenseExpired) {
		t.Fatalf("err = %v, want ErrLicenseExpired", err)
	}
	got, _ := e.licenses.GetLicense(ctx, l.ID)
	if got.Status != model.LicenseExpired {
		t.Errorf("status = %q, want expired persisted", got.Status)
	}

	// Subsequent validations fail the same way without emitting again.
	if _, err := e.licenses.ValidateLicense(ctx, l.Key, p.ID); !errors.Is(err, ErrLicenseExpired) {
		t.Errorf("second err = %v, want ErrLicenseExpired", err)
	}
	if len(e.notifier.expired) != 1 {
		t.Errorf("expired events = %d, want 1", len(e.notifier.expired))
	}
}

func TestValidateGrace(t *testing.T) {
	e := setupEnv(t, LicenseConfig{Grace: FixedGrace{Days: 3}})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")

	recent := e.license(t, p.ID, 1, ptrTime(time.Now().UTC().Add(-24*time.Hour)))
	v, err := e.licenses.ValidateLicense(ctx, recent.Key, p.ID)
	if err != nil {
		t.Fatalf("validate in grace: %v", err)
	}
	if !v.InGrace {
		t.Error("expected InGrace")
	}
	got, _ := e.licenses.GetLicense(ctx, recent.ID)
	if got.Status != model.LicenseActive {
		t.Errorf("status = %q, want active during grace", got.Status)
	}

	old := e.license(t, p.ID, 1, ptrTime(time.Now().UTC().Add(-4*24*time.Hour)))
	if _, err := e.licenses.ValidateLicense(ctx, old.Key, p.ID); !errors.Is(err, ErrLicenseExpired) {
		t.Errorf("past grace err = %v, want ErrLicenseExpired", err)
	}
}

func TestUpdateLicensePastExpiryExpires(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	l := e.license(t, p.ID, 1, nil)

	past := time.Now().UTC().Add(-time.Hour)
	got, err := e.licenses.UpdateLicense(ctx, l.ID, LicenseUpdate{ExpiresAt: &past})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != model.LicenseExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

func TestUpdateLicenseMaxActivations(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	l := e.license(t, p.ID, 3, nil)
	e.ledger.Activate(ctx, l.Key, "a.com", p.ID, "")
	e.ledger.Activate(ctx, l.Key, "b.com", p.ID, "")

	one := 1
	if _, err := e.licenses.UpdateLicense(ctx, l.ID, LicenseUpdate{MaxActivations: &one}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("shrinking below activations err = %v, want ErrInvalidInput", err)
	}
	five := 5
	got, err := e.licenses.UpdateLicense(ctx, l.ID, LicenseUpdate{MaxActivations: &five})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.MaxActivations != 5 || got.Activations != 2 {
		t.Errorf("max = %d activations = %d", got.MaxActivations, got.Activations)
	}

	if _, err := e.licenses.UpdateLicense(ctx, 999, LicenseUpdate{MaxActivations: &five}); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("missing license err = %v, want ErrLicenseNotFound", err)
	}
}

func TestIncrementDecrementActivations(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	l := e.license(t, p.ID, 1, nil)

	if err := e.licenses.IncrementActivations(ctx, l.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := e.licenses.IncrementActivations(ctx, l.ID); !errors.Is(err, ErrActivationLimit) {
		t.Errorf("increment past limit err = %v, want ErrActivationLimit", err)
	}
	if err := e.licenses.IncrementActivations(ctx, 999); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("increment missing err = %v, want ErrLicenseNotFound", err)
	}

	e.licenses.DecrementActivations(ctx, l.ID)
	e.licenses.DecrementActivations(ctx, l.ID)
	got, _ := e.licenses.GetLicense(ctx, l.ID)
	if got.Activations != 0 {
		t.Errorf("activations = %d, want 0", got.Activations)
	}
}

func TestRenew(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	l := e.license(t, p.ID, 1, &yesterday)
	e.licenses.ValidateLicense(ctx, l.Key, p.ID)

	got, err := e.licenses.Renew(ctx, l.ID, 30)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if got.Status != model.LicenseActive {
		t.Errorf("status = %q, want active after renewal", got.Status)
	}
	if got.ExpiresAt.Before(time.Now().UTC().AddDate(0, 0, 29)) {
		t.Errorf("expires_at = %v, want about 30 days out", got.ExpiresAt)
	}
	if _, err := e.licenses.ValidateLicense(ctx, l.Key, p.ID); err != nil {
		t.Errorf("validate after renewal: %v", err)
	}

	if _, err := e.licenses.Disable(ctx, l.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := e.licenses.Renew(ctx, l.ID, 30); !errors.Is(err, ErrLicenseDisabled) {
		t.Errorf("renew disabled err = %v, want ErrLicenseDisabled", err)
	}
}

func TestSweepExpired(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	past := time.Now().UTC().Add(-time.Hour)
	a := e.license(t, p.ID, 1, &past)
	b := e.license(t, p.ID, 1, &past)
	e.license(t, p.ID, 1, ptrTime(time.Now().UTC().Add(time.Hour)))

	n, err := e.licenses.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("expired %d, want 2", n)
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, _ := e.licenses.GetLicense(ctx, id)
		if got.Status != model.LicenseExpired {
			t.Errorf("license %d status = %q, want expired", id, got.Status)
		}
	}

	n, _ = e.licenses.SweepExpired(ctx)
	if n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}
	if len(e.notifier.expired) != 2 {
		t.Errorf("expired events = %d, want 2", len(e.notifier.expired))
	}
}

func TestSweepCountsOnlyItsOwnExpiries(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	past := time.Now().UTC().Add(-time.Hour)
	a := e.license(t, p.ID, 1, &past)
	b := e.license(t, p.ID, 1, &past)

	// While the sweep works through its batch, a validation expires the
	// other license first.
	keys := map[int64]string{a.ID: b.Key, b.ID: a.Key}
	fired := false
	e.notifier.onExpired = func(id int64) {
		if fired {
			return
		}
		fired = true
		if _, err := e.licenses.ValidateLicense(ctx, keys[id], 0); !errors.Is(err, ErrLicenseExpired) {
			t.Errorf("concurrent validate err = %v, want ErrLicenseExpired", err)
		}
	}

	n, err := e.licenses.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("sweep expired %d, want 1", n)
	}
	if len(e.notifier.expired) != 2 {
		t.Errorf("expired events = %d, want 2", len(e.notifier.expired))
	}
}

func TestExpiryNoticeFailureIsLoggedAsError(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	var buf bytes.Buffer
	e.licenses.logger = slog.New(slog.NewTextHandler(&buf, nil))
	e.notifier.err = errors.New("all sinks failed")

	p := e.product(t, "widget", "1.0.0")
	past := time.Now().UTC().Add(-time.Hour)
	l := e.license(t, p.ID, 1, &past)

	n, err := e.licenses.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "expiry notice not delivered") {
		t.Errorf("log = %q, want an error line for the lost notice", out)
	}
	if !strings.Contains(out, "license_id="+strconv.FormatInt(l.ID, 10)) {
		t.Errorf("log = %q, want license_id", out)
	}
}

func TestRemindExpiring(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()
	p := e.product(t, "widget", "1.0.0")
	now := time.Now().UTC()
	week := e.license(t, p.ID, 1, ptrTime(now.Add(7*24*time.Hour-time.Hour)))
	day := e.license(t, p.ID, 1, ptrTime(now.Add(12*time.Hour)))
	e.license(t, p.ID, 1, ptrTime(now.Add(20*24*time.Hour)))

	n, err := e.licenses.RemindExpiring(ctx, []int{7, 1})
	if err != nil {
		t.Fatalf("remind: %v", err)
	}
	if n != 2 {
		t.Errorf("reminded %d, want 2", n)
	}
	if e.notifier.expiring[week.ID] != 7 {
		t.Errorf("week license reminded with %d days, want 7", e.notifier.expiring[week.ID])
	}
	if e.notifier.expiring[day.ID] != 1 {
		t.Errorf("day license reminded with %d days, want 1", e.notifier.expiring[day.ID])
	}
}

func TestDisableByOrder(t *testing.T) {
	e := setupEnv(t, LicenseConfig{})
	ctx := context.Background()

	if _, err := e.licenses.DisableByOrder(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty order err = %v, want ErrInvalidInput", err)
	}
	disabled, err := e.licenses.DisableByOrder(ctx, "unknown-order")
	if err != nil {
		t.Fatalf("disable unknown order: %v", err)
	}
	if len(disabled) != 0 {
		t.Errorf("disabled %d, want 0", len(disabled))
	}
}
