package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/keygate/internal/database"
	"github.com/dukerupert/keygate/internal/metrics"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupNotifier(t *testing.T, sinks ...Sink) (*Notifier, *store.NotificationStore, *model.License) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	ps := store.NewProductStore(db)
	p, err := ps.Create(ctx, model.Product{Slug: "pro-forms", Name: "Pro Forms"})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	exp := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	l, err := store.NewLicenseStore(db).Create(ctx, model.License{
		ProductID:      p.ID,
		Key:            "KG-TEST",
		Status:         model.LicenseActive,
		ExpiresAt:      &exp,
		MaxActivations: 1,
		CustomerEmail:  "alice@example.com",
	})
	if err != nil {
		t.Fatalf("create license: %v", err)
	}

	claims := store.NewNotificationStore(db)
	n := New(claims, ps, metrics.New(), discardLogger(), sinks...)
	n.now = func() time.Time { return time.Date(2026, 10, 25, 9, 0, 0, 0, time.UTC) }
	return n, claims, l
}

func TestNotifierDelivers(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n, _, l := setupNotifier(t, sink)

	if err := n.LicenseExpiring(context.Background(), l, 7); err != nil {
		t.Fatalf("LicenseExpiring: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("delivered %d events, want 1", sink.count())
	}
	ev := sink.events[0]
	if ev.Kind != model.NotifyLicenseExpiring {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.ProductName != "Pro Forms" || ev.ProductSlug != "pro-forms" {
		t.Errorf("product = %q/%q", ev.ProductName, ev.ProductSlug)
	}
	if ev.DaysRemaining != 7 {
		t.Errorf("days_remaining = %d", ev.DaysRemaining)
	}
	if ev.ID == "" {
		t.Error("event id not set")
	}
}

func TestNotifierDeduplicatesPerDay(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n, _, l := setupNotifier(t, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := n.LicenseExpired(ctx, l); err != nil {
			t.Fatalf("LicenseExpired: %v", err)
		}
	}
	if sink.count() != 1 {
		t.Fatalf("delivered %d events, want 1", sink.count())
	}

	n.now = func() time.Time { return time.Date(2026, 10, 26, 9, 0, 0, 0, time.UTC) }
	if err := n.LicenseExpired(ctx, l); err != nil {
		t.Fatalf("LicenseExpired next day: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("delivered %d events after day change, want 2", sink.count())
	}
}

func TestNotifierReleasesClaimWhenAllSinksFail(t *testing.T) {
	failing := &recordingSink{name: "down", err: errors.New("unreachable")}
	n, _, l := setupNotifier(t, failing)
	ctx := context.Background()

	if err := n.LicenseCreated(ctx, l); err == nil {
		t.Fatal("expected error when every sink fails")
	}

	failing.err = nil
	if err := n.LicenseCreated(ctx, l); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if failing.count() != 2 {
		t.Errorf("attempts = %d, want 2", failing.count())
	}
}

func TestNotifierPartialFailureKeepsClaim(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "down", err: errors.New("unreachable")}
	n, claims, l := setupNotifier(t, failing, ok)
	ctx := context.Background()

	if err := n.LicenseCreated(ctx, l); err != nil {
		t.Fatalf("LicenseCreated: %v", err)
	}
	free, err := claims.Claim(ctx, l.ID, model.NotifyLicenseCreated, "2026-10-25")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if free {
		t.Error("claim released despite one sink succeeding")
	}
}

func TestNotifierWithoutClaims(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n := New(nil, nil, nil, discardLogger(), sink)
	l := &model.License{ID: 9, ProductID: 3, Key: "KG-X", Status: model.LicenseActive}

	for i := 0; i < 2; i++ {
		if err := n.LicenseCreated(context.Background(), l); err != nil {
			t.Fatalf("LicenseCreated: %v", err)
		}
	}
	if sink.count() != 2 {
		t.Errorf("delivered %d, want 2 without dedup", sink.count())
	}
}
