// Package notify delivers license lifecycle events to email, Kafka, the
// admin feed and the log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/keygate/internal/metrics"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

// Event is the payload handed to every sink.
type Event struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	OccurredAt    time.Time  `json:"occurred_at"`
	LicenseID     int64      `json:"license_id"`
	LicenseKey    string     `json:"license_key"`
	ProductID     int64      `json:"product_id"`
	ProductSlug   string     `json:"product_slug,omitempty"`
	ProductName   string     `json:"product_name,omitempty"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at"`
	DaysRemaining int        `json:"days_remaining,omitempty"`
	OrderRef      string     `json:"order_ref,omitempty"`
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Notifier fans events out to its sinks. Each (license, kind, UTC day) is
// delivered at most once; the claim is released again when every sink
// fails so a later run can retry.
type Notifier struct {
	claims   *store.NotificationStore
	products *store.ProductStore
	sinks    []Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Notifier. claims and products may be nil, which disables
// deduplication and product name lookup respectively.
func New(claims *store.NotificationStore, products *store.ProductStore, m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{
		claims:   claims,
		products: products,
		sinks:    sinks,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

func (n *Notifier) LicenseCreated(ctx context.Context, l *model.License) error {
	return n.dispatch(ctx, model.NotifyLicenseCreated, l, 0)
}

func (n *Notifier) LicenseExpiring(ctx context.Context, l *model.License, days int) error {
	return n.dispatch(ctx, model.NotifyLicenseExpiring, l, days)
}

func (n *Notifier) LicenseExpired(ctx context.Context, l *model.License) error {
	return n.dispatch(ctx, model.NotifyLicenseExpired, l, 0)
}

func (n *Notifier) dispatch(ctx context.Context, kind string, l *model.License, days int) error {
	now := n.now().UTC()
	day := now.Format("2006-01-02")

	if n.claims != nil {
		claimed, err := n.claims.Claim(ctx, l.ID, kind, day)
		if err != nil {
			return err
		}
		if !claimed {
			n.logger.Debug("notification already sent", "license_id", l.ID, "kind", kind, "day", day)
			return nil
		}
	}

	ev := n.event(ctx, kind, l, days, now)

	var errs []error
	for _, s := range n.sinks {
		err := s.Deliver(ctx, ev)
		n.metrics.Notification(s.Name(), err)
		if err != nil {
			n.logger.Warn("notification sink failed", "sink", s.Name(), "kind", kind, "license_id", l.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	if len(n.sinks) > 0 && len(errs) == len(n.sinks) {
		if n.claims != nil {
			if err := n.claims.Release(ctx, l.ID, kind, day); err != nil {
				n.logger.Error("release notification claim", "license_id", l.ID, "kind", kind, "error", err)
			}
		}
		return fmt.Errorf("notify %s for license %d: %w", kind, l.ID, errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) event(ctx context.Context, kind string, l *model.License, days int, now time.Time) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		OccurredAt:    now,
		LicenseID:     l.ID,
		LicenseKey:    l.Key,
		ProductID:     l.ProductID,
		CustomerEmail: l.CustomerEmail,
		Status:        string(l.Status),
		ExpiresAt:     l.ExpiresAt,
		DaysRemaining: days,
	}
	if l.OrderRef != nil {
		ev.OrderRef = *l.OrderRef
	}
	if n.products != nil {
		p, err := n.products.GetByID(ctx, l.ProductID)
		if err != nil {
			n.logger.Warn("notification product lookup", "product_id", l.ProductID, "error", err)
		} else if p != nil {
			ev.ProductSlug = p.Slug
			ev.ProductName = p.Name
		}
	}
	return ev
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
