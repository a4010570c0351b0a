package licensing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

const maxOrderQuantity = 100

// Order is a completed purchase handed over by the storefront.
type Order struct {
	Ref            string
	CustomerEmail  string
	ProductSlug    string
	ProductName    string
	Quantity       int
	MaxActivations int
}

// Fulfillment turns storefront orders into licenses and revokes them on
// refund.
type Fulfillment struct {
	registry *ProductRegistry
	licenses *LicenseService
	logger   *slog.Logger
}

func NewFulfillment(registry *ProductRegistry, licenses *LicenseService, logger *slog.Logger) *Fulfillment {
	return &Fulfillment{registry: registry, licenses: licenses, logger: logger}
}

// Fulfill issues one license per purchased unit, registering the product
// first if the storefront sells a slug we have not seen. Replaying an order
// that already has licenses returns them without issuing more.
func (f *Fulfillment) Fulfill(ctx context.Context, o Order) ([]model.License, error) {
	if strings.TrimSpace(o.Ref) == "" {
		return nil, fmt.Errorf("order reference is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(o.CustomerEmail) == "" {
		return nil, fmt.Errorf("order %s: customer email is required: %w", o.Ref, ErrInvalidInput)
	}
	qty := o.Quantity
	if qty < 1 {
		qty = 1
	}
	if qty > maxOrderQuantity {
		return nil, fmt.Errorf("order %s: quantity %d exceeds %d: %w", o.Ref, qty, maxOrderQuantity, ErrInvalidInput)
	}

	existing, err := f.licenses.ListLicenses(ctx, store.ListFilter{OrderRef: o.Ref})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		f.logger.Info("order already fulfilled", "order_ref", o.Ref, "count", len(existing))
		return existing, nil
	}

	name := o.ProductName
	if name == "" {
		name = o.ProductSlug
	}
	product, err := f.registry.EnsureProduct(ctx, o.ProductSlug, name)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", o.Ref, err)
	}

	issued := make([]model.License, 0, qty)
	for i := 0; i < qty; i++ {
		l, err := f.licenses.CreateLicense(ctx, LicenseInput{
			ProductID:      product.ID,
			CustomerEmail:  o.CustomerEmail,
			MaxActivations: o.MaxActivations,
			OrderRef:       o.Ref,
		})
		if err != nil {
			return issued, fmt.Errorf("order %s: license %d of %d: %w", o.Ref, i+1, qty, err)
		}
		issued = append(issued, *l)
	}
	f.logger.Info("order fulfilled", "order_ref", o.Ref, "product_slug", product.Slug, "count", len(issued))
	return issued, nil
}

// Refund disables every license issued for the order.
func (f *Fulfillment) Refund(ctx context.Context, orderRef string) ([]model.License, error) {
	return f.licenses.DisableByOrder(ctx, orderRef)
}
