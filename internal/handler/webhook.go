package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	billingstripe "github.com/dukerupert/keygate/internal/billing/stripe"
	"github.com/dukerupert/keygate/internal/licensing"
)

type WebhookHandler struct {
	stripeClient *billingstripe.Client
	fulfillment  *licensing.Fulfillment
	logger       *slog.Logger
}

func NewWebhookHandler(sc *billingstripe.Client, f *licensing.Fulfillment, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{stripeClient: sc, fulfillment: f, logger: logger}
}

// HandleStripeWebhook verifies and dispatches a Stripe event. Events that
// can never succeed (bad metadata, invalid input) are acknowledged so
// Stripe stops retrying; storage failures return 500 so it retries.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "read body")
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		writeFailure(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		if errors.Is(err, billingstripe.ErrMissingMetadata) || licensing.KindOf(err) != licensing.KindStorage {
			h.logger.Warn("stripe event skipped", "event_id", event.ID, "type", event.Type, "error", err)
		} else {
			h.logger.Error("stripe event failed", "event_id", event.ID, "type", event.Type, "error", err)
			writeFailure(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case billingstripe.EventCheckoutCompleted:
		order, err := billingstripe.CheckoutOrder(event)
		if err != nil {
			return err
		}
		issued, err := h.fulfillment.Fulfill(ctx, order)
		if err != nil {
			return err
		}
		h.logger.Info("checkout fulfilled", "event_id", event.ID, "order_ref", order.Ref, "licenses", len(issued))
	case billingstripe.EventChargeRefunded:
		ref, err := billingstripe.RefundOrderRef(event)
		if err != nil {
			return err
		}
		disabled, err := h.fulfillment.Refund(ctx, ref)
		if err != nil {
			return err
		}
		h.logger.Info("refund processed", "event_id", event.ID, "order_ref", ref, "licenses", len(disabled))
	default:
		h.logger.Debug("stripe event ignored", "event_id", event.ID, "type", event.Type)
	}
	return nil
}
