// Package stripe turns verified Stripe webhook events into storefront
// orders and refunds.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/keygate/internal/licensing"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventChargeRefunded    = "charge.refunded"
)

// ErrMissingMetadata is returned when an event lacks the metadata needed to
// act on it.
var ErrMissingMetadata = errors.New("stripe event missing metadata")

type Config struct {
	WebhookSecret string `yaml:"webhook_secret" split_words:"true"`
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Configured returns true if a webhook secret is set.
func (c *Client) Configured() bool {
	return c.cfg.WebhookSecret != ""
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// CheckoutOrder reads a completed checkout session. The product comes from
// metadata product_slug; quantity and max_activations are optional. The
// order reference is metadata order_id, else the payment intent, else the
// session id.
func CheckoutOrder(event stripe.Event) (licensing.Order, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return licensing.Order{}, fmt.Errorf("unmarshal checkout session: %w", err)
	}

	slug := strings.TrimSpace(sess.Metadata["product_slug"])
	if slug == "" {
		return licensing.Order{}, fmt.Errorf("checkout session %s: product_slug: %w", sess.ID, ErrMissingMetadata)
	}

	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}

	o := licensing.Order{
		Ref:           sess.Metadata["order_id"],
		CustomerEmail: email,
		ProductSlug:   slug,
		ProductName:   sess.Metadata["product_name"],
		Quantity:      1,
	}
	if o.Ref == "" && sess.PaymentIntent != nil {
		o.Ref = sess.PaymentIntent.ID
	}
	if o.Ref == "" {
		o.Ref = sess.ID
	}
	if q, err := metadataInt(sess.Metadata, "quantity"); err != nil {
		return licensing.Order{}, fmt.Errorf("checkout session %s: %w", sess.ID, err)
	} else if q > 0 {
		o.Quantity = q
	}
	if m, err := metadataInt(sess.Metadata, "max_activations"); err != nil {
		return licensing.Order{}, fmt.Errorf("checkout session %s: %w", sess.ID, err)
	} else if m > 0 {
		o.MaxActivations = m
	}
	return o, nil
}

// RefundOrderRef returns the order reference of a refunded charge: metadata
// order_id, else the payment intent.
func RefundOrderRef(event stripe.Event) (string, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return "", fmt.Errorf("unmarshal charge: %w", err)
	}
	if ref := ch.Metadata["order_id"]; ref != "" {
		return ref, nil
	}
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		return ch.PaymentIntent.ID, nil
	}
	return "", fmt.Errorf("charge %s: order_id: %w", ch.ID, ErrMissingMetadata)
}

func metadataInt(md map[string]string, key string) (int, error) {
	v := strings.TrimSpace(md[key])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("metadata %s=%q: %w", key, v, err)
	}
	return n, nil
}
