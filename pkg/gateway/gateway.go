// Package gateway abstracts the payment provider behind a narrow interface
// so the billing engine never imports provider SDK types. The production
// implementation is Stripe with connected merchant accounts; tests use
// in-package fakes.
//
// The billing service itself only consumes VerifyWebhook. The mutating
// methods (subscription, price, and payment-intent management) back the
// member-facing enrollment and checkout flows, which run as a separate
// deployment against this same interface.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingAPIKey          = errors.New("gateway: API key is required")
	ErrMissingWebhookSecret   = errors.New("gateway: webhook secret is required")
	ErrInvalidSignature       = errors.New("gateway: webhook signature verification failed")
	ErrMissingMerchantAccount = errors.New("gateway: connected merchant account is required")
)

// PaymentGateway is the payment-provider surface the platform consumes.
// All mutating calls are scoped to a connected merchant account; the
// gateway keeps the provider's fee-splitting primitives behind
// ApplicationFeeCents on the request types.
type PaymentGateway interface {
	// VerifyWebhook authenticates a raw webhook delivery (HMAC over the
	// raw body with a shared secret and timestamp tolerance) and parses
	// it into a normalized Event. Invalid signatures fail with
	// ErrInvalidSignature before any payload inspection.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionInfo, error)
	UpdateSubscriptionPrice(ctx context.Context, account, subscriptionID, priceID string) error
	CancelSubscription(ctx context.Context, account, subscriptionID string) error

	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentInfo, error)
	GetPaymentIntent(ctx context.Context, account, id string) (*PaymentIntentInfo, error)

	// GetPaymentMethod returns a stored card descriptor. No raw card data
	// ever crosses this boundary.
	GetPaymentMethod(ctx context.Context, account, id string) (*CardDetails, error)

	// EnsurePrice creates a provider price (and backing product) for an
	// ad-hoc subscription item and returns its provider ID.
	EnsurePrice(ctx context.Context, req PriceRequest) (string, error)
}

// Event is a provider webhook delivery normalized for reconciliation.
// Exactly one of Subscription, Invoice, or PaymentIntent is populated,
// matching the event family.
type Event struct {
	ID        string
	Type      string
	Account   string // connected merchant account the event belongs to
	CreatedAt time.Time

	Subscription  *SubscriptionEvent
	Invoice       *InvoiceEvent
	PaymentIntent *PaymentIntentEvent
}

// SubscriptionEvent carries the subscription fields reconciliation needs.
type SubscriptionEvent struct {
	ID               string
	Status           string
	CustomerID       string
	Metadata         map[string]string
	CurrentPeriodEnd time.Time
}

// InvoiceEvent carries the invoice fields reconciliation needs.
type InvoiceEvent struct {
	ID              string
	SubscriptionID  string
	CustomerID      string
	PaymentIntentID string
	AmountPaidCents int64
	Currency        string
	Metadata        map[string]string
	Lines           []InvoiceLine
	PaidAt          time.Time
}

// InvoiceLine is a single line item on a provider invoice.
type InvoiceLine struct {
	Description string
	AmountCents int64
	PriceID     string
	Metadata    map[string]string
}

// PaymentIntentEvent carries the payment-intent fields reconciliation needs.
type PaymentIntentEvent struct {
	ID          string
	AmountCents int64
	Status      string
	Metadata    map[string]string
}

// SubscriptionRequest creates a provider-managed recurring subscription on
// a connected merchant account.
type SubscriptionRequest struct {
	Account    string
	CustomerID string
	PriceID    string
	// ApplicationFeePercent is the platform's cut of each recurring
	// charge; providers express recurring fee splits as a percentage.
	ApplicationFeePercent float64
	Metadata              map[string]string
}

// SubscriptionInfo is the provider's view of a subscription.
type SubscriptionInfo struct {
	ID               string
	Status           string
	CurrentPeriodEnd time.Time
}

// PaymentIntentRequest creates a one-off charge on a connected merchant
// account, with the platform's cut expressed as an application fee.
type PaymentIntentRequest struct {
	Account             string
	AmountCents         int64
	Currency            string
	CustomerID          string
	PaymentMethodID     string
	ApplicationFeeCents int64
	Description         string
	Metadata            map[string]string
}

// PaymentIntentInfo is the provider's view of a payment intent.
type PaymentIntentInfo struct {
	ID           string
	Status       string
	AmountCents  int64
	ClientSecret string
}

// CardDetails is a stored payment-method descriptor: type, brand, last
// four digits, and expiry only.
type CardDetails struct {
	Type     string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// PriceRequest creates a provider price for ad-hoc subscription items.
type PriceRequest struct {
	Account        string
	ProductName    string
	AmountCents    int64
	Currency       string
	IntervalMonths int
	Metadata       map[string]string
}
