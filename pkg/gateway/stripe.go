package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe credentials and webhook settings.
type StripeConfig struct {
	APIKey           string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret    string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// StripeGateway implements PaymentGateway using Stripe connected accounts.
// Charges are created directly on the tenant's merchant account with the
// platform's take expressed as an application fee.
type StripeGateway struct {
	api    *client.API
	config StripeConfig
}

// NewStripeGateway creates a Stripe-backed payment gateway. Missing
// credentials fail fast here rather than on the first API call.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}

	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	return &StripeGateway{api: api, config: cfg}, nil
}

// VerifyWebhook checks the Stripe-Signature header (HMAC-SHA256 over
// "{timestamp}.{body}" with the endpoint secret, constant-time compare,
// bounded timestamp skew) and normalizes the event payload.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.config.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.config.WebhookTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	evt := &Event{
		ID:        stripeEvent.ID,
		Type:      string(stripeEvent.Type),
		Account:   stripeEvent.Account,
		CreatedAt: time.Unix(stripeEvent.Created, 0).UTC(),
	}

	switch {
	case strings.HasPrefix(evt.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("gateway: malformed subscription payload: %w", err)
		}
		evt.Subscription = mapSubscription(&sub)

	case strings.HasPrefix(evt.Type, "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("gateway: malformed invoice payload: %w", err)
		}
		evt.Invoice = mapInvoice(&inv)

	case strings.HasPrefix(evt.Type, "payment_intent.") || strings.HasPrefix(evt.Type, "charge."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("gateway: malformed payment intent payload: %w", err)
		}
		evt.PaymentIntent = &PaymentIntentEvent{
			ID:          pi.ID,
			AmountCents: pi.Amount,
			Status:      string(pi.Status),
			Metadata:    pi.Metadata,
		}
	}

	return evt, nil
}

func mapSubscription(sub *stripe.Subscription) *SubscriptionEvent {
	out := &SubscriptionEvent{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

func mapInvoice(inv *stripe.Invoice) *InvoiceEvent {
	out := &InvoiceEvent{
		ID:              inv.ID,
		AmountPaidCents: inv.AmountPaid,
		Currency:        string(inv.Currency),
		Metadata:        inv.Metadata,
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		out.PaidAt = time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			item := InvoiceLine{
				Description: line.Description,
				AmountCents: line.Amount,
				Metadata:    line.Metadata,
			}
			if line.Price != nil {
				item.PriceID = line.Price.ID
			}
			out.Lines = append(out.Lines, item)
		}
	}
	return out
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionInfo, error) {
	if req.Account == "" {
		return nil, ErrMissingMerchantAccount
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceID)},
		},
	}
	params.Context = ctx
	params.SetStripeAccount(req.Account)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.ApplicationFeePercent > 0 {
		params.ApplicationFeePercent = stripe.Float64(req.ApplicationFeePercent)
	}

	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: create subscription: %w", err)
	}

	return &SubscriptionInfo{
		ID:               sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

func (g *StripeGateway) UpdateSubscriptionPrice(ctx context.Context, account, subscriptionID, priceID string) error {
	if account == "" {
		return ErrMissingMerchantAccount
	}

	current, err := g.api.Subscriptions.Get(subscriptionID, withAccount(ctx, account))
	if err != nil {
		return fmt.Errorf("gateway: load subscription: %w", err)
	}
	if len(current.Items.Data) == 0 {
		return fmt.Errorf("gateway: subscription %s has no items", subscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	params.SetStripeAccount(account)

	if _, err := g.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("gateway: update subscription price: %w", err)
	}
	return nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, account, subscriptionID string) error {
	if account == "" {
		return ErrMissingMerchantAccount
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	params.SetStripeAccount(account)

	if _, err := g.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("gateway: cancel subscription: %w", err)
	}
	return nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentInfo, error) {
	if req.Account == "" {
		return nil, ErrMissingMerchantAccount
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetStripeAccount(req.Account)
	if req.ApplicationFeeCents > 0 {
		params.ApplicationFeeAmount = stripe.Int64(req.ApplicationFeeCents)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: create payment intent: %w", err)
	}

	return &PaymentIntentInfo{
		ID:           pi.ID,
		Status:       string(pi.Status),
		AmountCents:  pi.Amount,
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, account, id string) (*PaymentIntentInfo, error) {
	pi, err := g.api.PaymentIntents.Get(id, withIntentAccount(ctx, account))
	if err != nil {
		return nil, fmt.Errorf("gateway: get payment intent: %w", err)
	}
	return &PaymentIntentInfo{
		ID:           pi.ID,
		Status:       string(pi.Status),
		AmountCents:  pi.Amount,
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (g *StripeGateway) GetPaymentMethod(ctx context.Context, account, id string) (*CardDetails, error) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}

	pm, err := g.api.PaymentMethods.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("gateway: get payment method: %w", err)
	}

	details := &CardDetails{Type: string(pm.Type)}
	if pm.Card != nil {
		details.Brand = string(pm.Card.Brand)
		details.Last4 = pm.Card.Last4
		details.ExpMonth = int(pm.Card.ExpMonth)
		details.ExpYear = int(pm.Card.ExpYear)
	}
	return details, nil
}

func (g *StripeGateway) EnsurePrice(ctx context.Context, req PriceRequest) (string, error) {
	if req.Account == "" {
		return "", ErrMissingMerchantAccount
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	productParams := &stripe.ProductParams{Name: stripe.String(req.ProductName)}
	productParams.Context = ctx
	productParams.SetStripeAccount(req.Account)

	product, err := g.api.Products.New(productParams)
	if err != nil {
		return "", fmt.Errorf("gateway: create product: %w", err)
	}

	priceParams := &stripe.PriceParams{
		Product:    stripe.String(product.ID),
		UnitAmount: stripe.Int64(req.AmountCents),
		Currency:   stripe.String(strings.ToLower(currency)),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String("month"),
			IntervalCount: stripe.Int64(int64(req.IntervalMonths)),
		},
	}
	priceParams.Context = ctx
	priceParams.SetStripeAccount(req.Account)
	for k, v := range req.Metadata {
		priceParams.AddMetadata(k, v)
	}

	price, err := g.api.Prices.New(priceParams)
	if err != nil {
		return "", fmt.Errorf("gateway: create price: %w", err)
	}
	return price.ID, nil
}

func withAccount(ctx context.Context, account string) *stripe.SubscriptionParams {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
	return params
}

func withIntentAccount(ctx context.Context, account string) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
	return params
}
