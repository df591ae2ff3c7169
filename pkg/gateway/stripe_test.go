package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload builds a Stripe-Signature header the way the provider does:
// HMAC-SHA256 over "{timestamp}.{body}".
func signPayload(t *testing.T, payload []byte, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	_, err := fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	require.NoError(t, err)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestGateway(t *testing.T) *StripeGateway {
	t.Helper()
	g, err := NewStripeGateway(StripeConfig{
		APIKey:           "sk_test_123",
		WebhookSecret:    testWebhookSecret,
		WebhookTolerance: 5 * time.Minute,
	})
	require.NoError(t, err)
	return g
}

func TestNewStripeGateway_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewStripeGateway(StripeConfig{WebhookSecret: "whsec_x"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewStripeGateway(StripeConfig{APIKey: "sk_test_x"})
	assert.ErrorIs(t, err, ErrMissingWebhookSecret)
}

func TestVerifyWebhook_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)

	_, err := g.VerifyWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = g.VerifyWebhook(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhook_RejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)

	header := signPayload(t, payload, time.Now().Add(-time.Hour))
	_, err := g.VerifyWebhook(payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhook_ParsesSubscriptionEvent(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	payload := []byte(`{
		"id": "evt_sub_1",
		"type": "customer.subscription.updated",
		"account": "acct_123",
		"created": 1735689600,
		"data": {"object": {
			"id": "sub_42",
			"status": "active",
			"customer": {"id": "cus_9"},
			"current_period_end": 1738368000,
			"metadata": {"organization_id": "org-a", "membership_id": "mem-b"}
		}}
	}`)

	evt, err := g.VerifyWebhook(payload, signPayload(t, payload, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_sub_1", evt.ID)
	assert.Equal(t, "customer.subscription.updated", evt.Type)
	assert.Equal(t, "acct_123", evt.Account)
	require.NotNil(t, evt.Subscription)
	assert.Equal(t, "sub_42", evt.Subscription.ID)
	assert.Equal(t, "active", evt.Subscription.Status)
	assert.Equal(t, "cus_9", evt.Subscription.CustomerID)
	assert.Equal(t, "org-a", evt.Subscription.Metadata["organization_id"])
	assert.Nil(t, evt.Invoice)
	assert.Nil(t, evt.PaymentIntent)
}

func TestVerifyWebhook_ParsesInvoiceEvent(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	payload := []byte(`{
		"id": "evt_inv_1",
		"type": "invoice.paid",
		"account": "acct_123",
		"created": 1735689600,
		"data": {"object": {
			"id": "in_7",
			"amount_paid": 5375,
			"currency": "usd",
			"customer": {"id": "cus_9"},
			"subscription": {"id": "sub_42"},
			"payment_intent": {"id": "pi_55"},
			"status_transitions": {"paid_at": 1735693200},
			"metadata": {"membership_id": "mem-b"},
			"lines": {"data": [
				{"amount": 5000, "description": "Monthly dues", "price": {"id": "price_dues"}},
				{"amount": 375, "description": "Enrollment fee", "metadata": {"type": "enrollment_fee"}}
			]}
		}}
	}`)

	evt, err := g.VerifyWebhook(payload, signPayload(t, payload, time.Now()))
	require.NoError(t, err)

	require.NotNil(t, evt.Invoice)
	assert.Equal(t, int64(5375), evt.Invoice.AmountPaidCents)
	assert.Equal(t, "sub_42", evt.Invoice.SubscriptionID)
	assert.Equal(t, "pi_55", evt.Invoice.PaymentIntentID)
	require.Len(t, evt.Invoice.Lines, 2)
	assert.Equal(t, "price_dues", evt.Invoice.Lines[0].PriceID)
	assert.Equal(t, "enrollment_fee", evt.Invoice.Lines[1].Metadata["type"])
	assert.Equal(t, time.Unix(1735693200, 0).UTC(), evt.Invoice.PaidAt)
}

func TestVerifyWebhook_ParsesPaymentIntentEvent(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	payload := []byte(`{
		"id": "evt_pi_1",
		"type": "payment_intent.succeeded",
		"created": 1735689600,
		"data": {"object": {
			"id": "pi_77",
			"amount": 5000,
			"status": "succeeded",
			"metadata": {"organization_id": "org-a"}
		}}
	}`)

	evt, err := g.VerifyWebhook(payload, signPayload(t, payload, time.Now()))
	require.NoError(t, err)

	require.NotNil(t, evt.PaymentIntent)
	assert.Equal(t, "pi_77", evt.PaymentIntent.ID)
	assert.Equal(t, int64(5000), evt.PaymentIntent.AmountCents)
	assert.Equal(t, "succeeded", evt.PaymentIntent.Status)
}
