package billing_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/gateway"
	"github.com/khizerh/amanahlogic-sub002/pkg/invoice"
	"github.com/khizerh/amanahlogic-sub002/svc/billing"
)

// fakeGateway verifies nothing; it returns a canned event or a signature
// error depending on the header value.
type fakeGateway struct {
	event *gateway.Event
}

func (g *fakeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*gateway.Event, error) {
	if signatureHeader != "valid" {
		return nil, gateway.ErrInvalidSignature
	}
	return g.event, nil
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (*gateway.SubscriptionInfo, error) {
	return nil, nil
}

func (g *fakeGateway) UpdateSubscriptionPrice(ctx context.Context, account, subscriptionID, priceID string) error {
	return nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, account, subscriptionID string) error {
	return nil
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, req gateway.PaymentIntentRequest) (*gateway.PaymentIntentInfo, error) {
	return nil, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, account, id string) (*gateway.PaymentIntentInfo, error) {
	return nil, nil
}

func (g *fakeGateway) GetPaymentMethod(ctx context.Context, account, id string) (*gateway.CardDetails, error) {
	return nil, nil
}

func (g *fakeGateway) EnsurePrice(ctx context.Context, req gateway.PriceRequest) (string, error) {
	return "", nil
}

func newTestServer(f *fixture, gw gateway.PaymentGateway) *httptest.Server {
	invoices := invoice.NewService(f.store, f.store)
	engine := billing.NewEngine(f.store, nil, slog.Default())
	processor := billing.NewWebhookProcessor(f.store, engine, invoices, slog.Default())
	runner := billing.NewRunner(f.store, invoices, nil, slog.Default())

	return httptest.NewServer(billing.Router(billing.RouterOptions{
		Gateway:   gw,
		Processor: processor,
		Runner:    runner,
	}))
}

func TestRouter(t *testing.T) {
	t.Parallel()

	t.Run("webhook with invalid signature is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		srv := newTestServer(f, &fakeGateway{})
		defer srv.Close()

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/stripe", strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Stripe-Signature", "bogus")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("verified webhook is processed and duplicate acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.AutoPay = true
			m.SubscriptionID = "sub_abc"
		})
		srv := newTestServer(f, &fakeGateway{event: paidInvoiceEvent("evt_http", m, 5000)})
		defer srv.Close()

		post := func() map[string]string {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/stripe", strings.NewReader("{}"))
			require.NoError(t, err)
			req.Header.Set("Stripe-Signature", "valid")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			return body
		}

		assert.Equal(t, "processed", post()["status"])
		assert.Equal(t, "duplicate", post()["status"])

		got, err := f.store.Membership(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.PaidMonths)
	})

	t.Run("processing failure is acknowledged with error status", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.AutoPay = true
			m.SubscriptionID = "sub_abc"
			m.PlanID = uuid.New() // plan missing, processing fails
		})
		srv := newTestServer(f, &fakeGateway{event: paidInvoiceEvent("evt_http_fail", m, 5000)})
		defer srv.Close()

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/stripe", strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Stripe-Signature", "valid")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "error", body["status"])

		rec, err := f.store.WebhookEvent(context.Background(), "evt_http_fail")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, billing.WebhookFailed, rec.Status)
	})

	t.Run("admin run returns a report", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.membership(func(m *billing.Membership) {
			due := date(2020, time.January, 15)
			m.NextDueAt = &due
		})
		srv := newTestServer(f, &fakeGateway{})
		defer srv.Close()

		resp, err := http.Post(srv.URL+"/admin/billing/run?org_id="+f.org.ID.String()+"&dry_run=true", "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var report billing.RunReport
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
		assert.True(t, report.DryRun)
		require.Len(t, report.Orgs, 1)
		assert.Equal(t, 1, report.Orgs[0].MembershipsSeen)
	})

	t.Run("admin run rejects malformed org id", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		srv := newTestServer(f, &fakeGateway{})
		defer srv.Close()

		resp, err := http.Post(srv.URL+"/admin/billing/run?org_id=nope", "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
