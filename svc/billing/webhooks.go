package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khizerh/amanahlogic-sub002/pkg/feecalc"
	"github.com/khizerh/amanahlogic-sub002/pkg/gateway"
	"github.com/khizerh/amanahlogic-sub002/pkg/invoice"
	"github.com/khizerh/amanahlogic-sub002/pkg/period"
)

// Ack values returned to the provider in the response body. AckError
// still rides a 200 once the failure is in the ledger; redelivery is only
// requested when the ledger itself could not be written.
const (
	AckProcessed = "processed"
	AckDuplicate = "duplicate"
	AckError     = "error"
)

// errHeld marks deliveries that are well formed but cannot be attributed
// to a membership. They are acknowledged so the provider stops
// redelivering, and recorded as held for operator review.
var errHeld = errors.New("billing: webhook held for review")

// Metadata keys the platform stamps on provider objects at creation time
// and reads back from webhook payloads.
const (
	metaOrgID        = "organization_id"
	metaMembershipID = "membership_id"
)

// Amount-to-plan matching tolerance for provider invoices, in cents.
// Covers proration rounding on the provider side.
const amountMatchTolerance = 100

type webhookHandler func(ctx context.Context, event *gateway.Event) error

// WebhookProcessor reconciles provider webhook deliveries against the
// billing state. Every delivery is checked against the idempotency ledger
// before any side effect and recorded after, so provider redelivery and
// concurrent duplicate deliveries are safe.
type WebhookProcessor struct {
	store    Store
	engine   *Engine
	invoices *invoice.Service
	log      *slog.Logger

	handlers map[string]webhookHandler
}

func NewWebhookProcessor(store Store, engine *Engine, invoices *invoice.Service, log *slog.Logger) *WebhookProcessor {
	if store == nil {
		panic("billing: Store is required")
	}
	if engine == nil {
		panic("billing: Engine is required")
	}
	if invoices == nil {
		panic("billing: invoice.Service is required")
	}
	if log == nil {
		log = slog.Default()
	}

	p := &WebhookProcessor{store: store, engine: engine, invoices: invoices, log: log}
	p.handlers = map[string]webhookHandler{
		"customer.subscription.created": p.handleSubscriptionUpserted,
		"customer.subscription.updated": p.handleSubscriptionUpserted,
		"customer.subscription.deleted": p.handleSubscriptionDeleted,
		"invoice.paid":                  p.handleInvoicePaid,
		"invoice.payment_succeeded":     p.handleInvoicePaid,
		"invoice.payment_failed":        p.handleInvoiceFailed,
		"payment_intent.succeeded":      p.handlePaymentIntentSucceeded,
	}
	return p
}

// Process runs one verified event through its handler and returns the ack
// to send the provider. Events without a handler are acknowledged and
// recorded so the provider stops redelivering types the platform does not
// consume.
func (p *WebhookProcessor) Process(ctx context.Context, event *gateway.Event) (string, error) {
	if event == nil || event.ID == "" {
		return AckError, fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}

	if rec, err := p.store.WebhookEvent(ctx, event.ID); err != nil {
		return AckError, err
	} else if rec != nil {
		p.log.InfoContext(ctx, "duplicate webhook delivery",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type))
		return AckDuplicate, nil
	}

	handler, ok := p.handlers[event.Type]
	if !ok {
		p.log.DebugContext(ctx, "unhandled webhook event type",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type))
		return AckProcessed, p.record(ctx, event, WebhookProcessed, "")
	}

	if err := handler(ctx, event); err != nil {
		if errors.Is(err, errHeld) {
			p.log.WarnContext(ctx, "webhook held for review",
				slog.String("event_id", event.ID),
				slog.String("event_type", event.Type),
				slog.Any("error", err))
			return AckProcessed, p.record(ctx, event, WebhookHeld, err.Error())
		}

		// Record before acknowledging. The ledger row makes any
		// redelivery of this event a duplicate no-op, so the failure
		// surfaces through the ledger and an operator replay, never a
		// provider retry. Only a ledger write failure asks for
		// redelivery: nothing is recorded, so the retry can reprocess.
		p.log.ErrorContext(ctx, "webhook processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.Any("error", err))
		if recErr := p.record(ctx, event, WebhookFailed, err.Error()); recErr != nil {
			return AckError, recErr
		}
		return AckError, nil
	}

	return AckProcessed, p.record(ctx, event, WebhookProcessed, "")
}

func (p *WebhookProcessor) record(ctx context.Context, event *gateway.Event, status WebhookStatus, errMsg string) error {
	rec := &WebhookRecord{
		EventID:     event.ID,
		EventType:   event.Type,
		Status:      status,
		Error:       errMsg,
		ProcessedAt: time.Now().UTC(),
	}
	if orgID, ok := eventOrgID(event); ok {
		rec.OrgID = orgID
	}
	if mID, ok := eventMembershipID(event); ok {
		rec.MembershipID = mID
	}
	return p.store.RecordWebhookEvent(ctx, rec)
}

// handleSubscriptionUpserted syncs provider subscription state onto the
// membership. An active or trialing subscription hands billing to the
// provider: auto-pay on and no runner due date.
func (p *WebhookProcessor) handleSubscriptionUpserted(ctx context.Context, event *gateway.Event) error {
	sub := event.Subscription
	if sub == nil {
		return fmt.Errorf("%w: subscription payload missing", ErrInvalidRequest)
	}

	m, err := p.resolveMembership(ctx, sub.Metadata, sub.ID)
	if err != nil {
		if IsNotFound(err) {
			// Subscriptions created outside the platform carry no
			// metadata linking them here. Never guess the member.
			return fmt.Errorf("%w: no membership for subscription %s", errHeld, sub.ID)
		}
		return err
	}

	m.SubscriptionID = sub.ID
	m.SubscriptionStatus = sub.Status
	switch sub.Status {
	case "active", "trialing":
		m.AutoPay = true
		m.NextDueAt = nil
	case "canceled", "incomplete_expired":
		m.AutoPay = false
	}

	if err := p.store.UpdateMembership(ctx, m); err != nil {
		return err
	}

	p.log.InfoContext(ctx, "subscription synced",
		slog.String("membership_id", m.ID.String()),
		slog.String("subscription_id", sub.ID),
		slog.String("subscription_status", sub.Status))
	return nil
}

// handleSubscriptionDeleted returns the membership to manual billing. The
// membership lapses unless an operator already converted it to manual
// before the deletion arrived; the next due date picks up where the
// provider's last paid period ends, so the member is not billed for time
// the subscription already covered.
func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, event *gateway.Event) error {
	sub := event.Subscription
	if sub == nil {
		return fmt.Errorf("%w: subscription payload missing", ErrInvalidRequest)
	}

	m, err := p.resolveMembership(ctx, sub.Metadata, sub.ID)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: subscription %s deleted for unknown membership", errHeld, sub.ID)
		}
		return err
	}

	wasProviderBilled := m.OnProviderBilling()
	m.AutoPay = false
	m.SubscriptionID = ""
	m.SubscriptionStatus = ""
	if wasProviderBilled && m.Status == StatusCurrent {
		// The provider deletes subscriptions after exhausting its payment
		// retries; the member is behind until a manual payment lands.
		m.Status = StatusLapsed
	}
	if m.NextDueAt == nil && !m.Terminal() {
		var next time.Time
		if !sub.CurrentPeriodEnd.IsZero() {
			next = period.DateUTC(sub.CurrentPeriodEnd)
		} else if m.LastPaymentAt != nil {
			next = period.AddMonthsClamped(period.DateUTC(*m.LastPaymentAt), period.MonthsFor(m.Frequency))
		} else {
			next = period.DateUTC(time.Now())
		}
		m.NextDueAt = &next
	}

	if err := p.store.UpdateMembership(ctx, m); err != nil {
		return err
	}

	p.log.InfoContext(ctx, "subscription removed, membership on manual billing",
		slog.String("membership_id", m.ID.String()),
		slog.String("subscription_id", sub.ID),
		slog.String("status", string(m.Status)))
	return nil
}

// handleInvoicePaid records a provider-collected payment and settles it.
// The provider charges the gross amount; the base dues are recovered from
// the organization's fee policy, and months credited come from matching
// the base against the plan's per-frequency prices.
func (p *WebhookProcessor) handleInvoicePaid(ctx context.Context, event *gateway.Event) error {
	inv := event.Invoice
	if inv == nil {
		return fmt.Errorf("%w: invoice payload missing", ErrInvalidRequest)
	}
	if inv.AmountPaidCents <= 0 {
		return nil
	}

	m, err := p.resolveMembership(ctx, invoiceMetadata(inv), inv.SubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: no membership for paid invoice %s", errHeld, inv.ID)
		}
		return err
	}

	org, err := p.store.Organization(ctx, m.OrgID)
	if err != nil {
		return err
	}
	plan, err := p.store.Plan(ctx, m.PlanID)
	if err != nil {
		return err
	}

	duesGross, enrollGross := splitEnrollmentLines(inv)

	paidAt := inv.PaidAt
	if paidAt.IsZero() {
		paidAt = event.CreatedAt
	}
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	if enrollGross > 0 {
		if err := p.settleProviderPayment(ctx, org, m, enrollGross, PaymentEnrollmentFee, 0, inv, paidAt); err != nil {
			return err
		}
	}
	if duesGross > 0 {
		base, err := feecalc.ReverseBaseAmount(duesGross, org.PlatformFeeCents, org.PassFeesToMember)
		if err != nil {
			return err
		}
		months := period.MonthsFor(m.Frequency)
		if freq, ok := plan.MatchFrequency(base, amountMatchTolerance); ok {
			months = period.MonthsFor(freq)
		} else {
			p.log.WarnContext(ctx, "invoice amount matches no plan price, crediting membership frequency",
				slog.String("membership_id", m.ID.String()),
				slog.Int64("base_cents", base),
				slog.String("frequency", string(m.Frequency)))
		}
		if err := p.settleProviderPayment(ctx, org, m, duesGross, PaymentDues, months, inv, paidAt); err != nil {
			return err
		}
	}
	return nil
}

// settleProviderPayment creates the pending payment row for a provider
// charge and runs it through the settlement engine.
func (p *WebhookProcessor) settleProviderPayment(ctx context.Context, org *Organization, m *Membership, grossCents int64, typ PaymentType, months int, inv *gateway.InvoiceEvent, paidAt time.Time) error {
	base, err := feecalc.ReverseBaseAmount(grossCents, org.PlatformFeeCents, org.PassFeesToMember)
	if err != nil {
		return err
	}
	fees, err := feecalc.Calculate(base, org.PlatformFeeCents, org.PassFeesToMember)
	if err != nil {
		return err
	}

	number, err := p.invoices.Generate(ctx, org.ID, paidAt)
	if err != nil {
		return fmt.Errorf("generate invoice number: %w", err)
	}

	start := period.DateUTC(paidAt.In(org.Location()))
	pay := &Payment{
		ID:                uuid.New(),
		OrgID:             org.ID,
		MembershipID:      m.ID,
		Type:              typ,
		Method:            "card",
		Status:            PaymentPending,
		AmountCents:       base,
		ProcessorFeeCents: fees.Breakdown.ProcessorFee,
		PlatformFeeCents:  fees.Breakdown.PlatformFee,
		TotalCents:        grossCents,
		NetCents:          fees.NetAmount,
		MonthsCredited:    months,
		InvoiceNumber:     number,
		DueAt:             start,
		PeriodStart:       start,
		ProviderRef:       providerRef(inv),
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if months > 0 {
		pay.PeriodEnd = period.AddMonthsClamped(start, months).AddDate(0, 0, -1)
		pay.PeriodLabel = period.SpanLabel(start, months)
	}
	if err := p.store.CreatePayment(ctx, pay); err != nil {
		return err
	}

	_, err = p.engine.Settle(ctx, SettleRequest{
		PaymentID:   pay.ID,
		Method:      "card",
		PaidAt:      paidAt,
		ProviderRef: pay.ProviderRef,
	})
	return err
}

// handleInvoiceFailed marks the subscription past due and leaves a failed
// audit row. The runner never acts on provider-billed memberships, so the
// past_due status is informational until the provider gives up and
// deletes the subscription.
func (p *WebhookProcessor) handleInvoiceFailed(ctx context.Context, event *gateway.Event) error {
	inv := event.Invoice
	if inv == nil {
		return fmt.Errorf("%w: invoice payload missing", ErrInvalidRequest)
	}

	m, err := p.resolveMembership(ctx, invoiceMetadata(inv), inv.SubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: no membership for failed invoice %s", errHeld, inv.ID)
		}
		return err
	}

	if m.SubscriptionID != "" {
		m.SubscriptionStatus = "past_due"
		if err := p.store.UpdateMembership(ctx, m); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	pay := &Payment{
		ID:            uuid.New(),
		OrgID:         m.OrgID,
		MembershipID:  m.ID,
		Type:          PaymentDues,
		Method:        "card",
		Status:        PaymentFailed,
		AmountCents:   inv.AmountPaidCents,
		TotalCents:    inv.AmountPaidCents,
		ProviderRef:   providerRef(inv),
		FailureReason: "provider charge failed",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if pay.AmountCents == 0 {
		for _, line := range inv.Lines {
			pay.AmountCents += line.AmountCents
		}
		pay.TotalCents = pay.AmountCents
	}
	if err := p.store.CreatePayment(ctx, pay); err != nil {
		return err
	}

	p.log.InfoContext(ctx, "provider charge failed",
		slog.String("membership_id", m.ID.String()),
		slog.String("provider_invoice_id", inv.ID))
	return nil
}

// handlePaymentIntentSucceeded settles the pending payment the intent was
// created for. Charges with no matching pending payment are held; they
// belong to flows outside this platform's records and guessing a
// membership would corrupt counters.
func (p *WebhookProcessor) handlePaymentIntentSucceeded(ctx context.Context, event *gateway.Event) error {
	pi := event.PaymentIntent
	if pi == nil {
		return fmt.Errorf("%w: payment intent payload missing", ErrInvalidRequest)
	}

	orgID, ok := eventOrgID(event)
	if !ok {
		return fmt.Errorf("%w: payment intent %s carries no organization metadata", errHeld, pi.ID)
	}

	pay, err := p.store.PendingPaymentByProviderRef(ctx, orgID, pi.ID)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: payment intent %s matches no pending payment", errHeld, pi.ID)
		}
		return err
	}

	_, err = p.engine.Settle(ctx, SettleRequest{
		PaymentID:   pay.ID,
		Method:      "card",
		PaidAt:      event.CreatedAt,
		ProviderRef: pi.ID,
	})
	return err
}

// resolveMembership finds the membership a provider object belongs to:
// explicit membership metadata first, then the stored subscription
// linkage. Returns ErrMembershipNotFound when neither resolves.
func (p *WebhookProcessor) resolveMembership(ctx context.Context, metadata map[string]string, subscriptionID string) (*Membership, error) {
	if raw, ok := metadata[metaMembershipID]; ok && raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed membership metadata %q", ErrMembershipNotFound, raw)
		}
		return p.store.Membership(ctx, id)
	}
	if subscriptionID != "" {
		return p.store.MembershipBySubscription(ctx, subscriptionID)
	}
	return nil, ErrMembershipNotFound
}

func eventOrgID(event *gateway.Event) (uuid.UUID, bool) {
	for _, md := range eventMetadata(event) {
		if raw, ok := md[metaOrgID]; ok && raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}

func eventMembershipID(event *gateway.Event) (uuid.UUID, bool) {
	for _, md := range eventMetadata(event) {
		if raw, ok := md[metaMembershipID]; ok && raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}

func eventMetadata(event *gateway.Event) []map[string]string {
	var out []map[string]string
	if event.Subscription != nil {
		out = append(out, event.Subscription.Metadata)
	}
	if event.Invoice != nil {
		out = append(out, invoiceMetadata(event.Invoice))
	}
	if event.PaymentIntent != nil {
		out = append(out, event.PaymentIntent.Metadata)
	}
	return out
}

// invoiceMetadata merges line-level metadata under the invoice's own, so
// identifiers stamped on subscription items surface during resolution.
func invoiceMetadata(inv *gateway.InvoiceEvent) map[string]string {
	if len(inv.Lines) == 0 {
		return inv.Metadata
	}
	merged := make(map[string]string, len(inv.Metadata))
	for _, line := range inv.Lines {
		for k, v := range line.Metadata {
			merged[k] = v
		}
	}
	for k, v := range inv.Metadata {
		merged[k] = v
	}
	return merged
}

// splitEnrollmentLines separates one-time enrollment fee line items from
// recurring dues so each settles as its own payment type.
func splitEnrollmentLines(inv *gateway.InvoiceEvent) (duesCents, enrollmentCents int64) {
	if len(inv.Lines) == 0 {
		return inv.AmountPaidCents, 0
	}
	for _, line := range inv.Lines {
		if isEnrollmentLine(line) {
			enrollmentCents += line.AmountCents
		} else {
			duesCents += line.AmountCents
		}
	}
	// Line totals can drift from the charged amount by proration credit;
	// trust the charged amount for the dues side.
	if drift := inv.AmountPaidCents - duesCents - enrollmentCents; drift != 0 {
		duesCents += drift
	}
	return duesCents, enrollmentCents
}

func isEnrollmentLine(line gateway.InvoiceLine) bool {
	if line.Metadata["payment_type"] == string(PaymentEnrollmentFee) {
		return true
	}
	return strings.Contains(strings.ToLower(line.Description), "enrollment")
}

func providerRef(inv *gateway.InvoiceEvent) string {
	if inv.PaymentIntentID != "" {
		return inv.PaymentIntentID
	}
	return inv.ID
}
