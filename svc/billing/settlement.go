package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khizerh/amanahlogic-sub002/pkg/mailer"
	"github.com/khizerh/amanahlogic-sub002/pkg/period"
)

// SettleRequest identifies a pending payment and the facts of its
// settlement.
type SettleRequest struct {
	PaymentID   uuid.UUID
	Method      string
	PaidAt      time.Time
	ProviderRef string
}

// SettleResult reports the membership counters after settlement.
// AlreadySettled is true when the payment had been completed by an earlier
// call; the counters then reflect the recorded state and BecameEligible is
// always false.
type SettleResult struct {
	AlreadySettled bool
	PaidMonths     int
	Status         MembershipStatus
	BecameEligible bool
	EligibleAt     *time.Time
	NextDueAt      *time.Time
}

// Engine is the payment settlement engine: the single code path that flips
// a payment to completed and advances the membership's paid-month counter,
// status, and eligibility. Both the billing runner's manual settlements
// and webhook reconciliation funnel through here.
type Engine struct {
	store    Store
	notifier mailer.Notifier
	log      *slog.Logger
}

func NewEngine(store Store, notifier mailer.Notifier, log *slog.Logger) *Engine {
	if store == nil {
		panic("billing: Store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, notifier: notifier, log: log}
}

// Settle marks a pending payment completed and applies its effects to the
// membership as one atomic unit. Re-settling a completed payment is a
// no-op that returns the recorded counters; months are never credited
// twice. Any failure leaves all state exactly as it was.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	if req.PaymentID == uuid.Nil {
		return SettleResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	if req.PaidAt.IsZero() {
		req.PaidAt = time.Now().UTC()
	}

	// The payment row locates the organization whose config drives
	// eligibility. CompletePayment re-checks the status atomically, so a
	// concurrent settle between this read and the update is harmless.
	payment, err := e.store.Payment(ctx, req.PaymentID)
	if err != nil {
		return SettleResult{}, err
	}
	org, err := e.store.Organization(ctx, payment.OrgID)
	if err != nil {
		return SettleResult{}, err
	}

	became := false
	facts := SettlementFacts{Method: req.Method, PaidAt: req.PaidAt, ProviderRef: req.ProviderRef}

	p, m, already, err := e.store.CompletePayment(ctx, req.PaymentID, facts, func(p *Payment, m *Membership) error {
		became = e.apply(p, m, org, req.PaidAt)
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}

	result := SettleResult{
		AlreadySettled: already,
		PaidMonths:     m.PaidMonths,
		Status:         m.Status,
		BecameEligible: became && !already,
		EligibleAt:     m.EligibleAt,
		NextDueAt:      m.NextDueAt,
	}

	if already {
		e.log.InfoContext(ctx, "payment already settled, returning recorded state",
			slog.String("payment_id", p.ID.String()),
			slog.String("membership_id", m.ID.String()))
		return result, nil
	}

	e.log.InfoContext(ctx, "payment settled",
		slog.String("payment_id", p.ID.String()),
		slog.String("membership_id", m.ID.String()),
		slog.String("invoice_number", p.InvoiceNumber),
		slog.Int("months_credited", p.MonthsCredited),
		slog.Int("paid_months", m.PaidMonths),
		slog.Bool("became_eligible", result.BecameEligible))

	// Best effort: a lost receipt never unwinds a settled payment.
	e.notifySettled(ctx, p, m, result.BecameEligible)

	return result, nil
}

// apply mutates the membership for a settled payment. It runs inside the
// store's atomic unit and must stay free of I/O.
func (e *Engine) apply(p *Payment, m *Membership, org *Organization, paidAt time.Time) (becameEligible bool) {
	oldMonths := m.PaidMonths
	m.PaidMonths += p.MonthsCredited
	m.LastPaymentAt = &paidAt

	if p.Type == PaymentEnrollmentFee {
		m.EnrollmentPaid = true
	}

	threshold := org.EligibilityThreshold()
	if m.EligibleAt == nil && oldMonths < threshold && m.PaidMonths >= threshold {
		eligibleAt := paidAt
		m.EligibleAt = &eligibleAt
		becameEligible = true
	}

	// Advance the due date past the period just paid. Provider-billed
	// memberships carry no runner schedule at all.
	if m.OnProviderBilling() {
		m.NextDueAt = nil
	} else if p.MonthsCredited > 0 {
		var anchor time.Time
		if !p.PeriodStart.IsZero() {
			anchor = p.PeriodStart
		} else if m.NextDueAt != nil {
			anchor = *m.NextDueAt
		} else {
			anchor = period.DateOf(paidAt)
		}
		next := period.AddMonthsClamped(anchor, p.MonthsCredited)
		m.NextDueAt = &next
	}

	switch m.Status {
	case StatusPending:
		// First settlement plus a signed agreement activates the member.
		if m.AgreementSigned {
			m.Status = StatusCurrent
		}
	case StatusLapsed:
		// A settlement that brings the member current on payments
		// restores them.
		if m.NextDueAt == nil || m.NextDueAt.After(paidAt) {
			m.Status = StatusCurrent
		}
	}

	return becameEligible
}

func (e *Engine) notifySettled(ctx context.Context, p *Payment, m *Membership, becameEligible bool) {
	if e.notifier == nil || m.Email == "" {
		return
	}

	_, err := e.notifier.Send(ctx, mailer.Notification{
		Template: mailer.TemplatePaymentReceived,
		To:       m.Email,
		Language: m.Language,
		Variables: map[string]any{
			"member_name":    m.FullName,
			"invoice_number": p.InvoiceNumber,
			"amount":         formatCents(p.TotalCents),
			"period_label":   p.PeriodLabel,
			"paid_months":    m.PaidMonths,
		},
	})
	if err != nil {
		e.log.WarnContext(ctx, "payment receipt notification failed",
			slog.String("membership_id", m.ID.String()),
			slog.Any("error", err))
	}

	if becameEligible {
		if _, err := e.notifier.Send(ctx, mailer.Notification{
			Template: mailer.TemplateEligibilityReached,
			To:       m.Email,
			Language: m.Language,
			Variables: map[string]any{
				"member_name": m.FullName,
				"paid_months": m.PaidMonths,
			},
		}); err != nil {
			e.log.WarnContext(ctx, "eligibility notification failed",
				slog.String("membership_id", m.ID.String()),
				slog.Any("error", err))
		}
	}
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
