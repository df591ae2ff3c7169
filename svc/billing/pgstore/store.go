// Package pgstore is the PostgreSQL implementation of the billing store.
// The two concurrency-sensitive primitives are single round trips: invoice
// sequences advance with an insert-or-increment upsert, and settlement
// uses a conditional UPDATE on the payment status inside one transaction,
// so concurrent settles of the same payment are impossible regardless of
// how many service instances run.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khizerh/amanahlogic-sub002/pkg/pg"
	"github.com/khizerh/amanahlogic-sub002/svc/billing"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("pgstore: pgxpool.Pool is required")
	}
	return &Store{pool: pool}
}

const orgColumns = `id, name, timezone, platform_fee_cents, pass_fees_to_member,
	merchant_account_id, merchant_onboarded, grace_days, cancel_after_months,
	eligibility_months, reminder_days`

func scanOrganization(row pgx.Row) (*billing.Organization, error) {
	var o billing.Organization
	err := row.Scan(&o.ID, &o.Name, &o.Timezone, &o.PlatformFeeCents, &o.PassFeesToMember,
		&o.MerchantAccountID, &o.MerchantOnboarded, &o.GraceDays, &o.CancelAfterMonths,
		&o.EligibilityMonths, &o.ReminderDays)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) Organization(ctx context.Context, id uuid.UUID) (*billing.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return o, nil
}

func (s *Store) Organizations(ctx context.Context) ([]billing.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY name`)
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	defer rows.Close()

	var out []billing.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, errors.Join(billing.ErrPersistence, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return out, nil
}

// OrganizationName implements invoice.OrganizationDirectory.
func (s *Store) OrganizationName(ctx context.Context, orgID uuid.UUID) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM organizations WHERE id = $1`, orgID).Scan(&name)
	if pg.IsNotFoundError(err) {
		return "", billing.ErrOrganizationNotFound
	}
	if err != nil {
		return "", errors.Join(billing.ErrPersistence, err)
	}
	return name, nil
}

// NextSequence implements invoice.SequenceStore with an atomic upsert. The
// returned value is unique per (organization, year-month) even under
// concurrent callers on separate connections.
func (s *Store) NextSequence(ctx context.Context, orgID uuid.UUID, yearMonth string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoice_sequences (org_id, year_month, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (org_id, year_month) DO UPDATE SET seq = invoice_sequences.seq + 1
		RETURNING seq`, orgID, yearMonth).Scan(&seq)
	if err != nil {
		return 0, errors.Join(billing.ErrPersistence, err)
	}
	return seq, nil
}

func (s *Store) Plan(ctx context.Context, id uuid.UUID) (*billing.Plan, error) {
	var p billing.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, monthly_cents, biannual_cents, annual_cents, enrollment_fee_cents
		FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.MonthlyCents, &p.BiannualCents, &p.AnnualCents, &p.EnrollmentFeeCents)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPlanNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return &p, nil
}

const membershipColumns = `id, org_id, member_id, plan_id, status, frequency, anniversary_day,
	paid_months, enrollment_paid, agreement_signed, joined_at, last_payment_at, next_due_at,
	eligible_at, cancelled_at, auto_pay, subscription_id, subscription_status,
	card_type, card_brand, card_last4, card_exp_month, card_exp_year,
	email, full_name, language`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*billing.Membership, error) {
	var (
		m    billing.Membership
		card billing.CardOnFile
	)
	err := row.Scan(&m.ID, &m.OrgID, &m.MemberID, &m.PlanID, &m.Status, &m.Frequency, &m.AnniversaryDay,
		&m.PaidMonths, &m.EnrollmentPaid, &m.AgreementSigned, &m.JoinedAt, &m.LastPaymentAt, &m.NextDueAt,
		&m.EligibleAt, &m.CancelledAt, &m.AutoPay, &m.SubscriptionID, &m.SubscriptionStatus,
		&card.Type, &card.Brand, &card.Last4, &card.ExpMonth, &card.ExpYear,
		&m.Email, &m.FullName, &m.Language)
	if err != nil {
		return nil, err
	}
	if card.Last4 != "" {
		m.Card = &card
	}
	return &m, nil
}

func membershipArgs(m *billing.Membership) []any {
	var card billing.CardOnFile
	if m.Card != nil {
		card = *m.Card
	}
	return []any{m.ID, m.OrgID, m.MemberID, m.PlanID, m.Status, m.Frequency, m.AnniversaryDay,
		m.PaidMonths, m.EnrollmentPaid, m.AgreementSigned, m.JoinedAt, m.LastPaymentAt, m.NextDueAt,
		m.EligibleAt, m.CancelledAt, m.AutoPay, m.SubscriptionID, m.SubscriptionStatus,
		card.Type, card.Brand, card.Last4, card.ExpMonth, card.ExpYear,
		m.Email, m.FullName, m.Language}
}

const membershipUpdateSQL = `
	UPDATE memberships SET
		status = $2, frequency = $3, anniversary_day = $4, paid_months = $5,
		enrollment_paid = $6, agreement_signed = $7, last_payment_at = $8, next_due_at = $9,
		eligible_at = $10, cancelled_at = $11, auto_pay = $12, subscription_id = $13,
		subscription_status = $14, card_type = $15, card_brand = $16, card_last4 = $17,
		card_exp_month = $18, card_exp_year = $19, email = $20, full_name = $21,
		language = $22, updated_at = now()
	WHERE id = $1`

func membershipUpdateArgs(m *billing.Membership) []any {
	var card billing.CardOnFile
	if m.Card != nil {
		card = *m.Card
	}
	return []any{m.ID, m.Status, m.Frequency, m.AnniversaryDay, m.PaidMonths,
		m.EnrollmentPaid, m.AgreementSigned, m.LastPaymentAt, m.NextDueAt,
		m.EligibleAt, m.CancelledAt, m.AutoPay, m.SubscriptionID,
		m.SubscriptionStatus, card.Type, card.Brand, card.Last4,
		card.ExpMonth, card.ExpYear, m.Email, m.FullName, m.Language}
}

func (s *Store) Membership(ctx context.Context, id uuid.UUID) (*billing.Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrMembershipNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return m, nil
}

func (s *Store) MembershipBySubscription(ctx context.Context, subscriptionID string) (*billing.Membership, error) {
	if subscriptionID == "" {
		return nil, billing.ErrMembershipNotFound
	}
	m, err := scanMembership(s.pool.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE subscription_id = $1`, subscriptionID))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrMembershipNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return m, nil
}

func (s *Store) ManualBillingMemberships(ctx context.Context, orgID uuid.UUID) ([]billing.Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+membershipColumns+` FROM memberships
		WHERE org_id = $1
		  AND status <> 'cancelled'
		  AND NOT (auto_pay AND subscription_id <> '')
		ORDER BY id`, orgID)
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	defer rows.Close()

	var out []billing.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.Join(billing.ErrPersistence, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return out, nil
}

func (s *Store) UpdateMembership(ctx context.Context, m *billing.Membership) error {
	tag, err := s.pool.Exec(ctx, membershipUpdateSQL, membershipUpdateArgs(m)...)
	if err != nil {
		return errors.Join(billing.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrMembershipNotFound
	}
	return nil
}

const paymentColumns = `id, org_id, membership_id, type, method, status,
	amount_cents, processor_fee_cents, platform_fee_cents, total_cents, net_cents,
	months_credited, invoice_number, due_at, period_start, period_end, period_label,
	provider_ref, failure_reason, reminders_sent, last_reminder_at,
	paid_at, created_at, updated_at`

func scanPayment(row rowScanner) (*billing.Payment, error) {
	var p billing.Payment
	err := row.Scan(&p.ID, &p.OrgID, &p.MembershipID, &p.Type, &p.Method, &p.Status,
		&p.AmountCents, &p.ProcessorFeeCents, &p.PlatformFeeCents, &p.TotalCents, &p.NetCents,
		&p.MonthsCredited, &p.InvoiceNumber, &p.DueAt, &p.PeriodStart, &p.PeriodEnd, &p.PeriodLabel,
		&p.ProviderRef, &p.FailureReason, &p.RemindersSent, &p.LastReminderAt,
		&p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Payment(ctx context.Context, id uuid.UUID) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return p, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, org_id, membership_id, type, method, status,
			amount_cents, processor_fee_cents, platform_fee_cents, total_cents, net_cents,
			months_credited, invoice_number, due_at, period_start, period_end, period_label,
			provider_ref, failure_reason, reminders_sent, last_reminder_at,
			paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)`,
		p.ID, p.OrgID, p.MembershipID, p.Type, p.Method, p.Status,
		p.AmountCents, p.ProcessorFeeCents, p.PlatformFeeCents, p.TotalCents, p.NetCents,
		p.MonthsCredited, p.InvoiceNumber, p.DueAt, p.PeriodStart, p.PeriodEnd, p.PeriodLabel,
		p.ProviderRef, p.FailureReason, p.RemindersSent, p.LastReminderAt,
		p.PaidAt, p.CreatedAt, p.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		// The partial unique index on pending (membership, due date)
		// rows: a concurrent run already created this invoice.
		return billing.ErrDuplicatePayment
	}
	if err != nil {
		return errors.Join(billing.ErrPersistence, err)
	}
	return nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET
			method = $2, status = $3, provider_ref = $4, failure_reason = $5,
			reminders_sent = $6, last_reminder_at = $7, paid_at = $8, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Method, p.Status, p.ProviderRef, p.FailureReason,
		p.RemindersSent, p.LastReminderAt, p.PaidAt)
	if err != nil {
		return errors.Join(billing.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

func (s *Store) PendingPaymentForDueDate(ctx context.Context, membershipID uuid.UUID, due time.Time) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE membership_id = $1 AND status = 'pending' AND due_at::date = $2::date
		LIMIT 1`, membershipID, due))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return p, nil
}

func (s *Store) OldestUnpaidPayment(ctx context.Context, membershipID uuid.UUID) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE membership_id = $1 AND status = 'pending'
		ORDER BY due_at ASC LIMIT 1`, membershipID))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return p, nil
}

func (s *Store) PendingPaymentByProviderRef(ctx context.Context, orgID uuid.UUID, ref string) (*billing.Payment, error) {
	if ref == "" {
		return nil, billing.ErrPaymentNotFound
	}
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE org_id = $1 AND provider_ref = $2 AND status = 'pending'
		LIMIT 1`, orgID, ref))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return p, nil
}

// CompletePayment settles a payment and applies the membership mutation in
// one transaction. The status flip is a conditional UPDATE: the row moves
// to completed only from pending or failed, so exactly one of any number
// of concurrent settles wins and the rest observe the completed row.
func (s *Store) CompletePayment(ctx context.Context, paymentID uuid.UUID, facts billing.SettlementFacts, mutate billing.MembershipMutation) (*billing.Payment, *billing.Membership, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, false, errors.Join(billing.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET
			status = 'completed', method = $2, paid_at = $3,
			provider_ref = CASE WHEN $4 = '' THEN provider_ref ELSE $4 END,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING `+paymentColumns, paymentID, facts.Method, facts.PaidAt, facts.ProviderRef))
	if pg.IsNotFoundError(err) {
		// Lost the race or the payment was settled long ago. Report the
		// stored state.
		return s.completedState(ctx, paymentID)
	}
	if err != nil {
		return nil, nil, false, errors.Join(billing.ErrPersistence, err)
	}

	m, err := scanMembership(tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1 FOR UPDATE`, p.MembershipID))
	if pg.IsNotFoundError(err) {
		return nil, nil, false, billing.ErrMembershipNotFound
	}
	if err != nil {
		return nil, nil, false, errors.Join(billing.ErrPersistence, err)
	}

	if err := mutate(p, m); err != nil {
		return nil, nil, false, err
	}

	if _, err := tx.Exec(ctx, membershipUpdateSQL, membershipUpdateArgs(m)...); err != nil {
		return nil, nil, false, errors.Join(billing.ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, errors.Join(billing.ErrPersistence, err)
	}
	return p, m, false, nil
}

// completedState reports a payment the conditional update refused to
// touch: already completed means idempotent success, refunded and unknown
// ids are errors.
func (s *Store) completedState(ctx context.Context, paymentID uuid.UUID) (*billing.Payment, *billing.Membership, bool, error) {
	p, err := s.Payment(ctx, paymentID)
	if err != nil {
		return nil, nil, false, err
	}
	switch p.Status {
	case billing.PaymentCompleted:
		m, err := s.Membership(ctx, p.MembershipID)
		if err != nil {
			return nil, nil, false, err
		}
		return p, m, true, nil
	case billing.PaymentRefunded:
		return nil, nil, false, billing.ErrPaymentRefunded
	default:
		return nil, nil, false, errors.Join(billing.ErrPersistence,
			errors.New("pgstore: settlement update matched no row"))
	}
}

func (s *Store) WebhookEvent(ctx context.Context, eventID string) (*billing.WebhookRecord, error) {
	var rec billing.WebhookRecord
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, org_id, membership_id, status, error, processed_at
		FROM webhook_events WHERE event_id = $1`, eventID).
		Scan(&rec.EventID, &rec.EventType, &rec.OrgID, &rec.MembershipID, &rec.Status, &rec.Error, &rec.ProcessedAt)
	if pg.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return &rec, nil
}

func (s *Store) RecordWebhookEvent(ctx context.Context, rec *billing.WebhookRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, org_id, membership_id, status, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, rec.OrgID, rec.MembershipID, rec.Status, rec.Error, rec.ProcessedAt)
	if err != nil {
		return errors.Join(billing.ErrPersistence, err)
	}
	return nil
}
