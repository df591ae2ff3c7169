package billing_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/period"
	"github.com/khizerh/amanahlogic-sub002/svc/billing"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store *billing.MemoryStore
	org   *billing.Organization
	plan  *billing.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := billing.NewMemoryStore()
	org := &billing.Organization{
		ID:               uuid.New(),
		Name:             "Islamic Center of Fremont",
		Timezone:         "America/Los_Angeles",
		PlatformFeeCents: 200,
	}
	plan := &billing.Plan{
		ID:                 uuid.New(),
		OrgID:              org.ID,
		Name:               "Family",
		MonthlyCents:       5000,
		BiannualCents:      30000,
		AnnualCents:        60000,
		EnrollmentFeeCents: 10000,
	}
	store.PutOrganization(org)
	store.PutPlan(plan)
	return &fixture{store: store, org: org, plan: plan}
}

func (f *fixture) membership(fn func(m *billing.Membership)) *billing.Membership {
	m := &billing.Membership{
		ID:              uuid.New(),
		OrgID:           f.org.ID,
		MemberID:        uuid.New(),
		PlanID:          f.plan.ID,
		Status:          billing.StatusCurrent,
		Frequency:       period.Monthly,
		AnniversaryDay:  15,
		AgreementSigned: true,
		JoinedAt:        date(2020, time.January, 15),
		Email:           "member@example.com",
		FullName:        "Ahmed Khan",
	}
	if fn != nil {
		fn(m)
	}
	f.store.PutMembership(m)
	return m
}

func (f *fixture) pendingPayment(m *billing.Membership, fn func(p *billing.Payment)) *billing.Payment {
	due := date(2025, time.January, 15)
	p := &billing.Payment{
		ID:             uuid.New(),
		OrgID:          f.org.ID,
		MembershipID:   m.ID,
		Type:           billing.PaymentDues,
		Status:         billing.PaymentPending,
		AmountCents:    5000,
		TotalCents:     5000,
		MonthsCredited: 1,
		InvoiceNumber:  "INV-OF-202501-0001",
		DueAt:          due,
		PeriodStart:    due,
		PeriodEnd:      date(2025, time.February, 14),
		PeriodLabel:    "January 2025",
	}
	if fn != nil {
		fn(p)
	}
	f.store.PutPayment(p)
	return p
}

func newEngine(store *billing.MemoryStore) *billing.Engine {
	return billing.NewEngine(store, nil, slog.Default())
}

func TestEngine_Settle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("credits months and advances due date", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.PaidMonths = 10
			due := date(2025, time.January, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, nil)

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{
			PaymentID:   p.ID,
			Method:      "cash",
			PaidAt:      date(2025, time.January, 16),
			ProviderRef: "",
		})
		require.NoError(t, err)

		assert.False(t, res.AlreadySettled)
		assert.Equal(t, 11, res.PaidMonths)
		assert.Equal(t, billing.StatusCurrent, res.Status)
		assert.False(t, res.BecameEligible)
		require.NotNil(t, res.NextDueAt)
		assert.Equal(t, date(2025, time.February, 15), *res.NextDueAt)

		stored, err := f.store.Payment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCompleted, stored.Status)
		assert.Equal(t, "cash", stored.Method)
		require.NotNil(t, stored.PaidAt)
	})

	t.Run("re-settling a completed payment is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.PaidMonths = 10
			due := date(2025, time.January, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, nil)

		eng := newEngine(f.store)
		req := billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 16)}

		first, err := eng.Settle(ctx, req)
		require.NoError(t, err)
		second, err := eng.Settle(ctx, req)
		require.NoError(t, err)

		assert.False(t, first.AlreadySettled)
		assert.True(t, second.AlreadySettled)
		assert.Equal(t, first.PaidMonths, second.PaidMonths)
		assert.False(t, second.BecameEligible)

		got, err := f.store.Membership(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, 11, got.PaidMonths)
	})

	t.Run("stamps eligible date exactly once at the threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.PaidMonths = 59
			due := date(2025, time.January, 15)
			m.NextDueAt = &due
		})
		p1 := f.pendingPayment(m, nil)
		p2 := f.pendingPayment(m, func(p *billing.Payment) {
			p.DueAt = date(2025, time.February, 15)
			p.PeriodStart = p.DueAt
			p.InvoiceNumber = "INV-OF-202502-0001"
		})

		eng := newEngine(f.store)
		res1, err := eng.Settle(ctx, billing.SettleRequest{PaymentID: p1.ID, Method: "card", PaidAt: date(2025, time.January, 15)})
		require.NoError(t, err)
		assert.True(t, res1.BecameEligible)
		require.NotNil(t, res1.EligibleAt)
		firstEligibleAt := *res1.EligibleAt

		res2, err := eng.Settle(ctx, billing.SettleRequest{PaymentID: p2.ID, Method: "card", PaidAt: date(2025, time.February, 15)})
		require.NoError(t, err)
		assert.False(t, res2.BecameEligible)
		require.NotNil(t, res2.EligibleAt)
		assert.Equal(t, firstEligibleAt, *res2.EligibleAt)
		assert.Equal(t, 61, res2.PaidMonths)
	})

	t.Run("back dues credit multiple months and can cross the threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.PaidMonths = 55
			due := date(2024, time.June, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.Type = billing.PaymentBackDues
			p.MonthsCredited = 6
			p.DueAt = date(2024, time.June, 15)
			p.PeriodStart = p.DueAt
		})

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "cash", PaidAt: date(2025, time.January, 10)})
		require.NoError(t, err)
		assert.Equal(t, 61, res.PaidMonths)
		assert.True(t, res.BecameEligible)
		require.NotNil(t, res.NextDueAt)
		assert.Equal(t, date(2024, time.December, 15), *res.NextDueAt)
	})

	t.Run("enrollment fee flips the flag without crediting months", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.Status = billing.StatusPending
		})
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.Type = billing.PaymentEnrollmentFee
			p.MonthsCredited = 0
			p.AmountCents = 10000
			p.TotalCents = 10000
		})

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 5)})
		require.NoError(t, err)
		assert.Equal(t, 0, res.PaidMonths)
		assert.Equal(t, billing.StatusCurrent, res.Status)

		got, err := f.store.Membership(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, got.EnrollmentPaid)
	})

	t.Run("pending membership stays pending without signed agreement", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.Status = billing.StatusPending
			m.AgreementSigned = false
		})
		p := f.pendingPayment(m, nil)

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 16)})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPending, res.Status)
	})

	t.Run("lapsed membership restored when brought current", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.Status = billing.StatusLapsed
			m.PaidMonths = 12
			due := date(2024, time.November, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.Type = billing.PaymentBackDues
			p.MonthsCredited = 3
			p.DueAt = date(2024, time.November, 15)
			p.PeriodStart = p.DueAt
		})

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "cash", PaidAt: date(2025, time.January, 10)})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCurrent, res.Status)
		require.NotNil(t, res.NextDueAt)
		assert.Equal(t, date(2025, time.February, 15), *res.NextDueAt)
	})

	t.Run("lapsed membership stays lapsed when still behind", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.Status = billing.StatusLapsed
			m.PaidMonths = 12
			due := date(2024, time.June, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.DueAt = date(2024, time.June, 15)
			p.PeriodStart = p.DueAt
		})

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "cash", PaidAt: date(2025, time.January, 10)})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusLapsed, res.Status)
	})

	t.Run("refunded payment cannot be settled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(nil)
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.Status = billing.PaymentRefunded
		})

		_, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 16)})
		require.ErrorIs(t, err, billing.ErrPaymentRefunded)
	})

	t.Run("failed payment can be settled on retry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			due := date(2025, time.January, 15)
			m.NextDueAt = &due
		})
		p := f.pendingPayment(m, func(p *billing.Payment) {
			p.Status = billing.PaymentFailed
			p.FailureReason = "card declined"
		})

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 20)})
		require.NoError(t, err)
		assert.Equal(t, 1, res.PaidMonths)
	})

	t.Run("unknown payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: uuid.New(), Method: "card", PaidAt: date(2025, time.January, 16)})
		require.ErrorIs(t, err, billing.ErrPaymentNotFound)
	})

	t.Run("provider-billed membership keeps nil due date", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := f.membership(func(m *billing.Membership) {
			m.AutoPay = true
			m.SubscriptionID = "sub_123"
		})
		p := f.pendingPayment(m, nil)

		res, err := newEngine(f.store).Settle(ctx, billing.SettleRequest{PaymentID: p.ID, Method: "card", PaidAt: date(2025, time.January, 16)})
		require.NoError(t, err)
		assert.Nil(t, res.NextDueAt)
	})
}
