package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SettlementFacts are the externally-observed facts about a settlement:
// how the member paid, when, and the provider's reference.
type SettlementFacts struct {
	Method      string
	PaidAt      time.Time
	ProviderRef string
}

// MembershipMutation applies the settlement's effects to the membership
// inside the store's atomic unit. The engine supplies it; stores never
// contain eligibility or status logic.
type MembershipMutation func(p *Payment, m *Membership) error

// Store is the persistence boundary for the billing engine. Implementations
// must provide two atomic primitives: CompletePayment's settle-once
// conditional update and the invoice SequenceStore's insert-or-increment.
// Neither may be emulated with an application-level read-then-write,
// because the service runs as multiple stateless instances.
type Store interface {
	Organization(ctx context.Context, id uuid.UUID) (*Organization, error)
	Organizations(ctx context.Context) ([]Organization, error)

	Plan(ctx context.Context, id uuid.UUID) (*Plan, error)

	Membership(ctx context.Context, id uuid.UUID) (*Membership, error)
	MembershipBySubscription(ctx context.Context, subscriptionID string) (*Membership, error)
	// ManualBillingMemberships lists an organization's memberships that
	// the billing runner owns: not cancelled and not on provider-managed
	// auto-pay.
	ManualBillingMemberships(ctx context.Context, orgID uuid.UUID) ([]Membership, error)
	UpdateMembership(ctx context.Context, m *Membership) error

	Payment(ctx context.Context, id uuid.UUID) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	// PendingPaymentForDueDate returns the pending payment for the
	// membership and due date, or ErrPaymentNotFound. The billing
	// runner's dedupe check.
	PendingPaymentForDueDate(ctx context.Context, membershipID uuid.UUID, due time.Time) (*Payment, error)
	// OldestUnpaidPayment returns the membership's oldest pending
	// payment, or ErrPaymentNotFound when the member is paid up.
	OldestUnpaidPayment(ctx context.Context, membershipID uuid.UUID) (*Payment, error)
	// PendingPaymentByProviderRef resolves a pending payment by the
	// provider's payment-intent reference.
	PendingPaymentByProviderRef(ctx context.Context, orgID uuid.UUID, ref string) (*Payment, error)

	// CompletePayment atomically settles a payment: flip status to
	// completed (guarded by a conditional update on the current status),
	// apply facts, run mutate against the owning membership, and persist
	// both as one unit. When the payment is already completed it returns
	// the stored rows untouched with alreadySettled=true. Refunded
	// payments fail with ErrPaymentRefunded; unknown ids with
	// ErrPaymentNotFound. Any failure leaves all state unchanged.
	CompletePayment(ctx context.Context, paymentID uuid.UUID, facts SettlementFacts, mutate MembershipMutation) (p *Payment, m *Membership, alreadySettled bool, err error)

	// WebhookEvent returns the ledger row for a provider event id, or
	// nil with no error when the event has not been seen.
	WebhookEvent(ctx context.Context, eventID string) (*WebhookRecord, error)
	// RecordWebhookEvent appends to the idempotency ledger. Recording an
	// already-present event id is a no-op, not an error.
	RecordWebhookEvent(ctx context.Context, rec *WebhookRecord) error
}
