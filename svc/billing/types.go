package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/khizerh/amanahlogic-sub002/pkg/period"
)

// MembershipStatus is the lifecycle state of a membership.
type MembershipStatus string

const (
	StatusPending   MembershipStatus = "pending"
	StatusCurrent   MembershipStatus = "current"
	StatusLapsed    MembershipStatus = "lapsed"
	StatusCancelled MembershipStatus = "cancelled"
)

// PaymentStatus is the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentType classifies what a payment is for.
type PaymentType string

const (
	PaymentEnrollmentFee PaymentType = "enrollment_fee"
	PaymentDues          PaymentType = "dues"
	PaymentBackDues      PaymentType = "back_dues"
)

// WebhookStatus is the processing outcome recorded in the idempotency
// ledger.
type WebhookStatus string

const (
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
	WebhookHeld      WebhookStatus = "held"
)

// Defaults applied when an organization's billing config leaves a field
// unset.
const (
	DefaultEligibilityMonths = 60
	DefaultGraceDays         = 30
	DefaultCancelMonths      = 24
)

// Organization is a tenant: a burial-benefit association with its own fee
// policy, billing configuration, and connected merchant account.
type Organization struct {
	ID                uuid.UUID
	Name              string
	Timezone          string
	PlatformFeeCents  int64
	PassFeesToMember  bool
	MerchantAccountID string // provider connected-account id
	MerchantOnboarded bool
	GraceDays         int   // days past due before current -> lapsed
	CancelAfterMonths int   // whole unpaid months before lapsed -> cancelled
	EligibilityMonths int   // paid months required for benefit eligibility
	ReminderDays      []int // days before due to send reminders, descending
}

// Location resolves the organization's timezone, falling back to UTC when
// unset or unknown.
func (o *Organization) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EligibilityThreshold returns the configured paid-month threshold or the
// platform default.
func (o *Organization) EligibilityThreshold() int {
	if o.EligibilityMonths > 0 {
		return o.EligibilityMonths
	}
	return DefaultEligibilityMonths
}

// LapseAfterDays returns the grace period or the platform default.
func (o *Organization) LapseAfterDays() int {
	if o.GraceDays > 0 {
		return o.GraceDays
	}
	return DefaultGraceDays
}

// CancelThresholdMonths returns the cancellation threshold or the platform
// default.
func (o *Organization) CancelThresholdMonths() int {
	if o.CancelAfterMonths > 0 {
		return o.CancelAfterMonths
	}
	return DefaultCancelMonths
}

// Plan is a tenant's pricing: per-frequency dues plus a one-time
// enrollment fee. Plans are immutable during a billing cycle's
// calculation.
type Plan struct {
	ID                 uuid.UUID
	OrgID              uuid.UUID
	Name               string
	MonthlyCents       int64
	BiannualCents      int64
	AnnualCents        int64
	EnrollmentFeeCents int64
}

// PriceFor returns the dues amount for one cycle of the given frequency.
func (p *Plan) PriceFor(f period.Frequency) int64 {
	switch f {
	case period.Biannual:
		return p.BiannualCents
	case period.Annual:
		return p.AnnualCents
	default:
		return p.MonthlyCents
	}
}

// MatchFrequency finds the billing frequency whose price matches the paid
// amount within the tolerance, checking monthly, then biannual, then
// annual. Used to derive months credited from a provider invoice amount.
func (p *Plan) MatchFrequency(amountCents, toleranceCents int64) (period.Frequency, bool) {
	for _, candidate := range []struct {
		freq  period.Frequency
		price int64
	}{
		{period.Monthly, p.MonthlyCents},
		{period.Biannual, p.BiannualCents},
		{period.Annual, p.AnnualCents},
	} {
		if candidate.price <= 0 {
			continue
		}
		diff := amountCents - candidate.price
		if diff < 0 {
			diff = -diff
		}
		if diff <= toleranceCents {
			return candidate.freq, true
		}
	}
	return "", false
}

// CardOnFile is a stored payment-method descriptor. No raw card data is
// ever persisted.
type CardOnFile struct {
	Type     string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Membership tracks one member's standing with an organization. One
// membership per member.
type Membership struct {
	ID       uuid.UUID
	OrgID    uuid.UUID
	MemberID uuid.UUID
	PlanID   uuid.UUID

	Status          MembershipStatus
	Frequency       period.Frequency
	AnniversaryDay  int // 1-28, day of month dues come due
	PaidMonths      int
	EnrollmentPaid  bool
	AgreementSigned bool

	JoinedAt      time.Time
	LastPaymentAt *time.Time
	NextDueAt     *time.Time
	EligibleAt    *time.Time // stamped once, never cleared
	CancelledAt   *time.Time

	// Provider-managed billing. While a subscription is active the
	// gateway owns the cadence and the billing runner stands down.
	AutoPay            bool
	SubscriptionID     string
	SubscriptionStatus string
	Card               *CardOnFile

	// Contact details for notifications.
	Email    string
	FullName string
	Language string
}

// OnProviderBilling reports whether the gateway currently drives this
// membership's billing.
func (m *Membership) OnProviderBilling() bool {
	return m.AutoPay && m.SubscriptionID != ""
}

// Terminal reports whether the membership generates no further billing.
func (m *Membership) Terminal() bool {
	return m.Status == StatusCancelled
}

// Payment is one billing event attempt. Created pending by the billing
// runner or a provider invoice; completed exactly once via the settlement
// engine.
type Payment struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	MembershipID uuid.UUID

	Type   PaymentType
	Method string
	Status PaymentStatus

	AmountCents       int64 // base dues amount
	ProcessorFeeCents int64
	PlatformFeeCents  int64
	TotalCents        int64 // what the member was or will be charged
	NetCents          int64 // what the organization receives

	MonthsCredited int // 0 for enrollment fees
	InvoiceNumber  string

	DueAt       time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodLabel string

	ProviderRef   string // provider payment-intent or invoice id
	FailureReason string

	RemindersSent  int
	LastReminderAt *time.Time

	PaidAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookRecord is one row of the idempotency ledger, keyed by the
// provider's event id. Rows are append-only: every inbound event is
// checked against the ledger before any side effect and recorded after
// processing, so redelivery is a cheap no-op.
type WebhookRecord struct {
	EventID      string
	EventType    string
	OrgID        uuid.UUID
	MembershipID uuid.UUID
	Status       WebhookStatus
	Error        string
	ProcessedAt  time.Time
}
