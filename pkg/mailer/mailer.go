// Package mailer is the outbound notification sink. Delivery failures are
// logged by callers and never block a financial state transition.
package mailer

import (
	"context"
	"errors"
)

var (
	ErrInvalidConfig  = errors.New("mailer: invalid configuration")
	ErrFailedToSend   = errors.New("mailer: failed to send notification")
	ErrMissingAddress = errors.New("mailer: recipient address is required")
)

// Template identifies the message template to render on the provider side.
type Template string

const (
	TemplatePaymentReceived    Template = "payment-received"
	TemplatePaymentReminder    Template = "payment-reminder"
	TemplatePaymentOverdue     Template = "payment-overdue"
	TemplateMembershipLapsed   Template = "membership-lapsed"
	TemplateEligibilityReached Template = "eligibility-reached"
)

// Notification is one outbound message.
type Notification struct {
	Template  Template
	To        string
	Variables map[string]any
	Language  string // BCP 47 tag; empty means the org default
}

// Receipt reports a successful hand-off to the provider.
type Receipt struct {
	ProviderMessageID string
}

// Notifier sends templated notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, n Notification) (Receipt, error)
}
