package billing

import "errors"

// Error taxonomy. Validation and not-found errors are caller mistakes and
// never retried; conflict errors are success-equivalent where idempotency
// applies; persistence errors may be retried by the provider's redelivery
// or the next scheduled run.
var (
	ErrInvalidRequest = errors.New("billing: invalid request")

	ErrPaymentNotFound      = errors.New("billing: payment not found")
	ErrMembershipNotFound   = errors.New("billing: membership not found")
	ErrOrganizationNotFound = errors.New("billing: organization not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")

	ErrPaymentRefunded  = errors.New("billing: payment already refunded")
	ErrDuplicatePayment = errors.New("billing: pending payment already exists for due date")

	ErrPersistence   = errors.New("billing: store unavailable")
	ErrConfiguration = errors.New("billing: missing required configuration")
)

// IsConflict reports whether err is a success-equivalent conflict
// (already settled, already refunded, invoice already pending).
func IsConflict(err error) bool {
	return errors.Is(err, ErrPaymentRefunded) ||
		errors.Is(err, ErrDuplicatePayment)
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrMembershipNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}
