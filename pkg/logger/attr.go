package logger

import "log/slog"

// Domain attribute helpers keep log keys consistent across packages.

// Error records a single error under the key "error". Nil returns an
// empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// OrgID records the organization identifier under the key "org_id".
func OrgID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("org_id", id)
}

// MembershipID records the membership identifier under the key
// "membership_id".
func MembershipID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("membership_id", id)
}

// PaymentID records the payment identifier under the key "payment_id".
func PaymentID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("payment_id", id)
}

// InvoiceNumber records the invoice number under the key "invoice_number".
func InvoiceNumber(number string) slog.Attr {
	return slog.String("invoice_number", number)
}

// EventType records a webhook event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// AmountCents records a money amount under the key "amount_cents".
func AmountCents(cents int64) slog.Attr {
	return slog.Int64("amount_cents", cents)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
