// Package feecalc computes card-processing and platform fees for dues
// charges. All amounts are integer cents; decimal currency exists only at
// display and storage boundaries.
package feecalc

import (
	"errors"
	"math"
)

// Card processing pricing: 2.9% + 30 cents per successful charge.
const (
	processorRate       = 0.029
	processorFixedCents = 30
)

var ErrNegativeAmount = errors.New("feecalc: amount must not be negative")

// Breakdown itemizes the fees behind a charge.
type Breakdown struct {
	ProcessorFee int64 `json:"stripe_fee"`
	PlatformFee  int64 `json:"platform_fee"`
	TotalFees    int64 `json:"total_fees"`
	ChargeAmount int64 `json:"charge_amount"`
}

// Fees is the result of a fee calculation for a single charge.
//
// ChargeAmount is what the member's card is charged. ApplicationFee is the
// platform's take from the transfer; the processor fee belongs to the
// gateway and is never counted as platform revenue. NetAmount is what the
// organization receives after all fees.
type Fees struct {
	ChargeAmount   int64
	ApplicationFee int64
	NetAmount      int64
	Breakdown      Breakdown
}

// Calculate computes the fees for charging baseCents of dues under the
// organization's fee policy.
//
// When the organization absorbs fees, the member is charged exactly the
// base amount and the organization nets base minus processor and platform
// fees. When fees pass to the member, the charge is grossed up so that
// after the gateway deducts its percentage-plus-fixed fee, the remainder
// covers the base plus the platform fee and the organization nets the full
// base amount.
func Calculate(baseCents, platformFeeCents int64, passFeesToMember bool) (Fees, error) {
	if baseCents < 0 || platformFeeCents < 0 {
		return Fees{}, ErrNegativeAmount
	}

	if !passFeesToMember {
		processorFee := processorFeeOn(baseCents)
		return Fees{
			ChargeAmount:   baseCents,
			ApplicationFee: platformFeeCents,
			NetAmount:      baseCents - processorFee - platformFeeCents,
			Breakdown: Breakdown{
				ProcessorFee: processorFee,
				PlatformFee:  platformFeeCents,
				TotalFees:    processorFee + platformFeeCents,
				ChargeAmount: baseCents,
			},
		}, nil
	}

	// Gross-up: find charge such that charge - fee(charge) = base + platform.
	// Inverts the gateway's percentage+fixed structure.
	target := baseCents + platformFeeCents
	charge := int64(math.Round(float64(target+processorFixedCents) / (1 - processorRate)))
	processorFee := charge - target

	return Fees{
		ChargeAmount:   charge,
		ApplicationFee: platformFeeCents,
		NetAmount:      baseCents,
		Breakdown: Breakdown{
			ProcessorFee: processorFee,
			PlatformFee:  platformFeeCents,
			TotalFees:    processorFee + platformFeeCents,
			ChargeAmount: charge,
		},
	}, nil
}

// ReverseBaseAmount recovers the pre-fee base amount from a known charged
// total. It is the exact inverse of Calculate: feeding a charge produced by
// Calculate back through ReverseBaseAmount returns the original base within
// one cent of rounding.
func ReverseBaseAmount(chargeCents, platformFeeCents int64, passFeesToMember bool) (int64, error) {
	if chargeCents < 0 || platformFeeCents < 0 {
		return 0, ErrNegativeAmount
	}

	if !passFeesToMember {
		return chargeCents, nil
	}

	target := int64(math.Round(float64(chargeCents)*(1-processorRate))) - processorFixedCents
	base := target - platformFeeCents
	if base < 0 {
		base = 0
	}
	return base, nil
}

func processorFeeOn(amountCents int64) int64 {
	return int64(math.Round(float64(amountCents)*processorRate)) + processorFixedCents
}
