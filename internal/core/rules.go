package core

import (
	"github.com/shopspring/decimal"
)

// NormalizeIntent rounds the intent's price and quantity down to the
// instrument's tick/step and enforces minimum quantity and notional.
// The returned intent is what gets submitted; the original is untouched.
func NormalizeIntent(intent OrderIntent, rules Rules) (OrderIntent, error) {
	if intent.Qty.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		intent.Qty = RoundDown(intent.Qty, rules.QtyStep)
	}
	if intent.Qty.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && intent.Qty.Cmp(rules.MinQty) < 0 {
		return intent, ErrBelowMinQty
	}
	if intent.Type == Market {
		// Market intents carry a reference price only for notional checks.
		if intent.Price.Cmp(decimal.Zero) > 0 && rules.MinNotional.Cmp(decimal.Zero) > 0 {
			if intent.Price.Mul(intent.Qty).Cmp(rules.MinNotional) < 0 {
				return intent, ErrBelowMinNotional
			}
		}
		return intent, nil
	}
	if intent.Price.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		intent.Price = RoundDown(intent.Price, rules.PriceTick)
	}
	if intent.Price.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		if intent.Price.Mul(intent.Qty).Cmp(rules.MinNotional) < 0 {
			return intent, ErrBelowMinNotional
		}
	}
	return intent, nil
}

// CheckPriceBand rejects limit prices further than band (a ratio, e.g.
// 0.05 for 5%) away from the reference price. A zero band disables the
// check.
func CheckPriceBand(price, reference, band decimal.Decimal) error {
	if band.Cmp(decimal.Zero) <= 0 || reference.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	diff := price.Sub(reference).Abs()
	if diff.Cmp(reference.Mul(band)) > 0 {
		return ErrPriceOutOfBand
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
