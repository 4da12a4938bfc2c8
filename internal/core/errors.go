package core

import "errors"

var (
	// ErrRateLimited indicates the exchange rate budget is exhausted and
	// retries have been used up; try again after the cool-down.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrExchangeRejected indicates the exchange rejected the order; never
	// retried automatically.
	ErrExchangeRejected = errors.New("exchange rejected")
	// ErrReconcileConflict indicates local state disagreed with exchange
	// truth during a reconcile pass; resolved by trusting the exchange.
	ErrReconcileConflict = errors.New("reconciliation conflict")
	// ErrStaleMarketData indicates the market snapshot is older than the
	// staleness window and cannot back a trading decision.
	ErrStaleMarketData = errors.New("stale market data")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExpired indicates the order has expired on exchange.
	ErrOrderExpired = errors.New("order expired")
	// ErrAlreadyTerminal indicates the order reached a terminal state and
	// the requested transition is meaningless (e.g. cancel after fill).
	ErrAlreadyTerminal = errors.New("order already terminal")
)

// Validation errors: rejected before any exchange interaction.
var (
	ErrInvalidIntent    = errors.New("invalid intent")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
	ErrPriceOutOfBand   = errors.New("price out of band")
)

// IsValidation reports whether err belongs to the pre-submission
// validation family.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidIntent) ||
		errors.Is(err, ErrUnknownSymbol) ||
		errors.Is(err, ErrBelowMinQty) ||
		errors.Is(err, ErrBelowMinNotional) ||
		errors.Is(err, ErrPriceOutOfBand) ||
		errors.Is(err, ErrStaleMarketData)
}
