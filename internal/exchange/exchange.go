package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

// OrderRequest is what the coordinator asks the adapter to place. ClientID
// carries the intent's idempotency tag so an ambiguous failure can be
// resolved by a status query.
type OrderRequest struct {
	Symbol   string
	Side     core.Side
	Type     core.OrderType
	Price    decimal.Decimal
	Qty      decimal.Decimal
	ClientID string
}

// SubmitOutcome is the tagged result of an order submission. Unknown means
// the adapter could not determine whether the exchange accepted the order;
// the caller must resolve it via a status query before any retry.
type SubmitOutcome int

const (
	SubmitFailed SubmitOutcome = iota
	SubmitConfirmed
	SubmitUnknown
)

func (o SubmitOutcome) String() string {
	switch o {
	case SubmitConfirmed:
		return "confirmed"
	case SubmitUnknown:
		return "unknown"
	default:
		return "failed"
	}
}

type SubmitResult struct {
	Outcome SubmitOutcome
	// Update holds the exchange's view of the order when Outcome is
	// Confirmed.
	Update core.OrderUpdate
}

type Exchange interface {
	Name() string
	Instruments(ctx context.Context, symbols []string) ([]core.Instrument, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (SubmitResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeID, clientID string) error
	QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (core.OrderUpdate, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error)
	BookTicker(ctx context.Context, symbol string) (core.MarketEvent, error)
	Balances(ctx context.Context) ([]core.Balance, error)
}
