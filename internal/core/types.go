package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus values mirror the exchange vocabulary. Pending and Submitted
// are local-only states used before the exchange acknowledges an order.
const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// Instrument is immutable after load.
type Instrument struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Rules      Rules
}

// MarketSnapshot is the latest known market state for one instrument.
// UpdatedAt never regresses; Stale means the data exceeded the staleness
// window and must not be used for decisions, but the snapshot is kept.
type MarketSnapshot struct {
	Symbol    string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	LastPrice decimal.Decimal
	Seq       int64
	UpdatedAt time.Time
	Stale     bool
}

func (s MarketSnapshot) Mid() decimal.Decimal {
	if s.BestBid.Cmp(decimal.Zero) > 0 && s.BestAsk.Cmp(decimal.Zero) > 0 {
		return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
	}
	return s.LastPrice
}

// MarketEvent is one inbound update from the market stream. Seq is
// monotonically increasing per symbol; a gap forces a resync.
type MarketEvent struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Last    decimal.Decimal
	Seq     int64
	Time    time.Time
	Kline   *Kline
}

// Kline is one closed candle, retained for decision inputs.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// OrderIntent is a logical trading decision. Immutable once created.
// Key is the caller-supplied idempotency key; CorrelationID ties the intent
// back to the inbound command that produced it.
type OrderIntent struct {
	Key           string
	CorrelationID string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	CreatedAt     time.Time
}

// OrderRecord is the exchange-facing representation of an intent. It is
// exclusively owned by the order book; everyone else works on copies.
type OrderRecord struct {
	Key          string
	ClientID     string
	ExchangeID   string
	Symbol       string
	Side         Side
	Type         OrderType
	Price        decimal.Decimal
	Qty          decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	Retries      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r OrderRecord) Terminal() bool { return r.Status.Terminal() }

func (r OrderRecord) Open() bool {
	switch r.Status {
	case OrderSubmitted, OrderNew, OrderPartiallyFilled:
		return true
	default:
		return false
	}
}

// OrderUpdate is an exchange-reported order status change, from the user
// stream or a status query. FilledQty is cumulative.
type OrderUpdate struct {
	ExchangeID    string
	ClientID      string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	LastFillPrice decimal.Decimal
	Time          time.Time
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}
