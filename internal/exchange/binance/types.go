package binance

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderQueryResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

func (r orderQueryResponse) toUpdate() core.OrderUpdate {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	cumQuote, _ := decimal.NewFromString(r.CumulativeQuoteQty)
	update := core.OrderUpdate{
		ExchangeID: strconv.FormatInt(r.OrderID, 10),
		ClientID:   r.ClientOrderID,
		Symbol:     r.Symbol,
		Side:       core.Side(r.Side),
		Status:     core.OrderStatus(r.Status),
		Price:      price,
		Qty:        qty,
		FilledQty:  filled,
	}
	if filled.Cmp(decimal.Zero) > 0 && cumQuote.Cmp(decimal.Zero) > 0 {
		update.LastFillPrice = cumQuote.Div(filled)
	}
	if r.UpdateTime > 0 {
		update.Time = time.UnixMilli(r.UpdateTime)
	} else if r.Time > 0 {
		update.Time = time.UnixMilli(r.Time)
	}
	return update
}

type bookTickerResponse struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bidPrice"`
	Ask    string `json:"askPrice"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		MinQty      string `json:"minQty"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
		TickSize    string `json:"tickSize"`
	} `json:"filters"`
}

func parseInstrument(src symbolInfoResponse) core.Instrument {
	inst := core.Instrument{
		Symbol:     src.Symbol,
		BaseAsset:  src.BaseAsset,
		QuoteAsset: src.QuoteAsset,
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if f.MinQty != "" {
				if v, err := decimal.NewFromString(f.MinQty); err == nil {
					inst.Rules.MinQty = v
				}
			}
			if f.StepSize != "" {
				if v, err := decimal.NewFromString(f.StepSize); err == nil {
					inst.Rules.QtyStep = v
				}
			}
		case "PRICE_FILTER":
			if f.TickSize != "" {
				if v, err := decimal.NewFromString(f.TickSize); err == nil {
					inst.Rules.PriceTick = v
				}
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional != "" {
				if v, err := decimal.NewFromString(f.MinNotional); err == nil {
					// Keep the stricter minimum when both filters appear.
					if v.Cmp(inst.Rules.MinNotional) > 0 {
						inst.Rules.MinNotional = v
					}
				}
			}
		}
	}
	return inst
}

// Stream payloads.

type combinedStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrderPrice      string `json:"p"`
	OrderQty        string `json:"q"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastExecQty     string `json:"l"`
	CumulativeQty   string `json:"z"`
	LastExecPrice   string `json:"L"`
	TransactionTime int64  `json:"T"`
	OrigClientID    string `json:"C"`
}
