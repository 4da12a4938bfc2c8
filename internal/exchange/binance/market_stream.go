package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

// MarketStream is one websocket subscription covering the best bid/ask
// stream and closed klines for a set of symbols. Events carry an
// adapter-assigned contiguous sequence per symbol; the exchange's own
// update id is used only to drop stale or duplicate frames.
type MarketStream struct {
	conn      *websocket.Conn
	keepalive time.Duration
	symbols   []string

	nextSeq    map[string]int64
	lastBookID map[string]int64
}

func (c *Client) NewMarketStream(ctx context.Context, symbols []string, klineInterval string, keepalive time.Duration) (*MarketStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	streams := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@bookTicker")
		if klineInterval != "" {
			streams = append(streams, lower+"@kline_"+klineInterval)
		}
	}
	if _, err := sendWSRequest(ctx, conn, "SUBSCRIBE", streams); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &MarketStream{
		conn:       conn,
		keepalive:  keepalive,
		symbols:    symbols,
		nextSeq:    make(map[string]int64, len(symbols)),
		lastBookID: make(map[string]int64, len(symbols)),
	}, nil
}

// Events starts the read loop. The event channel closes when the
// connection dies; the error channel carries the reason. Callers own
// reconnect policy.
func (m *MarketStream) Events(ctx context.Context) (<-chan core.MarketEvent, <-chan error) {
	events := make(chan core.MarketEvent)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if m.keepalive > 0 {
		readTimeout = m.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(events)
		defer m.conn.Close()

		for {
			_ = m.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := m.conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			if len(data) == 0 || isWSResponse(data) {
				continue
			}
			ev, ok := m.parseFrame(data)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if m.keepalive > 0 {
		go func() {
			ticker := time.NewTicker(m.keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						reportErr(err)
						_ = m.conn.Close()
						return
					}
				case <-done:
					return
				case <-ctx.Done():
					_ = m.conn.Close()
					return
				}
			}
		}()
	}

	return events, errCh
}

func (m *MarketStream) Close() error { return m.conn.Close() }

func (m *MarketStream) parseFrame(data []byte) (core.MarketEvent, bool) {
	// Raw payload on a combined endpoint arrives wrapped in a frame.
	var frame combinedStreamFrame
	if err := json.Unmarshal(data, &frame); err == nil && len(frame.Data) > 0 {
		data = frame.Data
	}

	var probe struct {
		EventType string `json:"e"`
		BookID    int64  `json:"u"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return core.MarketEvent{}, false
	}
	switch {
	case probe.EventType == "kline":
		return m.parseKline(data)
	case probe.EventType == "" && probe.BookID > 0 && probe.Symbol != "":
		return m.parseBookTicker(data)
	default:
		return core.MarketEvent{}, false
	}
}

func (m *MarketStream) parseBookTicker(data []byte) (core.MarketEvent, bool) {
	var msg bookTickerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.MarketEvent{}, false
	}
	if msg.UpdateID <= m.lastBookID[msg.Symbol] {
		return core.MarketEvent{}, false
	}
	bid, err := decimal.NewFromString(msg.BidPrice)
	if err != nil {
		return core.MarketEvent{}, false
	}
	ask, err := decimal.NewFromString(msg.AskPrice)
	if err != nil {
		return core.MarketEvent{}, false
	}
	m.lastBookID[msg.Symbol] = msg.UpdateID
	m.nextSeq[msg.Symbol]++
	return core.MarketEvent{
		Symbol:  msg.Symbol,
		BestBid: bid,
		BestAsk: ask,
		Seq:     m.nextSeq[msg.Symbol],
		Time:    time.Now().UTC(),
	}, true
}

func (m *MarketStream) parseKline(data []byte) (core.MarketEvent, bool) {
	var msg klineEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.MarketEvent{}, false
	}
	// Only closed candles matter for decision history.
	if !msg.Kline.Closed {
		return core.MarketEvent{}, false
	}
	open, err1 := decimal.NewFromString(msg.Kline.Open)
	high, err2 := decimal.NewFromString(msg.Kline.High)
	low, err3 := decimal.NewFromString(msg.Kline.Low)
	closeP, err4 := decimal.NewFromString(msg.Kline.Close)
	volume, err5 := decimal.NewFromString(msg.Kline.Volume)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return core.MarketEvent{}, false
	}
	m.nextSeq[msg.Symbol]++
	return core.MarketEvent{
		Symbol: msg.Symbol,
		Last:   closeP,
		Seq:    m.nextSeq[msg.Symbol],
		Time:   time.UnixMilli(msg.EventTime),
		Kline: &core.Kline{
			OpenTime: time.UnixMilli(msg.Kline.StartTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
			Volume:   volume,
		},
	}, true
}
