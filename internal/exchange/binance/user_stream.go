package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

// UserStream delivers execution reports for this account over the listen
// key channel. The listen key must be refreshed while the stream is open;
// Updates runs the refresh loop internally.
type UserStream struct {
	client    *Client
	conn      *websocket.Conn
	listenKey string
	keepalive time.Duration
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, AuthAPIKey, WeightRequest, 2)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepListenKeyAlive(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, AuthAPIKey, WeightRequest, 2)
	return err
}

func (c *Client) NewUserStream(ctx context.Context, keepalive time.Duration) (*UserStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/"+listenKey, nil)
	if err != nil {
		return nil, err
	}
	return &UserStream{client: c, conn: conn, listenKey: listenKey, keepalive: keepalive}, nil
}

// Updates starts the read loop and the listen key refresh loop. The update
// channel closes when the connection dies; the error channel carries the
// reason. Callers own reconnect policy.
func (u *UserStream) Updates(ctx context.Context) (<-chan core.OrderUpdate, <-chan error) {
	updates := make(chan core.OrderUpdate)
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
	if u.keepalive > 0 {
		readTimeout = u.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	u.conn.SetPongHandler(func(string) error {
		return u.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(updates)
		defer u.conn.Close()

		for {
			_ = u.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := u.conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			if len(data) == 0 || isWSResponse(data) {
				continue
			}
			update, ok := u.parseReport(data)
			if !ok {
				continue
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		refresh := 25 * time.Minute
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := u.client.keepListenKeyAlive(ctx, u.listenKey); err != nil {
					reportErr(err)
					_ = u.conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = u.conn.Close()
				return
			}
		}
	}()

	if u.keepalive > 0 {
		go func() {
			ticker := time.NewTicker(u.keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := u.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						reportErr(err)
						_ = u.conn.Close()
						return
					}
				case <-done:
					return
				case <-ctx.Done():
					_ = u.conn.Close()
					return
				}
			}
		}()
	}

	return updates, errCh
}

func (u *UserStream) Close() error { return u.conn.Close() }

func (u *UserStream) parseReport(data []byte) (core.OrderUpdate, bool) {
	var msg executionReport
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.OrderUpdate{}, false
	}
	if msg.EventType != "executionReport" {
		return core.OrderUpdate{}, false
	}
	// Cancels report the original id in C; c holds the cancel request id.
	clientID := msg.ClientOrderID
	if msg.OrigClientID != "" {
		clientID = msg.OrigClientID
	}
	if !u.client.OwnsClientID(clientID) {
		return core.OrderUpdate{}, false
	}
	price, _ := decimal.NewFromString(msg.OrderPrice)
	qty, _ := decimal.NewFromString(msg.OrderQty)
	filled, _ := decimal.NewFromString(msg.CumulativeQty)
	lastPrice, _ := decimal.NewFromString(msg.LastExecPrice)
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	update := core.OrderUpdate{
		ExchangeID:    strconv.FormatInt(msg.OrderID, 10),
		ClientID:      clientID,
		Symbol:        msg.Symbol,
		Side:          core.Side(msg.Side),
		Status:        core.OrderStatus(msg.OrderStatus),
		Price:         price,
		Qty:           qty,
		FilledQty:     filled,
		LastFillPrice: lastPrice,
	}
	if ts > 0 {
		update.Time = time.UnixMilli(ts)
	}
	return update, true
}
