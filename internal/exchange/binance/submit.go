package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"trade-assistant/internal/core"
	"trade-assistant/internal/exchange"
)

// PlaceOrder submits a new order tagged with req.ClientID as the
// exchange-side idempotency token. The outcome is never ambiguous for the
// caller: transport failures are resolved by querying the order back, and
// only when both the submit and the query fail does the result stay
// Unknown.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.SubmitResult, error) {
	if err := validateOrderRequest(req); err != nil {
		return exchange.SubmitResult{Outcome: exchange.SubmitFailed}, err
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxTransportAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoffDelay(attempt-1)); err != nil {
				return exchange.SubmitResult{Outcome: exchange.SubmitUnknown}, errors.Join(lastErr, err)
			}
		}
		update, err := c.submitOnce(ctx, req)
		if err == nil {
			return exchange.SubmitResult{Outcome: exchange.SubmitConfirmed, Update: update}, nil
		}
		lastErr = err

		// A duplicate rejection means a previous attempt (possibly a
		// lost response) did land. Adopt the existing order.
		if errors.Is(err, core.ErrDuplicateOrder) {
			update, qerr := c.QueryOrder(ctx, req.Symbol, "", req.ClientID)
			if qerr == nil {
				return exchange.SubmitResult{Outcome: exchange.SubmitConfirmed, Update: update}, nil
			}
			return exchange.SubmitResult{Outcome: exchange.SubmitUnknown}, errors.Join(err, qerr)
		}

		if !isTransportError(err) {
			if errors.Is(err, core.ErrRateLimited) {
				return exchange.SubmitResult{Outcome: exchange.SubmitFailed}, err
			}
			return exchange.SubmitResult{Outcome: exchange.SubmitFailed}, fmt.Errorf("%w: %w", core.ErrExchangeRejected, err)
		}

		// Transport failure: we do not know whether the order reached
		// the exchange. Resolve via the client order id before any
		// retry; retrying blindly could double-submit.
		update, qerr := c.QueryOrder(ctx, req.Symbol, "", req.ClientID)
		if qerr == nil {
			return exchange.SubmitResult{Outcome: exchange.SubmitConfirmed, Update: update}, nil
		}
		if errors.Is(qerr, core.ErrOrderNotFound) {
			log.Printf("level=WARN event=submit_retry symbol=%s client_id=%s attempt=%d err=%q",
				req.Symbol, req.ClientID, attempt, err)
			continue
		}
		// Query also failed without a definitive answer.
		return exchange.SubmitResult{Outcome: exchange.SubmitUnknown}, errors.Join(err, qerr)
	}
	return exchange.SubmitResult{Outcome: exchange.SubmitUnknown},
		fmt.Errorf("submit unresolved after %d attempts: %w", c.maxTransportAttempts, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, req exchange.OrderRequest) (core.OrderUpdate, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Qty.String())
	params.Set("newClientOrderId", req.ClientID)
	params.Set("newOrderRespType", "RESULT")
	if req.Type == core.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned, WeightOrder, 1)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	var resp orderQueryResponse
	if err := unmarshalStrictPrefix(body, &resp); err != nil {
		return core.OrderUpdate{}, err
	}
	update := resp.toUpdate()
	if update.Time.IsZero() {
		update.Time = time.Now().UTC()
	}
	return update, nil
}

func validateOrderRequest(req exchange.OrderRequest) error {
	if req.Symbol == "" {
		return errors.New("symbol required")
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if req.Type != core.Limit && req.Type != core.Market {
		return fmt.Errorf("invalid order type %q", req.Type)
	}
	if req.ClientID == "" {
		return errors.New("clientID required")
	}
	if !req.Qty.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", req.Qty)
	}
	if req.Type == core.Limit && !req.Price.IsPositive() {
		return fmt.Errorf("limit price must be positive, got %s", req.Price)
	}
	if len(req.ClientID) > 36 {
		return fmt.Errorf("clientID too long: %d", len(req.ClientID))
	}
	return nil
}

func unmarshalStrictPrefix(body []byte, dst *orderQueryResponse) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return err
	}
	if dst.OrderID == 0 && dst.ClientOrderID == "" {
		return fmt.Errorf("order response missing identifiers: %s", truncateForLog(body))
	}
	return nil
}

func truncateForLog(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
