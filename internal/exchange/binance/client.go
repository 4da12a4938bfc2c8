package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/alert"
	"trade-assistant/internal/config"
	"trade-assistant/internal/core"
	"trade-assistant/internal/ratelimit"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// Weight classes for the rate limiter; they mirror the exchange's published
// limit buckets as configured in rate_limits.
const (
	WeightRequest = "request"
	WeightOrder   = "order"
)

// Client is the REST side of the exchange adapter. Every request is
// admitted by the rate limiter first; transport failures are retried with
// exponential backoff and jitter for idempotent calls only.
type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string

	recvWindow time.Duration
	httpClient *http.Client
	limiter    *ratelimit.Limiter

	maxRateWaitAttempts  int
	maxTransportAttempts int
	backoffBase          time.Duration
	backoffMax           time.Duration

	mu      sync.Mutex
	alerter alert.Alerter
}

type Options struct {
	APIKey               string
	APISecret            string
	RestBaseURL          string
	WSBaseURL            string
	ClientOrderPrefix    string
	RecvWindowMs         int64
	HTTPTimeoutSec       int64
	MaxRateWaitAttempts  int
	MaxTransportAttempts int
	BackoffBaseMs        int64
	BackoffMaxMs         int64
}

func NewClient(cfg config.ExchangeConfig, exec config.ExecutionConfig, instanceID string, limiter *ratelimit.Limiter) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter required")
	}
	return NewClientWithOptions(Options{
		APIKey:               cfg.APIKey,
		APISecret:            cfg.APISecret,
		RestBaseURL:          cfg.RestBaseURL,
		WSBaseURL:            cfg.WSBaseURL,
		ClientOrderPrefix:    instanceID,
		RecvWindowMs:         cfg.RecvWindowMs,
		HTTPTimeoutSec:       cfg.HTTPTimeoutSec,
		MaxRateWaitAttempts:  exec.MaxRateWaitAttempts,
		MaxTransportAttempts: exec.MaxSubmitAttempts,
		BackoffBaseMs:        exec.BackoffBaseMs,
		BackoffMaxMs:         exec.BackoffMaxMs,
	}, limiter), nil
}

func NewClientWithOptions(opts Options, limiter *ratelimit.Limiter) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	backoffBase := 500 * time.Millisecond
	if opts.BackoffBaseMs > 0 {
		backoffBase = time.Duration(opts.BackoffBaseMs) * time.Millisecond
	}
	backoffMax := 30 * time.Second
	if opts.BackoffMaxMs > 0 {
		backoffMax = time.Duration(opts.BackoffMaxMs) * time.Millisecond
	}
	maxRateWait := opts.MaxRateWaitAttempts
	if maxRateWait < 1 {
		maxRateWait = 5
	}
	maxTransport := opts.MaxTransportAttempts
	if maxTransport < 1 {
		maxTransport = 3
	}
	return &Client{
		apiKey:               opts.APIKey,
		apiSecret:            opts.APISecret,
		baseURL:              strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:            strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix:    normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:           time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:           &http.Client{Timeout: timeout},
		limiter:              limiter,
		maxRateWaitAttempts:  maxRateWait,
		maxTransportAttempts: maxTransport,
		backoffBase:          backoffBase,
		backoffMax:           backoffMax,
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

// ClientOrderID derives the exchange-facing client order tag from an
// intent's idempotency key, namespaced by the instance prefix so open
// orders from other instances are ignored during reconciliation.
func (c *Client) ClientOrderID(key string) string {
	id := c.clientOrderPrefix + "-" + sanitizeClientOrderID(key)
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// ClientOrderPrefix is the instance namespace used in client order ids.
func (c *Client) ClientOrderPrefix() string { return c.clientOrderPrefix }

func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	if clientID == c.clientOrderPrefix {
		return true
	}
	return strings.HasPrefix(clientID, c.clientOrderPrefix+"-")
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "ta"
	}
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "ta"
	}
	if len(out) > 12 {
		out = out[:12]
	}
	return out
}

func sanitizeClientOrderID(v string) string {
	b := strings.Builder{}
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Client) Instruments(ctx context.Context, symbols []string) ([]core.Instrument, error) {
	params := url.Values{}
	if len(symbols) > 0 {
		quoted := make([]string, 0, len(symbols))
		for _, s := range symbols {
			quoted = append(quoted, `"`+s+`"`)
		}
		params.Set("symbols", "["+strings.Join(quoted, ",")+"]")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone, WeightRequest, 20)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Symbols) == 0 {
		return nil, errors.New("no symbols in exchange info")
	}
	instruments := make([]core.Instrument, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		instruments = append(instruments, parseInstrument(s))
	}
	return instruments, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID, clientID string) error {
	if symbol == "" {
		return errors.New("symbol required")
	}
	if exchangeID == "" && clientID == "" {
		return errors.New("exchangeID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeID != "" {
		params.Set("orderId", exchangeID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned, WeightOrder, 1)
	return err
}

func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (core.OrderUpdate, error) {
	if symbol == "" {
		return core.OrderUpdate{}, errors.New("symbol required")
	}
	if exchangeID == "" && clientID == "" {
		return core.OrderUpdate{}, errors.New("exchangeID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeID != "" {
		params.Set("orderId", exchangeID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned, WeightRequest, 4)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderUpdate{}, err
	}
	return resp.toUpdate(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned, WeightRequest, 6)
	if err != nil {
		return nil, err
	}
	var resp []orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	updates := make([]core.OrderUpdate, 0, len(resp))
	for _, ord := range resp {
		if !c.OwnsClientID(ord.ClientOrderID) {
			continue
		}
		updates = append(updates, ord.toUpdate())
	}
	return updates, nil
}

func (c *Client) BookTicker(ctx context.Context, symbol string) (core.MarketEvent, error) {
	if symbol == "" {
		return core.MarketEvent{}, errors.New("symbol required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, AuthNone, WeightRequest, 2)
	if err != nil {
		return core.MarketEvent{}, err
	}
	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.MarketEvent{}, err
	}
	bid, err := decimal.NewFromString(resp.Bid)
	if err != nil {
		return core.MarketEvent{}, fmt.Errorf("invalid bid %q: %w", resp.Bid, err)
	}
	ask, err := decimal.NewFromString(resp.Ask)
	if err != nil {
		return core.MarketEvent{}, fmt.Errorf("invalid ask %q: %w", resp.Ask, err)
	}
	return core.MarketEvent{
		Symbol:  resp.Symbol,
		BestBid: bid,
		BestAsk: ask,
		Time:    time.Now().UTC(),
	}, nil
}

func (c *Client) Balances(ctx context.Context) ([]core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned, WeightRequest, 20)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	balances := make([]core.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.Cmp(decimal.Zero) == 0 && locked.Cmp(decimal.Zero) == 0 {
			continue
		}
		balances = append(balances, core.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// doRequest admits the call through the rate limiter, executes it, and
// retries transport failures for idempotent methods. POSTs get exactly one
// attempt here; ambiguity handling belongs to PlaceOrder. Every attempt
// spends its own weight: each retry is another wire request the exchange
// counts against the same windows.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType, weightClass string, cost int) ([]byte, error) {
	idempotent := method == http.MethodGet || method == http.MethodDelete
	attempts := 1
	if idempotent {
		attempts = c.maxTransportAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.admit(ctx, weightClass, cost); err != nil {
			return nil, err
		}
		body, err := c.doRequestOnce(ctx, method, path, params, auth)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isTransportError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// admit reserves weight; on wait it sleeps and retries, bounded, then
// fails with ErrRateLimited so the caller can surface a delayed status.
func (c *Client) admit(ctx context.Context, weightClass string, cost int) error {
	for attempt := 0; attempt < c.maxRateWaitAttempts; attempt++ {
		granted, wait := c.limiter.Reserve(weightClass, cost)
		if granted {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: class %s exhausted after %d waits", core.ErrRateLimited, weightClass, c.maxRateWaitAttempts)
}

func (c *Client) doRequestOnce(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	if auth == AuthSigned {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			query.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		query.Set("signature", sign(c.apiSecret, query.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := query.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(query.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		cooldown := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.ForceThrottle(cooldown)
		c.alertImportant("exchange_rate_limited", map[string]string{
			"status":       strconv.Itoa(resp.StatusCode),
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
			"path":         path,
		})
		return nil, fmt.Errorf("%w: exchange status %d", core.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

// parseRetryAfter falls back to a minute when the exchange does not say;
// better to over-throttle than get banned.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Minute
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 1 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	d := c.backoffBase << (attempt - 1)
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	// Full jitter on the upper half keeps retries from synchronizing.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
