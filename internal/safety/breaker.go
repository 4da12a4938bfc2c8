package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"trade-assistant/internal/alert"
	"trade-assistant/internal/core"
	"trade-assistant/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultReconnectCooldown = 30 * time.Second

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker trips on consecutive failures per action class. Submit and
// cancel circuits stay open until an operator restarts the process; the
// reconnect circuit recovers on its own after a cooldown via a single
// half-open probe.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	submit    circuit
	cancel    circuit
	reconnect circuit

	reconnectCooldown time.Duration
	now               func() time.Time

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxSubmitFailures, maxCancelFailures, maxReconnectFailures int, reconnectCooldown time.Duration) *Breaker {
	if reconnectCooldown <= 0 {
		reconnectCooldown = defaultReconnectCooldown
	}
	return &Breaker{
		enabled:           enabled,
		submit:            circuit{name: "submit", maxFailures: maxSubmitFailures, state: circuitClosed},
		cancel:            circuit{name: "cancel", maxFailures: maxCancelFailures, state: circuitClosed},
		reconnect:         circuit{name: "reconnect", maxFailures: maxReconnectFailures, state: circuitClosed},
		reconnectCooldown: reconnectCooldown,
		now:               time.Now,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordSubmit(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.submit, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

// AllowSubmit reports whether new submissions may proceed.
func (b *Breaker) AllowSubmit() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.submit)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

// AllowReconnect moves an open reconnect circuit to half-open once the
// cooldown has elapsed, permitting exactly one probe.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.reconnect.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.reconnect.openedAt) < b.reconnectCooldown {
		err := b.reconnect.openErr
		b.mu.Unlock()
		return err
	}
	b.reconnect.state = circuitHalfOpen
	b.reconnect.failures = 0
	b.reconnect.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()
	log.Printf("level=INFO event=circuit_half_open action=reconnect cooldown_sec=%d", int64(b.reconnectCooldown/time.Second))
	if alerter != nil {
		alerter.Important("circuit_half_open", map[string]string{
			"action":       "reconnect",
			"cooldown_sec": strconv.FormatInt(int64(b.reconnectCooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.reconnect.openedAt)
	if elapsed >= b.reconnectCooldown {
		return 0
	}
	return b.reconnectCooldown - elapsed
}

func (b *Breaker) allow(c *circuit) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state == circuitOpen {
		return c.openErr
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled || c.maxFailures < 1 {
		return nil
	}
	// Caller aborts and cancellations are not exchange failures.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}

	b.mu.Lock()
	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := prevFailures > 0 || prevState == circuitHalfOpen
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			log.Printf("level=INFO event=circuit_recovered action=%s previous_failures=%d from_state=%s",
				c.name, prevFailures, prevState)
			if alerter != nil {
				alerter.Important("circuit_recovered", map[string]string{
					"action":            c.name,
					"previous_failures": strconv.Itoa(prevFailures),
					"from_state":        string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(c, err)
		alerter := b.alerter
		b.mu.Unlock()
		b.logTrip(c.name, 1, c.maxFailures, err, alerter)
		return openErr
	}

	c.failures++
	if c.failures < c.maxFailures {
		failures := c.failures
		limit := c.maxFailures
		alerter := b.alerter
		b.mu.Unlock()
		if failures == limit-1 {
			log.Printf("level=WARN event=circuit_near_trip action=%s consecutive_failures=%d threshold=%d last_error=%q",
				c.name, failures, limit, err)
			if alerter != nil {
				alerter.Important("circuit_near_trip", map[string]string{
					"action":               c.name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err)
	failures := c.failures
	alerter := b.alerter
	b.mu.Unlock()
	b.logTrip(c.name, failures, c.maxFailures, err, alerter)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	if c.name == "reconnect" {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, last error: %v",
			ErrCircuitOpen, c.name, c.failures, b.reconnectCooldown, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v",
			ErrCircuitOpen, c.name, c.failures, err)
	}
	return c.openErr
}

func (b *Breaker) logTrip(name string, failures, limit int, err error, alerter alert.Alerter) {
	log.Printf("level=ERROR event=circuit_trip action=%s consecutive_failures=%d threshold=%d last_error=%q",
		name, failures, limit, err)
	if alerter != nil {
		alerter.Important("circuit_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
}

// GuardedExchange wraps an exchange so submit and cancel outcomes feed the
// breaker and open circuits short-circuit before any network call.
type GuardedExchange struct {
	inner   exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{inner: inner, breaker: breaker}
}

func (g *GuardedExchange) Name() string { return g.inner.Name() }

func (g *GuardedExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.SubmitResult, error) {
	if err := g.breaker.AllowSubmit(); err != nil {
		return exchange.SubmitResult{Outcome: exchange.SubmitFailed}, err
	}
	res, err := g.inner.PlaceOrder(ctx, req)
	// Ambiguity is not a failure signal; only definite errors count.
	recordErr := err
	if res.Outcome == exchange.SubmitUnknown {
		recordErr = nil
	}
	if trip := g.breaker.RecordSubmit(recordErr); trip != nil {
		return res, trip
	}
	return res, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, symbol, exchangeID, clientID string) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.inner.CancelOrder(ctx, symbol, exchangeID, clientID)
	// Cancel of an already-gone order is success for breaker purposes.
	recordErr := err
	if errors.Is(err, core.ErrOrderNotFound) || errors.Is(err, core.ErrAlreadyTerminal) {
		recordErr = nil
	}
	if trip := g.breaker.RecordCancel(recordErr); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedExchange) Instruments(ctx context.Context, symbols []string) ([]core.Instrument, error) {
	return g.inner.Instruments(ctx, symbols)
}

func (g *GuardedExchange) QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (core.OrderUpdate, error) {
	return g.inner.QueryOrder(ctx, symbol, exchangeID, clientID)
}

func (g *GuardedExchange) OpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error) {
	return g.inner.OpenOrders(ctx, symbol)
}

func (g *GuardedExchange) BookTicker(ctx context.Context, symbol string) (core.MarketEvent, error) {
	return g.inner.BookTicker(ctx, symbol)
}

func (g *GuardedExchange) Balances(ctx context.Context) ([]core.Balance, error) {
	return g.inner.Balances(ctx)
}
