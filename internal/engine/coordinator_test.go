package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
	"trade-assistant/internal/exchange"
	"trade-assistant/internal/marketdata"
	"trade-assistant/internal/orders"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type prefixIDs struct{ prefix string }

func (p prefixIDs) ClientOrderID(key string) string { return p.prefix + "-" + key }
func (p prefixIDs) OwnsClientID(id string) bool     { return strings.HasPrefix(id, p.prefix+"-") }

type fakeExchange struct {
	mu              sync.Mutex
	placeCalls      int
	cancelCalls     []string
	bookTickerCalls int
	queryCalls      int
	open            []core.OrderUpdate
	placeOutcome    exchange.SubmitOutcome
	placeErr        error
	// placeGate, when set, blocks PlaceOrder until closed so tests can
	// hold a placement in flight.
	placeGate   chan struct{}
	queryResult *core.OrderUpdate
	nextID      int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{placeOutcome: exchange.SubmitConfirmed, nextID: 100}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Instruments(ctx context.Context, symbols []string) ([]core.Instrument, error) {
	out := make([]core.Instrument, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, core.Instrument{
			Symbol:     s,
			BaseAsset:  "BTC",
			QuoteAsset: "USDT",
			Rules: core.Rules{
				MinQty:      dec("0.0001"),
				MinNotional: dec("5"),
				PriceTick:   dec("0.01"),
				QtyStep:     dec("0.0001"),
			},
		})
	}
	return out, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.SubmitResult, error) {
	f.mu.Lock()
	f.placeCalls++
	gate := f.placeGate
	outcome := f.placeOutcome
	placeErr := f.placeErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return exchange.SubmitResult{Outcome: exchange.SubmitUnknown}, ctx.Err()
		}
	}
	if outcome != exchange.SubmitConfirmed {
		return exchange.SubmitResult{Outcome: outcome}, placeErr
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return exchange.SubmitResult{
		Outcome: exchange.SubmitConfirmed,
		Update: core.OrderUpdate{
			ExchangeID: strconv.FormatInt(id, 10),
			ClientID:   req.ClientID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Status:     core.OrderNew,
			Price:      req.Price,
			Qty:        req.Qty,
			Time:       time.Now(),
		},
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, exchangeID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, clientID)
	return nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (core.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryResult != nil {
		return *f.queryResult, nil
	}
	return core.OrderUpdate{}, core.ErrOrderNotFound
}

func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.OrderUpdate(nil), f.open...), nil
}

func (f *fakeExchange) BookTicker(ctx context.Context, symbol string) (core.MarketEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookTickerCalls++
	return core.MarketEvent{
		Symbol:  symbol,
		BestBid: dec("100"),
		BestAsk: dec("101"),
		Time:    time.Now(),
	}, nil
}

func (f *fakeExchange) Balances(ctx context.Context) ([]core.Balance, error) { return nil, nil }

func (f *fakeExchange) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

func (f *fakeExchange) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

func (f *fakeExchange) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

type captureAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *captureAlerter) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *captureAlerter) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	coord    *Coordinator
	ex       *fakeExchange
	book     *orders.Book
	cache    *marketdata.Cache
	alerter  *captureAlerter
	shutdown func()
}

func newFixture(t *testing.T, staleness time.Duration) *fixture {
	t.Helper()
	return newFixtureWith(t, staleness, 0)
}

func newFixtureWith(t *testing.T, staleness, reconcileEvery time.Duration) *fixture {
	t.Helper()
	ex := newFakeExchange()
	book := orders.NewBook("bot1")
	cache := marketdata.NewCache([]string{"BTCUSDT"}, staleness, 10)
	alerter := &captureAlerter{}
	coord, err := New(Options{
		Mode:         "testnet",
		InstanceID:   "bot1",
		Symbols:      []string{"BTCUSDT"},
		Exchange:     ex,
		ClientIDs:    prefixIDs{prefix: "bot1"},
		Book:         book,
		Cache:        cache,
		Alerter:      alerter,
		Issuers:        2,
		OrderTimeout:   0,
		PriceBand:      dec("0.05"),
		ReconcileEvery: reconcileEvery,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := coord.Prepare(ctx); err != nil {
		cancel()
		t.Fatalf("Prepare() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	f := &fixture{coord: coord, ex: ex, book: book, cache: cache, alerter: alerter}
	f.shutdown = func() {
		cancel()
		<-done
	}
	t.Cleanup(f.shutdown)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testIntent(key string) core.OrderIntent {
	return core.OrderIntent{
		Key:    key,
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  dec("100"),
		Qty:    dec("0.1"),
	}
}

func TestSubmitIntentPlacesOrder(t *testing.T) {
	f := newFixture(t, time.Minute)
	rec, err := f.coord.SubmitIntent(context.Background(), testIntent("k1"))
	if err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	if rec.Status != core.OrderPending {
		t.Fatalf("status = %s, want PENDING at registration", rec.Status)
	}
	waitFor(t, "exchange ack", func() bool {
		got, ok := f.book.Get("k1")
		return ok && got.Status == core.OrderNew && got.ExchangeID != ""
	})
	if f.ex.placeCount() != 1 {
		t.Fatalf("place calls = %d, want 1", f.ex.placeCount())
	}
}

func TestSubmitIntentDuplicateKeyDoesNotResubmit(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	waitFor(t, "first ack", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderNew
	})
	rec, err := f.coord.SubmitIntent(context.Background(), testIntent("k1"))
	if !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("duplicate SubmitIntent() error = %v, want duplicate", err)
	}
	if rec.Key != "k1" {
		t.Fatalf("duplicate returned record %+v, want original", rec)
	}
	if f.ex.placeCount() != 1 {
		t.Fatalf("place calls = %d, want 1 (no double submit)", f.ex.placeCount())
	}
}

func TestSubmitRejectedOnStaleMarketData(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	_, err := f.coord.SubmitIntent(context.Background(), testIntent("k1"))
	if !errors.Is(err, core.ErrStaleMarketData) {
		t.Fatalf("SubmitIntent(stale) error = %v, want stale market data", err)
	}
	if f.ex.placeCount() != 0 {
		t.Fatalf("place calls = %d, want 0", f.ex.placeCount())
	}
}

func TestSubmitRejectedOutsidePriceBand(t *testing.T) {
	f := newFixture(t, time.Minute)
	intent := testIntent("k1")
	intent.Price = dec("200") // mid is 100.5, band 5%
	_, err := f.coord.SubmitIntent(context.Background(), intent)
	if !errors.Is(err, core.ErrPriceOutOfBand) {
		t.Fatalf("SubmitIntent(out of band) error = %v, want price out of band", err)
	}
}

func TestSubmitRejectedBelowMinNotional(t *testing.T) {
	f := newFixture(t, time.Minute)
	intent := testIntent("k1")
	intent.Qty = dec("0.0001") // 0.0001 * 100 = 0.01 < 5
	_, err := f.coord.SubmitIntent(context.Background(), intent)
	if !errors.Is(err, core.ErrBelowMinNotional) {
		t.Fatalf("SubmitIntent(small) error = %v, want below min notional", err)
	}
}

func TestOrderUpdateDrivesFillAlert(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	waitFor(t, "ack", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderNew
	})
	f.coord.OnOrderUpdate(core.OrderUpdate{
		ClientID:      "bot1-k1",
		Symbol:        "BTCUSDT",
		Status:        core.OrderPartiallyFilled,
		FilledQty:     dec("0.04"),
		LastFillPrice: dec("100"),
	})
	f.coord.OnOrderUpdate(core.OrderUpdate{
		ClientID:      "bot1-k1",
		Symbol:        "BTCUSDT",
		Status:        core.OrderFilled,
		FilledQty:     dec("0.1"),
		LastFillPrice: dec("100"),
	})
	waitFor(t, "fill", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderFilled && got.FilledQty.Equal(dec("0.1"))
	})
	waitFor(t, "fill alert", func() bool { return f.alerter.has("order_filled") })
}

func TestCancelWhilePendingFiresAfterAck(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	// The cancel may race the ack; either way exactly one exchange
	// cancel must eventually go out.
	if _, err := f.coord.Cancel(context.Background(), "k1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitFor(t, "cancel call", func() bool { return len(f.ex.cancels()) == 1 })
	if got := f.ex.cancels()[0]; got != "bot1-k1" {
		t.Fatalf("cancel client id = %q, want bot1-k1", got)
	}
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	waitFor(t, "ack", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderNew
	})
	f.coord.OnOrderUpdate(core.OrderUpdate{
		ClientID: "bot1-k1", Symbol: "BTCUSDT", Status: core.OrderFilled, FilledQty: dec("0.1"),
	})
	waitFor(t, "fill", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderFilled
	})
	_, err := f.coord.Cancel(context.Background(), "k1")
	if !errors.Is(err, core.ErrAlreadyTerminal) {
		t.Fatalf("Cancel(terminal) error = %v, want already terminal", err)
	}
}

func TestSequenceGapTriggersResync(t *testing.T) {
	f := newFixture(t, time.Minute)
	before := func() int {
		f.ex.mu.Lock()
		defer f.ex.mu.Unlock()
		return f.ex.bookTickerCalls
	}()

	f.coord.OnMarketEvent(core.MarketEvent{Symbol: "BTCUSDT", BestBid: dec("100"), BestAsk: dec("101"), Seq: 1, Time: time.Now()})
	f.coord.OnMarketEvent(core.MarketEvent{Symbol: "BTCUSDT", BestBid: dec("102"), BestAsk: dec("103"), Seq: 5, Time: time.Now()})

	waitFor(t, "resync fetch", func() bool {
		f.ex.mu.Lock()
		defer f.ex.mu.Unlock()
		return f.ex.bookTickerCalls == before+1
	})
	// A second gapped burst before the resync settles must not fetch again.
	snap, err := f.cache.Snapshot("BTCUSDT")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.BestBid.IsZero() {
		t.Fatal("snapshot empty after resync")
	}
}

func TestStatusReportsOrdersAndMarkets(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	report, err := f.coord.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.Mode != "testnet" || report.InstanceID != "bot1" {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(report.Orders))
	}
	snap, ok := report.Markets["BTCUSDT"]
	if !ok || !snap.BestBid.Equal(dec("100")) {
		t.Fatalf("market snapshot = %+v", snap)
	}
}

func TestPrepareSeedsExchangeOpenOrders(t *testing.T) {
	ex := newFakeExchange()
	ex.open = []core.OrderUpdate{
		{ExchangeID: "55", ClientID: "bot1-old", Symbol: "BTCUSDT", Side: core.Sell, Status: core.OrderNew, Price: dec("105"), Qty: dec("0.02")},
		{ExchangeID: "56", ClientID: "other-x", Symbol: "BTCUSDT", Side: core.Buy, Status: core.OrderNew},
	}
	book := orders.NewBook("bot1")
	cache := marketdata.NewCache([]string{"BTCUSDT"}, time.Minute, 10)
	coord, err := New(Options{
		Mode:       "testnet",
		InstanceID: "bot1",
		Symbols:    []string{"BTCUSDT"},
		Exchange:   ex,
		ClientIDs:  prefixIDs{prefix: "bot1"},
		Book:       book,
		Cache:      cache,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := coord.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	open := book.Open()
	if len(open) != 1 {
		t.Fatalf("open after seed = %d, want 1 owned order", len(open))
	}
	if open[0].Key != "old" || open[0].ExchangeID != "55" {
		t.Fatalf("seeded record = %+v", open[0])
	}
}

func TestReconcileLeavesInFlightPlacementAlone(t *testing.T) {
	f := newFixtureWith(t, time.Minute, 20*time.Millisecond)
	gate := make(chan struct{})
	f.ex.mu.Lock()
	f.ex.placeGate = gate
	f.ex.mu.Unlock()

	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	// Several reconcile passes run while the placement is still on the
	// wire; none may query or fail the record.
	time.Sleep(100 * time.Millisecond)
	if got, _ := f.book.Get("k1"); got.Status != core.OrderPending {
		t.Fatalf("status with placement in flight = %s, want PENDING", got.Status)
	}
	if n := f.ex.queryCount(); n != 0 {
		t.Fatalf("query calls = %d, want 0 while placement in flight", n)
	}

	close(gate)
	waitFor(t, "ack after release", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderNew && got.ExchangeID != ""
	})
	if got := f.ex.cancels(); len(got) != 0 {
		t.Fatalf("cancel calls = %v, want none", got)
	}
}

func TestUnknownSubmitNotFoundFailsLocally(t *testing.T) {
	f := newFixtureWith(t, time.Minute, 20*time.Millisecond)
	f.ex.mu.Lock()
	f.ex.placeOutcome = exchange.SubmitUnknown
	f.ex.mu.Unlock()

	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	waitFor(t, "local failure", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderRejected
	})
	if f.ex.placeCount() != 1 {
		t.Fatalf("place calls = %d, want 1 (no blind retry)", f.ex.placeCount())
	}
}

func TestUnknownSubmitAdoptedWhenFoundOnExchange(t *testing.T) {
	f := newFixtureWith(t, time.Minute, 20*time.Millisecond)
	f.ex.mu.Lock()
	f.ex.placeOutcome = exchange.SubmitUnknown
	f.ex.queryResult = &core.OrderUpdate{
		ExchangeID: "777", ClientID: "bot1-k1", Symbol: "BTCUSDT",
		Side: core.Buy, Status: core.OrderNew, Price: dec("100"), Qty: dec("0.1"),
	}
	f.ex.mu.Unlock()

	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	waitFor(t, "adoption", func() bool {
		got, _ := f.book.Get("k1")
		return got.Status == core.OrderNew && got.ExchangeID == "777"
	})
	if f.ex.placeCount() != 1 {
		t.Fatalf("place calls = %d, want 1 (resolved by query, not resubmit)", f.ex.placeCount())
	}
}

func TestStreamAckBeforePlaceResultFiresDeferredCancel(t *testing.T) {
	f := newFixture(t, time.Minute)
	gate := make(chan struct{})
	f.ex.mu.Lock()
	f.ex.placeGate = gate
	f.ex.mu.Unlock()

	if _, err := f.coord.SubmitIntent(context.Background(), testIntent("k1")); err != nil {
		t.Fatalf("SubmitIntent() error = %v", err)
	}
	if _, err := f.coord.Cancel(context.Background(), "k1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	// The user-stream ack lands while the REST response is still on the
	// wire.
	f.coord.OnOrderUpdate(core.OrderUpdate{
		ExchangeID: "901", ClientID: "bot1-k1", Symbol: "BTCUSDT",
		Side: core.Buy, Status: core.OrderNew, Price: dec("100"), Qty: dec("0.1"),
	})
	waitFor(t, "deferred cancel", func() bool { return len(f.ex.cancels()) == 1 })

	close(gate)
	time.Sleep(50 * time.Millisecond)
	if got := f.ex.cancels(); len(got) != 1 || got[0] != "bot1-k1" {
		t.Fatalf("cancel calls = %v, want exactly [bot1-k1]", got)
	}
}
