package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/alert"
	"trade-assistant/internal/core"
	"trade-assistant/internal/exchange"
	"trade-assistant/internal/marketdata"
	"trade-assistant/internal/orders"
	"trade-assistant/internal/safety"
	"trade-assistant/internal/store"
)

// ClientIDSource derives exchange client order ids from idempotency keys.
type ClientIDSource interface {
	ClientOrderID(key string) string
	OwnsClientID(clientID string) bool
}

type Options struct {
	Mode       string
	InstanceID string
	Symbols    []string

	Exchange  exchange.Exchange
	ClientIDs ClientIDSource
	Book      *orders.Book
	Cache     *marketdata.Cache
	Breaker   *safety.Breaker
	Store     *store.Store
	Alerter   alert.Alerter

	Issuers        int
	OrderTimeout   time.Duration
	PriceBand      decimal.Decimal
	Heartbeat      time.Duration
	ReconcileEvery time.Duration
}

// StatusReport is the answer to a status request: a consistent copy of
// the coordinator's world at one point in the decision loop.
type StatusReport struct {
	Mode       string
	InstanceID string
	StartedAt  time.Time
	Orders     []core.OrderRecord
	Markets    map[string]core.MarketSnapshot
}

type submitReply struct {
	record core.OrderRecord
	err    error
}

type submitMsg struct {
	intent core.OrderIntent
	reply  chan submitReply
}

type cancelMsg struct {
	key   string
	reply chan submitReply
}

type statusMsg struct {
	reply chan StatusReport
}

type marketMsg struct {
	ev core.MarketEvent
}

type orderUpdateMsg struct {
	update core.OrderUpdate
}

type placeResultMsg struct {
	key    string
	result exchange.SubmitResult
	err    error
}

type cancelResultMsg struct {
	key string
	err error
}

type primeResultMsg struct {
	symbol   string
	snapshot core.MarketSnapshot
	err      error
}

type reconcileResultMsg struct {
	symbol  string
	updates []core.OrderUpdate
	err     error
}

type resolveResultMsg struct {
	key    string
	update core.OrderUpdate
	err    error
}

// Coordinator serializes every decision through one goroutine. Exchange
// I/O runs on a bounded issuer pool and reports back through the inbox,
// so the decision loop never blocks on the network.
type Coordinator struct {
	opts Options

	inbox chan interface{}
	sem   chan struct{}

	instruments map[string]core.Instrument
	// pendingCancel remembers cancels requested while the submit was
	// still in flight; they fire as soon as the ack lands.
	pendingCancel map[string]bool
	// unknownSubmit marks keys whose placement came back Unknown. Only
	// these may be failed locally by the reconcile pass; a PENDING record
	// with its placement still in flight must never be touched.
	unknownSubmit map[string]bool
	startedAt     time.Time
	now           func() time.Time
}

func New(opts Options) (*Coordinator, error) {
	if opts.Exchange == nil {
		return nil, errors.New("exchange required")
	}
	if opts.ClientIDs == nil {
		return nil, errors.New("client id source required")
	}
	if opts.Book == nil || opts.Cache == nil {
		return nil, errors.New("book and cache required")
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.New("at least one symbol required")
	}
	issuers := opts.Issuers
	if issuers < 1 {
		issuers = 2
	}
	return &Coordinator{
		opts:          opts,
		inbox:         make(chan interface{}, 256),
		sem:           make(chan struct{}, issuers),
		instruments:   make(map[string]core.Instrument, len(opts.Symbols)),
		pendingCancel: make(map[string]bool),
		unknownSubmit: make(map[string]bool),
		now:           time.Now,
	}, nil
}

// Prepare loads instrument rules, primes the market cache, and seeds the
// order book from the exchange's open orders. A failure here must abort
// startup: trading without reconciled state risks duplicate orders.
func (c *Coordinator) Prepare(ctx context.Context) error {
	instruments, err := c.opts.Exchange.Instruments(ctx, c.opts.Symbols)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	for _, inst := range instruments {
		c.instruments[inst.Symbol] = inst
	}
	for _, symbol := range c.opts.Symbols {
		if _, ok := c.instruments[symbol]; !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
		}
		ev, err := c.opts.Exchange.BookTicker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("prime %s: %w", symbol, err)
		}
		if err := c.opts.Cache.Prime(core.MarketSnapshot{
			Symbol:    symbol,
			BestBid:   ev.BestBid,
			BestAsk:   ev.BestAsk,
			UpdatedAt: ev.Time,
		}); err != nil {
			return err
		}
		open, err := c.opts.Exchange.OpenOrders(ctx, symbol)
		if err != nil {
			return fmt.Errorf("seed open orders %s: %w", symbol, err)
		}
		if adopted := c.opts.Book.SeedOpenOrders(open); adopted > 0 {
			log.Printf("level=INFO event=orders_seeded symbol=%s adopted=%d", symbol, adopted)
		}
	}
	c.startedAt = c.now()
	return nil
}

// Run drives the decision loop until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	heartbeat := newOptionalTicker(c.opts.Heartbeat)
	defer heartbeat.Stop()
	reconcile := newOptionalTicker(c.opts.ReconcileEvery)
	defer reconcile.Stop()
	timeouts := newOptionalTicker(timeoutScanInterval(c.opts.OrderTimeout))
	defer timeouts.Stop()

	c.writeStatus()
	for {
		select {
		case <-ctx.Done():
			c.writeStatus()
			return ctx.Err()
		case msg := <-c.inbox:
			c.dispatch(ctx, msg)
		case <-heartbeat.C:
			c.emitHeartbeat()
		case <-reconcile.C:
			c.startReconcile(ctx)
		case <-timeouts.C:
			c.expireTimedOut(ctx)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case submitMsg:
		c.handleSubmit(ctx, m)
	case cancelMsg:
		c.handleCancel(ctx, m)
	case statusMsg:
		m.reply <- c.buildStatus()
	case marketMsg:
		c.handleMarketEvent(ctx, m.ev)
	case orderUpdateMsg:
		c.handleOrderUpdate(ctx, m.update)
	case placeResultMsg:
		c.handlePlaceResult(ctx, m)
	case cancelResultMsg:
		c.handleCancelResult(m)
	case primeResultMsg:
		c.handlePrimeResult(m)
	case reconcileResultMsg:
		c.handleReconcileResult(ctx, m)
	case resolveResultMsg:
		c.handleResolveResult(ctx, m)
	default:
		log.Printf("level=WARN event=unknown_inbox_message type=%T", msg)
	}
}

// SubmitIntent validates and registers an intent, then hands the
// submission to the issuer pool. The returned record reflects the state at
// registration time; fills arrive later through the order stream.
func (c *Coordinator) SubmitIntent(ctx context.Context, intent core.OrderIntent) (core.OrderRecord, error) {
	reply := make(chan submitReply, 1)
	select {
	case c.inbox <- submitMsg{intent: intent, reply: reply}:
	case <-ctx.Done():
		return core.OrderRecord{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.record, r.err
	case <-ctx.Done():
		return core.OrderRecord{}, ctx.Err()
	}
}

// Cancel requests cancellation of the order registered under key.
func (c *Coordinator) Cancel(ctx context.Context, key string) (core.OrderRecord, error) {
	reply := make(chan submitReply, 1)
	select {
	case c.inbox <- cancelMsg{key: key, reply: reply}:
	case <-ctx.Done():
		return core.OrderRecord{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.record, r.err
	case <-ctx.Done():
		return core.OrderRecord{}, ctx.Err()
	}
}

func (c *Coordinator) Status(ctx context.Context) (StatusReport, error) {
	reply := make(chan StatusReport, 1)
	select {
	case c.inbox <- statusMsg{reply: reply}:
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
}

// Balances queries the exchange directly. It touches no loop-owned state,
// so it does not go through the inbox.
func (c *Coordinator) Balances(ctx context.Context) ([]core.Balance, error) {
	return c.opts.Exchange.Balances(ctx)
}

// OnMarketEvent feeds one stream event into the decision loop. Events are
// dropped with a warning if the inbox is saturated; the sequence check
// will force a resync, which is the correct recovery anyway.
func (c *Coordinator) OnMarketEvent(ev core.MarketEvent) {
	select {
	case c.inbox <- marketMsg{ev: ev}:
	default:
		log.Printf("level=WARN event=market_event_dropped symbol=%s seq=%d", ev.Symbol, ev.Seq)
	}
}

func (c *Coordinator) OnOrderUpdate(update core.OrderUpdate) {
	c.inbox <- orderUpdateMsg{update: update}
}

func (c *Coordinator) handleSubmit(ctx context.Context, m submitMsg) {
	intent := m.intent
	if intent.Key == "" {
		m.reply <- submitReply{err: fmt.Errorf("%w: empty idempotency key", core.ErrInvalidIntent)}
		return
	}
	if existing, ok := c.opts.Book.Get(intent.Key); ok {
		// Same key, same order: the earlier submission answers.
		m.reply <- submitReply{record: existing, err: core.ErrDuplicateOrder}
		return
	}
	inst, ok := c.instruments[intent.Symbol]
	if !ok {
		m.reply <- submitReply{err: fmt.Errorf("%w: %s", core.ErrUnknownSymbol, intent.Symbol)}
		return
	}
	snap, err := c.opts.Cache.Snapshot(intent.Symbol)
	if err != nil {
		m.reply <- submitReply{err: err}
		return
	}
	if snap.Stale || snap.Mid().IsZero() {
		m.reply <- submitReply{err: fmt.Errorf("%w: %s", core.ErrStaleMarketData, intent.Symbol)}
		return
	}
	reference := snap.Mid()
	if intent.Type == core.Market || intent.Price.IsZero() {
		intent.Price = reference
	}
	normalized, err := core.NormalizeIntent(intent, inst.Rules)
	if err != nil {
		m.reply <- submitReply{err: err}
		return
	}
	if normalized.Type == core.Limit && c.opts.PriceBand.IsPositive() {
		if err := core.CheckPriceBand(normalized.Price, reference, c.opts.PriceBand); err != nil {
			m.reply <- submitReply{err: err}
			return
		}
	}
	if err := c.opts.Breaker.AllowSubmit(); err != nil {
		m.reply <- submitReply{err: err}
		return
	}

	clientID := c.opts.ClientIDs.ClientOrderID(normalized.Key)
	record, created := c.opts.Book.Submit(normalized, clientID)
	if !created {
		m.reply <- submitReply{record: record, err: core.ErrDuplicateOrder}
		return
	}
	c.journal("registered", "", record)
	log.Printf("level=INFO event=order_registered key=%s symbol=%s side=%s type=%s price=%s qty=%s",
		record.Key, record.Symbol, record.Side, record.Type, record.Price, record.Qty)

	req := exchange.OrderRequest{
		Symbol:   normalized.Symbol,
		Side:     normalized.Side,
		Type:     normalized.Type,
		Price:    normalized.Price,
		Qty:      normalized.Qty,
		ClientID: clientID,
	}
	c.issue(ctx, func(ctx context.Context) interface{} {
		result, err := c.opts.Exchange.PlaceOrder(ctx, req)
		return placeResultMsg{key: normalized.Key, result: result, err: err}
	})
	m.reply <- submitReply{record: record}
}

func (c *Coordinator) handlePlaceResult(ctx context.Context, m placeResultMsg) {
	switch m.result.Outcome {
	case exchange.SubmitConfirmed:
		delete(c.unknownSubmit, m.key)
		record, err := c.opts.Book.MarkSubmitted(m.key, m.result.Update)
		if err != nil {
			log.Printf("level=ERROR event=mark_submitted_failed key=%s err=%q", m.key, err)
			return
		}
		c.journal("submitted", "", record)
		log.Printf("level=INFO event=order_submitted key=%s exchange_id=%s status=%s",
			record.Key, record.ExchangeID, record.Status)
		if m.result.Update.Status.Terminal() {
			if rec, err := c.opts.Book.Reconcile(m.result.Update); err == nil {
				c.journal("terminal", string(rec.Status), rec)
			}
		}
		if c.pendingCancel[m.key] {
			delete(c.pendingCancel, m.key)
			c.issueCancel(ctx, record)
		}
	case exchange.SubmitUnknown:
		// Leave the record pending; periodic reconciliation resolves it
		// by client order id. Never blind-retry an unknown outcome.
		c.unknownSubmit[m.key] = true
		log.Printf("level=WARN event=order_submit_unknown key=%s err=%q", m.key, m.err)
		c.alert("order_submit_unknown", map[string]string{"key": m.key, "error": errString(m.err)})
	default:
		delete(c.unknownSubmit, m.key)
		record, err := c.opts.Book.MarkFailed(m.key, errString(m.err))
		if err != nil {
			log.Printf("level=ERROR event=mark_failed_error key=%s err=%q", m.key, err)
			return
		}
		delete(c.pendingCancel, m.key)
		c.journal("failed", errString(m.err), record)
		c.alert("order_rejected", map[string]string{
			"key":    m.key,
			"symbol": record.Symbol,
			"error":  errString(m.err),
		})
	}
	c.writeStatus()
}

func (c *Coordinator) handleCancel(ctx context.Context, m cancelMsg) {
	record, err := c.opts.Book.CancelCheck(m.key)
	if err != nil {
		m.reply <- submitReply{record: record, err: err}
		return
	}
	if record.Status == core.OrderPending {
		// Ack not in yet; remember the cancel and fire it on arrival.
		c.pendingCancel[m.key] = true
		m.reply <- submitReply{record: record}
		return
	}
	if err := c.opts.Breaker.AllowCancel(); err != nil {
		m.reply <- submitReply{record: record, err: err}
		return
	}
	c.issueCancel(ctx, record)
	m.reply <- submitReply{record: record}
}

func (c *Coordinator) issueCancel(ctx context.Context, record core.OrderRecord) {
	c.issue(ctx, func(ctx context.Context) interface{} {
		err := c.opts.Exchange.CancelOrder(ctx, record.Symbol, record.ExchangeID, record.ClientID)
		return cancelResultMsg{key: record.Key, err: err}
	})
}

func (c *Coordinator) handleCancelResult(m cancelResultMsg) {
	if m.err == nil {
		log.Printf("level=INFO event=cancel_accepted key=%s", m.key)
		return
	}
	if errors.Is(m.err, core.ErrOrderNotFound) {
		// The order is already gone; reconciliation will land the
		// terminal state reported by the exchange.
		log.Printf("level=INFO event=cancel_order_gone key=%s", m.key)
		return
	}
	log.Printf("level=WARN event=cancel_failed key=%s err=%q", m.key, m.err)
	c.alert("cancel_failed", map[string]string{"key": m.key, "error": m.err.Error()})
}

func (c *Coordinator) handleMarketEvent(ctx context.Context, ev core.MarketEvent) {
	err := c.opts.Cache.Apply(ev)
	if err == nil {
		return
	}
	if errors.Is(err, marketdata.ErrSequenceGap) {
		log.Printf("level=WARN event=market_resync symbol=%s reason=%q", ev.Symbol, err)
		symbol := ev.Symbol
		c.issue(ctx, func(ctx context.Context) interface{} {
			snapEv, err := c.opts.Exchange.BookTicker(ctx, symbol)
			return primeResultMsg{
				symbol: symbol,
				snapshot: core.MarketSnapshot{
					Symbol:    symbol,
					BestBid:   snapEv.BestBid,
					BestAsk:   snapEv.BestAsk,
					UpdatedAt: snapEv.Time,
				},
				err: err,
			}
		})
		return
	}
	log.Printf("level=WARN event=market_event_rejected symbol=%s err=%q", ev.Symbol, err)
}

func (c *Coordinator) handlePrimeResult(m primeResultMsg) {
	if m.err != nil {
		log.Printf("level=ERROR event=market_resync_failed symbol=%s err=%q", m.symbol, m.err)
		c.alert("market_resync_failed", map[string]string{"symbol": m.symbol, "error": m.err.Error()})
		return
	}
	if err := c.opts.Cache.Prime(m.snapshot); err != nil {
		log.Printf("level=ERROR event=market_prime_failed symbol=%s err=%q", m.symbol, err)
		return
	}
	log.Printf("level=INFO event=market_resynced symbol=%s", m.symbol)
}

func (c *Coordinator) handleOrderUpdate(ctx context.Context, update core.OrderUpdate) {
	record, err := c.opts.Book.Reconcile(update)
	if err != nil {
		if errors.Is(err, core.ErrReconcileConflict) {
			log.Printf("level=ERROR event=reconcile_conflict client_id=%s err=%q", update.ClientID, err)
			c.alert("reconcile_conflict", map[string]string{
				"client_id": update.ClientID,
				"error":     err.Error(),
			})
		}
		return
	}
	switch {
	case record.Status == core.OrderFilled:
		c.journal("filled", "", record)
		c.alert("order_filled", map[string]string{
			"key":    record.Key,
			"symbol": record.Symbol,
			"side":   string(record.Side),
			"qty":    record.FilledQty.String(),
			"price":  record.AvgFillPrice.String(),
		})
	case record.Status.Terminal():
		c.journal("terminal", string(record.Status), record)
	case record.Status == core.OrderPartiallyFilled:
		c.journal("partial_fill", "", record)
	}
	delete(c.unknownSubmit, record.Key)
	if record.Status.Terminal() {
		delete(c.pendingCancel, record.Key)
	} else if c.pendingCancel[record.Key] && record.Status != core.OrderPending {
		// The stream ack beat the REST response; fire the parked cancel
		// now, not when the place result drains.
		delete(c.pendingCancel, record.Key)
		c.issueCancel(ctx, record)
	}
	c.writeStatus()
}

func (c *Coordinator) startReconcile(ctx context.Context) {
	for _, symbol := range c.opts.Symbols {
		symbol := symbol
		c.issue(ctx, func(ctx context.Context) interface{} {
			updates, err := c.opts.Exchange.OpenOrders(ctx, symbol)
			return reconcileResultMsg{symbol: symbol, updates: updates, err: err}
		})
	}
	c.resolvePending(ctx)
}

func (c *Coordinator) handleReconcileResult(ctx context.Context, m reconcileResultMsg) {
	if m.err != nil {
		log.Printf("level=WARN event=reconcile_failed symbol=%s err=%q", m.symbol, m.err)
		return
	}
	onExchange := make(map[string]bool, len(m.updates))
	for _, update := range m.updates {
		onExchange[update.ClientID] = true
		c.handleOrderUpdate(ctx, update)
	}
	// Locally open but absent from the exchange: the terminal update was
	// lost. Resolve by direct query.
	for _, record := range c.opts.Book.Open() {
		if record.Symbol != m.symbol || record.Status == core.OrderPending {
			continue
		}
		if onExchange[record.ClientID] {
			continue
		}
		c.queryAndReconcile(record)
	}
}

// resolvePending queries orders whose submission came back Unknown.
// Found on the exchange: adopt. Not found: fail locally. A PENDING record
// whose placement is still in flight is left alone; its place result will
// settle it.
func (c *Coordinator) resolvePending(ctx context.Context) {
	for _, record := range c.opts.Book.Open() {
		if record.Status != core.OrderPending || !c.unknownSubmit[record.Key] {
			continue
		}
		record := record
		c.issue(ctx, func(ctx context.Context) interface{} {
			update, err := c.opts.Exchange.QueryOrder(ctx, record.Symbol, "", record.ClientID)
			return resolveResultMsg{key: record.Key, update: update, err: err}
		})
	}
}

func (c *Coordinator) handleResolveResult(ctx context.Context, m resolveResultMsg) {
	if m.err != nil {
		if !errors.Is(m.err, core.ErrOrderNotFound) {
			log.Printf("level=WARN event=resolve_pending_failed key=%s err=%q", m.key, m.err)
			return
		}
		delete(c.unknownSubmit, m.key)
		delete(c.pendingCancel, m.key)
		rec, err := c.opts.Book.MarkFailed(m.key, "not found after unknown submit")
		if err != nil {
			log.Printf("level=WARN event=resolve_pending_conflict key=%s err=%q", m.key, err)
			return
		}
		c.journal("failed", "unresolved submit", rec)
		c.writeStatus()
		return
	}
	delete(c.unknownSubmit, m.key)
	c.handleOrderUpdate(ctx, m.update)
}

func (c *Coordinator) queryAndReconcile(record core.OrderRecord) {
	go func() {
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		update, err := c.opts.Exchange.QueryOrder(ctx, record.Symbol, record.ExchangeID, record.ClientID)
		if err != nil {
			log.Printf("level=WARN event=order_query_failed key=%s err=%q", record.Key, err)
			return
		}
		c.inbox <- orderUpdateMsg{update: update}
	}()
}

func (c *Coordinator) expireTimedOut(ctx context.Context) {
	for _, record := range c.opts.Book.TimedOut(c.opts.OrderTimeout) {
		if c.pendingCancel[record.Key] {
			continue
		}
		log.Printf("level=WARN event=order_timeout key=%s age_exceeds=%s", record.Key, c.opts.OrderTimeout)
		c.alert("order_timeout", map[string]string{
			"key":    record.Key,
			"symbol": record.Symbol,
			"filled": record.FilledQty.String(),
		})
		c.pendingCancel[record.Key] = true
		c.issueCancel(ctx, record)
	}
}

func (c *Coordinator) emitHeartbeat() {
	open := c.opts.Book.Open()
	fields := map[string]string{
		"open_orders": fmt.Sprintf("%d", len(open)),
		"uptime":      c.now().Sub(c.startedAt).Truncate(time.Second).String(),
	}
	for _, symbol := range c.opts.Symbols {
		if snap, err := c.opts.Cache.Snapshot(symbol); err == nil {
			fields[symbol] = fmt.Sprintf("bid=%s ask=%s stale=%v", snap.BestBid, snap.BestAsk, snap.Stale)
		}
	}
	c.alert("heartbeat", fields)
	c.writeStatus()
}

func (c *Coordinator) buildStatus() StatusReport {
	markets := make(map[string]core.MarketSnapshot, len(c.opts.Symbols))
	for _, symbol := range c.opts.Symbols {
		if snap, err := c.opts.Cache.Snapshot(symbol); err == nil {
			markets[symbol] = snap
		}
	}
	return StatusReport{
		Mode:       c.opts.Mode,
		InstanceID: c.opts.InstanceID,
		StartedAt:  c.startedAt,
		Orders:     c.opts.Book.All(),
		Markets:    markets,
	}
}

func (c *Coordinator) writeStatus() {
	if c.opts.Store == nil {
		return
	}
	report := c.buildStatus()
	open := 0
	for _, rec := range report.Orders {
		if !rec.Terminal() {
			open++
		}
	}
	markets := make(map[string]store.MarketStatus, len(report.Markets))
	for symbol, snap := range report.Markets {
		markets[symbol] = store.MarketStatus{
			BestBid:   snap.BestBid.String(),
			BestAsk:   snap.BestAsk.String(),
			Seq:       snap.Seq,
			UpdatedAt: snap.UpdatedAt,
			Stale:     snap.Stale,
		}
	}
	status := store.RuntimeStatus{
		Mode:          c.opts.Mode,
		InstanceID:    c.opts.InstanceID,
		PID:           os.Getpid(),
		StartedAt:     c.startedAt,
		UpdatedAt:     c.now().UTC(),
		OpenOrders:    open,
		TotalOrders:   len(report.Orders),
		Markets:       markets,
		LastHeartbeat: c.now().UTC(),
	}
	if err := c.opts.Store.WriteStatus(status); err != nil {
		log.Printf("level=WARN event=status_write_failed err=%q", err)
	}
}

// issue runs fn on the issuer pool and posts its result to the inbox.
func (c *Coordinator) issue(ctx context.Context, fn func(ctx context.Context) interface{}) {
	go func() {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-c.sem }()
		result := fn(ctx)
		if result == nil {
			return
		}
		select {
		case c.inbox <- result:
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) journal(kind, reason string, record core.OrderRecord) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.AppendOrderEvent(store.OrderEvent{
		Time:   c.now().UTC(),
		Kind:   kind,
		Reason: reason,
		Order:  record,
	}); err != nil {
		log.Printf("level=WARN event=journal_write_failed kind=%s key=%s err=%q", kind, record.Key, err)
	}
}

func (c *Coordinator) alert(event string, fields map[string]string) {
	if c.opts.Alerter == nil {
		return
	}
	c.opts.Alerter.Important(event, fields)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// optionalTicker behaves like time.Ticker but supports a disabled state
// with a nil channel that never fires.
type optionalTicker struct {
	C      <-chan time.Time
	ticker *time.Ticker
}

func newOptionalTicker(d time.Duration) *optionalTicker {
	if d <= 0 {
		return &optionalTicker{}
	}
	t := time.NewTicker(d)
	return &optionalTicker{C: t.C, ticker: t}
}

func (t *optionalTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

func timeoutScanInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}
