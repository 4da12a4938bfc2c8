package orders

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"trade-assistant/internal/core"
)

// Book owns every order record in the process. All writes go through it;
// callers only ever see copies. Terminal transitions happen exclusively on
// exchange-reported state (user stream, query, or reconcile), with one
// exception: a submit the exchange provably never accepted is failed
// locally.
type Book struct {
	mu       sync.Mutex
	byKey    map[string]*core.OrderRecord
	byClient map[string]string
	prefix   string
	now      func() time.Time
}

func NewBook(clientOrderPrefix string) *Book {
	return newBook(clientOrderPrefix, time.Now)
}

func newBook(clientOrderPrefix string, now func() time.Time) *Book {
	return &Book{
		byKey:    make(map[string]*core.OrderRecord),
		byClient: make(map[string]string),
		prefix:   clientOrderPrefix,
		now:      now,
	}
}

// Submit registers an intent under its idempotency key. A repeated key
// returns the existing record with created=false and never creates a
// second order.
func (b *Book) Submit(intent core.OrderIntent, clientID string) (core.OrderRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.byKey[intent.Key]; ok {
		return *existing, false
	}
	now := b.now()
	rec := &core.OrderRecord{
		Key:       intent.Key,
		ClientID:  clientID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      intent.Type,
		Price:     intent.Price,
		Qty:       intent.Qty,
		Status:    core.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.byKey[intent.Key] = rec
	b.byClient[clientID] = intent.Key
	return *rec, true
}

// MarkSubmitted records the exchange acknowledgment for a pending order.
func (b *Book) MarkSubmitted(key string, update core.OrderUpdate) (core.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byKey[key]
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, key)
	}
	if rec.Status.Terminal() {
		return *rec, nil
	}
	if update.ExchangeID != "" {
		rec.ExchangeID = update.ExchangeID
	}
	if rec.Status == core.OrderPending {
		rec.Status = core.OrderSubmitted
	}
	b.applyUpdateLocked(rec, update)
	return *rec, nil
}

// MarkFailed terminally rejects a pending order that never reached the
// exchange. Orders already acknowledged must go through Reconcile instead.
func (b *Book) MarkFailed(key, reason string) (core.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byKey[key]
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, key)
	}
	if rec.Status.Terminal() {
		return *rec, nil
	}
	if rec.Status != core.OrderPending {
		return *rec, fmt.Errorf("%w: %s is %s, only pending orders fail locally", core.ErrReconcileConflict, key, rec.Status)
	}
	rec.Status = core.OrderRejected
	rec.UpdatedAt = b.now()
	log.Printf("level=WARN event=order_failed key=%s reason=%q", key, reason)
	return *rec, nil
}

// Reconcile folds an exchange-reported update into the matching record,
// adopting unknown orders that carry this instance's client id prefix.
// Terminal records ignore further updates; a second, different terminal
// state is a conflict.
func (b *Book) Reconcile(update core.OrderUpdate) (core.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.findLocked(update)
	if rec == nil {
		if !b.ownsClientID(update.ClientID) {
			return core.OrderRecord{}, fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, update.ClientID)
		}
		rec = b.adoptLocked(update)
	}
	if rec.Status.Terminal() {
		if update.Status.Terminal() && update.Status != rec.Status {
			return *rec, fmt.Errorf("%w: %s reported %s after %s", core.ErrReconcileConflict, rec.Key, update.Status, rec.Status)
		}
		return *rec, nil
	}
	if update.ExchangeID != "" {
		rec.ExchangeID = update.ExchangeID
	}
	b.applyUpdateLocked(rec, update)
	return *rec, nil
}

// SeedOpenOrders installs the exchange's open orders at startup so cancels
// and fills for pre-existing orders resolve against known records.
func (b *Book) SeedOpenOrders(updates []core.OrderUpdate) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	adopted := 0
	for _, update := range updates {
		if !b.ownsClientID(update.ClientID) {
			continue
		}
		if b.findLocked(update) != nil {
			continue
		}
		rec := b.adoptLocked(update)
		b.applyUpdateLocked(rec, update)
		adopted++
	}
	return adopted
}

// CancelCheck validates that a cancel request can proceed. It does not
// change state; cancellation lands through Reconcile like any other
// terminal transition.
func (b *Book) CancelCheck(key string) (core.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byKey[key]
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, key)
	}
	if rec.Status.Terminal() {
		return *rec, fmt.Errorf("%w: %s is %s", core.ErrAlreadyTerminal, key, rec.Status)
	}
	return *rec, nil
}

func (b *Book) Get(key string) (core.OrderRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byKey[key]
	if !ok {
		return core.OrderRecord{}, false
	}
	return *rec, true
}

// Open returns every non-terminal record, oldest first.
func (b *Book) Open() []core.OrderRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.OrderRecord, 0, len(b.byKey))
	for _, rec := range b.byKey {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

func (b *Book) All() []core.OrderRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.OrderRecord, 0, len(b.byKey))
	for _, rec := range b.byKey {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// TimedOut returns open exchange-acknowledged orders older than the
// horizon. Pending orders are excluded; their fate is still in flight.
func (b *Book) TimedOut(horizon time.Duration) []core.OrderRecord {
	if horizon <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-horizon)
	out := make([]core.OrderRecord, 0)
	for _, rec := range b.byKey {
		if rec.Open() && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

func (b *Book) findLocked(update core.OrderUpdate) *core.OrderRecord {
	if key, ok := b.byClient[update.ClientID]; ok {
		return b.byKey[key]
	}
	if update.ExchangeID != "" {
		for _, rec := range b.byKey {
			if rec.ExchangeID == update.ExchangeID {
				return rec
			}
		}
	}
	return nil
}

func (b *Book) adoptLocked(update core.OrderUpdate) *core.OrderRecord {
	key := strings.TrimPrefix(update.ClientID, b.prefix+"-")
	if _, taken := b.byKey[key]; taken || key == "" {
		key = update.ClientID
	}
	now := b.now()
	rec := &core.OrderRecord{
		Key:        key,
		ClientID:   update.ClientID,
		ExchangeID: update.ExchangeID,
		Symbol:     update.Symbol,
		Side:       update.Side,
		Type:       core.Limit,
		Price:      update.Price,
		Qty:        update.Qty,
		Status:     core.OrderSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.byKey[key] = rec
	b.byClient[update.ClientID] = key
	log.Printf("level=INFO event=order_adopted key=%s client_id=%s exchange_id=%s", key, update.ClientID, update.ExchangeID)
	return rec
}

// applyUpdateLocked folds status and fills. FilledQty is cumulative and
// never decreases; late or out-of-order reports cannot shrink it.
func (b *Book) applyUpdateLocked(rec *core.OrderRecord, update core.OrderUpdate) {
	if isStatusProgress(rec.Status, update.Status) {
		rec.Status = update.Status
	}
	if update.FilledQty.Cmp(rec.FilledQty) > 0 {
		rec.FilledQty = update.FilledQty
		if update.LastFillPrice.IsPositive() {
			rec.AvgFillPrice = update.LastFillPrice
		}
	}
	now := b.now()
	if update.Time.After(rec.UpdatedAt) {
		rec.UpdatedAt = update.Time
	} else if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
}

var statusRank = map[core.OrderStatus]int{
	core.OrderPending:         0,
	core.OrderSubmitted:       1,
	core.OrderNew:             2,
	core.OrderPartiallyFilled: 3,
	core.OrderFilled:          4,
	core.OrderCanceled:        4,
	core.OrderRejected:        4,
	core.OrderExpired:         4,
}

func isStatusProgress(from, to core.OrderStatus) bool {
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > statusRank[from]
}

func (b *Book) ownsClientID(clientID string) bool {
	if clientID == "" || b.prefix == "" {
		return false
	}
	return strings.HasPrefix(clientID, b.prefix+"-")
}

func sortRecords(recs []core.OrderRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
