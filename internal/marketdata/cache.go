package marketdata

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trade-assistant/internal/core"
)

// ErrSequenceGap reports a hole in the event sequence for a symbol. The
// caller must resync the affected symbol via Prime; further gapped events
// for that symbol are swallowed until the resync lands, so one gap causes
// exactly one resync.
var ErrSequenceGap = errors.New("market data sequence gap")

var ErrUnknownSymbol = errors.New("symbol not tracked")

type symbolState struct {
	snapshot      core.MarketSnapshot
	klines        []core.Kline
	resyncPending bool
	primed        bool
}

// Cache holds the latest market state per tracked symbol. Apply and Prime
// must be called from a single goroutine; Snapshot and Klines are safe
// from anywhere.
type Cache struct {
	mu           sync.RWMutex
	symbols      map[string]*symbolState
	staleness    time.Duration
	klineHistory int
	now          func() time.Time
}

func NewCache(symbols []string, staleness time.Duration, klineHistory int) *Cache {
	return newCache(symbols, staleness, klineHistory, time.Now)
}

func newCache(symbols []string, staleness time.Duration, klineHistory int, now func() time.Time) *Cache {
	if klineHistory < 1 {
		klineHistory = 1
	}
	states := make(map[string]*symbolState, len(symbols))
	for _, s := range symbols {
		states[s] = &symbolState{snapshot: core.MarketSnapshot{Symbol: s}}
	}
	return &Cache{
		symbols:      states,
		staleness:    staleness,
		klineHistory: klineHistory,
		now:          now,
	}
}

// Prime installs a fresh snapshot for a symbol and resets the sequence
// baseline: the next event's sequence is accepted as the new start.
func (c *Cache) Prime(snapshot core.MarketSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.symbols[snapshot.Symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, snapshot.Symbol)
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = c.now()
	}
	// UpdatedAt never regresses, even across a resync.
	if snapshot.UpdatedAt.Before(state.snapshot.UpdatedAt) {
		snapshot.UpdatedAt = state.snapshot.UpdatedAt
	}
	snapshot.Stale = false
	state.snapshot = snapshot
	state.primed = false
	state.resyncPending = false
	return nil
}

// Apply folds one stream event into the cache. Stale and duplicate
// sequences are ignored. A gap marks the symbol for resync and returns
// ErrSequenceGap exactly once; subsequent gapped events stay silent until
// Prime is called.
func (c *Cache) Apply(ev core.MarketEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.symbols[ev.Symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, ev.Symbol)
	}
	if state.resyncPending {
		return nil
	}
	if state.primed {
		if ev.Seq <= state.snapshot.Seq {
			return nil
		}
		if ev.Seq > state.snapshot.Seq+1 {
			state.resyncPending = true
			return fmt.Errorf("%w: %s seq %d after %d", ErrSequenceGap, ev.Symbol, ev.Seq, state.snapshot.Seq)
		}
	}
	state.primed = true
	c.fold(state, ev)
	return nil
}

func (c *Cache) fold(state *symbolState, ev core.MarketEvent) {
	snap := &state.snapshot
	snap.Seq = ev.Seq
	if ev.BestBid.IsPositive() {
		snap.BestBid = ev.BestBid
	}
	if ev.BestAsk.IsPositive() {
		snap.BestAsk = ev.BestAsk
	}
	if ev.Last.IsPositive() {
		snap.LastPrice = ev.Last
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = c.now()
	}
	if ts.After(snap.UpdatedAt) {
		snap.UpdatedAt = ts
	}
	if ev.Kline != nil {
		state.klines = append(state.klines, *ev.Kline)
		if len(state.klines) > c.klineHistory {
			state.klines = state.klines[len(state.klines)-c.klineHistory:]
		}
	}
}

// Snapshot returns a copy of the current state. Stale is computed against
// the staleness window at read time; the data itself is retained.
func (c *Cache) Snapshot(symbol string) (core.MarketSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.symbols[symbol]
	if !ok {
		return core.MarketSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	snap := state.snapshot
	snap.Stale = c.isStale(state)
	return snap, nil
}

// Fresh reports whether the symbol has usable, non-stale data.
func (c *Cache) Fresh(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.symbols[symbol]
	if !ok {
		return false
	}
	if state.snapshot.UpdatedAt.IsZero() {
		return false
	}
	return !c.isStale(state)
}

func (c *Cache) isStale(state *symbolState) bool {
	if state.snapshot.UpdatedAt.IsZero() {
		return true
	}
	if c.staleness <= 0 {
		return false
	}
	return c.now().Sub(state.snapshot.UpdatedAt) > c.staleness
}

// Klines returns a copy of the retained closed candles, oldest first.
func (c *Cache) Klines(symbol string) []core.Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]core.Kline, len(state.klines))
	copy(out, state.klines)
	return out
}

func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}
