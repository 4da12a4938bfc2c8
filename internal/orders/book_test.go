package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testBook(clock *fakeClock) *Book {
	return newBook("bot1", clock.now)
}

func testIntent(key string) core.OrderIntent {
	return core.OrderIntent{
		Key:    key,
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  dec("100"),
		Qty:    dec("0.01"),
	}
}

func TestSubmitIdempotentByKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	first, created := b.Submit(testIntent("k1"), "bot1-k1")
	if !created {
		t.Fatal("first Submit created = false, want true")
	}
	if first.Status != core.OrderPending {
		t.Fatalf("status = %s, want PENDING", first.Status)
	}
	second, created := b.Submit(testIntent("k1"), "bot1-k1")
	if created {
		t.Fatal("second Submit created = true, want false")
	}
	if second.Key != "k1" || second.ClientID != "bot1-k1" {
		t.Fatalf("second record = %+v, want original", second)
	}
	if got := len(b.All()); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}

func TestMarkSubmittedThenReconcileLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	b.Submit(testIntent("k1"), "bot1-k1")

	rec, err := b.MarkSubmitted("k1", core.OrderUpdate{
		ExchangeID: "555", ClientID: "bot1-k1", Symbol: "BTCUSDT", Status: core.OrderNew,
	})
	if err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	if rec.Status != core.OrderNew || rec.ExchangeID != "555" {
		t.Fatalf("record = %+v, want NEW/555", rec)
	}

	// Two partial fills accumulate; cumulative qty never decreases.
	rec, err = b.Reconcile(core.OrderUpdate{
		ClientID: "bot1-k1", Status: core.OrderPartiallyFilled,
		FilledQty: dec("0.004"), LastFillPrice: dec("100"),
	})
	if err != nil {
		t.Fatalf("Reconcile(partial 1) error = %v", err)
	}
	if !rec.FilledQty.Equal(dec("0.004")) {
		t.Fatalf("FilledQty = %s, want 0.004", rec.FilledQty)
	}
	rec, err = b.Reconcile(core.OrderUpdate{
		ClientID: "bot1-k1", Status: core.OrderFilled,
		FilledQty: dec("0.01"), LastFillPrice: dec("100"),
	})
	if err != nil {
		t.Fatalf("Reconcile(fill) error = %v", err)
	}
	if rec.Status != core.OrderFilled || !rec.FilledQty.Equal(dec("0.01")) {
		t.Fatalf("record = %+v, want FILLED 0.01", rec)
	}

	// A late replay of the earlier partial cannot shrink the fill.
	rec, err = b.Reconcile(core.OrderUpdate{
		ClientID: "bot1-k1", Status: core.OrderPartiallyFilled, FilledQty: dec("0.004"),
	})
	if err != nil {
		t.Fatalf("Reconcile(replay) error = %v", err)
	}
	if rec.Status != core.OrderFilled || !rec.FilledQty.Equal(dec("0.01")) {
		t.Fatalf("record after replay = %+v, want FILLED 0.01", rec)
	}
}

func TestReconcileTerminalIdempotentAndConflict(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	b.Submit(testIntent("k1"), "bot1-k1")
	if _, err := b.Reconcile(core.OrderUpdate{ClientID: "bot1-k1", Status: core.OrderCanceled}); err != nil {
		t.Fatalf("Reconcile(cancel) error = %v", err)
	}
	// Same terminal state again is a no-op.
	if _, err := b.Reconcile(core.OrderUpdate{ClientID: "bot1-k1", Status: core.OrderCanceled}); err != nil {
		t.Fatalf("Reconcile(cancel again) error = %v", err)
	}
	// A different terminal state is a conflict, not a transition.
	rec, err := b.Reconcile(core.OrderUpdate{ClientID: "bot1-k1", Status: core.OrderFilled, FilledQty: dec("0.01")})
	if !errors.Is(err, core.ErrReconcileConflict) {
		t.Fatalf("Reconcile(conflicting terminal) error = %v, want conflict", err)
	}
	if rec.Status != core.OrderCanceled {
		t.Fatalf("status = %s, conflict must not change state", rec.Status)
	}
}

func TestReconcileAdoptsOwnUnknownOrder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	rec, err := b.Reconcile(core.OrderUpdate{
		ExchangeID: "9", ClientID: "bot1-lost-key", Symbol: "BTCUSDT",
		Side: core.Buy, Status: core.OrderNew, Price: dec("100"), Qty: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("Reconcile(own unknown) error = %v", err)
	}
	if rec.Key != "lost-key" || rec.Status != core.OrderNew {
		t.Fatalf("adopted record = %+v", rec)
	}
	// Foreign client ids are not ours to track.
	if _, err := b.Reconcile(core.OrderUpdate{ClientID: "other-x", Status: core.OrderNew}); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("Reconcile(foreign) error = %v, want not found", err)
	}
}

func TestSeedOpenOrders(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	adopted := b.SeedOpenOrders([]core.OrderUpdate{
		{ExchangeID: "1", ClientID: "bot1-a", Symbol: "BTCUSDT", Side: core.Buy, Status: core.OrderNew, Price: dec("100"), Qty: dec("0.01")},
		{ExchangeID: "2", ClientID: "other-b", Symbol: "BTCUSDT", Side: core.Buy, Status: core.OrderNew},
		{ExchangeID: "3", ClientID: "bot1-c", Symbol: "BTCUSDT", Side: core.Sell, Status: core.OrderPartiallyFilled, Qty: dec("0.02"), FilledQty: dec("0.005")},
	})
	if adopted != 2 {
		t.Fatalf("adopted = %d, want 2", adopted)
	}
	open := b.Open()
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	rec, ok := b.Get("c")
	if !ok {
		t.Fatal("seeded order c not found")
	}
	if rec.Status != core.OrderPartiallyFilled || !rec.FilledQty.Equal(dec("0.005")) {
		t.Fatalf("seeded record = %+v", rec)
	}
}

func TestCancelCheck(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	b.Submit(testIntent("k1"), "bot1-k1")
	if _, err := b.CancelCheck("k1"); err != nil {
		t.Fatalf("CancelCheck(open) error = %v", err)
	}
	if _, err := b.CancelCheck("missing"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelCheck(missing) error = %v, want not found", err)
	}
	if _, err := b.Reconcile(core.OrderUpdate{ClientID: "bot1-k1", Status: core.OrderFilled, FilledQty: dec("0.01")}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := b.CancelCheck("k1"); !errors.Is(err, core.ErrAlreadyTerminal) {
		t.Fatalf("CancelCheck(terminal) error = %v, want already terminal", err)
	}
}

func TestMarkFailedOnlyFromPending(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	b.Submit(testIntent("k1"), "bot1-k1")
	rec, err := b.MarkFailed("k1", "rejected by exchange")
	if err != nil {
		t.Fatalf("MarkFailed(pending) error = %v", err)
	}
	if rec.Status != core.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", rec.Status)
	}

	b.Submit(testIntent("k2"), "bot1-k2")
	if _, err := b.MarkSubmitted("k2", core.OrderUpdate{ExchangeID: "7", Status: core.OrderNew}); err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	if _, err := b.MarkFailed("k2", "late failure"); !errors.Is(err, core.ErrReconcileConflict) {
		t.Fatalf("MarkFailed(acknowledged) error = %v, want conflict", err)
	}
}

func TestTimedOutExcludesPendingAndFresh(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := testBook(clock)
	b.Submit(testIntent("old"), "bot1-old")
	if _, err := b.MarkSubmitted("old", core.OrderUpdate{ExchangeID: "1", Status: core.OrderNew}); err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	clock.advance(10 * time.Minute)
	b.Submit(testIntent("fresh"), "bot1-fresh")
	if _, err := b.MarkSubmitted("fresh", core.OrderUpdate{ExchangeID: "2", Status: core.OrderNew}); err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	b.Submit(testIntent("pend"), "bot1-pend")

	timedOut := b.TimedOut(5 * time.Minute)
	if len(timedOut) != 1 || timedOut[0].Key != "old" {
		t.Fatalf("TimedOut() = %+v, want only old", timedOut)
	}
}
