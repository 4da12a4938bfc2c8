package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	events := []OrderEvent{
		{Kind: "submitted", Order: core.OrderRecord{Key: "k1", Symbol: "BTCUSDT", Status: core.OrderNew, Qty: decimal.RequireFromString("0.01")}},
		{Kind: "filled", Order: core.OrderRecord{Key: "k1", Symbol: "BTCUSDT", Status: core.OrderFilled, FilledQty: decimal.RequireFromString("0.01")}},
	}
	for _, ev := range events {
		if err := s.AppendOrderEvent(ev); err != nil {
			t.Fatalf("AppendOrderEvent() error = %v", err)
		}
	}

	var replayed []OrderEvent
	err = s.ReplayJournal(func(ev OrderEvent) error {
		replayed = append(replayed, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayJournal() error = %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed = %d, want 2", len(replayed))
	}
	if replayed[0].Kind != "submitted" || replayed[1].Kind != "filled" {
		t.Fatalf("replayed kinds = %q/%q", replayed[0].Kind, replayed[1].Kind)
	}
	if replayed[1].Order.Status != core.OrderFilled {
		t.Fatalf("replayed status = %s, want FILLED", replayed[1].Order.Status)
	}
	if replayed[0].Time.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestReplaySkipsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.AppendOrderEvent(OrderEvent{Kind: "submitted", Order: core.OrderRecord{Key: "k1"}}); err != nil {
		t.Fatalf("AppendOrderEvent() error = %v", err)
	}
	s.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"fil`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	count := 0
	if err := s.ReplayJournal(func(OrderEvent) error { count++; return nil }); err != nil {
		t.Fatalf("ReplayJournal() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("replayed = %d, want 1 intact event", count)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, ok, err := s.ReadStatus(); err != nil || ok {
		t.Fatalf("ReadStatus(empty) = ok=%v err=%v, want absent", ok, err)
	}
	status := RuntimeStatus{
		Mode:       "testnet",
		InstanceID: "bot1",
		StartedAt:  time.Unix(1_700_000_000, 0).UTC(),
		OpenOrders: 2,
		Markets: map[string]MarketStatus{
			"BTCUSDT": {BestBid: "100", BestAsk: "101", Seq: 7},
		},
	}
	if err := s.WriteStatus(status); err != nil {
		t.Fatalf("WriteStatus() error = %v", err)
	}
	got, ok, err := s.ReadStatus()
	if err != nil || !ok {
		t.Fatalf("ReadStatus() = ok=%v err=%v", ok, err)
	}
	if got.InstanceID != "bot1" || got.OpenOrders != 2 {
		t.Fatalf("status = %+v", got)
	}
	if got.Markets["BTCUSDT"].Seq != 7 {
		t.Fatalf("market seq = %d, want 7", got.Markets["BTCUSDT"].Seq)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}
}

func TestLockExcludesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if _, err := AcquireLock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	l2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = l2.Release()
}

func TestLockReclaimsStalePid(t *testing.T) {
	dir := t.TempDir()
	// A pid that cannot exist marks the lock stale.
	if err := os.WriteFile(filepath.Join(dir, lockFile), []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock(stale) error = %v", err)
	}
	_ = l.Release()
}
