package safety

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(true, 3, 3, 3, time.Second)
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := b.RecordSubmit(boom); err != nil {
			t.Fatalf("RecordSubmit(%d) error = %v, want nil before threshold", i, err)
		}
	}
	if err := b.RecordSubmit(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordSubmit(third) error = %v, want circuit open", err)
	}
	if err := b.AllowSubmit(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowSubmit() error = %v, want circuit open", err)
	}
	// Cancel circuit is independent.
	if err := b.AllowCancel(); err != nil {
		t.Fatalf("AllowCancel() error = %v, want nil", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(true, 2, 2, 2, time.Second)
	boom := errors.New("boom")
	if err := b.RecordSubmit(boom); err != nil {
		t.Fatalf("RecordSubmit() error = %v", err)
	}
	if err := b.RecordSubmit(nil); err != nil {
		t.Fatalf("RecordSubmit(success) error = %v", err)
	}
	// The count restarted, so one more failure does not trip.
	if err := b.RecordSubmit(boom); err != nil {
		t.Fatalf("RecordSubmit(after reset) error = %v", err)
	}
}

func TestBreakerIgnoresContextErrors(t *testing.T) {
	b := NewBreaker(true, 1, 1, 1, time.Second)
	if err := b.RecordSubmit(context.Canceled); err != nil {
		t.Fatalf("RecordSubmit(canceled) error = %v", err)
	}
	if err := b.AllowSubmit(); err != nil {
		t.Fatalf("AllowSubmit() error = %v, context errors must not count", err)
	}
}

func TestReconnectHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(true, 3, 3, 1, 10*time.Second)
	clock := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return clock }

	boom := errors.New("dial failed")
	if err := b.RecordReconnect(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect() error = %v, want trip at threshold 1", err)
	}
	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() before cooldown error = %v, want open", err)
	}
	if remaining := b.ReconnectCooldownRemaining(); remaining != 10*time.Second {
		t.Fatalf("ReconnectCooldownRemaining() = %v, want 10s", remaining)
	}

	clock = clock.Add(11 * time.Second)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect() after cooldown error = %v, want half-open probe", err)
	}
	if err := b.RecordReconnect(nil); err != nil {
		t.Fatalf("RecordReconnect(probe success) error = %v", err)
	}
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect() after recovery error = %v", err)
	}
}

func TestReconnectHalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker(true, 3, 3, 1, 10*time.Second)
	clock := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return clock }

	boom := errors.New("dial failed")
	if err := b.RecordReconnect(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect() error = %v, want trip", err)
	}
	clock = clock.Add(11 * time.Second)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect() error = %v", err)
	}
	if err := b.RecordReconnect(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(probe failure) error = %v, want reopen", err)
	}
	if remaining := b.ReconnectCooldownRemaining(); remaining != 10*time.Second {
		t.Fatalf("ReconnectCooldownRemaining() = %v, want full cooldown again", remaining)
	}
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	b := NewBreaker(false, 1, 1, 1, time.Second)
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if err := b.RecordSubmit(boom); err != nil {
			t.Fatalf("RecordSubmit(disabled) error = %v", err)
		}
	}
	if err := b.AllowSubmit(); err != nil {
		t.Fatalf("AllowSubmit(disabled) error = %v", err)
	}
}

func TestNilBreakerIsSafe(t *testing.T) {
	var b *Breaker
	if err := b.RecordSubmit(errors.New("boom")); err != nil {
		t.Fatalf("nil RecordSubmit error = %v", err)
	}
	if err := b.AllowSubmit(); err != nil {
		t.Fatalf("nil AllowSubmit error = %v", err)
	}
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("nil AllowReconnect error = %v", err)
	}
}
