package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trade-assistant/internal/core"
)

const (
	journalFile = "orders.jsonl"
	statusFile  = "status.json"
)

// OrderEvent is one audit line in the journal: what happened to which
// order, as seen by the coordinator.
type OrderEvent struct {
	Time   time.Time        `json:"time"`
	Kind   string           `json:"kind"`
	Reason string           `json:"reason,omitempty"`
	Order  core.OrderRecord `json:"order"`
}

// RuntimeStatus is the operator-facing snapshot written atomically on
// every heartbeat and significant state change.
type RuntimeStatus struct {
	Mode          string                  `json:"mode"`
	InstanceID    string                  `json:"instance_id"`
	PID           int                     `json:"pid"`
	StartedAt     time.Time               `json:"started_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	OpenOrders    int                     `json:"open_orders"`
	TotalOrders   int                     `json:"total_orders"`
	Markets       map[string]MarketStatus `json:"markets,omitempty"`
	LastHeartbeat time.Time               `json:"last_heartbeat,omitempty"`
}

type MarketStatus struct {
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale"`
}

// Store persists the order journal and runtime status under one state
// directory. Journal writes are append-only and synced per event so a
// crash loses at most the event being written.
type Store struct {
	dir string

	mu      sync.Mutex
	journal *os.File
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	journal, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Store{dir: dir, journal: journal}, nil
}

func (s *Store) AppendOrderEvent(ev OrderEvent) error {
	if s == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.journal.Write(line); err != nil {
		return err
	}
	return s.journal.Sync()
}

// ReplayJournal streams every journal event, oldest first. Corrupt
// trailing lines from a mid-write crash are skipped.
func (s *Store) ReplayJournal(fn func(OrderEvent) error) error {
	if s == nil {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, journalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev OrderEvent
		if err := dec.Decode(&ev); err != nil {
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// WriteStatus replaces the status file atomically via rename.
func (s *Store) WriteStatus(status RuntimeStatus) error {
	if s == nil {
		return nil
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	target := filepath.Join(s.dir, statusFile)
	tmp, err := os.CreateTemp(s.dir, statusFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) ReadStatus() (RuntimeStatus, bool, error) {
	if s == nil {
		return RuntimeStatus{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, statusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, fmt.Errorf("parse status: %w", err)
	}
	return status, true, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.Close()
}
