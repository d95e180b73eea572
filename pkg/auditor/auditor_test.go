package auditor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/rotation"
)

func set(cursor uint64, ports ...uint16) rotation.BackendSet {
	var b rotation.BackendSet
	copy(b.Ports[:], ports)
	b.Cursor = cursor
	return b
}

func TestSweepRepairsCursors(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(9996, set(1, 9997, 9998, 9999))
	tbl.Set(8000, set(9, 8001, 8002)) // out of range
	tbl.Set(7000, set(2, 7001, 7002)) // on a sentinel
	tbl.Set(6000, set(0, 0, 6001))    // no first backend

	events := logging.NewEventBuffer(16)
	a := New(tbl, Config{Interval: time.Second, Events: events})
	stats := a.Sweep()

	if stats.Entries != 4 {
		t.Errorf("entries = %d, want 4", stats.Entries)
	}
	if stats.Repaired != 2 {
		t.Errorf("repaired = %d, want 2", stats.Repaired)
	}
	if stats.Malformed != 1 {
		t.Errorf("malformed = %d, want 1", stats.Malformed)
	}
	if stats.Sweeps != 1 || stats.LastSweep.IsZero() {
		t.Errorf("sweep bookkeeping: %+v", stats)
	}

	for port, want := range map[uint16]uint64{9996: 1, 8000: 0, 7000: 0, 6000: 0} {
		got, _, _ := tbl.Get(port)
		if got.Cursor != want {
			t.Errorf("port %d cursor = %d, want %d", port, got.Cursor, want)
		}
	}
	if got, _, _ := tbl.Get(8000); got.Ports != set(0, 8001, 8002).Ports {
		t.Errorf("repair changed ports: %v", got)
	}

	repairs := events.LatestFiltered(10, logging.EventFilter{Type: logging.EventCursorRepaired})
	if len(repairs) != 2 {
		t.Errorf("%d repair events, want 2", len(repairs))
	}

	// A second sweep finds nothing left to fix.
	if stats := a.Sweep(); stats.Repaired != 2 || stats.Sweeps != 2 {
		t.Errorf("second sweep: %+v", stats)
	}
}

func TestSweepNoRepair(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(8000, set(9, 8001, 8002))

	a := New(tbl, Config{Interval: time.Second, NoRepair: true})
	if stats := a.Sweep(); stats.Repaired != 0 {
		t.Errorf("repaired = %d, want 0", stats.Repaired)
	}
	if got, _, _ := tbl.Get(8000); got.Cursor != 9 {
		t.Errorf("cursor rewritten to %d", got.Cursor)
	}
}

// racingStore changes the entry between the sweep reading it and the
// repair, as a packet or an admin write would.
type racingStore struct {
	*rotation.MemTable
}

func (r racingStore) Iterate(fn func(uint16, rotation.BackendSet) bool) error {
	err := r.MemTable.Iterate(fn)
	r.MemTable.Set(8000, set(1, 8001, 8002))
	return err
}

func TestRepairLosesToConcurrentWrite(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(8000, set(9, 8001, 8002))

	a := New(racingStore{tbl}, Config{Interval: time.Second})
	if stats := a.Sweep(); stats.Repaired != 0 {
		t.Errorf("repaired = %d, want 0", stats.Repaired)
	}
	if got, _, _ := tbl.Get(8000); got.Cursor != 1 {
		t.Errorf("cursor = %d, want the concurrent write (1)", got.Cursor)
	}
}

// setOnlyStore hides CompareAndSwap so repairs go through Set.
type setOnlyStore struct {
	rotation.Store
	mu   sync.Mutex
	sets int
}

func (s *setOnlyStore) Set(port uint16, b rotation.BackendSet) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.Store.Set(port, b)
}

func TestRepairWithoutCAS(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(8000, set(4, 8001, 8002, 8003, 8004))
	s := &setOnlyStore{Store: tbl}

	a := New(s, Config{Interval: time.Second})
	if stats := a.Sweep(); stats.Repaired != 1 {
		t.Errorf("repaired = %d, want 1", stats.Repaired)
	}
	if s.sets != 1 {
		t.Errorf("Set called %d times, want 1", s.sets)
	}
	if got, _, _ := tbl.Get(8000); got.Cursor != 0 {
		t.Errorf("cursor = %d, want 0", got.Cursor)
	}
}

// adminRaceStore has no CompareAndSwap and replaces the audited entry with
// a new port list right after the sweep reads it.
type adminRaceStore struct {
	rotation.Store
}

func (r adminRaceStore) Iterate(fn func(uint16, rotation.BackendSet) bool) error {
	err := r.Store.Iterate(fn)
	r.Store.Set(8000, set(0, 8101, 8102))
	return err
}

func TestRepairWithoutCASKeepsAdminWrite(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(8000, set(9, 8001, 8002))

	a := New(adminRaceStore{tbl}, Config{Interval: time.Second})
	if stats := a.Sweep(); stats.Repaired != 0 {
		t.Errorf("repaired = %d, want 0", stats.Repaired)
	}
	got, _, _ := tbl.Get(8000)
	if got != set(0, 8101, 8102) {
		t.Errorf("entry = %v, want the admin write", got)
	}
}

type failingStore struct {
	rotation.Store
}

func (failingStore) Iterate(func(uint16, rotation.BackendSet) bool) error {
	return errors.New("map gone")
}

func TestSweepIterateError(t *testing.T) {
	a := New(failingStore{}, Config{Interval: time.Second})
	stats := a.Sweep()
	if stats.Failed != 1 || stats.Sweeps != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tbl := rotation.NewMemTable(10)
	tbl.Set(8000, set(9, 8001))

	a := New(tbl, Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for a.Stats().Sweeps == 0 {
		select {
		case <-deadline:
			t.Fatal("no sweep within 2s")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got, _, _ := tbl.Get(8000); got.Cursor != 0 {
		t.Errorf("cursor = %d, want 0", got.Cursor)
	}
}
