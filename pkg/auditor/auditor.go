// Package auditor periodically sweeps the rotation table, reporting its size
// and repairing cursors that the redirector would refuse to use.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Stats describes the auditor's work so far.
type Stats struct {
	Sweeps       uint64        `json:"sweeps"`
	Entries      int           `json:"entries"`   // entries seen by the last sweep
	Malformed    int           `json:"malformed"` // unrepairable entries in the last sweep
	Repaired     uint64        `json:"repaired"`  // cursors rewritten since start
	Failed       uint64        `json:"failed"`    // sweeps that could not iterate the table
	LastSweep    time.Time     `json:"last_sweep"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

// Config configures an Auditor.
type Config struct {
	Interval time.Duration
	// NoRepair reports bad cursors without rewriting them.
	NoRepair bool
	// Events, when set, records each repair.
	Events *logging.EventBuffer
}

// Auditor performs periodic sweeps of a rotation.Store.
type Auditor struct {
	store rotation.Store
	cfg   Config

	mu    sync.Mutex
	stats Stats
}

// New creates an auditor over store.
func New(store rotation.Store, cfg Config) *Auditor {
	return &Auditor{store: store, cfg: cfg}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) {
	slog.Info("table auditor started", "interval", a.cfg.Interval, "repair", !a.cfg.NoRepair)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("table auditor stopped")
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Stats returns a snapshot of the auditor's counters.
func (a *Auditor) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// badEntry is an entry whose cursor the redirector would not use as is.
type badEntry struct {
	port uint16
	set  rotation.BackendSet
}

// Sweep audits the table once and returns the updated stats.
func (a *Auditor) Sweep() Stats {
	start := monotonicNanos()

	var total int
	var bad, malformed []badEntry
	err := a.store.Iterate(func(port uint16, set rotation.BackendSet) bool {
		total++
		switch {
		case set.Ports[0] == rotation.Sentinel:
			malformed = append(malformed, badEntry{port, set})
		case !set.Valid():
			bad = append(bad, badEntry{port, set})
		}
		return true
	})
	if err != nil {
		slog.Error("table audit iteration failed", "err", err)
		a.mu.Lock()
		a.stats.Failed++
		stats := a.stats
		a.mu.Unlock()
		return stats
	}

	for _, e := range malformed {
		slog.Warn("backend set has no first backend", "listen_port", e.port, "set", e.set.String())
	}

	var repaired uint64
	for _, e := range bad {
		if a.cfg.NoRepair {
			slog.Warn("invalid rotation cursor", "listen_port", e.port, "cursor", e.set.Cursor)
			continue
		}
		if a.repair(e) {
			repaired++
		}
	}

	elapsed := time.Duration(monotonicNanos() - start)
	a.mu.Lock()
	a.stats.Sweeps++
	a.stats.Entries = total
	a.stats.Malformed = len(malformed)
	a.stats.Repaired += repaired
	a.stats.LastSweep = time.Now()
	a.stats.LastDuration = elapsed
	stats := a.stats
	a.mu.Unlock()

	if repaired > 0 || len(malformed) > 0 {
		slog.Info("table audit sweep",
			"entries", total,
			"repaired", repaired,
			"malformed", len(malformed),
			"duration", elapsed)
	}
	return stats
}

// repair resets the cursor of e to 0. The write only lands if the entry is
// still the one that was audited.
func (a *Auditor) repair(e badEntry) bool {
	fixed := e.set
	fixed.Cursor = 0

	if cas, ok := a.store.(rotation.CASTable); ok {
		swapped, err := cas.CompareAndSwap(e.port, e.set, fixed)
		if err != nil || !swapped {
			slog.Debug("cursor repair skipped", "listen_port", e.port, "swapped", swapped, "err", err)
			return false
		}
	} else {
		// Without CAS, re-read and only write over the audited value.
		cur, ok, err := a.store.Get(e.port)
		if err != nil || !ok || cur != e.set {
			slog.Debug("cursor repair skipped, entry changed", "listen_port", e.port, "err", err)
			return false
		}
		if err := a.store.Set(e.port, fixed); err != nil {
			slog.Error("cursor repair failed", "listen_port", e.port, "err", err)
			return false
		}
	}

	slog.Warn("repaired rotation cursor", "listen_port", e.port, "cursor", e.set.Cursor)
	if a.cfg.Events != nil {
		a.cfg.Events.Add(logging.EventRecord{
			Type:       logging.EventCursorRepaired,
			ListenPort: e.port,
			Detail:     fmt.Sprintf("cursor %d reset to 0", e.set.Cursor),
			Source:     "auditor",
		})
	}
	return true
}

// monotonicNanos returns CLOCK_MONOTONIC in nanoseconds.
func monotonicNanos() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}
