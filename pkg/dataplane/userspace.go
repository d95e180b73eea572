package dataplane

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Userspace is a DataPlane that keeps the rotation table in memory and runs
// the Go redirector. It attaches nothing to the kernel; frames are fed to it
// through Process. It supports both rotation modes.
type Userspace struct {
	opts Options

	mu       sync.Mutex
	table    *rotation.MemTable
	rd       *redirect.Redirector
	attached map[int]bool
}

// NewUserspace creates an unloaded userspace dataplane.
func NewUserspace(opts Options) *Userspace {
	return &Userspace{opts: opts, attached: make(map[int]bool)}
}

// Load creates the table and the redirector.
func (u *Userspace) Load() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rd != nil {
		return nil
	}
	table := rotation.NewMemTable(u.opts.maxEntries())
	rd, err := redirect.New(table, redirect.Config{Mode: u.opts.Mode, Logger: slog.Default()})
	if err != nil {
		return fmt.Errorf("userspace redirector: %w", err)
	}
	u.table, u.rd = table, rd
	slog.Info("userspace dataplane loaded", "mode", u.opts.Mode.String())
	return nil
}

// IsLoaded reports whether Load has succeeded.
func (u *Userspace) IsLoaded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rd != nil
}

// Close drops the table.
func (u *Userspace) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.table, u.rd = nil, nil
	u.attached = make(map[int]bool)
	return nil
}

// Teardown is Close; nothing is pinned.
func (u *Userspace) Teardown() error {
	return u.Close()
}

// AttachXDP records the interface. No program is attached.
func (u *Userspace) AttachXDP(ifindex int, mode XDPMode) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rd == nil {
		return fmt.Errorf("userspace dataplane not loaded")
	}
	u.attached[ifindex] = true
	slog.Debug("userspace: AttachXDP is a no-op", "ifindex", ifindex, "mode", string(mode))
	return nil
}

// DetachXDP forgets the interface.
func (u *Userspace) DetachXDP(ifindex int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.attached, ifindex)
	return nil
}

// Attached returns the recorded interfaces, sorted.
func (u *Userspace) Attached() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int, 0, len(u.attached))
	for ifindex := range u.attached {
		out = append(out, ifindex)
	}
	sort.Ints(out)
	return out
}

// Backends returns the in-memory table, or nil before Load.
func (u *Userspace) Backends() rotation.Store {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.table == nil {
		return nil
	}
	return u.table
}

// ReadCounters returns the redirector's reason counters.
func (u *Userspace) ReadCounters() (Counters, error) {
	u.mu.Lock()
	rd := u.rd
	u.mu.Unlock()
	if rd == nil {
		return Counters{}, fmt.Errorf("userspace dataplane not loaded")
	}
	return Counters(rd.Counts()), nil
}

// Process runs one frame through the redirector. Before Load every frame
// passes untouched.
func (u *Userspace) Process(pkt []byte) redirect.Verdict {
	u.mu.Lock()
	rd := u.rd
	u.mu.Unlock()
	if rd == nil {
		return redirect.VerdictPass
	}
	return rd.Process(pkt)
}
