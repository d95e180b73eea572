package rotation

import (
	"fmt"
	"sort"
	"sync"
)

// Table is the per-key accessor used on the packet path. Get followed by Set
// is a read-modify-write with no isolation from other writers of the same key.
type Table interface {
	// Get returns a snapshot of the entry for listenPort.
	Get(listenPort uint16) (BackendSet, bool, error)
	// Set replaces or inserts the entry for listenPort.
	Set(listenPort uint16, set BackendSet) error
}

// Store is the control-plane view of a Table.
type Store interface {
	Table
	Delete(listenPort uint16) error
	// Iterate calls fn for every entry until fn returns false.
	Iterate(fn func(listenPort uint16, set BackendSet) bool) error
}

// CASTable is a Table that can replace an entry only if it still holds an
// expected value.
type CASTable interface {
	Table
	CompareAndSwap(listenPort uint16, old, next BackendSet) (bool, error)
}

// Compile-time assertions.
var (
	_ Store    = (*MemTable)(nil)
	_ CASTable = (*MemTable)(nil)
)

// MemTable is an in-process Store with a fixed number of entries. A single
// Set or CompareAndSwap is atomic per key.
type MemTable struct {
	mu         sync.RWMutex
	entries    map[uint16]BackendSet
	maxEntries int
}

// NewMemTable creates a table that holds at most maxEntries keys.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewMemTable(maxEntries int) *MemTable {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemTable{
		entries:    make(map[uint16]BackendSet),
		maxEntries: maxEntries,
	}
}

// Get implements Table.
func (t *MemTable) Get(listenPort uint16) (BackendSet, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.entries[listenPort]
	return set, ok, nil
}

// Set implements Table.
func (t *MemTable) Set(listenPort uint16, set BackendSet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(listenPort, set)
}

func (t *MemTable) setLocked(listenPort uint16, set BackendSet) error {
	if _, exists := t.entries[listenPort]; !exists && len(t.entries) >= t.maxEntries {
		return fmt.Errorf("insert listen port %d: %w", listenPort, ErrTableFull)
	}
	t.entries[listenPort] = set
	return nil
}

// CompareAndSwap implements CASTable. It returns false without error when the
// stored entry differs from old or is missing.
func (t *MemTable) CompareAndSwap(listenPort uint16, old, next BackendSet) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[listenPort]
	if !ok || cur != old {
		return false, nil
	}
	if err := t.setLocked(listenPort, next); err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements Store. Deleting a missing key returns ErrNotFound.
func (t *MemTable) Delete(listenPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[listenPort]; !ok {
		return fmt.Errorf("delete listen port %d: %w", listenPort, ErrNotFound)
	}
	delete(t.entries, listenPort)
	return nil
}

// Iterate implements Store. Entries are visited in listen port order over a
// snapshot, so fn may call back into the table.
func (t *MemTable) Iterate(fn func(listenPort uint16, set BackendSet) bool) error {
	t.mu.RLock()
	ports := make([]uint16, 0, len(t.entries))
	snap := make(map[uint16]BackendSet, len(t.entries))
	for p, s := range t.entries {
		ports = append(ports, p)
		snap[p] = s
	}
	t.mu.RUnlock()

	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	for _, p := range ports {
		if !fn(p, snap[p]) {
			break
		}
	}
	return nil
}

// Len returns the number of entries.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entry is a listen port and its backend set.
type Entry struct {
	ListenPort uint16
	Set        BackendSet
}

// List collects all entries of s sorted by listen port.
func List(s Store) ([]Entry, error) {
	var out []Entry
	if err := s.Iterate(func(p uint16, set BackendSet) bool {
		out = append(out, Entry{ListenPort: p, Set: set})
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPort < out[j].ListenPort })
	return out, nil
}

// Seed inserts each backend list under its listen port with cursor 0.
// Seeding the same value twice leaves the entry unchanged.
func Seed(t Table, services map[uint16][]uint16) error {
	ports := make([]uint16, 0, len(services))
	for p := range services {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	for _, listen := range ports {
		set, err := NewBackendSet(services[listen]...)
		if err != nil {
			return fmt.Errorf("listen port %d: %w", listen, err)
		}
		if err := t.Set(listen, set); err != nil {
			return fmt.Errorf("seed listen port %d: %w", listen, err)
		}
	}
	return nil
}
