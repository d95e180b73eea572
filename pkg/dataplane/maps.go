package dataplane

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

var _ rotation.Store = (*BackendMap)(nil)

// BackendMap is the backend_ports map seen as a rotation.Store. Each call
// is a single syscall, so Get followed by Set is not atomic with respect to
// the XDP program.
type BackendMap struct {
	m *ebpf.Map
}

// Get implements rotation.Table.
func (b *BackendMap) Get(listenPort uint16) (rotation.BackendSet, bool, error) {
	var set rotation.BackendSet
	if err := b.m.Lookup(listenPort, &set); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return rotation.BackendSet{}, false, nil
		}
		return rotation.BackendSet{}, false, fmt.Errorf("lookup %s[%d]: %w", MapBackendPorts, listenPort, err)
	}
	return set, true, nil
}

// Set implements rotation.Table.
func (b *BackendMap) Set(listenPort uint16, set rotation.BackendSet) error {
	if err := b.m.Update(listenPort, set, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("insert listen port %d: %w", listenPort, rotation.ErrTableFull)
		}
		return fmt.Errorf("update %s[%d]: %w", MapBackendPorts, listenPort, err)
	}
	return nil
}

// Delete implements rotation.Store.
func (b *BackendMap) Delete(listenPort uint16) error {
	if err := b.m.Delete(listenPort); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("listen port %d: %w", listenPort, rotation.ErrNotFound)
		}
		return fmt.Errorf("delete %s[%d]: %w", MapBackendPorts, listenPort, err)
	}
	return nil
}

// Iterate implements rotation.Store. Entries written by the program while
// iterating may or may not be observed.
func (b *BackendMap) Iterate(fn func(listenPort uint16, set rotation.BackendSet) bool) error {
	var (
		key uint16
		val rotation.BackendSet
	)
	iter := b.m.Iterate()
	for iter.Next(&key, &val) {
		if !fn(key, val) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", MapBackendPorts, err)
	}
	return nil
}

// ReadCounters reads the per-CPU reason counters and sums them.
func (m *Manager) ReadCounters() (Counters, error) {
	cm, ok := m.maps[MapCounters]
	if !ok {
		return Counters{}, fmt.Errorf("%s map not found", MapCounters)
	}
	var total Counters
	for i := uint32(0); i < redirect.NumReasons; i++ {
		var perCPU []uint64
		if err := cm.Lookup(i, &perCPU); err != nil {
			return Counters{}, fmt.Errorf("read %s[%s]: %w", MapCounters, redirect.Reason(i), err)
		}
		for _, v := range perCPU {
			total[i] += v
		}
	}
	return total, nil
}
