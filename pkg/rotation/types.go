// Package rotation holds the backend rotation table shared by the packet
// redirector and the control plane: a listen port maps to a fixed-capacity
// list of backend ports plus a cursor naming the next backend to use.
package rotation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Capacity is the number of backend slots in a BackendSet.
const Capacity = 4

// Sentinel marks an unused backend slot. Port 0 can never be a backend.
const Sentinel uint16 = 0

// DefaultMaxEntries matches the size of the kernel backend_ports map.
const DefaultMaxEntries = 10

var (
	// ErrTableFull is returned when inserting a new key into a full table.
	ErrTableFull = errors.New("rotation table full")
	// ErrInvalidBackendSet is returned for backend lists that cannot be stored.
	ErrInvalidBackendSet = errors.New("invalid backend set")
	// ErrNotFound is returned when no entry exists for a listen port.
	ErrNotFound = errors.New("no backend set for listen port")
	// ErrCASConflict is returned when a compare-and-swap retry budget runs out.
	ErrCASConflict = errors.New("rotation cursor update conflict")
)

// BackendSet mirrors the kernel map value:
//
//	struct backend_ports { __u16 ports[4]; __u64 index; };
//
// The layout is 16 bytes with no padding, so it can be passed to
// ebpf.Map.Update as is.
type BackendSet struct {
	Ports  [Capacity]uint16
	Cursor uint64
}

// NewBackendSet builds a BackendSet with cursor 0 from an ordered list of
// backend ports.
func NewBackendSet(ports ...uint16) (BackendSet, error) {
	var b BackendSet
	if len(ports) == 0 {
		return b, fmt.Errorf("%w: no backends", ErrInvalidBackendSet)
	}
	if len(ports) > Capacity {
		return b, fmt.Errorf("%w: %d backends exceeds capacity %d", ErrInvalidBackendSet, len(ports), Capacity)
	}
	for i, p := range ports {
		if p == Sentinel {
			return b, fmt.Errorf("%w: port 0 is reserved (slot %d)", ErrInvalidBackendSet, i)
		}
		b.Ports[i] = p
	}
	return b, nil
}

// Backends returns the populated backend ports, stopping at the first
// sentinel slot.
func (b BackendSet) Backends() []uint16 {
	out := make([]uint16, 0, Capacity)
	for _, p := range b.Ports {
		if p == Sentinel {
			break
		}
		out = append(out, p)
	}
	return out
}

// Valid reports whether the cursor is in range and points at a backend.
func (b BackendSet) Valid() bool {
	return b.Cursor < Capacity && b.Ports[b.Cursor] != Sentinel
}

// Next returns the backend at the cursor and the set with its cursor
// advanced. The advanced cursor wraps to 0 when it runs past the last slot
// or lands on a sentinel. ok is false when the stored cursor is out of
// range; the caller must treat that as a fault.
func (b BackendSet) Next() (port uint16, next BackendSet, ok bool) {
	if b.Cursor > Capacity-1 {
		return 0, b, false
	}
	port = b.Ports[b.Cursor]

	next = BackendSet{Ports: b.Ports, Cursor: b.Cursor + 1}
	if next.Cursor > Capacity-1 || next.Ports[next.Cursor] == Sentinel {
		next.Cursor = 0
	}
	return port, next, true
}

// String formats the set as "[9997 9998 9999 0] cursor=1".
func (b BackendSet) String() string {
	parts := make([]string, Capacity)
	for i, p := range b.Ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return fmt.Sprintf("[%s] cursor=%d", strings.Join(parts, " "), b.Cursor)
}

// ParsePorts parses a comma separated backend list such as "9997,9998".
func ParsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse port %q: %w", f, err)
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}
