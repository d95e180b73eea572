package dataplane

import (
	"fmt"

	"github.com/psaab/xdplb/pkg/rotation"
)

// Compile-time assertions that both backends implement DataPlane.
var (
	_ DataPlane = (*Manager)(nil)
	_ DataPlane = (*Userspace)(nil)
)

// Dataplane type constants used in the "dataplane" config key.
const (
	TypeXDP       = "xdp" // default
	TypeUserspace = "userspace"
)

// backendRegistry holds constructors for non-XDP dataplane backends.
var backendRegistry = map[string]func(Options) DataPlane{
	TypeUserspace: func(o Options) DataPlane { return NewUserspace(o) },
}

// NewDataPlane creates a DataPlane backend based on the given type string.
// An empty string defaults to XDP.
func NewDataPlane(dpType string, opts Options) (DataPlane, error) {
	switch dpType {
	case "", TypeXDP:
		return New(opts), nil
	default:
		if ctor, ok := backendRegistry[dpType]; ok {
			return ctor(opts), nil
		}
		return nil, fmt.Errorf("unknown dataplane type %q (valid: xdp, userspace)", dpType)
	}
}

// DataPlane is the packet-processing backend driven by the control plane.
// The XDP Manager is the primary implementation. Userspace runs the Go
// redirector against an in-memory table and needs no privileges.
type DataPlane interface {
	// Lifecycle
	Load() error
	IsLoaded() bool
	Close() error
	Teardown() error // Close, then remove pinned state

	// Program attachment
	AttachXDP(ifindex int, mode XDPMode) error
	DetachXDP(ifindex int) error
	Attached() []int

	// State
	Backends() rotation.Store
	ReadCounters() (Counters, error)
}
