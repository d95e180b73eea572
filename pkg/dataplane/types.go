// Package dataplane manages the kernel side of the load balancer: the XDP
// program, the backend_ports and lb_counters maps, and XDP attachment.
package dataplane

import (
	"fmt"

	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Map and program names as seen by bpftool.
const (
	MapBackendPorts = "backend_ports"
	MapCounters     = "lb_counters"
	ProgName        = "xdp_lb"
)

// Map ABI. The value mirrors the C struct
//
//	struct backend_set { __u16 ports[4]; __u64 index; };
const (
	backendKeySize   = 2
	backendValueSize = 16
	counterKeySize   = 4
	counterValueSize = 8
)

// XDP action codes returned by the program.
const (
	xdpAborted = int32(redirect.VerdictAborted)
	xdpPass    = int32(redirect.VerdictPass)
)

// Counters holds the summed per-reason packet counters.
type Counters [redirect.NumReasons]uint64

// Total returns the number of packets the program has seen.
func (c Counters) Total() uint64 {
	var n uint64
	for _, v := range c {
		n += v
	}
	return n
}

// Get returns the counter for one reason.
func (c Counters) Get(r redirect.Reason) uint64 {
	if int(r) >= len(c) {
		return 0
	}
	return c[r]
}

// XDPMode selects the XDP attach mode.
type XDPMode string

const (
	XDPModeAuto    XDPMode = "auto"    // native, falling back to generic
	XDPModeNative  XDPMode = "native"  // driver mode only
	XDPModeGeneric XDPMode = "generic" // SKB mode
)

// ParseXDPMode validates an attach mode name. The empty string selects
// XDPModeAuto.
func ParseXDPMode(s string) (XDPMode, error) {
	switch XDPMode(s) {
	case "", XDPModeAuto:
		return XDPModeAuto, nil
	case XDPModeNative, XDPModeGeneric:
		return XDPMode(s), nil
	default:
		return "", fmt.Errorf("unknown XDP mode %q (valid: auto, native, generic)", s)
	}
}

// DefaultPinPath is the conventional bpffs directory for pinned maps.
const DefaultPinPath = "/sys/fs/bpf/xdplb"

// Options configures a dataplane backend.
type Options struct {
	// MaxEntries bounds the backend_ports map. Zero selects
	// rotation.DefaultMaxEntries.
	MaxEntries int
	// PinPath, when set, pins backend_ports under this bpffs directory so
	// the table survives daemon restarts.
	PinPath string
	// Mode selects the rotation mode of the userspace backend. The kernel
	// program always runs relaxed.
	Mode redirect.Mode
}

func (o Options) maxEntries() int {
	if o.MaxEntries <= 0 {
		return rotation.DefaultMaxEntries
	}
	return o.MaxEntries
}
