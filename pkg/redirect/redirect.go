// Package redirect implements the per-packet UDP port redirector.
//
// Process parses Ethernet, IPv4 and UDP headers straight out of the frame,
// looks the destination port up in a rotation.Table, rewrites the port in
// place and advances the rotation cursor. It is the userspace rendition of
// the XDP program assembled by package dataplane and makes the same
// decisions: every read or write of the frame is preceded by an explicit
// bounds check, no per-packet allocation happens, and all control flow is
// statically bounded.
package redirect

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/xdplb/pkg/rotation"
)

// Header layout constants.
const (
	EthHdrLen     = 14
	IPv4MinHdrLen = 20
	UDPHdrLen     = 8

	EthTypeIPv4 = 0x0800
	ProtoUDP    = 17

	ethTypeOff    = 12
	ipProtoOff    = 9
	udpDstPortOff = 2
)

// maxCASRetries bounds the compare-and-swap loop in ModeStrict.
const maxCASRetries = 8

// Verdict is the action taken for a packet. Values match the kernel's
// enum xdp_action.
type Verdict uint32

const (
	VerdictAborted Verdict = 0 // XDP_ABORTED
	VerdictPass    Verdict = 2 // XDP_PASS
)

func (v Verdict) String() string {
	switch v {
	case VerdictAborted:
		return "aborted"
	case VerdictPass:
		return "pass"
	default:
		return fmt.Sprintf("verdict(%d)", uint32(v))
	}
}

// Reason records why a verdict was reached. Values double as indices into
// the kernel lb_counters map.
type Reason uint32

const (
	ReasonRedirected       Reason = 0
	ReasonNotIPv4          Reason = 1
	ReasonNotUDP           Reason = 2
	ReasonTruncated        Reason = 3
	ReasonNoBackend        Reason = 4
	ReasonCursorOutOfRange Reason = 5
	ReasonUpdateFailed     Reason = 6
)

// NumReasons is the number of Reason values.
const NumReasons = 7

var reasonNames = [NumReasons]string{
	ReasonRedirected:       "redirected",
	ReasonNotIPv4:          "not_ipv4",
	ReasonNotUDP:           "not_udp",
	ReasonTruncated:        "truncated",
	ReasonNoBackend:        "no_backend",
	ReasonCursorOutOfRange: "cursor_out_of_range",
	ReasonUpdateFailed:     "update_failed",
}

func (r Reason) String() string {
	if r < NumReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

// Aborts reports whether the reason is an internal fault rather than
// ordinary non-matching traffic.
func (r Reason) Aborts() bool {
	return r == ReasonCursorOutOfRange || r == ReasonUpdateFailed
}

// Mode selects how the rotation cursor is advanced.
type Mode int

const (
	// ModeRelaxed performs Get, then Set. Concurrent packets for the same
	// listen port may read the same cursor and both pick the same backend;
	// the cursor then advances once for both.
	ModeRelaxed Mode = iota
	// ModeStrict advances the cursor with a bounded compare-and-swap loop
	// so every packet observes a distinct cursor value.
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "relaxed"
}

// ParseMode converts a mode name. The empty string selects ModeRelaxed.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "relaxed":
		return ModeRelaxed, nil
	case "strict":
		return ModeStrict, nil
	default:
		return 0, fmt.Errorf("unknown rotation mode %q (valid: relaxed, strict)", s)
	}
}

// Config configures a Redirector.
type Config struct {
	Mode   Mode
	Logger *slog.Logger // nil disables per-packet debug logging
}

// Redirector rewrites UDP destination ports using a shared rotation table.
// It is safe for concurrent use.
type Redirector struct {
	table    rotation.Table
	cas      rotation.CASTable
	mode     Mode
	log      *slog.Logger
	verbose  bool
	counters [NumReasons]atomic.Uint64
	lookErrs atomic.Uint64
}

// New creates a Redirector over table. ModeStrict requires a table that
// implements rotation.CASTable.
func New(table rotation.Table, cfg Config) (*Redirector, error) {
	r := &Redirector{table: table, mode: cfg.Mode, log: cfg.Logger}
	// Resolved once so the packet path never builds log arguments it drops.
	r.verbose = cfg.Logger != nil && cfg.Logger.Enabled(context.Background(), slog.LevelDebug)
	if cfg.Mode == ModeStrict {
		cas, ok := table.(rotation.CASTable)
		if !ok {
			return nil, fmt.Errorf("rotation mode strict: table %T does not support compare-and-swap", table)
		}
		r.cas = cas
	}
	return r, nil
}

// Mode returns the configured rotation mode.
func (r *Redirector) Mode() Mode { return r.mode }

// Process handles one frame and returns the verdict. On redirect the UDP
// destination port in pkt has been rewritten.
func (r *Redirector) Process(pkt []byte) Verdict {
	v, _ := r.Decide(pkt)
	return v
}

// Decide is Process that also returns the reason for the verdict.
func (r *Redirector) Decide(pkt []byte) (Verdict, Reason) {
	v, reason := r.process(pkt)
	r.counters[reason].Add(1)
	return v, reason
}

// Counts returns a snapshot of the per-reason counters.
func (r *Redirector) Counts() [NumReasons]uint64 {
	var out [NumReasons]uint64
	for i := range r.counters {
		out[i] = r.counters[i].Load()
	}
	return out
}

// LookupErrors returns how many packets passed because the table lookup
// failed. They are also counted as no_backend.
func (r *Redirector) LookupErrors() uint64 { return r.lookErrs.Load() }

// lookupFailed records a table read fault. The packet still passes, but
// unlike a miss it is logged at warn level.
func (r *Redirector) lookupFailed(dport uint16, err error) {
	r.lookErrs.Add(1)
	log := r.log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("rotation table lookup failed", "port", dport, "err", err)
}

// inBounds reports whether size bytes at off lie inside pkt. Every header
// access below must be guarded by it.
func inBounds(pkt []byte, off, size int) bool {
	return off >= 0 && off+size <= len(pkt)
}

func (r *Redirector) process(pkt []byte) (Verdict, Reason) {
	if !inBounds(pkt, 0, EthHdrLen) {
		return VerdictPass, ReasonTruncated
	}
	if binary.BigEndian.Uint16(pkt[ethTypeOff:]) != EthTypeIPv4 {
		return VerdictPass, ReasonNotIPv4
	}

	if !inBounds(pkt, EthHdrLen, IPv4MinHdrLen) {
		return VerdictPass, ReasonTruncated
	}
	ip := pkt[EthHdrLen:]
	if ip[ipProtoOff] != ProtoUDP {
		return VerdictPass, ReasonNotUDP
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < IPv4MinHdrLen {
		return VerdictPass, ReasonTruncated
	}

	udpOff := EthHdrLen + ihl
	if !inBounds(pkt, udpOff, UDPHdrLen) {
		return VerdictPass, ReasonTruncated
	}
	dport := binary.BigEndian.Uint16(pkt[udpOff+udpDstPortOff:])

	set, ok, err := r.table.Get(dport)
	if err != nil {
		r.lookupFailed(dport, err)
		return VerdictPass, ReasonNoBackend
	}
	if !ok {
		if r.verbose {
			r.log.Debug("no backends for port", "port", dport)
		}
		return VerdictPass, ReasonNoBackend
	}

	if r.mode == ModeStrict {
		return r.rotateStrict(pkt[udpOff+udpDstPortOff:], dport, set)
	}

	backend, next, ok := set.Next()
	if !ok {
		if r.verbose {
			r.log.Debug("cursor out of range", "port", dport, "cursor", set.Cursor)
		}
		return VerdictAborted, ReasonCursorOutOfRange
	}
	binary.BigEndian.PutUint16(pkt[udpOff+udpDstPortOff:], backend)
	if r.verbose {
		r.log.Debug("redirected port", "port", dport, "backend", backend)
	}

	if err := r.table.Set(dport, next); err != nil {
		if r.verbose {
			r.log.Debug("cursor update failed", "port", dport, "err", err)
		}
		return VerdictAborted, ReasonUpdateFailed
	}
	return VerdictPass, ReasonRedirected
}

// rotateStrict claims a cursor slot with compare-and-swap and only then
// rewrites the port field. field is the two byte destination port.
func (r *Redirector) rotateStrict(field []byte, dport uint16, set rotation.BackendSet) (Verdict, Reason) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		backend, next, ok := set.Next()
		if !ok {
			return VerdictAborted, ReasonCursorOutOfRange
		}
		swapped, err := r.cas.CompareAndSwap(dport, set, next)
		if err != nil {
			return VerdictAborted, ReasonUpdateFailed
		}
		if swapped {
			binary.BigEndian.PutUint16(field, backend)
			if r.verbose {
				r.log.Debug("redirected port", "port", dport, "backend", backend, "attempt", attempt)
			}
			return VerdictPass, ReasonRedirected
		}
		var found bool
		set, found, err = r.cas.Get(dport)
		if err != nil {
			r.lookupFailed(dport, err)
			return VerdictPass, ReasonNoBackend
		}
		if !found {
			return VerdictPass, ReasonNoBackend
		}
	}
	if r.verbose {
		r.log.Debug("cursor update retries exhausted", "port", dport)
	}
	return VerdictAborted, ReasonUpdateFailed
}
