package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Manager manages the XDP dataplane: program, maps, and attachments.
type Manager struct {
	opts     Options
	loaded   bool
	programs map[string]*ebpf.Program
	maps     map[string]*ebpf.Map
	xdpLinks map[int]link.Link
}

// New creates a new XDP dataplane Manager.
func New(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		programs: make(map[string]*ebpf.Program),
		maps:     make(map[string]*ebpf.Map),
		xdpLinks: make(map[int]link.Link),
	}
}

// Load creates the maps and loads the XDP program. The caller is expected
// to have lifted the memlock rlimit.
func (m *Manager) Load() error {
	if m.loaded {
		return nil
	}
	slog.Info("loading eBPF program", "max_entries", m.opts.maxEntries())

	backends, err := m.newBackendMap()
	if err != nil {
		return fmt.Errorf("create %s map: %w", MapBackendPorts, err)
	}
	counters, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       MapCounters,
		Type:       ebpf.PerCPUArray,
		KeySize:    counterKeySize,
		ValueSize:  counterValueSize,
		MaxEntries: redirect.NumReasons,
	})
	if err != nil {
		backends.Close()
		return fmt.Errorf("create %s map: %w", MapCounters, err)
	}

	prog, err := ebpf.NewProgram(programSpec(backends.FD(), counters.FD()))
	if err != nil {
		backends.Close()
		counters.Close()
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			slog.Debug("verifier log", "log", fmt.Sprintf("%+v", ve))
		}
		return fmt.Errorf("load %s program: %w", ProgName, err)
	}

	m.maps[MapBackendPorts] = backends
	m.maps[MapCounters] = counters
	m.programs[ProgName] = prog
	m.loaded = true
	slog.Info("eBPF program loaded", "program", ProgName)
	return nil
}

func (m *Manager) newBackendMap() (*ebpf.Map, error) {
	spec := &ebpf.MapSpec{
		Name:       MapBackendPorts,
		Type:       ebpf.Hash,
		KeySize:    backendKeySize,
		ValueSize:  backendValueSize,
		MaxEntries: uint32(m.opts.maxEntries()),
	}
	if m.opts.PinPath == "" {
		return ebpf.NewMap(spec)
	}
	if err := os.MkdirAll(m.opts.PinPath, 0o700); err != nil {
		return nil, fmt.Errorf("create pin path: %w", err)
	}
	spec.Pinning = ebpf.PinByName
	return ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: m.opts.PinPath})
}

// IsLoaded returns true if the program and maps are loaded.
func (m *Manager) IsLoaded() bool {
	return m.loaded
}

// AttachXDP attaches the program to the given interface. XDPModeAuto tries
// driver mode first and falls back to generic mode.
func (m *Manager) AttachXDP(ifindex int, mode XDPMode) error {
	if !m.loaded {
		return fmt.Errorf("eBPF program not loaded")
	}
	prog, ok := m.programs[ProgName]
	if !ok {
		return fmt.Errorf("%s not found", ProgName)
	}
	if _, exists := m.xdpLinks[ifindex]; exists {
		return fmt.Errorf("XDP already attached to ifindex %d", ifindex)
	}

	var flags []link.XDPAttachFlags
	switch mode {
	case XDPModeNative:
		flags = []link.XDPAttachFlags{link.XDPDriverMode}
	case XDPModeGeneric:
		flags = []link.XDPAttachFlags{link.XDPGenericMode}
	default:
		flags = []link.XDPAttachFlags{link.XDPDriverMode, link.XDPGenericMode}
	}

	var err error
	for i, f := range flags {
		var l link.Link
		l, err = link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: ifindex,
			Flags:     f,
		})
		if err == nil {
			m.xdpLinks[ifindex] = l
			slog.Info("attached XDP program", "ifindex", ifindex, "mode", xdpFlagName(f))
			return nil
		}
		if i < len(flags)-1 {
			slog.Warn("XDP attach failed, trying next mode",
				"ifindex", ifindex, "mode", xdpFlagName(f), "err", err)
		}
	}
	return fmt.Errorf("attach XDP to ifindex %d: %w", ifindex, err)
}

func xdpFlagName(f link.XDPAttachFlags) string {
	switch f {
	case link.XDPDriverMode:
		return string(XDPModeNative)
	case link.XDPGenericMode:
		return string(XDPModeGeneric)
	default:
		return fmt.Sprintf("flags(%d)", f)
	}
}

// DetachXDP detaches the XDP program from the given interface.
func (m *Manager) DetachXDP(ifindex int) error {
	l, exists := m.xdpLinks[ifindex]
	if !exists {
		return nil
	}
	if err := l.Close(); err != nil {
		return fmt.Errorf("detach XDP from ifindex %d: %w", ifindex, err)
	}
	delete(m.xdpLinks, ifindex)
	slog.Info("detached XDP program", "ifindex", ifindex)
	return nil
}

// Attached returns the interfaces the program is attached to, sorted.
func (m *Manager) Attached() []int {
	out := make([]int, 0, len(m.xdpLinks))
	for ifindex := range m.xdpLinks {
		out = append(out, ifindex)
	}
	sort.Ints(out)
	return out
}

// Map returns a named eBPF map, or nil if not found.
func (m *Manager) Map(name string) *ebpf.Map {
	return m.maps[name]
}

// Program returns the loaded XDP program, or nil before Load.
func (m *Manager) Program() *ebpf.Program {
	return m.programs[ProgName]
}

// Backends returns the backend_ports map as a rotation.Store. It returns
// nil before Load.
func (m *Manager) Backends() rotation.Store {
	bm, ok := m.maps[MapBackendPorts]
	if !ok {
		return nil
	}
	return &BackendMap{m: bm}
}

// Close detaches every interface and releases all eBPF resources. A pinned
// backend map stays pinned.
func (m *Manager) Close() error {
	for ifindex, l := range m.xdpLinks {
		if err := l.Close(); err != nil {
			slog.Error("failed to detach XDP", "ifindex", ifindex, "err", err)
		}
		delete(m.xdpLinks, ifindex)
	}
	for name, p := range m.programs {
		p.Close()
		delete(m.programs, name)
	}
	for name, mp := range m.maps {
		mp.Close()
		delete(m.maps, name)
	}
	m.loaded = false
	return nil
}

// Teardown closes the Manager and removes the pinned backend map.
func (m *Manager) Teardown() error {
	if bm, ok := m.maps[MapBackendPorts]; ok && m.opts.PinPath != "" {
		if err := bm.Unpin(); err != nil {
			slog.Warn("failed to unpin map", "map", MapBackendPorts, "err", err)
		}
	}
	m.Close()
	return RemovePinned(m.opts.PinPath)
}

// RemovePinned deletes a pinned backend map left by a previous run. It is a
// no-op when pinPath is empty or nothing is pinned.
func RemovePinned(pinPath string) error {
	if pinPath == "" {
		return nil
	}
	err := os.Remove(filepath.Join(pinPath, MapBackendPorts))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pinned %s: %w", MapBackendPorts, err)
	}
	return nil
}
