// Package control implements the control-plane operations shared by the
// HTTP and gRPC APIs: reading and editing the rotation table, reading
// counters and running simulations.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/psaab/xdplb/pkg/auditor"
	"github.com/psaab/xdplb/pkg/dataplane"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// ErrUnavailable is returned when the dataplane is not loaded.
var ErrUnavailable = errors.New("dataplane not loaded")

// Info describes how the daemon was started.
type Info struct {
	Interface  string
	Ifindex    int
	XDPMode    string
	Dataplane  string
	Rotation   string
	MaxEntries int
}

// Status is the daemon status reported by the APIs.
type Status struct {
	Uptime     string `json:"uptime"`
	Interface  string `json:"interface"`
	Ifindex    int    `json:"ifindex"`
	XDPMode    string `json:"xdp_mode"`
	Dataplane  string `json:"dataplane"`
	Rotation   string `json:"rotation"`
	Loaded     bool   `json:"dataplane_loaded"`
	Attached   []int  `json:"attached"`
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"max_entries"`
}

// Backend is one rotation table entry as reported by the APIs.
type Backend struct {
	ListenPort uint16   `json:"listen_port"`
	Backends   []uint16 `json:"backends"`
	Cursor     uint64   `json:"cursor"`
	Next       uint16   `json:"next,omitempty"` // backend the next packet gets, 0 if the cursor is invalid
}

// BackendFromSet converts a table entry.
func BackendFromSet(port uint16, set rotation.BackendSet) Backend {
	b := Backend{ListenPort: port, Backends: set.Backends(), Cursor: set.Cursor}
	if set.Valid() {
		b.Next = set.Ports[set.Cursor]
	}
	return b
}

// Simulation is the predicted outcome of a run of packets to one listen port.
type Simulation struct {
	ListenPort uint16   `json:"listen_port"`
	Backends   []uint16 `json:"backends"`
	Start      Backend  `json:"start"`
	End        Backend  `json:"end"`
}

// SimulationFromResult converts a redirector simulation.
func SimulationFromResult(res *redirect.SimulationResult) Simulation {
	return Simulation{
		ListenPort: res.ListenPort,
		Backends:   res.Backends,
		Start:      BackendFromSet(res.ListenPort, res.Start),
		End:        BackendFromSet(res.ListenPort, res.End),
	}
}

// Statistics holds the per-reason packet counters and auditor stats.
type Statistics struct {
	Counters map[string]uint64 `json:"counters"`
	Total    uint64            `json:"total"`
	Auditor  *auditor.Stats    `json:"auditor,omitempty"`
}

// Service implements the control operations over a dataplane.
type Service struct {
	dp      dataplane.DataPlane
	auditor *auditor.Auditor
	events  *logging.EventBuffer
	info    Info
	start   time.Time
}

// Config configures a Service. Auditor and Events are optional.
type Config struct {
	DP      dataplane.DataPlane
	Auditor *auditor.Auditor
	Events  *logging.EventBuffer
	Info    Info
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{
		dp:      cfg.DP,
		auditor: cfg.Auditor,
		events:  cfg.Events,
		info:    cfg.Info,
		start:   time.Now(),
	}
}

func (s *Service) store() (rotation.Store, error) {
	if s.dp == nil || !s.dp.IsLoaded() {
		return nil, ErrUnavailable
	}
	st := s.dp.Backends()
	if st == nil {
		return nil, ErrUnavailable
	}
	return st, nil
}

// Status reports daemon and dataplane state.
func (s *Service) Status() Status {
	st := Status{
		Uptime:     time.Since(s.start).Truncate(time.Second).String(),
		Interface:  s.info.Interface,
		Ifindex:    s.info.Ifindex,
		XDPMode:    s.info.XDPMode,
		Dataplane:  s.info.Dataplane,
		Rotation:   s.info.Rotation,
		MaxEntries: s.info.MaxEntries,
		Attached:   []int{},
	}
	if s.dp == nil {
		return st
	}
	st.Loaded = s.dp.IsLoaded()
	st.Attached = s.dp.Attached()
	if store, err := s.store(); err == nil {
		store.Iterate(func(uint16, rotation.BackendSet) bool {
			st.Entries++
			return true
		})
	}
	return st
}

// ListBackends returns every entry, sorted by listen port.
func (s *Service) ListBackends() ([]Backend, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	entries, err := rotation.List(store)
	if err != nil {
		return nil, err
	}
	out := make([]Backend, 0, len(entries))
	for _, e := range entries {
		out = append(out, BackendFromSet(e.ListenPort, e.Set))
	}
	return out, nil
}

// GetBackends returns one entry or rotation.ErrNotFound.
func (s *Service) GetBackends(listenPort uint16) (Backend, error) {
	store, err := s.store()
	if err != nil {
		return Backend{}, err
	}
	set, ok, err := store.Get(listenPort)
	if err != nil {
		return Backend{}, err
	}
	if !ok {
		return Backend{}, fmt.Errorf("listen port %d: %w", listenPort, rotation.ErrNotFound)
	}
	return BackendFromSet(listenPort, set), nil
}

// SetBackends installs a new backend list for listenPort with the cursor at
// 0, replacing any existing entry in one write. source names the caller for
// the event log.
func (s *Service) SetBackends(listenPort uint16, ports []uint16, source string) (Backend, error) {
	if listenPort == 0 {
		return Backend{}, fmt.Errorf("%w: listen port 0", rotation.ErrInvalidBackendSet)
	}
	set, err := rotation.NewBackendSet(ports...)
	if err != nil {
		return Backend{}, err
	}
	store, err := s.store()
	if err != nil {
		return Backend{}, err
	}
	if err := store.Set(listenPort, set); err != nil {
		return Backend{}, err
	}
	slog.Info("backend set installed", "listen_port", listenPort, "backends", set.Backends(), "source", source)
	s.record(logging.EventRecord{
		Type:       logging.EventBackendSet,
		ListenPort: listenPort,
		Detail:     set.String(),
		Source:     source,
	})
	return BackendFromSet(listenPort, set), nil
}

// DeleteBackends removes the entry for listenPort.
func (s *Service) DeleteBackends(listenPort uint16, source string) error {
	store, err := s.store()
	if err != nil {
		return err
	}
	if err := store.Delete(listenPort); err != nil {
		return err
	}
	slog.Info("backend set deleted", "listen_port", listenPort, "source", source)
	s.record(logging.EventRecord{
		Type:       logging.EventBackendDelete,
		ListenPort: listenPort,
		Source:     source,
	})
	return nil
}

// Statistics reads the reason counters.
func (s *Service) Statistics() (Statistics, error) {
	if s.dp == nil || !s.dp.IsLoaded() {
		return Statistics{}, ErrUnavailable
	}
	c, err := s.dp.ReadCounters()
	if err != nil {
		return Statistics{}, err
	}
	st := Statistics{Counters: make(map[string]uint64, redirect.NumReasons), Total: c.Total()}
	for i, v := range c {
		st.Counters[redirect.Reason(i).String()] = v
	}
	if s.auditor != nil {
		as := s.auditor.Stats()
		st.Auditor = &as
	}
	return st, nil
}

// Counters reads the raw reason counters.
func (s *Service) Counters() (dataplane.Counters, error) {
	if s.dp == nil || !s.dp.IsLoaded() {
		return dataplane.Counters{}, ErrUnavailable
	}
	return s.dp.ReadCounters()
}

// AuditorStats returns the auditor's stats, or false when none is running.
func (s *Service) AuditorStats() (auditor.Stats, bool) {
	if s.auditor == nil {
		return auditor.Stats{}, false
	}
	return s.auditor.Stats(), true
}

// Simulate predicts the backends of the next n packets for listenPort
// without changing the table.
func (s *Service) Simulate(listenPort uint16, n int) (*redirect.SimulationResult, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return redirect.Simulate(store, listenPort, n)
}

// Events returns the newest events matching f, newest first.
func (s *Service) Events(n int, f logging.EventFilter) []logging.EventRecord {
	if s.events == nil {
		return nil
	}
	return s.events.LatestFiltered(n, f)
}

// EventBuffer returns the event buffer, or nil.
func (s *Service) EventBuffer() *logging.EventBuffer {
	return s.events
}

func (s *Service) record(rec logging.EventRecord) {
	if s.events != nil {
		s.events.Add(rec)
	}
}
