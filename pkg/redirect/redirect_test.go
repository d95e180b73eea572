package redirect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/psaab/xdplb/pkg/packet"
	"github.com/psaab/xdplb/pkg/rotation"
)

const udpDstOff = EthHdrLen + IPv4MinHdrLen + 2

func seededTable(t *testing.T) *rotation.MemTable {
	t.Helper()
	tbl := rotation.NewMemTable(0)
	if err := rotation.Seed(tbl, map[uint16][]uint16{9996: {9997, 9998, 9999}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tbl
}

func newRedirector(t *testing.T, tbl rotation.Table, mode Mode) *Redirector {
	t.Helper()
	r, err := New(tbl, Config{Mode: mode})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func dport(t *testing.T, frame []byte) uint16 {
	t.Helper()
	p, err := packet.DstPort(frame)
	if err != nil {
		t.Fatalf("DstPort: %v", err)
	}
	return p
}

func TestRotationScenario(t *testing.T) {
	tbl := seededTable(t)
	r := newRedirector(t, tbl, ModeRelaxed)

	want := []struct {
		port   uint16
		cursor uint64
	}{
		{9997, 1}, {9998, 2}, {9999, 0}, {9997, 1},
	}
	for i, w := range want {
		frame := packet.MustUDP(40000, 9996)
		v, reason := r.Decide(frame)
		if v != VerdictPass || reason != ReasonRedirected {
			t.Fatalf("packet %d: verdict %s reason %s", i, v, reason)
		}
		if got := dport(t, frame); got != w.port {
			t.Errorf("packet %d: dport = %d, want %d", i, got, w.port)
		}
		set, _, _ := tbl.Get(9996)
		if set.Cursor != w.cursor {
			t.Errorf("packet %d: cursor = %d, want %d", i, set.Cursor, w.cursor)
		}
	}
	if c := r.Counts(); c[ReasonRedirected] != 4 {
		t.Errorf("redirected count = %d, want 4", c[ReasonRedirected])
	}
}

func TestUnknownPortPassesUnmodified(t *testing.T) {
	tbl := seededTable(t)
	before, _ := rotation.List(tbl)
	r := newRedirector(t, tbl, ModeRelaxed)

	frame := packet.MustUDP(40000, 8000)
	orig := append([]byte(nil), frame...)
	v, reason := r.Decide(frame)
	if v != VerdictPass || reason != ReasonNoBackend {
		t.Fatalf("verdict %s reason %s, want pass/no_backend", v, reason)
	}
	if !bytes.Equal(frame, orig) {
		t.Fatal("frame modified")
	}
	after, _ := rotation.List(tbl)
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("table mutated: %+v -> %+v", before, after)
	}
}

func TestNonMatchingTrafficPasses(t *testing.T) {
	tcp, err := packet.Build(packet.Spec{Transport: packet.TCP, DstPort: 9996})
	if err != nil {
		t.Fatal(err)
	}
	v6, err := packet.Build(packet.Spec{Network: packet.IPv6, DstPort: 9996})
	if err != nil {
		t.Fatal(err)
	}
	udp := packet.MustUDP(40000, 9996)

	badIHL := append([]byte(nil), udp...)
	badIHL[EthHdrLen] = 0x44

	tests := []struct {
		name   string
		frame  []byte
		reason Reason
	}{
		{"empty", nil, ReasonTruncated},
		{"short ethernet", udp[:EthHdrLen-1], ReasonTruncated},
		{"ethernet only", udp[:EthHdrLen], ReasonTruncated},
		{"short ipv4", udp[:EthHdrLen+IPv4MinHdrLen-1], ReasonTruncated},
		{"short udp", udp[:EthHdrLen+IPv4MinHdrLen+UDPHdrLen-1], ReasonTruncated},
		{"tcp", tcp, ReasonNotUDP},
		{"ipv6", v6, ReasonNotIPv4},
		{"ihl below minimum", badIHL, ReasonTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := seededTable(t)
			r := newRedirector(t, tbl, ModeRelaxed)
			orig := append([]byte(nil), tt.frame...)

			v, reason := r.Decide(tt.frame)
			if v != VerdictPass || reason != tt.reason {
				t.Fatalf("verdict %s reason %s, want pass/%s", v, reason, tt.reason)
			}
			if !bytes.Equal(tt.frame, orig) {
				t.Fatal("frame modified")
			}
			if set, _, _ := tbl.Get(9996); set.Cursor != 0 {
				t.Fatalf("cursor advanced to %d", set.Cursor)
			}
		})
	}
}

func TestIPv4OptionsHonorIHL(t *testing.T) {
	tbl := seededTable(t)
	r := newRedirector(t, tbl, ModeRelaxed)
	frame, err := packet.Build(packet.Spec{DstPort: 9996, IPOptions: 4})
	if err != nil {
		t.Fatal(err)
	}
	if v, reason := r.Decide(frame); v != VerdictPass || reason != ReasonRedirected {
		t.Fatalf("verdict %s reason %s", v, reason)
	}
	if got := dport(t, frame); got != 9997 {
		t.Fatalf("dport = %d, want 9997", got)
	}
}

func TestRewriteProperty(t *testing.T) {
	sets := []rotation.BackendSet{
		{Ports: [4]uint16{9997, 9998, 9999, 0}},
		{Ports: [4]uint16{1, 2, 3, 4}},
		{Ports: [4]uint16{53, 0, 0, 0}},
		{Ports: [4]uint16{80, 81, 0, 0}},
	}
	for _, base := range sets {
		for cursor := uint64(0); cursor < rotation.Capacity; cursor++ {
			if base.Ports[cursor] == rotation.Sentinel {
				continue
			}
			set := base
			set.Cursor = cursor
			tbl := rotation.NewMemTable(0)
			_ = tbl.Set(9996, set)
			r := newRedirector(t, tbl, ModeRelaxed)

			frame := packet.MustUDP(40000, 9996)
			if v := r.Process(frame); v != VerdictPass {
				t.Fatalf("%s: verdict %s", set, v)
			}
			if got := binary.BigEndian.Uint16(frame[udpDstOff:]); got != set.Ports[cursor] {
				t.Errorf("%s: dport = %d, want %d", set, got, set.Ports[cursor])
			}

			want := (cursor + 1) % rotation.Capacity
			if set.Ports[want] == rotation.Sentinel {
				want = 0
			}
			got, _, _ := tbl.Get(9996)
			if got.Cursor != want || got.Ports != set.Ports {
				t.Errorf("%s: stored %s, want cursor %d", set, got, want)
			}
		}
	}
}

func TestCursorOutOfRangeAborts(t *testing.T) {
	tbl := rotation.NewMemTable(0)
	bad := rotation.BackendSet{Ports: [4]uint16{9997, 9998, 9999, 0}, Cursor: 7}
	_ = tbl.Set(9996, bad)
	r := newRedirector(t, tbl, ModeRelaxed)

	frame := packet.MustUDP(40000, 9996)
	v, reason := r.Decide(frame)
	if v != VerdictAborted || reason != ReasonCursorOutOfRange {
		t.Fatalf("verdict %s reason %s, want aborted/cursor_out_of_range", v, reason)
	}
	if !reason.Aborts() {
		t.Fatal("cursor_out_of_range must be an abort reason")
	}
	if got := dport(t, frame); got != 9996 {
		t.Fatalf("dport rewritten to %d", got)
	}
	if got, _, _ := tbl.Get(9996); got != bad {
		t.Fatalf("table modified: %s", got)
	}
}

// failingTable rejects every Set.
type failingTable struct {
	*rotation.MemTable
}

func (f failingTable) Set(uint16, rotation.BackendSet) error {
	return rotation.ErrTableFull
}

func TestUpdateFailureAborts(t *testing.T) {
	mem := seededTable(t)
	r := newRedirector(t, failingTable{mem}, ModeRelaxed)

	v, reason := r.Decide(packet.MustUDP(40000, 9996))
	if v != VerdictAborted || reason != ReasonUpdateFailed {
		t.Fatalf("verdict %s reason %s, want aborted/update_failed", v, reason)
	}
	if c := r.Counts(); c[ReasonUpdateFailed] != 1 || c[ReasonRedirected] != 0 {
		t.Fatalf("counts = %v", c)
	}
}

// brokenTable fails every Get.
type brokenTable struct {
	*rotation.MemTable
}

func (brokenTable) Get(uint16) (rotation.BackendSet, bool, error) {
	return rotation.BackendSet{}, false, errors.New("map read failed")
}

func TestLookupErrorIsLogged(t *testing.T) {
	var logs bytes.Buffer
	r, err := New(brokenTable{seededTable(t)}, Config{
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		t.Fatal(err)
	}

	pkt := packet.MustUDP(40000, 9996)
	v, reason := r.Decide(pkt)
	if v != VerdictPass || reason != ReasonNoBackend {
		t.Fatalf("verdict %s reason %s, want pass/no_backend", v, reason)
	}
	if p := binary.BigEndian.Uint16(pkt[udpDstOff:]); p != 9996 {
		t.Errorf("port rewritten to %d", p)
	}
	if r.LookupErrors() != 1 {
		t.Errorf("lookup errors = %d, want 1", r.LookupErrors())
	}
	if out := logs.String(); !strings.Contains(out, "rotation table lookup failed") || !strings.Contains(out, "map read failed") {
		t.Errorf("log = %q", out)
	}

	// A plain miss is not a lookup error.
	ok := newRedirector(t, seededTable(t), ModeRelaxed)
	ok.Decide(packet.MustUDP(40000, 8000))
	if ok.LookupErrors() != 0 {
		t.Errorf("miss counted as lookup error")
	}
}

// barrierTable holds the first n Get calls until all of them have read the
// table, forcing concurrent read-modify-writes to interleave.
type barrierTable struct {
	*rotation.MemTable
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newBarrierTable(mem *rotation.MemTable, n int) *barrierTable {
	return &barrierTable{MemTable: mem, waiting: n, release: make(chan struct{})}
}

func (b *barrierTable) Get(port uint16) (rotation.BackendSet, bool, error) {
	set, ok, err := b.MemTable.Get(port)
	b.mu.Lock()
	if b.waiting == 0 {
		b.mu.Unlock()
		return set, ok, err
	}
	b.waiting--
	if b.waiting == 0 {
		close(b.release)
	}
	b.mu.Unlock()
	<-b.release
	return set, ok, err
}

func runPair(t *testing.T, r *Redirector) []uint16 {
	t.Helper()
	frames := [][]byte{packet.MustUDP(40000, 9996), packet.MustUDP(40001, 9996)}
	var wg sync.WaitGroup
	for _, f := range frames {
		wg.Add(1)
		go func(f []byte) {
			defer wg.Done()
			r.Process(f)
		}(f)
	}
	wg.Wait()
	return []uint16{dport(t, frames[0]), dport(t, frames[1])}
}

func TestRelaxedLostUpdate(t *testing.T) {
	mem := seededTable(t)
	r := newRedirector(t, newBarrierTable(mem, 2), ModeRelaxed)

	got := runPair(t, r)
	if got[0] != 9997 || got[1] != 9997 {
		t.Fatalf("backends = %v, want both 9997", got)
	}
	if set, _, _ := mem.Get(9996); set.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1 (one update lost)", set.Cursor)
	}
}

func TestStrictNoLostUpdate(t *testing.T) {
	mem := seededTable(t)
	r := newRedirector(t, newBarrierTable(mem, 2), ModeStrict)

	got := runPair(t, r)
	if got[0] == got[1] {
		t.Fatalf("backends = %v, want distinct", got)
	}
	if set, _, _ := mem.Get(9996); set.Cursor != 2 {
		t.Fatalf("cursor = %d, want 2", set.Cursor)
	}
}

func TestStrictConcurrentFairness(t *testing.T) {
	tbl := seededTable(t)
	r := newRedirector(t, tbl, ModeStrict)

	const workers, perWorker = 4, 300
	var mu sync.Mutex
	hits := map[uint16]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				f := packet.MustUDP(40000, 9996)
				if v, reason := r.Decide(f); v == VerdictPass && reason == ReasonRedirected {
					p := binary.BigEndian.Uint16(f[udpDstOff:])
					mu.Lock()
					hits[p]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	lo, hi := -1, 0
	for _, p := range []uint16{9997, 9998, 9999} {
		n := hits[p]
		if lo < 0 || n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	if hi-lo > 1 {
		t.Fatalf("uneven distribution under strict mode: %v", hits)
	}
}

func TestStrictRequiresCAS(t *testing.T) {
	if _, err := New(failingTable{rotation.NewMemTable(0)}, Config{Mode: ModeStrict}); err != nil {
		// failingTable embeds *MemTable and so still supports CAS.
		t.Fatalf("New: %v", err)
	}
	if _, err := New(setOnly{}, Config{Mode: ModeStrict}); err == nil {
		t.Fatal("expected error for table without compare-and-swap")
	}
}

type setOnly struct{}

func (setOnly) Get(uint16) (rotation.BackendSet, bool, error) {
	return rotation.BackendSet{}, false, nil
}
func (setOnly) Set(uint16, rotation.BackendSet) error { return nil }

func TestProcessDoesNotAllocate(t *testing.T) {
	tbl := seededTable(t)
	r := newRedirector(t, tbl, ModeRelaxed)
	frame := packet.MustUDP(40000, 9996)
	orig := append([]byte(nil), frame...)

	allocs := testing.AllocsPerRun(100, func() {
		copy(frame, orig)
		r.Process(frame)
	})
	if allocs != 0 {
		t.Fatalf("Process allocated %.1f times per packet", allocs)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeRelaxed, "relaxed": ModeRelaxed, "strict": ModeStrict} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("fair"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestSimulateLeavesSourceUntouched(t *testing.T) {
	tbl := seededTable(t)
	res, err := Simulate(tbl, 9996, 5)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	want := []uint16{9997, 9998, 9999, 9997, 9998}
	if len(res.Backends) != len(want) {
		t.Fatalf("backends = %v", res.Backends)
	}
	for i := range want {
		if res.Backends[i] != want[i] {
			t.Errorf("packet %d: %d, want %d", i, res.Backends[i], want[i])
		}
	}
	if res.End.Cursor != 2 {
		t.Errorf("end cursor = %d, want 2", res.End.Cursor)
	}
	if set, _, _ := tbl.Get(9996); set.Cursor != 0 {
		t.Fatalf("source cursor moved to %d", set.Cursor)
	}
}

func TestSimulateErrors(t *testing.T) {
	tbl := seededTable(t)
	if _, err := Simulate(tbl, 8000, 1); !errors.Is(err, rotation.ErrNotFound) {
		t.Errorf("missing port err = %v", err)
	}
	if _, err := Simulate(tbl, 9996, 0); err == nil {
		t.Error("expected error for zero count")
	}
	_ = tbl.Set(9996, rotation.BackendSet{Ports: [4]uint16{1}, Cursor: 9})
	if _, err := Simulate(tbl, 9996, 1); err == nil {
		t.Error("expected error for corrupted cursor")
	}
}
