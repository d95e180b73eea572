package control

import (
	"errors"
	"testing"

	"github.com/psaab/xdplb/pkg/dataplane"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/packet"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

func newService(t *testing.T) (*Service, *dataplane.Userspace) {
	t.Helper()
	dp := dataplane.NewUserspace(dataplane.Options{MaxEntries: 3})
	if err := dp.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rotation.Seed(dp.Backends(), map[uint16][]uint16{9996: {9997, 9998, 9999}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	svc := New(Config{
		DP:     dp,
		Events: logging.NewEventBuffer(16),
		Info:   Info{Interface: "lo", Dataplane: dataplane.TypeUserspace, MaxEntries: 3},
	})
	return svc, dp
}

func TestStatus(t *testing.T) {
	svc, _ := newService(t)
	st := svc.Status()
	if !st.Loaded || st.Entries != 1 || st.Interface != "lo" || st.MaxEntries != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestBackendCRUD(t *testing.T) {
	svc, _ := newService(t)

	b, err := svc.GetBackends(9996)
	if err != nil {
		t.Fatalf("GetBackends: %v", err)
	}
	if len(b.Backends) != 3 || b.Cursor != 0 || b.Next != 9997 {
		t.Errorf("seed entry = %+v", b)
	}
	if _, err := svc.GetBackends(1); !errors.Is(err, rotation.ErrNotFound) {
		t.Errorf("GetBackends missing: %v", err)
	}

	if _, err := svc.SetBackends(5000, []uint16{5001, 5002}, "test"); err != nil {
		t.Fatalf("SetBackends: %v", err)
	}
	if _, err := svc.SetBackends(5000, nil, "test"); !errors.Is(err, rotation.ErrInvalidBackendSet) {
		t.Errorf("empty set: %v", err)
	}
	if _, err := svc.SetBackends(0, []uint16{1}, "test"); !errors.Is(err, rotation.ErrInvalidBackendSet) {
		t.Errorf("listen port 0: %v", err)
	}
	if _, err := svc.SetBackends(6000, []uint16{6001}, "test"); err != nil {
		t.Fatalf("SetBackends third: %v", err)
	}
	if _, err := svc.SetBackends(7000, []uint16{7001}, "test"); !errors.Is(err, rotation.ErrTableFull) {
		t.Errorf("fourth entry: %v, want ErrTableFull", err)
	}

	list, err := svc.ListBackends()
	if err != nil {
		t.Fatalf("ListBackends: %v", err)
	}
	if len(list) != 3 || list[0].ListenPort != 5000 || list[2].ListenPort != 9996 {
		t.Errorf("list = %+v", list)
	}

	if err := svc.DeleteBackends(5000, "test"); err != nil {
		t.Fatalf("DeleteBackends: %v", err)
	}
	if err := svc.DeleteBackends(5000, "test"); !errors.Is(err, rotation.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}

	ev := svc.Events(10, logging.EventFilter{})
	if len(ev) != 3 || ev[0].Type != logging.EventBackendDelete || ev[0].Source != "test" {
		t.Errorf("events = %+v", ev)
	}
}

func TestStatisticsAndSimulate(t *testing.T) {
	svc, dp := newService(t)
	dp.Process(packet.MustUDP(1, 9996))
	dp.Process(packet.MustUDP(1, 53))

	st, err := svc.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Total != 2 || st.Counters["redirected"] != 1 || st.Counters["no_backend"] != 1 {
		t.Errorf("statistics = %+v", st)
	}

	res, err := svc.Simulate(9996, 3)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	// The live cursor is at 1 after one packet.
	want := []uint16{9998, 9999, 9997}
	for i := range want {
		if res.Backends[i] != want[i] {
			t.Errorf("simulated %v, want %v", res.Backends, want)
			break
		}
	}
	if b, _ := svc.GetBackends(9996); b.Cursor != 1 {
		t.Errorf("Simulate moved the live cursor to %d", b.Cursor)
	}
	if _, err := svc.Simulate(9996, 0); !errors.Is(err, redirect.ErrPacketCount) {
		t.Errorf("Simulate(0): %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	svc := New(Config{DP: dataplane.NewUserspace(dataplane.Options{})})
	if _, err := svc.ListBackends(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ListBackends: %v", err)
	}
	if _, err := svc.Statistics(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Statistics: %v", err)
	}
	if st := svc.Status(); st.Loaded || st.Entries != 0 {
		t.Errorf("status = %+v", st)
	}
	if svc.Events(10, logging.EventFilter{}) != nil {
		t.Error("events without a buffer")
	}
}
