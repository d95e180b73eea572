package redirect

import (
	"errors"
	"fmt"

	"github.com/psaab/xdplb/pkg/packet"
	"github.com/psaab/xdplb/pkg/rotation"
)

// MaxSimulatePackets caps the number of frames a single Simulate call runs.
const MaxSimulatePackets = 1024

// ErrPacketCount is returned by Simulate for a count outside
// 1..MaxSimulatePackets.
var ErrPacketCount = errors.New("packet count out of range")

// SimulationResult is the outcome of Simulate.
type SimulationResult struct {
	ListenPort uint16
	Start      rotation.BackendSet
	Backends   []uint16 // destination port of each simulated packet
	End        rotation.BackendSet
}

// Simulate runs n synthetic UDP frames addressed to listenPort through a
// redirector working on a private copy of the entry in src. src itself is
// never written.
func Simulate(src rotation.Table, listenPort uint16, n int) (*SimulationResult, error) {
	if n <= 0 || n > MaxSimulatePackets {
		return nil, fmt.Errorf("%w: %d (1-%d)", ErrPacketCount, n, MaxSimulatePackets)
	}
	start, ok, err := src.Get(listenPort)
	if err != nil {
		return nil, fmt.Errorf("lookup listen port %d: %w", listenPort, err)
	}
	if !ok {
		return nil, fmt.Errorf("listen port %d: %w", listenPort, rotation.ErrNotFound)
	}

	scratch := rotation.NewMemTable(1)
	if err := scratch.Set(listenPort, start); err != nil {
		return nil, err
	}
	r, err := New(scratch, Config{})
	if err != nil {
		return nil, err
	}

	frame, err := packet.Build(packet.Spec{SrcPort: 40000, DstPort: listenPort})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(frame))

	res := &SimulationResult{ListenPort: listenPort, Start: start}
	for i := 0; i < n; i++ {
		copy(buf, frame)
		if v, reason := r.Decide(buf); v != VerdictPass || reason != ReasonRedirected {
			return nil, fmt.Errorf("packet %d: %s (%s)", i, v, reason)
		}
		port, err := packet.DstPort(buf)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		res.Backends = append(res.Backends, port)
	}
	res.End, _, _ = scratch.Get(listenPort)
	return res, nil
}
