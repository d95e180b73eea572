package packet

import (
	"encoding/binary"
	"testing"
)

func TestBuildUDP(t *testing.T) {
	frame, err := Build(Spec{SrcPort: 40000, DstPort: 9996, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Short frames are padded to the 60 byte Ethernet minimum, so check
	// the header lengths rather than the frame length.
	if len(frame) < 46 {
		t.Fatalf("len = %d, want at least 46", len(frame))
	}
	if n := binary.BigEndian.Uint16(frame[16:]); n != 20+8+4 {
		t.Errorf("ip total length = %d, want 32", n)
	}
	if n := binary.BigEndian.Uint16(frame[38:]); n != 8+4 {
		t.Errorf("udp length = %d, want 12", n)
	}
	if et := binary.BigEndian.Uint16(frame[12:]); et != 0x0800 {
		t.Errorf("ethertype = %#x", et)
	}
	if frame[14] != 0x45 {
		t.Errorf("version/ihl = %#x, want 0x45", frame[14])
	}
	if frame[23] != 17 {
		t.Errorf("protocol = %d, want 17", frame[23])
	}
	if p := binary.BigEndian.Uint16(frame[36:]); p != 9996 {
		t.Errorf("raw dport = %d", p)
	}
	got, err := DstPort(frame)
	if err != nil || got != 9996 {
		t.Fatalf("DstPort = %d, %v", got, err)
	}
}

func TestBuildIPv4Options(t *testing.T) {
	frame, err := Build(Spec{DstPort: 9996, IPOptions: 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if frame[14] != 0x46 {
		t.Fatalf("version/ihl = %#x, want 0x46", frame[14])
	}
	if p := binary.BigEndian.Uint16(frame[14+24+2:]); p != 9996 {
		t.Fatalf("dport at ihl offset = %d", p)
	}
}

func TestBuildTCPAndIPv6(t *testing.T) {
	tcp, err := Build(Spec{Transport: TCP, DstPort: 9996})
	if err != nil {
		t.Fatalf("Build tcp: %v", err)
	}
	if tcp[23] != 6 {
		t.Errorf("protocol = %d, want 6", tcp[23])
	}
	if p, _ := DstPort(tcp); p != 9996 {
		t.Errorf("tcp DstPort = %d", p)
	}

	v6, err := Build(Spec{Network: IPv6, DstPort: 9996})
	if err != nil {
		t.Fatalf("Build ip6: %v", err)
	}
	if et := binary.BigEndian.Uint16(v6[12:]); et != 0x86dd {
		t.Errorf("ethertype = %#x, want 0x86dd", et)
	}
}

func TestBuildRejectsUnknown(t *testing.T) {
	if _, err := Build(Spec{Transport: "sctp"}); err == nil {
		t.Error("expected error for sctp")
	}
	if _, err := Build(Spec{Network: "ipx"}); err == nil {
		t.Error("expected error for ipx")
	}
}
