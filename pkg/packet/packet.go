// Package packet builds and inspects Ethernet frames for simulation and
// tests of the redirector.
package packet

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Network layer selectors for Spec.Network.
const (
	IPv4 = "ip4"
	IPv6 = "ip6"
)

// Transport layer selectors for Spec.Transport.
const (
	UDP = "udp"
	TCP = "tcp"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Spec describes a frame to build. Zero values select an IPv4/UDP frame
// between loopback addresses.
type Spec struct {
	Network   string
	Transport string
	SrcPort   uint16
	DstPort   uint16
	// IPOptions adds that many NOP options to the IPv4 header, pushing the
	// transport header past the minimum header length.
	IPOptions int
	Payload   []byte
}

// Build serializes s into an Ethernet frame with correct lengths and
// checksums.
func Build(s Spec) ([]byte, error) {
	if s.Network == "" {
		s.Network = IPv4
	}
	if s.Transport == "" {
		s.Transport = UDP
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var netLayer gopacket.SerializableLayer
	var proto layers.IPProtocol

	switch s.Transport {
	case UDP:
		proto = layers.IPProtocolUDP
	case TCP:
		proto = layers.IPProtocolTCP
	default:
		return nil, fmt.Errorf("unsupported transport %q", s.Transport)
	}

	switch s.Network {
	case IPv4:
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		}
		for i := 0; i < s.IPOptions; i++ {
			ip.Options = append(ip.Options, layers.IPv4Option{OptionType: 1})
		}
		netLayer = ip
	case IPv6:
		eth.EthernetType = layers.EthernetTypeIPv6
		netLayer = &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IPv6loopback,
			DstIP:      net.IPv6loopback,
		}
	default:
		return nil, fmt.Errorf("unsupported network %q", s.Network)
	}

	var l4 gopacket.SerializableLayer
	switch proto {
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(s.SrcPort), DstPort: layers.UDPPort(s.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(netLayer.(gopacket.NetworkLayer)); err != nil {
			return nil, fmt.Errorf("udp checksum layer: %w", err)
		}
		l4 = udp
	default:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(s.SrcPort), DstPort: layers.TCPPort(s.DstPort), SYN: true, Window: 65535}
		if err := tcp.SetNetworkLayerForChecksum(netLayer.(gopacket.NetworkLayer)); err != nil {
			return nil, fmt.Errorf("tcp checksum layer: %w", err)
		}
		l4 = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, netLayer, l4, gopacket.Payload(s.Payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// MustUDP builds an IPv4/UDP frame and panics on error. For tests.
func MustUDP(srcPort, dstPort uint16) []byte {
	b, err := Build(Spec{SrcPort: srcPort, DstPort: dstPort, Payload: []byte("ping")})
	if err != nil {
		panic(err)
	}
	return b
}

// DstPort decodes frame and returns its UDP or TCP destination port.
func DstPort(frame []byte) (uint16, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		return uint16(udp.DstPort), nil
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		return uint16(tcp.DstPort), nil
	}
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return 0, fmt.Errorf("decode frame: %w", errLayer.Error())
	}
	return 0, fmt.Errorf("frame has no transport layer")
}
