package decoder

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/tcpfollow/internal/core"
)

func rawFrame(data []byte) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  time.Unix(1700000000, 0),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

func TestStandardDecoderDecode(t *testing.T) {
	decoder := NewStandardDecoder(Config{})
	tcp := buildTCP(40000, 80, 1000, 2000, core.FlagPSH|core.FlagACK, []byte("hello"))
	frame := buildEthernet(etherTypeIPv4, buildIPv4(clientAddr, serverAddr, protocolTCP, tcp))

	decoded, err := decoder.Decode(rawFrame(frame))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Ethernet.EtherType != etherTypeIPv4 {
		t.Errorf("Expected EtherType 0x0800, got 0x%04x", decoded.Ethernet.EtherType)
	}
	if decoded.IP.SrcIP != clientAddr || decoded.IP.DstIP != serverAddr {
		t.Errorf("unexpected addresses %v -> %v", decoded.IP.SrcIP, decoded.IP.DstIP)
	}
	if decoded.Transport.SrcPort != 40000 || decoded.Transport.DstPort != 80 {
		t.Errorf("unexpected ports %d -> %d", decoded.Transport.SrcPort, decoded.Transport.DstPort)
	}
	if string(decoded.Payload) != "hello" {
		t.Errorf("Expected payload hello, got %q", decoded.Payload)
	}
	if decoded.Reassembled {
		t.Error("unfragmented packet reported as reassembled")
	}
}

func TestStandardDecoderSegment(t *testing.T) {
	decoder := NewStandardDecoder(Config{})
	tcp := buildTCP(40000, 80, 1000, 2000, core.FlagSYN, nil)
	frame := buildEthernet(etherTypeIPv4, buildIPv4(clientAddr, serverAddr, protocolTCP, tcp))

	seg, err := decoder.DecodeSegment(rawFrame(frame))
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}
	if seg.V6 {
		t.Error("IPv4 segment flagged as IPv6")
	}
	if seg.Src != core.EndpointFrom(clientAddr, 40000) || seg.Dst != core.EndpointFrom(serverAddr, 80) {
		t.Errorf("unexpected endpoints %s -> %s", seg.Src, seg.Dst)
	}
	if !seg.Flags.SYN || seg.Flags.ACK {
		t.Errorf("Expected bare SYN, got %s", seg.Flags)
	}
	if seg.Seq != 1000 || seg.Ack != 2000 {
		t.Errorf("unexpected seq/ack %d/%d", seg.Seq, seg.Ack)
	}
	if err := seg.Validate(); err != nil {
		t.Errorf("decoded segment should validate: %v", err)
	}
}

func TestStandardDecoderIPv6(t *testing.T) {
	decoder := NewStandardDecoder(Config{})
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	frame := buildEthernet(etherTypeIPv6, buildIPv6(src, dst, protocolTCP, buildTCP(5000, 443, 1, 0, core.FlagSYN, nil)))

	seg, err := decoder.DecodeSegment(rawFrame(frame))
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}
	if !seg.V6 || seg.Src.IP() != src || seg.Dst.IP() != dst {
		t.Errorf("unexpected IPv6 segment %s", &seg)
	}
}

func TestStandardDecoderRejects(t *testing.T) {
	udp := make([]byte, 8)
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, core.ErrPacketTooShort},
		{"too short", []byte{0x01, 0x02, 0x03}, core.ErrPacketTooShort},
		{"arp", buildEthernet(0x0806, make([]byte, 28)), core.ErrUnsupportedProto},
		{"udp", buildEthernet(etherTypeIPv4, buildIPv4(clientAddr, serverAddr, protocolUDP, udp)), core.ErrNotTCP},
		{"short tcp", buildEthernet(etherTypeIPv4, buildIPv4(clientAddr, serverAddr, protocolTCP, make([]byte, 8))), core.ErrPacketTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder := NewStandardDecoder(Config{})
			if _, err := decoder.Decode(rawFrame(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestStandardDecoderLinkTypes(t *testing.T) {
	ipPkt := buildIPv4(clientAddr, serverAddr, protocolTCP, buildTCP(1, 2, 0, 0, core.FlagSYN, nil))

	sll := make([]byte, 16)
	binary.BigEndian.PutUint16(sll[14:16], etherTypeIPv4)

	tests := []struct {
		name     string
		linkType layers.LinkType
		frame    []byte
	}{
		{"raw", layers.LinkTypeRaw, ipPkt},
		{"ipv4", layers.LinkTypeIPv4, ipPkt},
		{"linux sll", layers.LinkTypeLinuxSLL, append(sll, ipPkt...)},
		{"null", layers.LinkTypeNull, append([]byte{2, 0, 0, 0}, ipPkt...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder := NewStandardDecoder(Config{})
			if err := decoder.SetLinkType(tt.linkType); err != nil {
				t.Fatalf("SetLinkType: %v", err)
			}
			seg, err := decoder.DecodeSegment(rawFrame(tt.frame))
			if err != nil {
				t.Fatalf("DecodeSegment failed: %v", err)
			}
			if seg.Src.Port != 1 || seg.Dst.Port != 2 {
				t.Errorf("unexpected ports %d -> %d", seg.Src.Port, seg.Dst.Port)
			}
		})
	}

	if err := NewStandardDecoder(Config{}).SetLinkType(layers.LinkTypeIEEE802_11); !errors.Is(err, core.ErrUnsupportedLink) {
		t.Errorf("Expected ErrUnsupportedLink, got %v", err)
	}
}

func TestStandardDecoderFragmentedSegment(t *testing.T) {
	decoder := NewStandardDecoder(Config{})
	body := sequentialBytes(100)
	tcp := buildTCP(40000, 80, 7, 9, core.FlagACK, body)

	first := buildIPv4Fragment(clientAddr.As4(), serverAddr.As4(), protocolTCP, 42, 0, true, tcp[:64])
	second := buildIPv4Fragment(clientAddr.As4(), serverAddr.As4(), protocolTCP, 42, 8, false, tcp[64:])

	if _, err := decoder.Decode(rawFrame(buildEthernet(etherTypeIPv4, first))); !errors.Is(err, core.ErrFragmentPending) {
		t.Fatalf("Expected ErrFragmentPending, got %v", err)
	}
	pkt, err := decoder.Decode(rawFrame(buildEthernet(etherTypeIPv4, second)))
	if err != nil {
		t.Fatalf("Decode of final fragment failed: %v", err)
	}
	if !pkt.Reassembled {
		t.Error("Expected Reassembled=true")
	}
	seg, err := pkt.Segment()
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if seg.Seq != 7 || len(seg.Payload) != 100 || seg.PayloadLen != 100 {
		t.Errorf("unexpected reassembled segment %s", &seg)
	}
}

func TestStandardDecoderFragmentsDisabled(t *testing.T) {
	decoder := NewStandardDecoder(Config{DisableDefrag: true})
	frag := buildIPv4Fragment(clientAddr.As4(), serverAddr.As4(), protocolTCP, 42, 0, true, make([]byte, 64))

	if _, err := decoder.Decode(rawFrame(buildEthernet(etherTypeIPv4, frag))); !errors.Is(err, core.ErrUnsupportedProto) {
		t.Fatalf("Expected ErrUnsupportedProto, got %v", err)
	}
}

func TestStandardDecoderTunnels(t *testing.T) {
	inner := buildIPv4(clientAddr, serverAddr, protocolTCP, buildTCP(40000, 80, 1, 0, core.FlagSYN, nil))
	outerSrc := netip.MustParseAddr("172.16.0.1")
	outerDst := netip.MustParseAddr("172.16.0.2")

	vxlan := make([]byte, 8)
	binary.BigEndian.PutUint16(vxlan[2:4], vxlanPort)
	vxlan = append(vxlan, 0x08, 0, 0, 0, 0, 0, 0x01, 0)
	vxlan = append(vxlan, buildEthernet(etherTypeIPv4, inner)...)

	gre := []byte{0x00, 0x00, 0x08, 0x00}
	gre = append(gre, inner...)

	tests := []struct {
		name     string
		cfg      TunnelConfig
		protocol uint8
		l4       []byte
	}{
		{"vxlan", TunnelConfig{VXLAN: true}, protocolUDP, vxlan},
		{"gre", TunnelConfig{GRE: true}, protocolGRE, gre},
		{"ipip", TunnelConfig{IPIP: true}, protocolIPIP, inner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := buildEthernet(etherTypeIPv4, buildIPv4(outerSrc, outerDst, tt.protocol, tt.l4))

			seg, err := NewStandardDecoder(Config{Tunnel: tt.cfg}).DecodeSegment(rawFrame(frame))
			if err != nil {
				t.Fatalf("DecodeSegment failed: %v", err)
			}
			if seg.Src.IP() != clientAddr || seg.Dst.Port != 80 {
				t.Errorf("expected inner connection, got %s", &seg)
			}

			// Without decapsulation the outer packet is not TCP
			if _, err := NewStandardDecoder(Config{}).Decode(rawFrame(frame)); !errors.Is(err, core.ErrNotTCP) {
				t.Errorf("Expected ErrNotTCP without decapsulation, got %v", err)
			}
		})
	}
}

func BenchmarkStandardDecoder(b *testing.B) {
	decoder := NewStandardDecoder(Config{})
	frame := buildEthernet(etherTypeIPv4, buildIPv4(clientAddr, serverAddr, protocolTCP,
		buildTCP(40000, 80, 1, 1, core.FlagACK, make([]byte, 512))))
	raw := rawFrame(frame)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := decoder.DecodeSegment(raw); err != nil {
			b.Fatal(err)
		}
	}
}
