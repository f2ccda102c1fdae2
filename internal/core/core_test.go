package core

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"
)

func TestFlagsRoundTrip(t *testing.T) {
	tests := []struct {
		raw  uint8
		want TCPFlags
		str  string
	}{
		{0, TCPFlags{}, "-"},
		{FlagSYN, TCPFlags{SYN: true}, "SYN"},
		{FlagSYN | FlagACK, TCPFlags{SYN: true, ACK: true}, "SYN|ACK"},
		{FlagFIN | FlagACK | FlagPSH, TCPFlags{FIN: true, ACK: true}, "FIN|ACK"},
		{FlagRST, TCPFlags{RST: true}, "RST"},
	}
	for _, tt := range tests {
		got := FlagsFromByte(tt.raw)
		if got != tt.want {
			t.Errorf("FlagsFromByte(0x%02x) = %+v, want %+v", tt.raw, got, tt.want)
		}
		if got.String() != tt.str {
			t.Errorf("String() = %q, want %q", got.String(), tt.str)
		}
		if got.Byte() != tt.raw&^FlagPSH {
			t.Errorf("Byte() = 0x%02x, want 0x%02x", got.Byte(), tt.raw&^FlagPSH)
		}
	}
}

func TestEndpoint(t *testing.T) {
	v4 := EndpointFrom(netip.MustParseAddr("10.0.0.1"), 80)
	if !v4.Is4() {
		t.Error("IPv4 endpoint should report Is4")
	}
	if v4.IP() != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("IP() = %v, want unmapped 10.0.0.1", v4.IP())
	}
	if v4.String() != "10.0.0.1:80" {
		t.Errorf("String() = %q", v4.String())
	}

	v6 := EndpointFrom(netip.MustParseAddr("2001:db8::1"), 443)
	if v6.Is4() {
		t.Error("IPv6 endpoint should not report Is4")
	}
	if v6.String() != "[2001:db8::1]:443" {
		t.Errorf("String() = %q", v6.String())
	}
}

func TestEndpointCompare(t *testing.T) {
	a := EndpointFrom(netip.MustParseAddr("10.0.0.1"), 9000)
	b := EndpointFrom(netip.MustParseAddr("10.0.0.2"), 80)
	c := EndpointFrom(netip.MustParseAddr("10.0.0.1"), 9001)

	// Address dominates port
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 {
		t.Error("10.0.0.1:9000 should sort before 10.0.0.2:80")
	}
	if a.Compare(c) >= 0 {
		t.Error("equal addresses should order by port")
	}
	if a.Compare(a) != 0 {
		t.Error("endpoint should compare equal to itself")
	}
}

func validSegment() Segment {
	return Segment{
		Timestamp:  time.Unix(1700000000, 0),
		Src:        EndpointFrom(netip.MustParseAddr("10.0.0.1"), 40000),
		Dst:        EndpointFrom(netip.MustParseAddr("10.0.0.2"), 80),
		Flags:      TCPFlags{ACK: true},
		Seq:        100,
		PayloadLen: 3,
		Payload:    []byte("abc"),
	}
}

func TestSegmentValidate(t *testing.T) {
	seg := validSegment()
	if err := seg.Validate(); err != nil {
		t.Fatalf("valid segment rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Segment)
	}{
		{"length mismatch", func(s *Segment) { s.PayloadLen = 10 }},
		{"v6 flag with v4 endpoints", func(s *Segment) { s.V6 = true }},
		{"v4 flag with v6 endpoint", func(s *Segment) { s.Dst = EndpointFrom(netip.MustParseAddr("2001:db8::2"), 80) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := validSegment()
			tt.mutate(&seg)
			err := seg.Validate()
			if !errors.Is(err, ErrMalformedSegment) {
				t.Fatalf("expected ErrMalformedSegment, got %v", err)
			}
		})
	}
}

func TestDecodedPacketSegment(t *testing.T) {
	pkt := DecodedPacket{
		IP: IPHeader{
			Version:  4,
			Protocol: 6,
			SrcIP:    netip.MustParseAddr("10.0.0.1"),
			DstIP:    netip.MustParseAddr("10.0.0.2"),
		},
		Transport: TransportHeader{
			Protocol: 6, SrcPort: 1, DstPort: 2,
			TCPFlags: FlagSYN, SeqNum: 5, PayloadLen: 0,
		},
	}
	seg, err := pkt.Segment()
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if !seg.Flags.SYN || seg.Seq != 5 || seg.V6 {
		t.Errorf("unexpected segment %s", &seg)
	}

	pkt.IP.Protocol = 17
	if _, err := pkt.Segment(); !errors.Is(err, ErrNotTCP) {
		t.Errorf("expected ErrNotTCP, got %v", err)
	}
}

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrPacketTooShort, ErrUnsupportedProto, ErrUnsupportedLink, ErrNotTCP,
		ErrFragmentPending, ErrReassemblyLimit, ErrReassemblyInvalid,
		ErrMalformedSegment, ErrSourceClosed, ErrPipelineStopped, ErrConfigInvalid,
	}
	seen := make(map[string]bool)
	for _, err := range errs {
		if !strings.HasPrefix(err.Error(), "tcpfollow: ") {
			t.Errorf("error %q lacks tcpfollow prefix", err)
		}
		if seen[err.Error()] {
			t.Errorf("duplicate error message %q", err)
		}
		seen[err.Error()] = true
	}

	wrapped := fmt.Errorf("shard 3: %w", ErrMalformedSegment)
	if !errors.Is(wrapped, ErrMalformedSegment) {
		t.Error("wrapped error should match sentinel")
	}
}
