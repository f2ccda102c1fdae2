// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"time"
)

// RawPacket is captured from the network interface, zero-copy reference to ring buffer.
type RawPacket struct {
	Data           []byte    // Raw frame data, zero-copy slice
	Timestamp      time.Time // Capture timestamp (kernel timestamp preferred)
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int       // Network interface index
}

// DecodedPacket is the result of L2-L4 protocol stack decoding.
type DecodedPacket struct {
	Timestamp   time.Time
	Ethernet    EthernetHeader
	IP          IPHeader
	Transport   TransportHeader
	Payload     []byte // Application layer payload, zero-copy slice
	CaptureLen  uint32
	OrigLen     uint32
	Reassembled bool // Whether packet went through IP fragment reassembly
}

// Segment converts a decoded TCP packet into the stream follower's input.
func (p DecodedPacket) Segment() (Segment, error) {
	if p.IP.Protocol != 6 || p.Transport.Protocol != 6 {
		return Segment{}, ErrNotTCP
	}
	return Segment{
		Timestamp:  p.Timestamp,
		V6:         p.IP.Version == 6,
		Src:        EndpointFrom(p.IP.SrcIP, p.Transport.SrcPort),
		Dst:        EndpointFrom(p.IP.DstIP, p.Transport.DstPort),
		Flags:      FlagsFromByte(p.Transport.TCPFlags),
		Seq:        p.Transport.SeqNum,
		Ack:        p.Transport.AckNum,
		PayloadLen: p.Transport.PayloadLen,
		Payload:    p.Payload,
	}, nil
}

// Segment is one captured TCP unit as handed to the stream follower.
// Payload is a zero-copy view; the follower copies what it keeps.
type Segment struct {
	Timestamp  time.Time
	V6         bool
	Src        Endpoint
	Dst        Endpoint
	Flags      TCPFlags
	Seq        uint32
	Ack        uint32
	PayloadLen int // payload length claimed by the headers
	Payload    []byte
}

// Validate rejects segments whose fields disagree with each other.
func (s *Segment) Validate() error {
	if s.PayloadLen != len(s.Payload) {
		return fmt.Errorf("%w: payload length %d, buffer holds %d bytes",
			ErrMalformedSegment, s.PayloadLen, len(s.Payload))
	}
	if !s.V6 && (!s.Src.Is4() || !s.Dst.Is4()) {
		return fmt.Errorf("%w: ipv4 segment with non-ipv4 endpoint %s -> %s",
			ErrMalformedSegment, s.Src, s.Dst)
	}
	if s.V6 && (s.Src.Is4() || s.Dst.Is4()) {
		return fmt.Errorf("%w: ipv6 segment with ipv4 endpoint %s -> %s",
			ErrMalformedSegment, s.Src, s.Dst)
	}
	return nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s -> %s [%s] seq=%d ack=%d len=%d",
		s.Src, s.Dst, s.Flags, s.Seq, s.Ack, len(s.Payload))
}
