package decoder

import (
	"encoding/binary"
	"net/netip"
)

// buildTCP constructs a TCP header (no options) followed by payload.
func buildTCP(srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	seg := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = 5 << 4 // data offset: 5 words
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 65535) // window
	copy(seg[20:], payload)
	return seg
}

// buildIPv4 wraps an L4 payload in a minimal IPv4 header.
func buildIPv4(src, dst netip.Addr, protocol uint8, l4 []byte) []byte {
	pkt := make([]byte, 20+len(l4))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = protocol
	s, d := src.As4(), dst.As4()
	copy(pkt[12:16], s[:])
	copy(pkt[16:20], d[:])
	copy(pkt[20:], l4)
	return pkt
}

// buildIPv6 wraps an L4 payload in a fixed IPv6 header.
func buildIPv6(src, dst netip.Addr, nextHeader uint8, l4 []byte) []byte {
	pkt := make([]byte, 40+len(l4))
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(l4)))
	pkt[6] = nextHeader
	pkt[7] = 64
	s, d := src.As16(), dst.As16()
	copy(pkt[8:24], s[:])
	copy(pkt[24:40], d[:])
	copy(pkt[40:], l4)
	return pkt
}

// buildEthernet prepends an Ethernet header with the given EtherType.
func buildEthernet(etherType uint16, l3 []byte) []byte {
	frame := make([]byte, 14+len(l3))
	copy(frame[0:6], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	copy(frame[6:12], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], l3)
	return frame
}

// buildIPv4Fragment constructs a raw IPv4 packet with fragmentation fields set.
// fragOffset is in 8-byte units.
func buildIPv4Fragment(srcIP, dstIP [4]byte, protocol uint8, fragID uint16, fragOffset uint16, moreFragments bool, payload []byte) []byte {
	pkt := buildIPv4(netip.AddrFrom4(srcIP), netip.AddrFrom4(dstIP), protocol, payload)
	binary.BigEndian.PutUint16(pkt[4:6], fragID)
	flagsOffset := fragOffset & 0x1FFF
	if moreFragments {
		flagsOffset |= 0x2000
	}
	binary.BigEndian.PutUint16(pkt[6:8], flagsOffset)
	return pkt
}

var (
	clientAddr = netip.MustParseAddr("192.168.1.10")
	serverAddr = netip.MustParseAddr("192.168.1.20")
)
