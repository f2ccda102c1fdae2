// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tcpfollow/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IPv6 extension headers skipped on the way to the transport header
	ipv6HopByHop   = 0
	ipv6Routing    = 43
	ipv6Fragment   = 44
	ipv6DestOpts   = 60
	ipv6NoNext     = 59
	maxIPv6ExtHdrs = 8
)

// decodeIP decodes IP header (IPv4 or IPv6).
// The returned payload is bounded by the header's length field, so link-layer
// padding never leaks into the transport payload.
func decodeIP(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < 1 {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	switch data[0] >> 4 {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return core.IPHeader{}, nil, core.ErrUnsupportedProto
	}
}

// decodeIPv4 decodes IPv4 header.
func decodeIPv4(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	headerLen := int(data[0]&0x0F) * 4 // IHL is in 32-bit words
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version:  4,
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		TTL:      data[8],
		Protocol: data[9],
		SrcIP:    netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:    netip.AddrFrom4([4]byte(data[16:20])),
	}

	end := int(ip.TotalLen)
	if end < headerLen {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.PayloadLen = end - headerLen
	if end > len(data) {
		// Truncated by snap length; keep what was captured
		end = len(data)
	}
	return ip, data[headerLen:end], nil
}

// decodeIPv6 decodes IPv6 header and skips extension headers.
func decodeIPv6(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	payloadLen := binary.BigEndian.Uint16(data[4:6])
	ip := core.IPHeader{
		Version:  6,
		TotalLen: uint16(ipv6HeaderLen) + payloadLen,
		Protocol: data[6],
		TTL:      data[7],
		SrcIP:    netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:    netip.AddrFrom16([16]byte(data[24:40])),
	}

	ip.PayloadLen = int(payloadLen)
	end := ipv6HeaderLen + int(payloadLen)
	if end > len(data) {
		end = len(data)
	}
	payload := data[ipv6HeaderLen:end]

	for i := 0; i < maxIPv6ExtHdrs; i++ {
		switch ip.Protocol {
		case ipv6HopByHop, ipv6Routing, ipv6DestOpts:
			if len(payload) < 8 {
				return ip, nil, core.ErrPacketTooShort
			}
			extLen := (int(payload[1]) + 1) * 8
			if len(payload) < extLen {
				return ip, nil, core.ErrPacketTooShort
			}
			ip.Protocol = payload[0]
			ip.PayloadLen -= extLen
			payload = payload[extLen:]
		case ipv6Fragment:
			// IPv6 fragments are not reassembled
			return ip, nil, core.ErrUnsupportedProto
		case ipv6NoNext:
			return ip, nil, core.ErrNotTCP
		default:
			return ip, payload, nil
		}
	}
	return ip, nil, core.ErrUnsupportedProto
}

// isIPFragment checks if an IPv4 packet is a fragment.
func isIPFragment(ipData []byte, version uint8) bool {
	if version != 4 || len(ipData) < ipv4HeaderMinLen {
		return false
	}
	flagsOffset := binary.BigEndian.Uint16(ipData[6:8])
	moreFragments := (flagsOffset & 0x2000) != 0
	fragmentOffset := flagsOffset & 0x1FFF
	return moreFragments || fragmentOffset != 0
}
