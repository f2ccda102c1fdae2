// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/tcpfollow/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// Linux cooked capture (SLL) and BSD loopback header lengths
	linuxSLLHeaderLen = 16
	loopbackHeaderLen = 4

	// EtherType values
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeEthernet decodes Ethernet frame header (including VLAN tags).
// Returns EthernetHeader and remaining payload.
func decodeEthernet(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < ethernetHeaderLen {
		return core.EthernetHeader{}, nil, core.ErrPacketTooShort
	}

	eth := core.EthernetHeader{}
	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	// QinQ frames carry two tags
	var vlans []uint16
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return eth, nil, core.ErrPacketTooShort
		}
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		vlans = append(vlans, tci&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	eth.EtherType = etherType
	eth.VLANs = vlans
	return eth, data[offset:], nil
}

// decodeLinuxSLL decodes the 16-byte Linux cooked capture header that
// "any" interface captures carry instead of Ethernet.
func decodeLinuxSLL(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < linuxSLLHeaderLen {
		return core.EthernetHeader{}, nil, core.ErrPacketTooShort
	}
	eth := core.EthernetHeader{
		EtherType: binary.BigEndian.Uint16(data[14:16]),
	}
	// Link-layer address length at 4:6, address at 6:14
	if alen := int(binary.BigEndian.Uint16(data[4:6])); alen >= 6 {
		copy(eth.SrcMAC[:], data[6:12])
	}
	return eth, data[linuxSLLHeaderLen:], nil
}

// decodeLoopback decodes the 4-byte BSD loopback header. The address family
// is written in host byte order, so both orders are accepted.
func decodeLoopback(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < loopbackHeaderLen {
		return core.EthernetHeader{}, nil, core.ErrPacketTooShort
	}
	family := binary.LittleEndian.Uint32(data[0:4])
	if family > 0xFFFF {
		family = binary.BigEndian.Uint32(data[0:4])
	}
	eth := core.EthernetHeader{}
	switch family {
	case 2:
		eth.EtherType = etherTypeIPv4
	case 10, 24, 28, 30: // AF_INET6 differs per OS
		eth.EtherType = etherTypeIPv6
	}
	return eth, data[loopbackHeaderLen:], nil
}

// etherTypeOf infers an EtherType from the IP version nibble, for raw IP link types.
func etherTypeOf(data []byte) uint16 {
	if len(data) == 0 {
		return 0
	}
	switch data[0] >> 4 {
	case 4:
		return etherTypeIPv4
	case 6:
		return etherTypeIPv6
	}
	return 0
}
