// Package core defines core types with zero external dependencies.
package core

import (
	"bytes"
	"cmp"
	"net/netip"
	"strings"
)

// EthernetHeader represents L2 Ethernet frame header.
type EthernetHeader struct {
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // 0x0800=IPv4, 0x86DD=IPv6, 0x8100=VLAN
	VLANs     []uint16 // 0~2 VLAN IDs (QinQ scenarios have 2)
}

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8 // TCP=6, UDP=17
	TTL      uint8
	TotalLen uint16
	// PayloadLen is the L4 length claimed by the header, which exceeds the
	// captured bytes when the frame was truncated.
	PayloadLen int
}

// TransportHeader represents L4 transport layer header (TCP/UDP).
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	// TCP-specific fields (only populated for TCP)
	TCPFlags   uint8
	SeqNum     uint32
	AckNum     uint32
	PayloadLen int // TCP payload length implied by the IP length fields
}

// TCP control bits as laid out in byte 13 of the TCP header.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// TCPFlags holds the control flags the stream follower cares about.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// FlagsFromByte extracts TCPFlags from the raw TCP flags byte.
func FlagsFromByte(b uint8) TCPFlags {
	return TCPFlags{
		SYN: b&FlagSYN != 0,
		ACK: b&FlagACK != 0,
		FIN: b&FlagFIN != 0,
		RST: b&FlagRST != 0,
	}
}

// Byte packs the flags back into TCP header layout.
func (f TCPFlags) Byte() uint8 {
	var b uint8
	if f.SYN {
		b |= FlagSYN
	}
	if f.ACK {
		b |= FlagACK
	}
	if f.FIN {
		b |= FlagFIN
	}
	if f.RST {
		b |= FlagRST
	}
	return b
}

func (f TCPFlags) String() string {
	var parts []string
	if f.SYN {
		parts = append(parts, "SYN")
	}
	if f.FIN {
		parts = append(parts, "FIN")
	}
	if f.RST {
		parts = append(parts, "RST")
	}
	if f.ACK {
		parts = append(parts, "ACK")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Endpoint is one address:port side of a TCP connection.
// Addr always holds 16 bytes; IPv4 addresses are stored IPv4-mapped.
type Endpoint struct {
	Addr [16]byte
	Port uint16
}

// EndpointFrom builds an Endpoint from a netip address.
func EndpointFrom(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr.As16(), Port: port}
}

// IP returns the endpoint address, unmapped back to IPv4 when applicable.
func (e Endpoint) IP() netip.Addr {
	return netip.AddrFrom16(e.Addr).Unmap()
}

// Is4 reports whether the endpoint holds an IPv4-mapped address.
func (e Endpoint) Is4() bool {
	return netip.AddrFrom16(e.Addr).Is4In6()
}

// Compare orders endpoints byte-wise by address, then numerically by port.
func (e Endpoint) Compare(o Endpoint) int {
	if c := bytes.Compare(e.Addr[:], o.Addr[:]); c != 0 {
		return c
	}
	return cmp.Compare(e.Port, o.Port)
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.IP(), e.Port).String()
}
