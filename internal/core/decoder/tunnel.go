// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
)

const (
	// Protocol numbers
	protocolGRE  = 47
	protocolIPIP = 4
	protocolIPv6 = 41

	// Well-known UDP ports
	vxlanPort  = 4789
	genevePort = 6081

	// Header lengths
	vxlanHeaderLen  = 8
	geneveHeaderLen = 8
	greHeaderMinLen = 4

	// GRE protocol type for transparent Ethernet bridging
	greProtoTEB = 0x6558
)

// TunnelConfig selects which encapsulations are stripped before TCP decoding.
type TunnelConfig struct {
	VXLAN  bool
	Geneve bool
	GRE    bool
	IPIP   bool
}

// Any reports whether any decapsulation is enabled.
func (c TunnelConfig) Any() bool {
	return c.VXLAN || c.Geneve || c.GRE || c.IPIP
}

// decapsulate returns the inner IP packet carried by an outer IP payload.
// ok is false when the payload is not a recognised, enabled tunnel.
func decapsulate(cfg TunnelConfig, l4 []byte, protocol uint8) (inner []byte, ok bool) {
	switch protocol {
	case protocolGRE:
		if cfg.GRE {
			return decapGRE(l4)
		}
	case protocolIPIP, protocolIPv6:
		if cfg.IPIP {
			return l4, len(l4) > 0
		}
	case protocolUDP:
		if len(l4) < udpHeaderLen {
			return nil, false
		}
		dstPort := binary.BigEndian.Uint16(l4[2:4])
		switch {
		case dstPort == vxlanPort && cfg.VXLAN:
			return decapVXLAN(l4[udpHeaderLen:])
		case dstPort == genevePort && cfg.Geneve:
			return decapGeneve(l4[udpHeaderLen:])
		}
	}
	return nil, false
}

// decapVXLAN strips the VXLAN header and the inner Ethernet frame.
func decapVXLAN(data []byte) ([]byte, bool) {
	if len(data) < vxlanHeaderLen || data[0]&0x08 == 0 { // I flag carries the VNI
		return nil, false
	}
	return innerEthernet(data[vxlanHeaderLen:])
}

// decapGeneve strips the Geneve header, its options and the inner frame.
func decapGeneve(data []byte) ([]byte, bool) {
	if len(data) < geneveHeaderLen || data[0]>>6 != 0 {
		return nil, false
	}
	headerLen := geneveHeaderLen + int(data[0]&0x3F)*4
	if len(data) < headerLen {
		return nil, false
	}
	switch binary.BigEndian.Uint16(data[2:4]) {
	case greProtoTEB:
		return innerEthernet(data[headerLen:])
	case etherTypeIPv4, etherTypeIPv6:
		return data[headerLen:], true
	}
	return nil, false
}

// decapGRE strips a GRE header carrying IP or bridged Ethernet.
func decapGRE(data []byte) ([]byte, bool) {
	if len(data) < greHeaderMinLen {
		return nil, false
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	protocolType := binary.BigEndian.Uint16(data[2:4])

	headerLen := greHeaderMinLen
	if flags&0x8000 != 0 { // checksum
		headerLen += 4
	}
	if flags&0x2000 != 0 { // key
		headerLen += 4
	}
	if flags&0x1000 != 0 { // sequence
		headerLen += 4
	}
	if len(data) < headerLen {
		return nil, false
	}

	switch protocolType {
	case etherTypeIPv4, etherTypeIPv6:
		return data[headerLen:], true
	case greProtoTEB:
		return innerEthernet(data[headerLen:])
	}
	return nil, false
}

func innerEthernet(frame []byte) ([]byte, bool) {
	eth, payload, err := decodeEthernet(frame)
	if err != nil {
		return nil, false
	}
	if eth.EtherType != etherTypeIPv4 && eth.EtherType != etherTypeIPv6 {
		return nil, false
	}
	return payload, true
}
