// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/tcpfollow/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20

	// Protocol numbers
	protocolTCP = 6
	protocolUDP = 17
)

// decodeTCP decodes TCP header. wireLen is the L4 length claimed by the IP
// header; PayloadLen is derived from it, while the payload slice holds what
// was actually captured, which is shorter when the frame was truncated.
func decodeTCP(data []byte, wireLen int) (core.TransportHeader, []byte, error) {
	if len(data) < tcpHeaderMinLen {
		return core.TransportHeader{}, nil, core.ErrPacketTooShort
	}

	transport := core.TransportHeader{
		Protocol: protocolTCP,
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		SeqNum:   binary.BigEndian.Uint32(data[4:8]),
		AckNum:   binary.BigEndian.Uint32(data[8:12]),
	}

	headerLen := int(data[12]>>4) * 4 // Data offset is in 32-bit words
	if headerLen < tcpHeaderMinLen || len(data) < headerLen {
		return transport, nil, core.ErrPacketTooShort
	}

	// Byte 13: | CWR | ECE | URG | ACK | PSH | RST | SYN | FIN |
	transport.TCPFlags = data[13] & 0x3F

	payload := data[headerLen:]
	transport.PayloadLen = len(payload)
	if wireLen-headerLen > len(payload) {
		transport.PayloadLen = wireLen - headerLen
	}
	return transport, payload, nil
}
