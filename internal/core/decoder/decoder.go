// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import (
	"fmt"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/tcpfollow/internal/core"
)

// Decoder decodes raw packets into structured format.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// Config controls optional decoding stages.
type Config struct {
	IPReassembly  ReassemblyConfig
	DisableDefrag bool // drop IPv4 fragments instead of reassembling them
	Tunnel        TunnelConfig
}

// StandardDecoder decodes captured frames down to TCP. One decoder serves
// one capture source and is not safe for concurrent use.
type StandardDecoder struct {
	cfg      Config
	linkType layers.LinkType
	defrag   *Reassembler
}

// NewStandardDecoder creates a decoder for Ethernet frames.
func NewStandardDecoder(cfg Config) *StandardDecoder {
	d := &StandardDecoder{
		cfg:      cfg,
		linkType: layers.LinkTypeEthernet,
	}
	if !cfg.DisableDefrag {
		d.defrag = NewReassembler(cfg.IPReassembly)
	}
	return d
}

// SetLinkType switches the link-layer framing expected in RawPacket.Data.
func (d *StandardDecoder) SetLinkType(lt layers.LinkType) error {
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL,
		layers.LinkTypeNull, layers.LinkTypeLoop,
		layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6,
		12, 14: // DLT_RAW as written on some BSDs
		d.linkType = lt
		return nil
	}
	return fmt.Errorf("%w: %s", core.ErrUnsupportedLink, lt)
}

// LinkType returns the configured link-layer framing.
func (d *StandardDecoder) LinkType() layers.LinkType {
	return d.linkType
}

// Flush discards IPv4 fragments still awaiting reassembly.
func (d *StandardDecoder) Flush() {
	if d.defrag != nil {
		d.defrag.Flush()
	}
}

// Decode parses one frame. Non-TCP traffic yields core.ErrNotTCP and an
// incomplete IPv4 datagram yields core.ErrFragmentPending; callers treat
// both as skips rather than failures.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	pkt := core.DecodedPacket{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
	}

	eth, l3, err := d.decodeLink(raw.Data)
	if err != nil {
		return pkt, err
	}
	pkt.Ethernet = eth
	if eth.EtherType != etherTypeIPv4 && eth.EtherType != etherTypeIPv6 {
		return pkt, fmt.Errorf("%w: ethertype 0x%04x", core.ErrUnsupportedProto, eth.EtherType)
	}

	ip, l4, reassembled, err := d.decodeNetwork(l3, raw.Timestamp)
	if err != nil {
		return pkt, err
	}

	if d.cfg.Tunnel.Any() {
		if inner, ok := decapsulate(d.cfg.Tunnel, l4, ip.Protocol); ok {
			ip, l4, reassembled, err = d.decodeNetwork(inner, raw.Timestamp)
			if err != nil {
				return pkt, err
			}
		}
	}
	pkt.IP = ip
	pkt.Reassembled = reassembled

	if ip.Protocol != protocolTCP {
		return pkt, core.ErrNotTCP
	}
	tcp, payload, err := decodeTCP(l4, ip.PayloadLen)
	if err != nil {
		return pkt, err
	}
	pkt.Transport = tcp
	pkt.Payload = payload
	return pkt, nil
}

// DecodeSegment decodes raw and converts the result for the stream follower.
func (d *StandardDecoder) DecodeSegment(raw core.RawPacket) (core.Segment, error) {
	pkt, err := d.Decode(raw)
	if err != nil {
		return core.Segment{}, err
	}
	return pkt.Segment()
}

func (d *StandardDecoder) decodeLink(data []byte) (core.EthernetHeader, []byte, error) {
	switch d.linkType {
	case layers.LinkTypeEthernet:
		return decodeEthernet(data)
	case layers.LinkTypeLinuxSLL:
		return decodeLinuxSLL(data)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return decodeLoopback(data)
	default:
		if len(data) == 0 {
			return core.EthernetHeader{}, nil, core.ErrPacketTooShort
		}
		return core.EthernetHeader{EtherType: etherTypeOf(data)}, data, nil
	}
}

// decodeNetwork decodes the IP header, reassembling IPv4 fragments when enabled.
func (d *StandardDecoder) decodeNetwork(l3 []byte, ts time.Time) (core.IPHeader, []byte, bool, error) {
	ip, l4, err := decodeIP(l3)
	if err != nil {
		return ip, nil, false, err
	}
	if !isIPFragment(l3, ip.Version) {
		return ip, l4, false, nil
	}
	if d.defrag == nil {
		return ip, nil, false, fmt.Errorf("%w: ipv4 fragment", core.ErrUnsupportedProto)
	}

	full, complete, err := d.defrag.Process(l3, ts)
	if err != nil {
		return ip, nil, false, err
	}
	if !complete {
		return ip, nil, false, core.ErrFragmentPending
	}
	ip.PayloadLen = len(full)
	ip.TotalLen = uint16(min(len(l3)-len(l4)+len(full), ipv4MaxSize))
	return ip, full, true, nil
}
