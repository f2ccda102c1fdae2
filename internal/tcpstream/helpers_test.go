package tcpstream

import (
	"net/netip"
	"time"

	"firestige.xyz/tcpfollow/internal/core"
)

var (
	clientEP = core.EndpointFrom(netip.MustParseAddr("10.0.0.1"), 40000)
	serverEP = core.EndpointFrom(netip.MustParseAddr("10.0.0.2"), 80)

	fSyn    = core.TCPFlags{SYN: true}
	fSynAck = core.TCPFlags{SYN: true, ACK: true}
	fAck    = core.TCPFlags{ACK: true}
	fFinAck = core.TCPFlags{FIN: true, ACK: true}
	fRst    = core.TCPFlags{RST: true}

	epoch = time.Unix(1700000000, 0)
)

func segment(src, dst core.Endpoint, flags core.TCPFlags, seq, ackNum uint32, payload string) *core.Segment {
	return &core.Segment{
		Timestamp:  epoch,
		Src:        src,
		Dst:        dst,
		V6:         !src.Is4(),
		Flags:      flags,
		Seq:        seq,
		Ack:        ackNum,
		PayloadLen: len(payload),
		Payload:    []byte(payload),
	}
}

func fromClient(flags core.TCPFlags, seq, ackNum uint32, payload string) *core.Segment {
	return segment(clientEP, serverEP, flags, seq, ackNum, payload)
}

func fromServer(flags core.TCPFlags, seq, ackNum uint32, payload string) *core.Segment {
	return segment(serverEP, clientEP, flags, seq, ackNum, payload)
}

// handshake returns SYN, SYN+ACK, ACK with client ISN 100 and server ISN 300.
func handshake() []*core.Segment {
	return []*core.Segment{
		fromClient(fSyn, 100, 0, ""),
		fromServer(fSynAck, 300, 101, ""),
		fromClient(fAck, 101, 301, ""),
	}
}

// at returns a copy of seg stamped d after epoch.
func at(seg *core.Segment, d time.Duration) *core.Segment {
	c := *seg
	c.Timestamp = epoch.Add(d)
	return &c
}
