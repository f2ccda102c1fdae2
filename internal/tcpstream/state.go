package tcpstream

import "firestige.xyz/tcpfollow/internal/core"

// State is the connection lifecycle derived from both directions' flags.
type State uint8

const (
	StateSynSent State = iota
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateFinWait2
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close-wait"
	case StateFinWait1:
		return "fin-wait-1"
	case StateFinWait2:
		return "fin-wait-2"
	case StateTimeWait:
		return "time-wait"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason records why a connection reached StateClosed.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	ReasonFin
	ReasonReset
	ReasonIdle
	ReasonEvicted
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFin:
		return "fin"
	case ReasonReset:
		return "reset"
	case ReasonIdle:
		return "idle"
	case ReasonEvicted:
		return "evicted"
	}
	return "unknown"
}

// Origin tells how tracking of a connection began.
type Origin uint8

const (
	OriginHandshake Origin = iota
	OriginMidStream
)

func (o Origin) String() string {
	if o == OriginMidStream {
		return "mid-stream"
	}
	return "handshake"
}

type side uint8

const (
	sideNone side = iota
	sideClient
	sideServer
)

// lifecycle is the input and output of nextState. Besides the state it
// remembers which side closed first and where each FIN ends in sequence
// space, so that ACKs can be matched to the FIN they acknowledge.
type lifecycle struct {
	state     State
	serverSyn bool // server has sent its SYN
	closer    side
	closerFin uint32 // sequence number following the closer's FIN
	peerFin   bool   // the non-closing side has sent FIN
	peerEnd   uint32 // sequence number following the peer's FIN
}

// nextState computes the lifecycle after a segment from one side. It is a
// pure function; the returned path lists every state entered, in order.
func nextState(cur lifecycle, from side, seg *core.Segment) (lifecycle, []State) {
	if cur.state == StateClosed {
		return cur, nil
	}

	var path []State
	move := func(s State) {
		if cur.state != s {
			cur.state = s
			path = append(path, s)
		}
	}

	flags := seg.Flags
	if flags.RST {
		move(StateClosed)
		return cur, path
	}

	if flags.SYN {
		if from == sideServer {
			cur.serverSyn = true
			if flags.ACK && cur.state == StateSynSent {
				move(StateSynReceived)
			}
		}
		return cur, path
	}

	if flags.ACK && from == sideClient && cur.serverSyn &&
		(cur.state == StateSynSent || cur.state == StateSynReceived) {
		move(StateEstablished)
	}

	// ACK of the other side's FIN comes before this segment's own FIN
	if flags.ACK && cur.closer != sideNone {
		if from != cur.closer && acknowledges(seg.Ack, cur.closerFin) &&
			(cur.state == StateFinWait1 || cur.state == StateCloseWait) {
			move(StateFinWait2)
		}
		if from == cur.closer && cur.peerFin && acknowledges(seg.Ack, cur.peerEnd) {
			move(StateTimeWait)
			// No wall-clock wait is observable from outside the endpoints
			move(StateClosed)
			return cur, path
		}
	}

	if flags.FIN {
		finEnd := seqAdd(seg.Seq, len(seg.Payload)+1)
		switch {
		case cur.closer == sideNone:
			cur.closer = from
			cur.closerFin = finEnd
			if from == sideClient {
				move(StateFinWait1)
			} else {
				move(StateCloseWait)
			}
		case from != cur.closer && !cur.peerFin:
			cur.peerFin = true
			cur.peerEnd = finEnd
		}
	}
	return cur, path
}

// acknowledges reports whether an ACK covers want. A zero acknowledgment
// number carries no position, so the ACK flag alone counts.
func acknowledges(ackNum, want uint32) bool {
	return ackNum == 0 || seqDiff(ackNum, want) >= 0
}
