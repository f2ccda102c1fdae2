package tcpstream

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

// Direction names one of the two byte streams of a connection.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// Handlers are the consumer callbacks of a connection. Every handler runs
// synchronously inside Registry.Dispatch; nil handlers are skipped. For one
// segment, StateChange fires first, so Buffering and the data handlers see
// the state the segment produced, and Closed fires last.
type Handlers struct {
	ClientData  func(c *Connection)
	ServerData  func(c *Connection)
	Buffering   func(c *Connection, dir Direction)
	Closed      func(c *Connection)
	StateChange func(c *Connection, from, to State)
}

// Connection pairs the two directions of one TCP connection.
type Connection struct {
	id     uuid.UUID
	key    Key
	client core.Endpoint
	server core.Endpoint
	v6     bool

	clientFlow *Flow // bytes client -> server
	serverFlow *Flow // bytes server -> client

	life     lifecycle
	reason   CloseReason
	origin   Origin
	handlers Handlers
	closed   bool // closed handler has fired

	createdAt time.Time
	lastSeen  time.Time

	userData any
}

func newConnection(seg *core.Segment, client, server core.Endpoint, origin Origin, cfg Config) *Connection {
	return &Connection{
		id:         uuid.New(),
		key:        NewKey(client, server),
		client:     client,
		server:     server,
		v6:         seg.V6,
		clientFlow: newFlow(server, cfg.MaxPendingBytes, cfg.MaxPendingChunks),
		serverFlow: newFlow(client, cfg.MaxPendingBytes, cfg.MaxPendingChunks),
		origin:     origin,
		createdAt:  seg.Timestamp,
		lastSeen:   seg.Timestamp,
	}
}

// Process feeds seg to the flow of the side that sent it, advances the
// lifecycle state, then fires the buffering and data handlers.
func (c *Connection) Process(seg *core.Segment) {
	if seg.Timestamp.After(c.lastSeen) {
		c.lastSeen = seg.Timestamp
	}

	from, dir, flow := sideClient, ClientToServer, c.clientFlow
	if seg.Src != c.client {
		from, dir, flow = sideServer, ServerToClient, c.serverFlow
	}

	res := flow.Feed(seg.Seq, seg.Flags, seg.Payload)

	next, path := nextState(c.life, from, seg)
	prev := c.life.state
	c.life = next
	for _, s := range path {
		c.enter(prev, s)
		prev = s
	}

	if res.PendingChanged && c.handlers.Buffering != nil {
		c.handlers.Buffering(c, dir)
	}
	if res.Delivered > 0 {
		metrics.BytesDeliveredTotal.WithLabelValues(dir.String()).Add(float64(res.Delivered))
		if dir == ClientToServer && c.handlers.ClientData != nil {
			c.handlers.ClientData(c)
		} else if dir == ServerToClient && c.handlers.ServerData != nil {
			c.handlers.ServerData(c)
		}
	}

	if c.life.state == StateClosed && !c.closed {
		if seg.Flags.RST {
			c.fireClosed(ReasonReset)
		} else {
			c.fireClosed(ReasonFin)
		}
	}
}

func (c *Connection) enter(from, to State) {
	if c.handlers.StateChange != nil {
		c.handlers.StateChange(c, from, to)
	}
}

func (c *Connection) fireClosed(reason CloseReason) {
	c.closed = true
	c.reason = reason
	if c.handlers.Closed != nil {
		c.handlers.Closed(c)
	}
}

// terminate closes the connection on the registry's behalf, for idle
// expiry or eviction. It is a no-op once the closed handler has fired.
func (c *Connection) terminate(reason CloseReason) {
	if c.closed {
		return
	}
	if prev := c.life.state; prev != StateClosed {
		c.life.state = StateClosed
		c.enter(prev, StateClosed)
	}
	c.fireClosed(reason)
}

// seedMidStream starts tracking a connection whose handshake was not seen.
// The sender's flow starts at the segment's sequence number (the SYN of a
// SYN+ACK is left for Feed to consume) and the receiver's flow at the
// acknowledged number when there is one.
func (c *Connection) seedMidStream(seg *core.Segment) {
	sender, receiver := c.clientFlow, c.serverFlow
	if seg.Src != c.client {
		sender, receiver = c.serverFlow, c.clientFlow
	}
	if !seg.Flags.SYN {
		sender.seed(seg.Seq, FlowEstablished)
	}
	if seg.Flags.ACK {
		receiver.seed(seg.Ack, FlowEstablished)
	}
	c.life = lifecycle{state: StateEstablished, serverSyn: true}
}

// IsFinished reports whether the connection can be retired: it is closed
// and either a direction was reset or both directions are finished.
func (c *Connection) IsFinished() bool {
	if c.life.state != StateClosed {
		return false
	}
	if c.clientFlow.State() == FlowRstSent || c.serverFlow.State() == FlowRstSent {
		return true
	}
	return c.clientFlow.IsFinished() && c.serverFlow.IsFinished()
}

// SetHandlers replaces the whole handler set.
func (c *Connection) SetHandlers(h Handlers) { c.handlers = h }

func (c *Connection) OnClientData(fn func(*Connection)) { c.handlers.ClientData = fn }
func (c *Connection) OnServerData(fn func(*Connection)) { c.handlers.ServerData = fn }
func (c *Connection) OnBuffering(fn func(*Connection, Direction)) { c.handlers.Buffering = fn }
func (c *Connection) OnClosed(fn func(*Connection)) { c.handlers.Closed = fn }
func (c *Connection) OnStateChange(fn func(*Connection, State, State)) { c.handlers.StateChange = fn }

// ClientFlow returns the client -> server direction.
func (c *Connection) ClientFlow() *Flow { return c.clientFlow }

// ServerFlow returns the server -> client direction.
func (c *Connection) ServerFlow() *Flow { return c.serverFlow }

// Flow returns the flow carrying bytes in direction d.
func (c *Connection) Flow(d Direction) *Flow {
	if d == ServerToClient {
		return c.serverFlow
	}
	return c.clientFlow
}

func (c *Connection) ID() uuid.UUID { return c.id }
func (c *Connection) Key() Key { return c.key }
func (c *Connection) ClientEndpoint() core.Endpoint { return c.client }
func (c *Connection) ServerEndpoint() core.Endpoint { return c.server }
func (c *Connection) IsV6() bool { return c.v6 }
func (c *Connection) State() State { return c.life.state }
func (c *Connection) CloseReason() CloseReason { return c.reason }
func (c *Connection) Origin() Origin { return c.origin }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }
func (c *Connection) LastSeen() time.Time { return c.lastSeen }

// SetUserData attaches consumer state to the connection.
func (c *Connection) SetUserData(v any) { c.userData = v }

// UserData returns what SetUserData stored.
func (c *Connection) UserData() any { return c.userData }

func (c *Connection) String() string {
	return fmt.Sprintf("%s - %s", c.client, c.server)
}
