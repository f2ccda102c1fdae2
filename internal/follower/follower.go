// Package follower turns connection callbacks into sink events.
//
// A Follower attaches to one registry and therefore runs on that registry's
// goroutine. Payload is written to the sink and then cleared, so connections
// never accumulate delivered bytes.
package follower

import (
	"context"
	"log/slog"
	"sync/atomic"

	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

// Options controls which events are emitted.
type Options struct {
	Shard        int  // reported in every event
	StateChanges bool // emit an event per connection state transition
}

// Follower writes the events of one registry to a sink.
type Follower struct {
	ctx    context.Context
	sink   sink.Sink
	opts   Options
	events atomic.Uint64
	errors atomic.Uint64
}

// Attach registers the follower as reg's new-connection handler. Sink
// writes use ctx.
func Attach(ctx context.Context, reg *tcpstream.Registry, s sink.Sink, opts Options) *Follower {
	f := &Follower{ctx: ctx, sink: s, opts: opts}
	reg.OnNewConnection(f.onNew)
	return f
}

// Events returns how many events were written successfully.
func (f *Follower) Events() uint64 { return f.events.Load() }

// Errors returns how many sink writes failed.
func (f *Follower) Errors() uint64 { return f.errors.Load() }

func (f *Follower) onNew(c *tcpstream.Connection) {
	h := tcpstream.Handlers{
		ClientData: f.onClientData,
		ServerData: f.onServerData,
		Buffering:  f.onBuffering,
		Closed:     f.onClosed,
	}
	if f.opts.StateChanges {
		h.StateChange = f.onStateChange
	}
	c.SetHandlers(h)

	ev := f.event(c, sink.KindOpen)
	ev.Origin = c.Origin().String()
	f.emit(&ev)
}

func (f *Follower) onClientData(c *tcpstream.Connection) {
	f.data(c, tcpstream.ClientToServer)
}

func (f *Follower) onServerData(c *tcpstream.Connection) {
	f.data(c, tcpstream.ServerToClient)
}

func (f *Follower) data(c *tcpstream.Connection, d tcpstream.Direction) {
	flow := c.Flow(d)
	ev := f.event(c, sink.KindData)
	ev.Direction = d.String()
	ev.Payload = flow.Payload()
	f.emit(&ev)
	flow.ClearPayload()
}

func (f *Follower) onBuffering(c *tcpstream.Connection, d tcpstream.Direction) {
	flow := c.Flow(d)
	slog.Debug("out-of-order data buffered",
		"connection", c.String(),
		"direction", d.String(),
		"chunks", flow.PendingChunks(),
		"bytes", flow.PendingBytes())
}

func (f *Follower) onStateChange(c *tcpstream.Connection, from, to tcpstream.State) {
	ev := f.event(c, sink.KindState)
	ev.From, ev.To = from.String(), to.String()
	f.emit(&ev)
}

func (f *Follower) onClosed(c *tcpstream.Connection) {
	ev := f.event(c, sink.KindClose)
	ev.Reason = c.CloseReason().String()
	ev.ClientBytes = c.ClientFlow().Stats().BytesDelivered
	ev.ServerBytes = c.ServerFlow().Stats().BytesDelivered
	f.emit(&ev)
}

func (f *Follower) event(c *tcpstream.Connection, kind sink.Kind) sink.Event {
	return sink.Event{
		Kind:       kind,
		Connection: c.ID().String(),
		Timestamp:  c.LastSeen(),
		Client:     c.ClientEndpoint().String(),
		Server:     c.ServerEndpoint().String(),
		Shard:      f.opts.Shard,
	}
}

func (f *Follower) emit(ev *sink.Event) {
	if err := f.sink.Write(f.ctx, ev); err != nil {
		f.errors.Add(1)
		slog.Warn("sink write failed", "sink", f.sink.Name(), "kind", ev.Kind, "connection", ev.Connection, "error", err)
		return
	}
	f.events.Add(1)
}
