package follower

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

var (
	clientEP = core.EndpointFrom(netip.MustParseAddr("10.0.0.1"), 40000)
	serverEP = core.EndpointFrom(netip.MustParseAddr("10.0.0.2"), 80)
	epoch    = time.Unix(1700000000, 0)
)

type recorded struct {
	Kind      sink.Kind
	Direction string
	Payload   string
	From, To  string
	Reason    string
	Origin    string
}

type recordingSink struct {
	events []recorded
	raw    []sink.Event
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(_ context.Context, ev *sink.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, recorded{
		Kind:      ev.Kind,
		Direction: ev.Direction,
		Payload:   string(ev.Payload),
		From:      ev.From,
		To:        ev.To,
		Reason:    ev.Reason,
		Origin:    ev.Origin,
	})
	cp := *ev
	cp.Payload = nil
	r.raw = append(r.raw, cp)
	return nil
}

func (r *recordingSink) Flush(context.Context) error { return nil }
func (r *recordingSink) Close() error                { return nil }

func seg(fromClient bool, flags core.TCPFlags, seq, ack uint32, payload string) *core.Segment {
	src, dst := clientEP, serverEP
	if !fromClient {
		src, dst = dst, src
	}
	return &core.Segment{
		Timestamp:  epoch,
		Src:        src,
		Dst:        dst,
		Flags:      flags,
		Seq:        seq,
		Ack:        ack,
		PayloadLen: len(payload),
		Payload:    []byte(payload),
	}
}

var (
	syn    = core.TCPFlags{SYN: true}
	synAck = core.TCPFlags{SYN: true, ACK: true}
	ack    = core.TCPFlags{ACK: true}
	finAck = core.TCPFlags{FIN: true, ACK: true}
	rst    = core.TCPFlags{RST: true}
)

func exchange() []*core.Segment {
	return []*core.Segment{
		seg(true, syn, 100, 0, ""),
		seg(false, synAck, 300, 101, ""),
		seg(true, ack, 101, 301, ""),
		seg(true, ack, 101, 301, "GET / HTTP/1.1\r\n\r\n"),
		seg(false, ack, 301, 119, "HTTP/1.1 204 No Content\r\n\r\n"),
		seg(true, finAck, 119, 328, ""),
		seg(false, finAck, 328, 120, ""),
		seg(true, ack, 120, 329, ""),
	}
}

func TestFollower_EventSequence(t *testing.T) {
	rec := &recordingSink{}
	reg := tcpstream.NewRegistry(tcpstream.Config{})
	f := Attach(context.Background(), reg, rec, Options{Shard: 3})

	var conn *tcpstream.Connection
	reg.Range(func(c *tcpstream.Connection) bool { conn = c; return false })
	for _, s := range exchange() {
		require.NoError(t, reg.Dispatch(s))
		if conn == nil {
			reg.Range(func(c *tcpstream.Connection) bool { conn = c; return false })
		}
	}
	require.NotNil(t, conn)

	want := []recorded{
		{Kind: sink.KindOpen, Origin: "handshake"},
		{Kind: sink.KindData, Direction: sink.DirClientToServer, Payload: "GET / HTTP/1.1\r\n\r\n"},
		{Kind: sink.KindData, Direction: sink.DirServerToClient, Payload: "HTTP/1.1 204 No Content\r\n\r\n"},
		{Kind: sink.KindClose, Reason: "fin"},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	closeEv := rec.raw[len(rec.raw)-1]
	assert.Equal(t, uint64(18), closeEv.ClientBytes)
	assert.Equal(t, uint64(27), closeEv.ServerBytes)
	for _, ev := range rec.raw {
		assert.Equal(t, 3, ev.Shard)
		assert.Equal(t, "10.0.0.1:40000", ev.Client)
		assert.Equal(t, "10.0.0.2:80", ev.Server)
		assert.Equal(t, rec.raw[0].Connection, ev.Connection)
	}
	assert.Empty(t, conn.ClientFlow().Payload(), "delivered payload must be cleared")
	assert.Empty(t, conn.ServerFlow().Payload())
	assert.Equal(t, uint64(4), f.Events())
	assert.Zero(t, f.Errors())
}

func TestFollower_StateChanges(t *testing.T) {
	rec := &recordingSink{}
	reg := tcpstream.NewRegistry(tcpstream.Config{})
	Attach(context.Background(), reg, rec, Options{StateChanges: true})

	for _, s := range exchange()[:3] {
		require.NoError(t, reg.Dispatch(s))
	}
	require.NoError(t, reg.Dispatch(seg(false, rst, 301, 0, "")))

	var states []string
	for _, ev := range rec.events {
		if ev.Kind == sink.KindState {
			states = append(states, ev.From+">"+ev.To)
		}
	}
	assert.NotEmpty(t, states)
	assert.Equal(t, "closed", rec.events[len(rec.events)-2].To)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, sink.KindClose, last.Kind)
	assert.Equal(t, "reset", last.Reason)
}

func TestFollower_EvictedOnClose(t *testing.T) {
	rec := &recordingSink{}
	reg := tcpstream.NewRegistry(tcpstream.Config{TrackMidStream: true})
	Attach(context.Background(), reg, rec, Options{})

	require.NoError(t, reg.Dispatch(seg(true, ack, 5000, 9000, "mid")))
	reg.Close()

	want := []recorded{
		{Kind: sink.KindOpen, Origin: "mid-stream"},
		{Kind: sink.KindData, Direction: sink.DirClientToServer, Payload: "mid"},
		{Kind: sink.KindClose, Reason: "evicted"},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestFollower_SinkErrors(t *testing.T) {
	rec := &recordingSink{err: errors.New("disk full")}
	reg := tcpstream.NewRegistry(tcpstream.Config{})
	f := Attach(context.Background(), reg, rec, Options{})

	for _, s := range exchange()[:4] {
		require.NoError(t, reg.Dispatch(s))
	}
	assert.Zero(t, f.Events())
	assert.Equal(t, uint64(2), f.Errors())

	// Payload is released even when the sink fails.
	var conn *tcpstream.Connection
	reg.Range(func(c *tcpstream.Connection) bool { conn = c; return false })
	require.NotNil(t, conn)
	assert.Empty(t, conn.ClientFlow().Payload())
}
