package tcpstream

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

// DefaultMaxPendingBytes bounds out-of-order buffering per direction.
const DefaultMaxPendingBytes = 4 << 20

// Config controls connection tracking.
type Config struct {
	MaxPendingBytes  int           // per direction; 0 selects DefaultMaxPendingBytes, <0 disables the bound
	MaxPendingChunks int           // per direction; 0 = no chunk cap
	TrackMidStream   bool          // attach to connections whose handshake was not seen
	IdleTimeout      time.Duration // capture-time inactivity before a connection is retired; 0 = never
	TombstoneTTL     time.Duration // how long stragglers of a retired connection are ignored; 0 = off
}

// Stats counts registry-level outcomes.
type Stats struct {
	Segments   uint64 // valid segments dispatched
	Malformed  uint64 // segments rejected by validation
	Ignored    uint64 // no connection and none could be created
	Tombstoned uint64 // stragglers of a retired connection
	Created    uint64
	MidStream  uint64 // created without a handshake
	Retired    uint64 // removed after finishing
	Expired    uint64 // removed by idle timeout
	Evicted    uint64 // removed by Close
}

// Registry maps segments to connections, creating and retiring them.
// It is single-threaded: segments of one connection must be dispatched in
// arrival order from a single goroutine.
type Registry struct {
	cfg        Config
	active     map[Key]*Connection
	onNew      func(*Connection)
	tombstones *cache.Cache // Key.String() -> capture time of retirement
	lastExpire time.Time
	stats      Stats
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	switch {
	case cfg.MaxPendingBytes == 0:
		cfg.MaxPendingBytes = DefaultMaxPendingBytes
	case cfg.MaxPendingBytes < 0:
		cfg.MaxPendingBytes = 0
	}
	r := &Registry{
		cfg:    cfg,
		active: make(map[Key]*Connection),
	}
	if cfg.TombstoneTTL > 0 {
		// Wall-clock expiry only reclaims memory; lookups compare capture time.
		r.tombstones = cache.New(cfg.TombstoneTTL, 2*cfg.TombstoneTTL)
	}
	return r
}

// OnNewConnection registers the handler fired for every new connection,
// before any of its segments reach a flow.
func (r *Registry) OnNewConnection(fn func(*Connection)) {
	r.onNew = fn
}

// Dispatch routes one segment. Only a malformed segment is an error;
// segments that cannot be attached to a connection are counted and dropped.
// A bare SYN on the tuple of a closed connection that still waits on a gap
// retires it and opens a new one.
func (r *Registry) Dispatch(seg *core.Segment) error {
	if err := seg.Validate(); err != nil {
		r.stats.Malformed++
		metrics.SegmentsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("dispatch %s -> %s: %w", seg.Src, seg.Dst, err)
	}
	r.stats.Segments++
	r.maybeExpire(seg.Timestamp)

	key := KeyOf(seg)
	conn, ok := r.active[key]
	if ok && conn.State() == StateClosed && isBareSyn(seg.Flags) {
		// The tuple was reused while the old connection still waited on a gap
		slog.Debug("connection replaced by new handshake", "id", conn.ID(), "conn", conn.String())
		r.retire(key, conn, seg.Timestamp)
		ok = false
	}
	if !ok {
		conn = r.create(seg, key)
		if conn == nil {
			return nil
		}
	}

	conn.Process(seg)
	metrics.SegmentsTotal.WithLabelValues("processed").Inc()

	if conn.IsFinished() {
		r.retire(key, conn, seg.Timestamp)
	}
	return nil
}

// create opens a connection for a segment with no match, or returns nil
// when the segment has to be ignored.
func (r *Registry) create(seg *core.Segment, key Key) *Connection {
	flags := seg.Flags
	bareSyn := isBareSyn(flags)

	if !bareSyn && r.tombstoned(key, seg.Timestamp) {
		r.stats.Tombstoned++
		metrics.SegmentsTotal.WithLabelValues("tombstoned").Inc()
		return nil
	}

	var conn *Connection
	switch {
	case bareSyn:
		conn = newConnection(seg, seg.Src, seg.Dst, OriginHandshake, r.cfg)
	case r.cfg.TrackMidStream && !flags.RST:
		client, server := inferRoles(seg)
		conn = newConnection(seg, client, server, OriginMidStream, r.cfg)
		conn.seedMidStream(seg)
		r.stats.MidStream++
	default:
		r.stats.Ignored++
		metrics.SegmentsTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	r.active[key] = conn
	r.stats.Created++
	metrics.ConnectionsTotal.WithLabelValues(conn.Origin().String()).Inc()
	metrics.ConnectionsActive.Inc()
	slog.Debug("connection opened", "id", conn.ID(), "conn", conn.String(), "origin", conn.Origin())

	if r.onNew != nil {
		r.onNew(conn)
	}
	return conn
}

// inferRoles guesses client and server for a connection picked up mid-stream.
// A SYN+ACK comes from the server. Otherwise the lower port is taken as the
// server, and on equal ports the destination is.
func inferRoles(seg *core.Segment) (client, server core.Endpoint) {
	switch {
	case seg.Flags.SYN && seg.Flags.ACK:
		return seg.Dst, seg.Src
	case seg.Src.Port < seg.Dst.Port:
		return seg.Dst, seg.Src
	default:
		return seg.Src, seg.Dst
	}
}

func (r *Registry) tombstoned(key Key, now time.Time) bool {
	if r.tombstones == nil {
		return false
	}
	v, ok := r.tombstones.Get(key.String())
	if !ok {
		return false
	}
	if now.Sub(v.(time.Time)) > r.cfg.TombstoneTTL {
		r.tombstones.Delete(key.String())
		return false
	}
	return true
}

func isBareSyn(flags core.TCPFlags) bool {
	return flags.SYN && !flags.ACK && !flags.RST
}

func (r *Registry) retire(key Key, conn *Connection, now time.Time) {
	delete(r.active, key)
	r.stats.Retired++
	if r.tombstones != nil {
		r.tombstones.SetDefault(key.String(), now)
	}
	r.recordClose(conn)
}

func (r *Registry) recordClose(conn *Connection) {
	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosedTotal.WithLabelValues(conn.CloseReason().String()).Inc()
	slog.Debug("connection retired", "id", conn.ID(), "conn", conn.String(),
		"reason", conn.CloseReason(), "state", conn.State())
}

// maybeExpire runs Expire at most twice per idle timeout of capture time.
func (r *Registry) maybeExpire(now time.Time) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	if r.lastExpire.IsZero() {
		r.lastExpire = now
		return
	}
	if now.Sub(r.lastExpire) < r.cfg.IdleTimeout/2 {
		return
	}
	r.lastExpire = now
	r.Expire(now)
}

// Expire retires every connection with no segment for longer than the idle
// timeout before now. Connections whose closed handler has not fired get
// it with ReasonIdle. It returns the number of connections removed.
func (r *Registry) Expire(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	var idle []Key
	for key, conn := range r.active {
		if now.Sub(conn.LastSeen()) > r.cfg.IdleTimeout {
			idle = append(idle, key)
		}
	}
	slices.SortFunc(idle, Key.Compare)
	for _, key := range idle {
		conn := r.active[key]
		delete(r.active, key)
		conn.terminate(ReasonIdle)
		r.stats.Expired++
		r.recordClose(conn)
	}
	return len(idle)
}

// Close retires every active connection with ReasonEvicted, in key order.
func (r *Registry) Close() {
	keys := r.sortedKeys()
	for _, key := range keys {
		conn := r.active[key]
		delete(r.active, key)
		conn.terminate(ReasonEvicted)
		r.stats.Evicted++
		r.recordClose(conn)
	}
	if r.tombstones != nil {
		r.tombstones.Flush()
	}
}

// Find returns the active connection with the given client and server.
func (r *Registry) Find(client, server core.Endpoint) (*Connection, bool) {
	conn, ok := r.active[NewKey(client, server)]
	if !ok || conn.ClientEndpoint() != client {
		return nil, false
	}
	return conn, true
}

// Range calls fn for every active connection in key order until fn
// returns false. fn must not dispatch segments.
func (r *Registry) Range(fn func(*Connection) bool) {
	for _, key := range r.sortedKeys() {
		if !fn(r.active[key]) {
			return
		}
	}
}

// Len returns the number of active connections.
func (r *Registry) Len() int {
	return len(r.active)
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	return r.stats
}

func (r *Registry) sortedKeys() []Key {
	keys := make([]Key, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, Key.Compare)
	return keys
}
