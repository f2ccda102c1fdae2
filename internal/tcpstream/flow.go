// Package tcpstream reassembles passively observed TCP segments into
// ordered byte streams.
package tcpstream

import (
	"container/heap"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

// FlowState is the coarse per-direction state driven by control flags.
type FlowState uint8

const (
	FlowNoState FlowState = iota
	FlowSynSent
	FlowEstablished
	FlowFinSent
	FlowRstSent
)

func (s FlowState) String() string {
	switch s {
	case FlowNoState:
		return "no-state"
	case FlowSynSent:
		return "syn-sent"
	case FlowEstablished:
		return "established"
	case FlowFinSent:
		return "fin-sent"
	case FlowRstSent:
		return "rst-sent"
	}
	return "unknown"
}

// FlowStats counts what happened to the segments of one direction.
type FlowStats struct {
	Segments       uint64 // segments fed
	BytesDelivered uint64 // bytes appended to the payload
	Duplicates     uint64 // segments or chunks entirely behind next
	OverlapTrims   uint64 // segments or chunks with an already delivered prefix
	OutOfOrder     uint64 // segments stored ahead of next
	Evictions      uint64 // pending chunks dropped by the buffer bound
	EvictedBytes   uint64 // bytes in those chunks
	ResetDiscards  uint64 // pending chunks dropped by RST
}

// FeedResult reports what a single Feed call changed.
type FeedResult struct {
	Delivered      int  // bytes appended to the payload
	PendingChanged bool // the number of pending chunks changed
}

// Flow tracks one direction of a connection: the next expected sequence
// number, the in-order bytes not yet consumed, and the chunks that arrived
// ahead of a gap. Every pending key is strictly ahead of next.
type Flow struct {
	peer   core.Endpoint // destination of the bytes in this direction
	next   uint32
	synced bool
	state  FlowState
	finSeq uint32 // sequence number the FIN occupies

	payload      []byte
	pending      map[uint32][]byte
	order        seqHeap // keys of pending, lowest sequence first
	pendingBytes int

	maxPendingBytes  int // 0 = unbounded
	maxPendingChunks int // 0 = unbounded

	stats FlowStats
}

func newFlow(peer core.Endpoint, maxPendingBytes, maxPendingChunks int) *Flow {
	return &Flow{
		peer:             peer,
		pending:          make(map[uint32][]byte),
		maxPendingBytes:  maxPendingBytes,
		maxPendingChunks: maxPendingChunks,
	}
}

// Feed reconciles one segment against the direction's sequence space.
// Payload bytes are copied; the caller may reuse its buffer afterwards.
func (f *Flow) Feed(seq uint32, flags core.TCPFlags, payload []byte) FeedResult {
	f.stats.Segments++
	before := len(f.pending)

	if flags.RST {
		f.state = FlowRstSent
		f.stats.ResetDiscards += uint64(len(f.pending))
		clear(f.pending)
		f.order = f.order[:0]
		f.pendingBytes = 0
		return FeedResult{PendingChanged: before != 0}
	}

	if flags.SYN {
		if f.state == FlowNoState {
			f.state = FlowSynSent
			f.next = seq + 1
			f.synced = true
		}
		// Data carried on a SYN starts after the SYN's sequence number
		seq++
	}
	if !f.synced {
		f.next = seq
		f.synced = true
	}

	delivered := 0
	if len(payload) > 0 {
		delivered = f.reconcile(seq, payload)
	}

	if flags.ACK && f.state == FlowSynSent {
		f.state = FlowEstablished
	}
	if flags.FIN {
		f.state = FlowFinSent
		f.finSeq = seqAdd(seq, len(payload))
	}

	return FeedResult{
		Delivered:      delivered,
		PendingChanged: len(f.pending) != before,
	}
}

func (f *Flow) reconcile(seq uint32, data []byte) int {
	diff := seqDiff(seq, f.next)
	if diff > 0 {
		f.stats.OutOfOrder++
		f.store(seq, data)
		return 0
	}
	if diff < 0 {
		end := seqAdd(seq, len(data))
		if seqDiff(end, f.next) <= 0 {
			f.stats.Duplicates++
			return 0
		}
		f.stats.OverlapTrims++
		data = data[-int(diff):]
	}
	return f.deliver(data)
}

// deliver appends data at next and chains every pending chunk that has
// become contiguous, lowest key first.
func (f *Flow) deliver(data []byte) int {
	n := len(data)
	f.payload = append(f.payload, data...)
	f.next = seqAdd(f.next, len(data))

	for len(f.order) > 0 {
		seq := f.order[0]
		diff := seqDiff(seq, f.next)
		if diff > 0 {
			break
		}
		heap.Pop(&f.order)
		chunk := f.pending[seq]
		f.removePending(seq)
		if seqDiff(seqAdd(seq, len(chunk)), f.next) <= 0 {
			f.stats.Duplicates++
			continue
		}
		if diff < 0 {
			f.stats.OverlapTrims++
			chunk = chunk[-int(diff):]
		}
		f.payload = append(f.payload, chunk...)
		f.next = seqAdd(f.next, len(chunk))
		n += len(chunk)
	}

	f.stats.BytesDelivered += uint64(n)
	return n
}

// store keeps an out-of-order chunk, newer data winning on an equal key,
// then evicts the lowest keyed chunks until the buffer is within bounds.
func (f *Flow) store(seq uint32, data []byte) {
	if f.maxPendingBytes > 0 && len(data) > f.maxPendingBytes {
		f.countEviction(len(data))
		return
	}
	if old, ok := f.pending[seq]; ok {
		f.pendingBytes -= len(old)
	} else {
		heap.Push(&f.order, seq)
	}
	f.pending[seq] = append([]byte(nil), data...)
	f.pendingBytes += len(data)

	for f.overLimit() {
		f.evictLowest()
	}
}

func (f *Flow) overLimit() bool {
	if f.maxPendingBytes > 0 && f.pendingBytes > f.maxPendingBytes {
		return true
	}
	return f.maxPendingChunks > 0 && len(f.pending) > f.maxPendingChunks
}

// evictLowest drops the chunk nearest to next.
func (f *Flow) evictLowest() {
	if len(f.order) == 0 {
		return
	}
	seq := heap.Pop(&f.order).(uint32)
	n := len(f.pending[seq])
	f.removePending(seq)
	f.countEviction(n)
}

func (f *Flow) countEviction(n int) {
	f.stats.Evictions++
	f.stats.EvictedBytes += uint64(n)
	metrics.PendingEvictionsTotal.Inc()
}

func (f *Flow) removePending(seq uint32) {
	f.pendingBytes -= len(f.pending[seq])
	delete(f.pending, seq)
}

// seqHeap is a min-heap of pending keys. Every key lies within half the
// sequence space ahead of next, so seqDiff orders them totally.
type seqHeap []uint32

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return seqDiff(h[i], h[j]) < 0 }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) { *h = append(*h, x.(uint32)) }

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// seed starts tracking at next without having seen a SYN.
func (f *Flow) seed(next uint32, state FlowState) {
	f.next = next
	f.synced = true
	f.state = state
}

// IsFinished reports whether the direction can produce no more data: it
// was reset, or it sent FIN and every byte before the FIN was delivered.
func (f *Flow) IsFinished() bool {
	if f.state == FlowRstSent {
		return true
	}
	return f.state == FlowFinSent && len(f.pending) == 0 && !seqAfter(f.finSeq, f.next)
}

// Payload returns the delivered bytes not yet consumed. The slice is the
// flow's own buffer and is only valid until the next Feed, Consume or
// ClearPayload.
func (f *Flow) Payload() []byte {
	return f.payload
}

// Consume drops the first n delivered bytes, keeping the remainder for a
// later read.
func (f *Flow) Consume(n int) {
	if n >= len(f.payload) {
		f.payload = f.payload[:0]
		return
	}
	if n <= 0 {
		return
	}
	f.payload = f.payload[:copy(f.payload, f.payload[n:])]
}

// ClearPayload drops every delivered byte.
func (f *Flow) ClearPayload() {
	f.payload = f.payload[:0]
}

func (f *Flow) Peer() core.Endpoint { return f.peer }
func (f *Flow) Next() uint32 { return f.next }
func (f *Flow) Synced() bool { return f.synced }
func (f *Flow) State() FlowState { return f.state }
func (f *Flow) PendingChunks() int { return len(f.pending) }
func (f *Flow) PendingBytes() int { return f.pendingBytes }
func (f *Flow) Stats() FlowStats { return f.stats }

// HasGap reports whether bytes are missing before buffered data or before
// the FIN.
func (f *Flow) HasGap() bool {
	return len(f.pending) > 0 || (f.state == FlowFinSent && seqAfter(f.finSeq, f.next))
}
