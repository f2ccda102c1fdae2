// Package shard spreads segments over independent connection registries.
//
// Every connection is owned by exactly one worker: segments are routed by the
// hash of their unordered endpoint pair, so both directions of a connection
// land on the same goroutine and keep their arrival order.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

// Config controls the worker set.
type Config struct {
	Shards    int // number of workers; 0 selects 1
	QueueSize int // per-worker channel capacity; 0 selects 1024
	Registry  tcpstream.Config
}

// SetupFunc is called once per worker before it starts, typically to
// register connection handlers on the worker's registry.
type SetupFunc func(id int, reg *tcpstream.Registry)

type worker struct {
	id    int
	label string
	queue chan core.Segment
	reg   *tcpstream.Registry
}

// Group owns the workers. Submit may be called from a single producer
// goroutine while Run is active; CloseInput ends the run once queues drain.
type Group struct {
	workers []*worker
	closed  bool
}

// New creates the workers and their registries.
func New(cfg Config, setup SetupFunc) *Group {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	g := &Group{workers: make([]*worker, cfg.Shards)}
	for i := range g.workers {
		w := &worker{
			id:    i,
			label: strconv.Itoa(i),
			queue: make(chan core.Segment, cfg.QueueSize),
			reg:   tcpstream.NewRegistry(cfg.Registry),
		}
		if setup != nil {
			setup(i, w.reg)
		}
		g.workers[i] = w
	}
	return g
}

// Len returns the number of workers.
func (g *Group) Len() int { return len(g.workers) }

// Route returns the worker index owning the segment's connection.
func (g *Group) Route(seg *core.Segment) int {
	return int(tcpstream.KeyOf(seg).Hash() % uint64(len(g.workers)))
}

// Submit copies the segment payload and queues the segment on its worker.
// It blocks while the queue is full, giving backpressure to the producer.
func (g *Group) Submit(ctx context.Context, seg core.Segment) error {
	if g.closed {
		return core.ErrPipelineStopped
	}
	if len(seg.Payload) > 0 {
		seg.Payload = append([]byte(nil), seg.Payload...)
	}
	w := g.workers[g.Route(&seg)]
	select {
	case w.queue <- seg:
		metrics.ShardQueueDepth.WithLabelValues(w.label).Set(float64(len(w.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput signals that no more segments will be submitted. Workers drain
// their queues, evict what is left and return.
func (g *Group) CloseInput() {
	if g.closed {
		return
	}
	g.closed = true
	for _, w := range g.workers {
		close(w.queue)
	}
}

// Run processes segments until CloseInput has been called and every queue is
// drained, or until ctx is cancelled. Remaining connections are evicted in
// both cases so their handlers see a final close.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range g.workers {
		eg.Go(func() error { return w.run(ctx) })
	}
	return eg.Wait()
}

func (w *worker) run(ctx context.Context) error {
	slog.Debug("shard worker starting", "shard", w.id)
	defer func() {
		w.reg.Close()
		metrics.ShardQueueDepth.WithLabelValues(w.label).Set(0)
		slog.Debug("shard worker stopped", "shard", w.id, "stats", fmt.Sprintf("%+v", w.reg.Stats()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case seg, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.reg.Dispatch(&seg); err != nil {
				slog.Debug("segment rejected", "shard", w.id, "segment", seg.String(), "error", err)
			}
		}
	}
}

// Stats sums the registry counters of all workers. Only call it after Run
// has returned.
func (g *Group) Stats() tcpstream.Stats {
	var total tcpstream.Stats
	for _, w := range g.workers {
		s := w.reg.Stats()
		total.Segments += s.Segments
		total.Malformed += s.Malformed
		total.Ignored += s.Ignored
		total.Tombstoned += s.Tombstoned
		total.Created += s.Created
		total.MidStream += s.MidStream
		total.Retired += s.Retired
		total.Expired += s.Expired
		total.Evicted += s.Evicted
	}
	return total
}
