// Package pipeline runs capture, decoding and connection tracking.
//
// One goroutine reads and decodes frames, then hands segments to the shard
// workers, each of which owns a registry and a follower writing to the sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/core/decoder"
	"firestige.xyz/tcpfollow/internal/follower"
	"firestige.xyz/tcpfollow/internal/metrics"
	"firestige.xyz/tcpfollow/internal/shard"
	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/source"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

// Pipeline follows every TCP connection seen on a source.
type Pipeline struct {
	src       source.Source
	decoder   *decoder.StandardDecoder
	group     *shard.Group
	sink      sink.Sink
	followers []*follower.Follower
	metrics   *Metrics
}

// Config contains pipeline configuration.
type Config struct {
	Source   source.Source
	Decoder  decoder.Config
	Shard    shard.Config
	Sink     sink.Sink
	Follower follower.Options
}

// New wires the stages together. The decoder is set up for the source's
// link type.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: pipeline needs a source", core.ErrConfigInvalid)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: pipeline needs a sink", core.ErrConfigInvalid)
	}
	dec := decoder.NewStandardDecoder(cfg.Decoder)
	if err := dec.SetLinkType(cfg.Source.LinkType()); err != nil {
		return nil, err
	}

	p := &Pipeline{
		src:     cfg.Source,
		decoder: dec,
		sink:    cfg.Sink,
		metrics: NewMetrics(cfg.Source.Name()),
	}
	p.group = shard.New(cfg.Shard, func(id int, reg *tcpstream.Registry) {
		opts := cfg.Follower
		opts.Shard = id
		// Not tied to Run: evictions during shutdown are still written.
		p.followers = append(p.followers, follower.Attach(context.Background(), reg, cfg.Sink, opts))
	})
	return p, nil
}

// Run blocks until the source is exhausted, ctx is cancelled or a stage
// fails. Connections still open at that point are evicted and reported.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("pipeline starting",
		"source", p.src.Name(),
		"link_type", p.decoder.LinkType().String(),
		"shards", p.group.Len())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return p.group.Run(ctx) })
	eg.Go(func() error {
		defer p.group.CloseInput()
		return p.captureLoop(ctx)
	})
	err := eg.Wait()

	p.decoder.Flush()
	if ferr := p.sink.Flush(context.Background()); ferr != nil {
		slog.Error("sink flush failed", "sink", p.sink.Name(), "error", ferr)
	}

	stats := p.Stats()
	slog.Info("pipeline stopped",
		"received", stats.Received,
		"decoded", stats.Decoded,
		"skipped", stats.Skipped,
		"decode_errors", stats.DecodeErrors,
		"connections", stats.Registry.Created,
		"events", stats.Events,
		"sink_errors", stats.SinkErrors)
	return err
}

// captureLoop reads, decodes and submits until the source closes.
func (p *Pipeline) captureLoop(ctx context.Context) error {
	for {
		raw, err := p.src.ReadPacket(ctx)
		if err != nil {
			if errors.Is(err, core.ErrSourceClosed) {
				return nil
			}
			return fmt.Errorf("capture failed: %w", err)
		}
		p.metrics.Received.Add(1)

		seg, err := p.decoder.DecodeSegment(raw)
		if err != nil {
			p.reject(err)
			continue
		}
		p.metrics.Decoded.Add(1)

		if err := p.group.Submit(ctx, seg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// reject counts a frame that produced no segment.
func (p *Pipeline) reject(err error) {
	reason := decodeReason(err)
	metrics.DecodeErrorsTotal.WithLabelValues(reason).Inc()
	switch reason {
	case "not_tcp", "fragment_pending":
		p.metrics.Skipped.Add(1)
	default:
		p.metrics.DecodeErrors.Add(1)
		slog.Debug("frame decode failed", "reason", reason, "error", err)
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, core.ErrNotTCP):
		return "not_tcp"
	case errors.Is(err, core.ErrFragmentPending):
		return "fragment_pending"
	case errors.Is(err, core.ErrPacketTooShort):
		return "too_short"
	case errors.Is(err, core.ErrUnsupportedProto):
		return "unsupported_proto"
	case errors.Is(err, core.ErrUnsupportedLink):
		return "unsupported_link"
	case errors.Is(err, core.ErrReassemblyLimit):
		return "reassembly_limit"
	case errors.Is(err, core.ErrReassemblyInvalid):
		return "reassembly_invalid"
	default:
		return "other"
	}
}

// Stats returns pipeline statistics. Registry counters are complete only
// after Run has returned.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Received:     p.metrics.Received.Load(),
		Decoded:      p.metrics.Decoded.Load(),
		Skipped:      p.metrics.Skipped.Load(),
		DecodeErrors: p.metrics.DecodeErrors.Load(),
		Registry:     p.group.Stats(),
	}
	for _, f := range p.followers {
		s.Events += f.Events()
		s.SinkErrors += f.Errors()
	}
	return s
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64
	Decoded      uint64
	Skipped      uint64 // non-TCP frames and fragments awaiting reassembly
	DecodeErrors uint64
	Events       uint64
	SinkErrors   uint64
	Registry     tcpstream.Stats
}
