package pipeline

import (
	"firestige.xyz/tcpfollow/internal/core/decoder"
	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/source"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithSource sets the frame source.
func (b *Builder) WithSource(s source.Source) *Builder {
	b.config.Source = s
	return b
}

// WithDecoder sets the decoder options.
func (b *Builder) WithDecoder(cfg decoder.Config) *Builder {
	b.config.Decoder = cfg
	return b
}

// WithShards sets the worker count and per-worker queue size.
func (b *Builder) WithShards(shards, queueSize int) *Builder {
	b.config.Shard.Shards = shards
	b.config.Shard.QueueSize = queueSize
	return b
}

// WithTracking sets the connection tracking options of every registry.
func (b *Builder) WithTracking(cfg tcpstream.Config) *Builder {
	b.config.Shard.Registry = cfg
	return b
}

// WithSink sets the event sink.
func (b *Builder) WithSink(s sink.Sink) *Builder {
	b.config.Sink = s
	return b
}

// WithStateChanges enables state transition events.
func (b *Builder) WithStateChanges(on bool) *Builder {
	b.config.Follower.StateChanges = on
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
