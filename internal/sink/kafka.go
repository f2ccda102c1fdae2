package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

const (
	kafkaName = "kafka"

	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// KafkaConfig controls the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int           // default 100
	BatchTimeout time.Duration // default 100ms
	Compression  string        // none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           // default 3
	Sync         bool          // wait for each write to be acknowledged
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON keyed by connection id, so a hash balancer
// keeps every connection on one partition in order.
type Kafka struct {
	cfg      KafkaConfig
	writer   messageWriter
	reported atomic.Uint64
	errors   atomic.Uint64
}

func (c *KafkaConfig) applyDefaults() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers are required", core.ErrConfigInvalid)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("%w: invalid compression type %q", core.ErrConfigInvalid, name)
	}
}

// NewKafka creates the producer. No connection is made until the first write.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
		Async:            !cfg.Sync,
	})
	k := &Kafka{cfg: cfg, writer: w}
	w.Completion = k.completed

	slog.Info("kafka sink started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
		"sync", cfg.Sync)
	return k, nil
}

// completed observes asynchronous batch results.
func (k *Kafka) completed(msgs []kafka.Message, err error) {
	metrics.SinkBatchSize.WithLabelValues(kafkaName).Observe(float64(len(msgs)))
	if err != nil {
		k.errors.Add(uint64(len(msgs)))
		metrics.SinkErrorsTotal.WithLabelValues(kafkaName).Add(float64(len(msgs)))
		slog.Warn("kafka batch failed", "messages", len(msgs), "error", err)
	}
}

// Name returns "kafka".
func (k *Kafka) Name() string { return kafkaName }

// Write serializes ev and hands it to the producer.
func (k *Kafka) Write(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	msg, err := encodeMessage(ev)
	if err != nil {
		k.errors.Add(1)
		metrics.SinkErrorsTotal.WithLabelValues(kafkaName).Inc()
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.errors.Add(1)
		metrics.SinkErrorsTotal.WithLabelValues(kafkaName).Inc()
		return fmt.Errorf("kafka write failed: %w", err)
	}
	k.reported.Add(1)
	metrics.SinkEventsTotal.WithLabelValues(kafkaName, string(ev.Kind)).Inc()
	return nil
}

func encodeMessage(ev *Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event failed: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Connection),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// Flush is a no-op: the writer flushes on BatchSize and BatchTimeout, and
// Close drains whatever is left.
func (k *Kafka) Flush(context.Context) error { return nil }

// Close drains pending messages.
func (k *Kafka) Close() error {
	err := k.writer.Close()
	if err != nil {
		slog.Error("error closing kafka writer", "error", err)
	}
	slog.Info("kafka sink stopped",
		"total_reported", k.reported.Load(),
		"total_errors", k.errors.Load())
	return err
}
