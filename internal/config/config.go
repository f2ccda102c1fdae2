// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/core/decoder"
	"firestige.xyz/tcpfollow/internal/shard"
	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/source"
	"firestige.xyz/tcpfollow/internal/tcpstream"
)

// Config represents the top-level configuration.
// Maps to the `tcpfollow:` root key in YAML.
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Decoder    DecoderConfig    `mapstructure:"decoder" yaml:"decoder"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly" yaml:"reassembly"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // json / text / pattern
	Pattern    string           `mapstructure:"pattern" yaml:"pattern"`
	TimeFormat string           `mapstructure:"time_format" yaml:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Capture ───

// CaptureConfig selects the frame source.
type CaptureConfig struct {
	Type         string `mapstructure:"type" yaml:"type"` // file | afpacket
	Path         string `mapstructure:"path" yaml:"path"`
	Interface    string `mapstructure:"interface" yaml:"interface"`
	BPFFilter    string `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	FanoutID     uint16 `mapstructure:"fanout_id" yaml:"fanout_id"`
}

// ─── Decoder ───

// DecoderConfig configures the L2-L4 decoder.
type DecoderConfig struct {
	Tunnel       TunnelConfig       `mapstructure:"tunnel" yaml:"tunnel"`
	IPReassembly IPReassemblyConfig `mapstructure:"ip_reassembly" yaml:"ip_reassembly"`
}

// TunnelConfig controls tunnel decapsulation.
type TunnelConfig struct {
	VXLAN  bool `mapstructure:"vxlan" yaml:"vxlan"`
	GRE    bool `mapstructure:"gre" yaml:"gre"`
	Geneve bool `mapstructure:"geneve" yaml:"geneve"`
	IPIP   bool `mapstructure:"ipip" yaml:"ipip"`
}

// IPReassemblyConfig controls IPv4 fragment reassembly.
type IPReassemblyConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Timeout      string `mapstructure:"timeout" yaml:"timeout"`
	MaxFragments int    `mapstructure:"max_fragments" yaml:"max_fragments"`
	MaxDatagrams int    `mapstructure:"max_datagrams" yaml:"max_datagrams"`
}

// ─── Stream reassembly ───

// ReassemblyConfig controls connection tracking.
type ReassemblyConfig struct {
	MaxPendingBytes  int    `mapstructure:"max_pending_bytes" yaml:"max_pending_bytes"` // 0 = default, <0 = unbounded
	MaxPendingChunks int    `mapstructure:"max_pending_chunks" yaml:"max_pending_chunks"`
	TrackMidStream   bool   `mapstructure:"track_mid_stream" yaml:"track_mid_stream"`
	IdleTimeout      string `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	TombstoneTTL     string `mapstructure:"tombstone_ttl" yaml:"tombstone_ttl"`
}

// ─── Pipeline ───

// PipelineConfig sizes the shard workers.
type PipelineConfig struct {
	Shards          int  `mapstructure:"shards" yaml:"shards"`
	ChannelCapacity int  `mapstructure:"channel_capacity" yaml:"channel_capacity"`
	StateEvents     bool `mapstructure:"state_events" yaml:"state_events"`
}

// ─── Output ───

// OutputConfig selects the event sink.
type OutputConfig struct {
	Type    string              `mapstructure:"type" yaml:"type"` // console | kafka
	Console ConsoleOutputConfig `mapstructure:"console" yaml:"console"`
	Kafka   KafkaOutputConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// ConsoleOutputConfig configures console output.
type ConsoleOutputConfig struct {
	Format   string `mapstructure:"format" yaml:"format"` // text | json
	MaxBytes int    `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// KafkaOutputConfig configures the Kafka producer.
type KafkaOutputConfig struct {
	Brokers      []string `mapstructure:"brokers" yaml:"brokers"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	Compression  string   `mapstructure:"compression" yaml:"compression"` // none|gzip|snappy|lz4|zstd
	BatchSize    int      `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxAttempts  int      `mapstructure:"max_attempts" yaml:"max_attempts"`
	Sync         bool     `mapstructure:"sync" yaml:"sync"`
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	case "pattern":
		if cfg.Log.Pattern == "" {
			return invalid("log.pattern is required when log.format=pattern")
		}
	default:
		return invalid("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}

	// ── Capture ──
	switch cfg.Capture.Type {
	case "":
		// Inferred from whichever of path and interface is set.
		if cfg.Capture.Path != "" {
			cfg.Capture.Type = "file"
		} else if cfg.Capture.Interface != "" {
			cfg.Capture.Type = "afpacket"
		}
	case "file":
		if cfg.Capture.Path == "" {
			return invalid("capture.path is required when capture.type=file")
		}
	case "afpacket":
		if cfg.Capture.Interface == "" {
			return invalid("capture.interface is required when capture.type=afpacket")
		}
	default:
		return invalid("unsupported capture.type: %s (must be file/afpacket)", cfg.Capture.Type)
	}
	if cfg.Capture.SnapLen < 0 || cfg.Capture.BufferSizeMB < 0 || cfg.Capture.TimeoutMs < 0 {
		return invalid("capture sizes must not be negative")
	}

	// ── Durations ──
	for name, value := range map[string]string{
		"decoder.ip_reassembly.timeout": cfg.Decoder.IPReassembly.Timeout,
		"reassembly.idle_timeout":       cfg.Reassembly.IdleTimeout,
		"reassembly.tombstone_ttl":      cfg.Reassembly.TombstoneTTL,
		"output.kafka.batch_timeout":    cfg.Output.Kafka.BatchTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return invalid("invalid %s: %v", name, err)
		}
	}
	if cfg.Reassembly.MaxPendingChunks < 0 {
		return invalid("reassembly.max_pending_chunks must not be negative")
	}

	// ── Pipeline ──
	if cfg.Pipeline.Shards < 1 {
		return invalid("pipeline.shards must be at least 1")
	}
	if cfg.Pipeline.ChannelCapacity < 1 {
		return invalid("pipeline.channel_capacity must be at least 1")
	}

	// ── Output ──
	switch cfg.Output.Type {
	case "console":
		if f := cfg.Output.Console.Format; f != "text" && f != "json" {
			return invalid("invalid output.console.format: %s (must be text/json)", f)
		}
		if cfg.Output.Console.MaxBytes < 0 {
			return invalid("output.console.max_bytes must not be negative")
		}
	case "kafka":
		if len(cfg.Output.Kafka.Brokers) == 0 {
			return invalid("output.kafka.brokers is required when output.type=kafka")
		}
		if cfg.Output.Kafka.Topic == "" {
			return invalid("output.kafka.topic is required when output.type=kafka")
		}
	default:
		return invalid("unsupported output.type: %s (must be console/kafka)", cfg.Output.Type)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// parseDuration accepts "" and "0" as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// duration parses a value already checked by ValidateAndApplyDefaults.
func duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// ─── Component options ───

// SourceOptions returns the capture source options.
func (cfg *Config) SourceOptions() source.Config {
	c := source.Config{
		BPFFilter:     cfg.Capture.BPFFilter,
		SnapLen:       cfg.Capture.SnapLen,
		BufferMB:      cfg.Capture.BufferSizeMB,
		FanoutID:      cfg.Capture.FanoutID,
		PollTimeoutMs: cfg.Capture.TimeoutMs,
	}
	switch cfg.Capture.Type {
	case "file":
		c.File = cfg.Capture.Path
	case "afpacket":
		c.Interface = cfg.Capture.Interface
	}
	return c
}

// DecoderOptions returns the decoder options.
func (cfg *Config) DecoderOptions() decoder.Config {
	ipr := cfg.Decoder.IPReassembly
	return decoder.Config{
		DisableDefrag: !ipr.Enabled,
		IPReassembly: decoder.ReassemblyConfig{
			MaxFragments: ipr.MaxFragments,
			MaxDatagrams: ipr.MaxDatagrams,
			Timeout:      duration(ipr.Timeout),
		},
		Tunnel: decoder.TunnelConfig{
			VXLAN:  cfg.Decoder.Tunnel.VXLAN,
			Geneve: cfg.Decoder.Tunnel.Geneve,
			GRE:    cfg.Decoder.Tunnel.GRE,
			IPIP:   cfg.Decoder.Tunnel.IPIP,
		},
	}
}

// ShardOptions returns the worker and connection tracking options.
func (cfg *Config) ShardOptions() shard.Config {
	r := cfg.Reassembly
	return shard.Config{
		Shards:    cfg.Pipeline.Shards,
		QueueSize: cfg.Pipeline.ChannelCapacity,
		Registry: tcpstream.Config{
			MaxPendingBytes:  r.MaxPendingBytes,
			MaxPendingChunks: r.MaxPendingChunks,
			TrackMidStream:   r.TrackMidStream,
			IdleTimeout:      duration(r.IdleTimeout),
			TombstoneTTL:     duration(r.TombstoneTTL),
		},
	}
}

// SinkOptions returns the output options.
func (cfg *Config) SinkOptions() sink.Config {
	k := cfg.Output.Kafka
	return sink.Config{
		Type: cfg.Output.Type,
		Console: sink.ConsoleConfig{
			Format:   cfg.Output.Console.Format,
			MaxBytes: cfg.Output.Console.MaxBytes,
		},
		Kafka: sink.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchSize:    k.BatchSize,
			BatchTimeout: duration(k.BatchTimeout),
			Compression:  k.Compression,
			MaxAttempts:  k.MaxAttempts,
			Sync:         k.Sync,
		},
	}
}
