package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/tcpfollow/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
tcpfollow:
  log:
    level: "DEBUG"
    format: "json"
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
  capture:
    interface: "eth1"
    bpf_filter: "tcp port 80"
    fanout_id: 7
  decoder:
    tunnel:
      vxlan: true
    ip_reassembly:
      timeout: "10s"
  reassembly:
    max_pending_bytes: 1024
    max_pending_chunks: 16
    track_mid_stream: true
    idle_timeout: "2m"
    tombstone_ttl: "0"
  pipeline:
    shards: 4
  output:
    type: "kafka"
    kafka:
      brokers: ["k1:9092", "k2:9092"]
      topic: "tcp-events"
      compression: "lz4"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Capture.Type != "afpacket" {
		t.Errorf("Expected capture type inferred as afpacket, got %q", cfg.Capture.Type)
	}
	if cfg.Capture.SnapLen != 65535 {
		t.Errorf("Expected default snap_len 65535, got %d", cfg.Capture.SnapLen)
	}

	src := cfg.SourceOptions()
	if src.Interface != "eth1" || src.File != "" || src.FanoutID != 7 || src.BPFFilter != "tcp port 80" {
		t.Errorf("SourceOptions() = %+v", src)
	}

	dec := cfg.DecoderOptions()
	if !dec.Tunnel.VXLAN || dec.Tunnel.GRE || dec.DisableDefrag {
		t.Errorf("DecoderOptions() = %+v", dec)
	}
	if dec.IPReassembly.Timeout != 10*time.Second || dec.IPReassembly.MaxFragments != 100 {
		t.Errorf("DecoderOptions().IPReassembly = %+v", dec.IPReassembly)
	}

	sh := cfg.ShardOptions()
	if sh.Shards != 4 || sh.QueueSize != 4096 {
		t.Errorf("ShardOptions() = %+v", sh)
	}
	if sh.Registry.MaxPendingBytes != 1024 || sh.Registry.MaxPendingChunks != 16 ||
		!sh.Registry.TrackMidStream || sh.Registry.IdleTimeout != 2*time.Minute || sh.Registry.TombstoneTTL != 0 {
		t.Errorf("ShardOptions().Registry = %+v", sh.Registry)
	}

	out := cfg.SinkOptions()
	if out.Type != "kafka" || len(out.Kafka.Brokers) != 2 || out.Kafka.Topic != "tcp-events" ||
		out.Kafka.Compression != "lz4" || out.Kafka.BatchTimeout != 100*time.Millisecond {
		t.Errorf("SinkOptions() = %+v", out)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Output.Type != "console" || cfg.Output.Console.Format != "text" {
		t.Errorf("unexpected output defaults: %+v", cfg.Output)
	}
	if cfg.Capture.Type != "" {
		t.Errorf("default capture type should be unset, got %q", cfg.Capture.Type)
	}
	if cfg.Pipeline.Shards != 1 {
		t.Errorf("default shards = %d, want 1", cfg.Pipeline.Shards)
	}
	if sh := cfg.ShardOptions(); sh.Registry.IdleTimeout != 5*time.Minute || sh.Registry.TombstoneTTL != 30*time.Second {
		t.Errorf("unexpected tracking defaults: %+v", sh.Registry)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TCPFOLLOW_LOG_LEVEL", "warn")
	t.Setenv("TCPFOLLOW_PIPELINE_SHARDS", "8")
	path := writeConfig(t, "tcpfollow:\n  log:\n    level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env to override log level, got %s", cfg.Log.Level)
	}
	if cfg.Pipeline.Shards != 8 {
		t.Errorf("Expected env to override shards, got %d", cfg.Pipeline.Shards)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidateAndApplyDefaults(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"pattern without pattern", func(c *Config) { c.Log.Format = "pattern"; c.Log.Pattern = "" }, "log.pattern"},
		{"file log without path", func(c *Config) { c.Log.Outputs.File = FileOutputConfig{Enabled: true} }, "log.outputs.file.path"},
		{"metrics without listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, "metrics.listen"},
		{"file capture without path", func(c *Config) { c.Capture.Type = "file" }, "capture.path"},
		{"afpacket without interface", func(c *Config) { c.Capture.Type = "afpacket" }, "capture.interface"},
		{"unknown capture", func(c *Config) { c.Capture.Type = "pfring" }, "capture.type"},
		{"negative snap", func(c *Config) { c.Capture.SnapLen = -1 }, "negative"},
		{"bad idle timeout", func(c *Config) { c.Reassembly.IdleTimeout = "soon" }, "reassembly.idle_timeout"},
		{"negative ttl", func(c *Config) { c.Reassembly.TombstoneTTL = "-1s" }, "reassembly.tombstone_ttl"},
		{"negative chunks", func(c *Config) { c.Reassembly.MaxPendingChunks = -1 }, "max_pending_chunks"},
		{"zero shards", func(c *Config) { c.Pipeline.Shards = 0 }, "pipeline.shards"},
		{"zero capacity", func(c *Config) { c.Pipeline.ChannelCapacity = 0 }, "channel_capacity"},
		{"bad console format", func(c *Config) { c.Output.Console.Format = "html" }, "output.console.format"},
		{"negative max bytes", func(c *Config) { c.Output.Console.MaxBytes = -5 }, "max_bytes"},
		{"kafka without brokers", func(c *Config) { c.Output.Type = "kafka"; c.Output.Kafka.Topic = "t" }, "brokers"},
		{"kafka without topic", func(c *Config) { c.Output.Type = "kafka"; c.Output.Kafka.Brokers = []string{"b"} }, "topic"},
		{"unknown output", func(c *Config) { c.Output.Type = "syslog" }, "output.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.ValidateAndApplyDefaults()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("error %v does not wrap ErrConfigInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCaptureTypeInference(t *testing.T) {
	cfg := Default()
	cfg.Capture.Path = "trace.pcap"
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		t.Fatal(err)
	}
	if cfg.Capture.Type != "file" {
		t.Errorf("Capture.Type = %q, want file", cfg.Capture.Type)
	}
	if got := cfg.SourceOptions(); got.File != "trace.pcap" || got.Interface != "" {
		t.Errorf("SourceOptions() = %+v", got)
	}
}

func TestDump(t *testing.T) {
	cfg := Default()
	cfg.Output.Kafka.Topic = "events"
	out, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if !strings.HasPrefix(string(out), "tcpfollow:\n") {
		t.Errorf("dump should start with root key, got:\n%s", out)
	}

	// The dump is itself a loadable config.
	var root configRoot
	if err := yaml.Unmarshal(out, &root); err != nil {
		t.Fatalf("dump is not valid yaml: %v", err)
	}
	if root.TCPFollow.Output.Kafka.Topic != "events" || root.TCPFollow.Reassembly.IdleTimeout != "5m" {
		t.Errorf("round trip lost values: %+v", root.TCPFollow)
	}

	reloaded, err := Load(writeConfig(t, string(out)))
	if err != nil {
		t.Fatalf("reloading dump failed: %v", err)
	}
	if reloaded.Pipeline != cfg.Pipeline {
		t.Errorf("reloaded pipeline = %+v, want %+v", reloaded.Pipeline, cfg.Pipeline)
	}
}
