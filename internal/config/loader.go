package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const rootKey = "tcpfollow"

// configRoot is the top-level wrapper matching the YAML structure `tcpfollow: ...`.
type configRoot struct {
	TCPFollow Config `mapstructure:"tcpfollow" yaml:"tcpfollow"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides. Env vars use the TCPFOLLOW_
// prefix (e.g., TCPFOLLOW_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `tcpfollow.` key prefix maps to `TCPFOLLOW_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.TCPFollow

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Only reachable through a bad TCPFOLLOW_ environment override.
		panic(err)
	}
	return cfg
}

// Dump renders cfg as YAML under the root key.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(configRoot{TCPFollow: *cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// setDefaults sets default values for configuration.
// All keys use the "tcpfollow." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	d := func(key string, value any) { v.SetDefault(rootKey+"."+key, value) }

	// Log defaults
	d("log.level", "info")
	d("log.format", "text")
	d("log.pattern", "%time [%level] %field %msg\n")
	d("log.time_format", "2006-01-02 15:04:05.000")
	d("log.outputs.file.enabled", false)
	d("log.outputs.file.path", "/var/log/tcpfollow/tcpfollow.log")
	d("log.outputs.file.rotation.max_size_mb", 100)
	d("log.outputs.file.rotation.max_age_days", 30)
	d("log.outputs.file.rotation.max_backups", 5)
	d("log.outputs.file.rotation.compress", true)

	// Metrics defaults
	d("metrics.enabled", false)
	d("metrics.listen", ":9091")
	d("metrics.path", "/metrics")

	// Capture defaults
	d("capture.type", "")
	d("capture.path", "")
	d("capture.interface", "")
	d("capture.bpf_filter", "")
	d("capture.snap_len", 65535)
	d("capture.buffer_size_mb", 64)
	d("capture.timeout_ms", 100)
	d("capture.fanout_id", 0)

	// Decoder defaults
	d("decoder.tunnel.vxlan", false)
	d("decoder.tunnel.gre", false)
	d("decoder.tunnel.geneve", false)
	d("decoder.tunnel.ipip", false)
	d("decoder.ip_reassembly.enabled", true)
	d("decoder.ip_reassembly.timeout", "30s")
	d("decoder.ip_reassembly.max_fragments", 100)
	d("decoder.ip_reassembly.max_datagrams", 4096)

	// Stream reassembly defaults
	d("reassembly.max_pending_bytes", 4<<20)
	d("reassembly.max_pending_chunks", 0)
	d("reassembly.track_mid_stream", false)
	d("reassembly.idle_timeout", "5m")
	d("reassembly.tombstone_ttl", "30s")

	// Pipeline defaults
	d("pipeline.shards", 1)
	d("pipeline.channel_capacity", 4096)
	d("pipeline.state_events", false)

	// Output defaults
	d("output.type", "console")
	d("output.console.format", "text")
	d("output.console.max_bytes", 0)
	d("output.kafka.brokers", []string{})
	d("output.kafka.topic", "")
	d("output.kafka.compression", "snappy")
	d("output.kafka.batch_size", 100)
	d("output.kafka.batch_timeout", "100ms")
	d("output.kafka.max_attempts", 3)
	d("output.kafka.sync", false)
}
