package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tcpfollow/internal/config"
	"firestige.xyz/tcpfollow/internal/follower"
	"firestige.xyz/tcpfollow/internal/log"
	"firestige.xyz/tcpfollow/internal/metrics"
	"firestige.xyz/tcpfollow/internal/pipeline"
	"firestige.xyz/tcpfollow/internal/sink"
	"firestige.xyz/tcpfollow/internal/source"
)

var followCmd = &cobra.Command{
	Use:   "follow [bpf filter]",
	Short: "Follow TCP connections from a capture file or interface",
	Long: `Follow TCP connections and print each reassembled stream.

Remaining arguments are joined into a BPF filter expression, as with tcpdump.
Flags override the matching config file settings.

Examples:
  tcpfollow follow -r trace.pcap
  tcpfollow follow -i eth0 tcp port 80
  tcpfollow follow -c tcpfollow.yml -i eth0 --output kafka`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("invalid configuration", err)
		}
		if err := applyFollowFlags(cmd, args, cfg); err != nil {
			exitWithError("invalid flags", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runFollow(ctx, cfg, cmd.OutOrStdout()); err != nil {
			exitWithError("follow failed", err)
		}
	},
}

var followFlags struct {
	file        string
	iface       string
	midStream   bool
	output      string
	format      string
	maxBytes    int
	shards      int
	stateEvents bool
}

func init() {
	bindFollowFlags(followCmd)
}

func bindFollowFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&followFlags.file, "file", "r", "", "read frames from a pcap or pcapng file")
	f.StringVarP(&followFlags.iface, "interface", "i", "", "capture live on an interface (AF_PACKET)")
	f.BoolVar(&followFlags.midStream, "mid-stream", false, "track connections whose handshake was not seen")
	f.StringVarP(&followFlags.output, "output", "o", "", "event sink: console or kafka")
	f.StringVar(&followFlags.format, "format", "", "console format: text or json")
	f.IntVar(&followFlags.maxBytes, "max-bytes", 0, "truncate console payloads to this many bytes (0 = no limit)")
	f.IntVar(&followFlags.shards, "shards", 0, "number of tracking workers")
	f.BoolVar(&followFlags.stateEvents, "state-events", false, "report connection state transitions")
	cmd.MarkFlagsMutuallyExclusive("file", "interface")
}

// applyFollowFlags overlays explicitly set flags on cfg and revalidates it.
func applyFollowFlags(cmd *cobra.Command, args []string, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("file") {
		cfg.Capture.Type, cfg.Capture.Path, cfg.Capture.Interface = "file", followFlags.file, ""
	}
	if flags.Changed("interface") {
		cfg.Capture.Type, cfg.Capture.Interface, cfg.Capture.Path = "afpacket", followFlags.iface, ""
	}
	if len(args) > 0 {
		cfg.Capture.BPFFilter = strings.Join(args, " ")
	}
	if flags.Changed("mid-stream") {
		cfg.Reassembly.TrackMidStream = followFlags.midStream
	}
	if flags.Changed("output") {
		cfg.Output.Type = followFlags.output
	}
	if flags.Changed("format") {
		cfg.Output.Console.Format = followFlags.format
	}
	if flags.Changed("max-bytes") {
		cfg.Output.Console.MaxBytes = followFlags.maxBytes
	}
	if flags.Changed("shards") {
		cfg.Pipeline.Shards = followFlags.shards
	}
	if flags.Changed("state-events") {
		cfg.Pipeline.StateEvents = followFlags.stateEvents
	}
	return cfg.ValidateAndApplyDefaults()
}

// runFollow runs the capture pipeline until the source is exhausted or ctx
// is cancelled. Console events are written to out.
func runFollow(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.Capture.Type == "" {
		return fmt.Errorf("no capture source: set --file or --interface")
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				slog.Warn("metrics server stop failed", "error", err)
			}
		}()
	}

	src, err := source.Open(cfg.SourceOptions())
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer src.Close()

	snk, err := sink.New(cfg.SinkOptions(), out)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	defer func() {
		if err := snk.Close(); err != nil {
			slog.Error("sink close failed", "sink", snk.Name(), "error", err)
		}
	}()

	p, err := pipeline.New(pipeline.Config{
		Source:   src,
		Decoder:  cfg.DecoderOptions(),
		Shard:    cfg.ShardOptions(),
		Sink:     snk,
		Follower: follower.Options{StateChanges: cfg.Pipeline.StateEvents},
	})
	if err != nil {
		return err
	}
	return p.Run(ctx)
}
