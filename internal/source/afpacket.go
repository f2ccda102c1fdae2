//go:build linux

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

const afpacketSourceName = "afpacket"

// InterfaceSource captures live from an interface through a TPACKET_V3 ring.
type InterfaceSource struct {
	iface   string
	handle  *afpacket.TPacket
	packets uint64
}

// OpenInterface opens an AF_PACKET ring on cfg.Interface. The BPF filter,
// if any, is attached in the kernel.
func OpenInterface(cfg Config) (*InterfaceSource, error) {
	frameSize, blockSize, numBlocks, err := ringGeometry(cfg.BufferMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(time.Duration(cfg.PollTimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open AF_PACKET on %s: %w", cfg.Interface, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("set fanout %d: %w", cfg.FanoutID, err)
		}
	}
	if cfg.BPFFilter != "" {
		prog, err := compileBPF(layers.LinkTypeEthernet, frameSize, cfg.BPFFilter)
		if err == nil {
			err = tp.SetBPF(prog)
		}
		if err != nil {
			tp.Close()
			return nil, err
		}
	}
	if err := tp.InitSocketStats(); err != nil {
		slog.Warn("failed to init socket stats", "interface", cfg.Interface, "error", err)
	}

	slog.Info("afpacket capture started",
		"interface", cfg.Interface,
		"frame_size", frameSize,
		"block_size", blockSize,
		"num_blocks", numBlocks,
		"fanout_id", cfg.FanoutID)
	return &InterfaceSource{iface: cfg.Interface, handle: tp}, nil
}

// ReadPacket blocks until a frame arrives or ctx is cancelled. The frame
// aliases the ring and is valid until the next call.
func (s *InterfaceSource) ReadPacket(ctx context.Context) (core.RawPacket, error) {
	for {
		if ctx.Err() != nil {
			return core.RawPacket{}, core.ErrSourceClosed
		}
		data, ci, err := s.handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
				continue
			}
			if ctx.Err() != nil {
				return core.RawPacket{}, core.ErrSourceClosed
			}
			return core.RawPacket{}, fmt.Errorf("read %s: %w", s.iface, err)
		}
		s.packets++
		metrics.CapturePacketsTotal.WithLabelValues(afpacketSourceName).Inc()
		return core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}, nil
	}
}

// LinkType is always Ethernet for an AF_PACKET raw socket.
func (s *InterfaceSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

// Name returns "afpacket".
func (s *InterfaceSource) Name() string { return afpacketSourceName }

// Close logs the kernel drop counters and releases the ring. It must not be
// called while ReadPacket is running.
func (s *InterfaceSource) Close() error {
	if s.handle == nil {
		return nil
	}
	if stats, _, err := s.handle.SocketStats(); err == nil {
		slog.Info("afpacket capture stopped",
			"interface", s.iface,
			"packets", s.packets,
			"kernel_packets", stats.Packets(),
			"kernel_drops", stats.Drops())
	}
	s.handle.Close()
	s.handle = nil
	return nil
}
