// Package source reads raw frames from a live interface or a capture file.
package source

import (
	"context"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/tcpfollow/internal/core"
)

// Source yields raw link-layer frames in capture order.
//
// ReadPacket returns core.ErrSourceClosed once the source is exhausted or
// ctx is cancelled. The returned Data is only valid until the next call.
type Source interface {
	ReadPacket(ctx context.Context) (core.RawPacket, error)
	LinkType() layers.LinkType
	Name() string
	Close() error
}

// Config selects and tunes a source. Exactly one of File and Interface is set.
type Config struct {
	File          string
	Interface     string
	BPFFilter     string
	SnapLen       int    // default 65535
	BufferMB      int    // AF_PACKET ring size; default 64
	FanoutID      uint16 // 0 disables fanout
	PollTimeoutMs int    // AF_PACKET poll timeout; default 100
}

const (
	defaultSnapLen  = 65535
	defaultBufferMB = 64
	defaultPollMs   = 100
)

// Open creates the source described by cfg.
func Open(cfg Config) (Source, error) {
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = defaultSnapLen
	}
	if cfg.BufferMB <= 0 {
		cfg.BufferMB = defaultBufferMB
	}
	if cfg.PollTimeoutMs <= 0 {
		cfg.PollTimeoutMs = defaultPollMs
	}
	switch {
	case cfg.File != "" && cfg.Interface != "":
		return nil, fmt.Errorf("%w: file and interface are mutually exclusive", core.ErrConfigInvalid)
	case cfg.File != "":
		s, err := OpenFile(cfg.File, cfg.BPFFilter)
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.Interface != "":
		s, err := OpenInterface(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: no capture file or interface given", core.ErrConfigInvalid)
	}
}
