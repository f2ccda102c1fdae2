package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

const fileSourceName = "file"

// pcapng section header block type, read in either byte order.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource replays a pcap or pcapng file.
type FileSource struct {
	path     string
	f        *os.File
	reader   packetReader
	filter   *userFilter
	packets  uint64
	filtered uint64
}

// OpenFile opens path, detecting pcap or pcapng from its header. A non-empty
// filter is applied to every frame in user space.
func OpenFile(path, filter string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header %s: %w", path, err)
	}

	var r packetReader
	if string(magic) == string(ngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse capture file %s: %w", path, err)
	}

	s := &FileSource{path: path, f: f, reader: r}
	if filter != "" {
		if s.filter, err = newUserFilter(r.LinkType(), defaultSnapLen, filter); err != nil {
			f.Close()
			return nil, err
		}
	}
	slog.Info("capture file opened", "path", path, "link_type", r.LinkType().String())
	return s, nil
}

// ReadPacket returns the next frame accepted by the filter.
func (s *FileSource) ReadPacket(ctx context.Context) (core.RawPacket, error) {
	for {
		if ctx.Err() != nil {
			return core.RawPacket{}, core.ErrSourceClosed
		}
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Info("capture file exhausted", "path", s.path, "packets", s.packets, "filtered", s.filtered)
				return core.RawPacket{}, core.ErrSourceClosed
			}
			return core.RawPacket{}, fmt.Errorf("read %s: %w", s.path, err)
		}
		if s.filter != nil && !s.filter.match(data) {
			s.filtered++
			continue
		}
		s.packets++
		metrics.CapturePacketsTotal.WithLabelValues(fileSourceName).Inc()
		return core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}, nil
	}
}

// LinkType returns the link type recorded in the file header.
func (s *FileSource) LinkType() layers.LinkType { return s.reader.LinkType() }

// Name returns "file".
func (s *FileSource) Name() string { return fileSourceName }

// Close releases the file.
func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
