// Package decoder implements protocol decoding.
package decoder

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

// Reassembly limits from RFC 791.
const (
	ipv4MinFragSize   = 1     // Minimum valid fragment payload size
	ipv4MaxSize       = 65535 // Maximum IPv4 datagram size
	ipv4MaxFragOffset = 8183  // Maximum valid fragment offset (in 8-byte units)
)

// ReassemblyConfig contains configuration for IPv4 fragment reassembly.
type ReassemblyConfig struct {
	MaxFragments      int           // Maximum fragments per datagram (default 100)
	MaxDatagrams      int           // Maximum datagrams in flight (default 4096)
	MaxReassembleSize int           // Maximum reassembled payload size (default 65535)
	Timeout           time.Duration // Capture-time lifetime of an incomplete datagram (default 30s)
}

func (c *ReassemblyConfig) applyDefaults() {
	if c.MaxFragments <= 0 {
		c.MaxFragments = 100
	}
	if c.MaxDatagrams <= 0 {
		c.MaxDatagrams = 4096
	}
	if c.MaxReassembleSize <= 0 || c.MaxReassembleSize > ipv4MaxSize {
		c.MaxReassembleSize = ipv4MaxSize
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// fragmentKey identifies a fragmented IPv4 datagram (RFC 791 section 3.2).
type fragmentKey struct {
	srcIP    [4]byte
	dstIP    [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset  uint16 // byte offset (fragment offset * 8)
	length  uint16
	payload []byte // owned copy
}

// fragmentList keeps fragments sorted by offset. On overlap the bytes that
// arrived first win and the newcomer is trimmed (BSD-Right).
type fragmentList struct {
	list          list.List // *fragment, ascending offset
	highest       uint16    // max(offset+length) seen
	current       uint16    // unique bytes accumulated
	finalReceived bool      // MF=0 fragment seen
	firstSeen     time.Time
}

// Reassembler rebuilds fragmented IPv4 datagrams. It is driven by capture
// timestamps and is not safe for concurrent use; each decoder owns one.
type Reassembler struct {
	flows     map[fragmentKey]*fragmentList
	config    ReassemblyConfig
	lastSweep time.Time
}

// NewReassembler creates a new IP fragment reassembler.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	cfg.applyDefaults()
	return &Reassembler{
		flows:  make(map[fragmentKey]*fragmentList),
		config: cfg,
	}
}

// Process consumes one IPv4 packet (header included).
// Returns:
//   - non-fragmented packet: (l4 payload, true, nil), no copy
//   - fragment, datagram incomplete: (nil, false, nil)
//   - last missing fragment: (reassembled l4 payload, true, nil)
//   - invalid fragment or limit hit: (nil, false, err)
func (r *Reassembler) Process(ipData []byte, timestamp time.Time) ([]byte, bool, error) {
	if len(ipData) < ipv4HeaderMinLen {
		return nil, false, core.ErrPacketTooShort
	}

	ihl := int(ipData[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(ipData) < ihl {
		return nil, false, fmt.Errorf("%w: ihl %d", core.ErrReassemblyInvalid, ihl)
	}

	totalLen := int(binary.BigEndian.Uint16(ipData[2:4]))
	if totalLen < ihl || totalLen > len(ipData) {
		totalLen = len(ipData)
	}

	flagsOffset := binary.BigEndian.Uint16(ipData[6:8])
	moreFragments := flagsOffset&0x2000 != 0
	fragOffset := flagsOffset & 0x1FFF

	if !moreFragments && fragOffset == 0 {
		return ipData[ihl:totalLen], true, nil
	}

	r.expire(timestamp)

	byteOffset := fragOffset * 8
	fragLen := uint16(totalLen - ihl)
	if err := checkFragment(fragLen, fragOffset); err != nil {
		return nil, false, err
	}

	key := fragmentKey{
		protocol: ipData[9],
		id:       binary.BigEndian.Uint16(ipData[4:6]),
	}
	copy(key.srcIP[:], ipData[12:16])
	copy(key.dstIP[:], ipData[16:20])

	fl, exists := r.flows[key]
	if !exists {
		if len(r.flows) >= r.config.MaxDatagrams {
			return nil, false, fmt.Errorf("%w: %d datagrams in flight", core.ErrReassemblyLimit, len(r.flows))
		}
		fl = &fragmentList{firstSeen: timestamp}
		r.flows[key] = fl
		metrics.IPFragmentsActive.Inc()
	}

	if fl.list.Len() >= r.config.MaxFragments {
		r.evict(key)
		return nil, false, fmt.Errorf("%w: more than %d fragments", core.ErrReassemblyLimit, r.config.MaxFragments)
	}

	if !moreFragments {
		fl.finalReceived = true
		if end := byteOffset + fragLen; end > fl.highest {
			fl.highest = end
		}
	}

	// The capture buffer is reused by the source; keep a copy
	payload := make([]byte, fragLen)
	copy(payload, ipData[ihl:totalLen])
	fl.insert(&fragment{offset: byteOffset, length: fragLen, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest {
		return nil, false, nil
	}

	r.evict(key)
	if int(fl.highest) > r.config.MaxReassembleSize {
		return nil, false, fmt.Errorf("%w: reassembled size %d exceeds %d",
			core.ErrReassemblyLimit, fl.highest, r.config.MaxReassembleSize)
	}
	return fl.build(), true, nil
}

// Len returns the number of incomplete datagrams held.
func (r *Reassembler) Len() int {
	return len(r.flows)
}

// Flush drops every incomplete datagram.
func (r *Reassembler) Flush() {
	metrics.IPFragmentsActive.Sub(float64(len(r.flows)))
	clear(r.flows)
}

func checkFragment(fragSize, fragOffset uint16) error {
	if fragSize < ipv4MinFragSize {
		return fmt.Errorf("%w: fragment of %d bytes", core.ErrReassemblyInvalid, fragSize)
	}
	if fragOffset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: fragment offset %d", core.ErrReassemblyInvalid, fragOffset)
	}
	if end := uint32(fragOffset)*8 + uint32(fragSize); end > ipv4MaxSize {
		return fmt.Errorf("%w: fragment ends at %d", core.ErrReassemblyInvalid, end)
	}
	return nil
}

// insert places frag using BSD-Right policy: existing bytes are kept and the
// overlapping part of frag is trimmed away.
func (fl *fragmentList) insert(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	var insertBefore *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	startAt := frag.offset
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > startAt {
			startAt = end
		}
	}

	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}

	if startAt >= endAt {
		return
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		fl.list.InsertBefore(trimmed, insertBefore)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

func (fl *fragmentList) build() []byte {
	result := make([]byte, fl.highest)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		frag := e.Value.(*fragment)
		copy(result[frag.offset:], frag.payload)
	}
	return result
}

func (r *Reassembler) evict(key fragmentKey) {
	if _, exists := r.flows[key]; exists {
		delete(r.flows, key)
		metrics.IPFragmentsActive.Dec()
	}
}

// expire drops datagrams older than the timeout, at most twice per timeout
// period of capture time.
func (r *Reassembler) expire(now time.Time) {
	if now.Sub(r.lastSweep) < r.config.Timeout/2 {
		return
	}
	r.lastSweep = now
	for key, fl := range r.flows {
		if now.Sub(fl.firstSeen) > r.config.Timeout {
			r.evict(key)
		}
	}
}
