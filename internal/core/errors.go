// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("tcpfollow: packet too short")
	ErrUnsupportedProto = errors.New("tcpfollow: unsupported protocol")
	ErrUnsupportedLink  = errors.New("tcpfollow: unsupported link type")
	ErrNotTCP           = errors.New("tcpfollow: not a tcp segment")

	// IP reassembly errors
	ErrFragmentPending   = errors.New("tcpfollow: awaiting more ip fragments")
	ErrReassemblyLimit   = errors.New("tcpfollow: fragment reassembly limit exceeded")
	ErrReassemblyInvalid = errors.New("tcpfollow: invalid ip fragment")

	// Stream reassembly errors
	ErrMalformedSegment = errors.New("tcpfollow: malformed segment")

	// Pipeline errors
	ErrSourceClosed    = errors.New("tcpfollow: capture source closed")
	ErrPipelineStopped = errors.New("tcpfollow: pipeline stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("tcpfollow: invalid configuration")
)
