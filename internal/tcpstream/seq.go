// Package tcpstream reassembles passively observed TCP segments into
// ordered byte streams.
package tcpstream

// seqDiff returns a - b in 32-bit sequence space. Positive means a is ahead
// of b; the result stays correct across wraparound as long as the two
// numbers are less than 2^31 apart.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// seqAfter reports whether a is strictly ahead of b.
func seqAfter(a, b uint32) bool {
	return seqDiff(a, b) > 0
}

// seqAdd advances seq by n bytes.
func seqAdd(seq uint32, n int) uint32 {
	return seq + uint32(n)
}
