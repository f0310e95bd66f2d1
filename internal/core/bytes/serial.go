// Package bytes contains wire-level helpers shared by the transport layers.
package bytes

// Serial number arithmetic (RFC 1982) over the 32 bit sequence space used by
// the datagram channel. The space is treated as circular with a half-range of
// 2^31; a naive < comparison breaks at wraparound.

const serialHalfRange = 1 << 31

// SerialNewer32 reports whether seq is strictly newer than last. Equal values
// and values exactly half the space apart are not newer.
func SerialNewer32(seq, last uint32) bool {
	if seq == last {
		return false
	}
	return seq-last < serialHalfRange
}

// SerialGap32 returns the wrap-aware distance from last to seq. Only
// meaningful when SerialNewer32(seq, last) is true.
func SerialGap32(seq, last uint32) uint32 {
	return seq - last
}
