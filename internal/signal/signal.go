// Package signal implements the CAN signal codec of §4.1: pure functions
// that encode and decode one bitfield of a CAN payload word.
//
// The functions operate on a normalized little-endian bit position; a
// DBC-convention big-endian signal is normalized once, at parse time, by
// the DBC parser calling NormalizeBigEndianPosition (see internal/dbc).
package signal

import "math"

// Signal describes one contiguous bitfield in a CAN payload, per §3.
type Signal struct {
	Name string

	// BitPosition is the LSB position after normalization (§4.1).
	BitPosition uint8
	// BitLength is the field width in 1..63.
	BitLength uint8

	BigEndian bool
	Signed    bool

	Scale  float64
	Offset float64
	Unit   string

	// Mask is (1 << BitLength) - 1, precomputed at parse time.
	Mask uint64

	// MessageIndex is the back-reference to the owning message's slot in
	// the database's message pool (§9 "arena-and-index").
	MessageIndex int
}

// ComputeMask returns (1<<bitLength)-1, defined for bitLength in 1..64.
func ComputeMask(bitLength uint8) uint64 {
	if bitLength >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bitLength) - 1
}

// NormalizeBigEndianPosition converts a DBC big-endian bit position (the
// position of the MSB, in DBC convention) to the little-endian-normalized
// LSB position used by Encode/Decode, per §4.1.
//
// A big-endian signal whose DBC bit position is p has its LSB at
// p - (bitLength - 1) when bitLength >= 1.
func NormalizeBigEndianPosition(dbcPosition, bitLength uint8) uint8 {
	if bitLength == 0 {
		return dbcPosition
	}
	return dbcPosition - (bitLength - 1)
}

// Decode extracts s's physical value from a little-endian 64-bit payload
// word, per §4.1.
func (s Signal) Decode(word uint64) float64 {
	raw := (word >> s.BitPosition) & s.Mask
	if s.Signed && s.BitLength > 0 && raw&(uint64(1)<<(s.BitLength-1)) != 0 {
		raw |= ^s.Mask
	}
	var physical float64
	if s.Signed {
		physical = float64(int64(raw))
	} else {
		physical = float64(raw)
	}
	return physical*s.Scale + s.Offset
}

// Encode computes the bits signal s contributes to an outgoing payload
// word for the given physical value, per §4.1. The caller OR-combines the
// contributions of every signal in a message to build the full word.
func (s Signal) Encode(value float64) uint64 {
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	raw := int64(math.Round((value - s.Offset) / scale))
	word := uint64(raw) & s.Mask
	return word << s.BitPosition
}

// DecodeBool interprets a decoded float as a boolean: non-zero within a
// small epsilon, per §4.5's three-valued read API.
func DecodeBool(v float64) bool {
	const epsilon = 1e-6
	return math.Abs(v) > epsilon
}
