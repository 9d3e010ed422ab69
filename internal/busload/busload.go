// Package busload implements the bus-load calculator of §4.3: bounds on
// the number of bits a classical CAN frame occupies on the wire, and a
// rolling bus-load accumulator exposed through internal/metrics.
package busload

import (
	"github.com/zre-motorsports/cantoolkit/internal/canframe"
)

// Non-stuffable field widths, common to both frame formats.
const (
	bitsSOF      = 1
	bitsCRCDelim = 1
	bitsACKDelim = 1
	bitsEOF      = 7
	bitsIFS      = 3

	nonStuffable = bitsSOF + bitsCRCDelim + bitsACKDelim + bitsEOF + bitsIFS
)

// Stuffable field widths for a classical (2.0A, standard 11-bit) frame.
const (
	bitsSID2A = 11
	bitsRTR   = 1
	bitsIDE   = 1
	bitsR0    = 1
	bitsDLC   = 4
	bitsCRC   = 15
	bitsACK   = 1
)

// Stuffable field widths specific to an extended (2.0B, 29-bit) frame.
const (
	bitsIDEA  = 11
	bitsSRR   = 1
	bitsIDEB  = 18
	bitsR0R1  = 2
)

func stuffableBits(dlc uint8, extended bool) int {
	data := 8 * int(dlc)
	if extended {
		return bitsIDEA + bitsSRR + bitsIDE + bitsIDEB + bitsRTR + bitsR0R1 + bitsDLC + data + bitsCRC + bitsACK
	}
	return bitsSID2A + bitsRTR + bitsIDE + bitsR0 + bitsDLC + data + bitsCRC + bitsACK
}

// Bounds returns the lower and upper bounds, in bits, on the wire time of
// a frame with the given DLC and IDE, accounting for worst-case bit
// stuffing, per §4.3.
func Bounds(dlc uint8, extended bool) (min, max int) {
	stuffable := stuffableBits(dlc, extended)
	min = stuffable + nonStuffable
	// One stuff bit per four same-polarity bits, worst case.
	max = min + (stuffable-1+3)/4
	return min, max
}

// FrameBounds is a convenience wrapper over Bounds taking a canframe.Frame.
func FrameBounds(f canframe.Frame) (min, max int) {
	return Bounds(f.DLC, f.Extended)
}

// BitTime returns the duration, in seconds, of one bit at the given
// baudrate (bits per second).
func BitTime(baudrate uint32) float64 {
	if baudrate == 0 {
		return 0
	}
	return 1 / float64(baudrate)
}

// Accumulator tracks total received bits over a wall-clock window and
// reports the fraction of bus capacity consumed.
type Accumulator struct {
	baudrate uint32
	bits     uint64
}

// NewAccumulator creates an Accumulator for a bus running at baudrate bps.
func NewAccumulator(baudrate uint32) *Accumulator {
	return &Accumulator{baudrate: baudrate}
}

// AddFrame records the lower-bound bit count of a received frame. Using the
// lower bound keeps the running total a conservative under-estimate of
// actual wire occupancy, consistent with treating stuffing as worst case
// only for headroom calculations rather than accounting.
func (a *Accumulator) AddFrame(f canframe.Frame) {
	min, _ := FrameBounds(f)
	a.bits += uint64(min)
}

// Load returns the fraction, in [0, 1], of bus capacity consumed by the
// bits recorded since the accumulator was created or last reset, over the
// wall-clock period periodSeconds.
func (a *Accumulator) Load(periodSeconds float64) float64 {
	if periodSeconds <= 0 || a.baudrate == 0 {
		return 0
	}
	load := float64(a.bits) * BitTime(a.baudrate) / periodSeconds
	if load > 1 {
		return 1
	}
	if load < 0 {
		return 0
	}
	return load
}

// Reset zeroes the accumulated bit count.
func (a *Accumulator) Reset() { a.bits = 0 }
