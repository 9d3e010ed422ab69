// Package device implements the polymorphic CAN device abstraction of
// §4.2: a small capability set (transmit, receive, flush, timeout,
// baudrate, naming, close) backed by one of two concrete transports,
// chosen by the shape of the device name.
//
// Grounded on the teacher's internal/socketcan and internal/serial
// packages, generalized behind one interface the way the source's
// canDeviceVmt_t virtual table dispatches across socket_can.c and
// slcan.c.
package device

import (
	"strings"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// Device is the capability set every CAN transport implements, per §4.2.
type Device interface {
	// Transmit sends one frame, blocking per the current timeout.
	Transmit(f canframe.Frame) error

	// Receive reads one frame, blocking per the current timeout. It
	// returns a *corerr.Error of KindTimeout on a plain timeout, or a
	// *corerr.Error of KindBus when the transport reports a bus-error
	// condition (the caller may still inspect the frame buffer: an
	// error frame may have been produced).
	Receive() (canframe.Frame, error)

	// FlushRx discards all currently buffered received frames without
	// blocking.
	FlushRx() error

	// SetTimeout sets the receive timeout in milliseconds. 0 means block
	// indefinitely; values >= 65535 are rejected.
	SetTimeout(ms uint32) error

	// Baudrate reports the bus speed in bits per second, or (0, false)
	// when the transport cannot determine it.
	Baudrate() (uint32, bool)

	DeviceName() string
	DeviceType() string

	Close() error
}

const maxTimeoutMs = 65535

// validateTimeout enforces the shared §4.2 timeout bound; transports call
// this before applying a transport-specific timeout mechanism.
func validateTimeout(ms uint32) error {
	if ms >= maxTimeoutMs {
		return corerr.New(corerr.KindIO, "timeout out of range")
	}
	return nil
}

func timeoutDuration(ms uint32) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Open instantiates a Device from a name string, dispatching on its
// prefix per §4.2/§6: "can"/"vcan" selects SocketCAN, "/dev/tty"/"COM"
// selects serial-line CAN (SLCAN). baudrate is only meaningful for the
// serial transport, whose bus speed is fixed per session rather than
// discoverable.
func Open(name string, baudrate int) (Device, error) {
	switch {
	case strings.HasPrefix(name, "can"), strings.HasPrefix(name, "vcan"):
		return openSocketCAN(name)
	case strings.HasPrefix(name, "/dev/tty"), strings.HasPrefix(name, "COM"):
		return openSerial(name, baudrate)
	default:
		return nil, corerr.New(corerr.KindConfig, "unrecognised CAN device name "+name)
	}
}
