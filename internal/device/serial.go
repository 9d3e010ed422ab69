package device

import (
	"bytes"
	"time"

	"github.com/tarm/serial"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// serialDevice wraps a host serial port carrying the SLCAN-style wire
// protocol, grounded on the teacher's internal/serial/port.go (tarm/serial
// wrapper) and internal/serial/codec.go (frame codec). Per §4.2, bus
// errors are not generated over this transport: malformed frames are
// swallowed by the decoder and receive simply blocks again.
type serialDevice struct {
	name     string
	baudrate int
	timeout  time.Duration

	port *serial.Port
	buf  bytes.Buffer
}

func openSerial(name string, baudrate int) (Device, error) {
	if baudrate <= 0 {
		baudrate = 57600
	}
	d := &serialDevice{name: name, baudrate: baudrate}
	if err := d.reopen(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *serialDevice) reopen(timeout time.Duration) error {
	if d.port != nil {
		_ = d.port.Close()
	}
	cfg := &serial.Config{Name: d.name, Baud: d.baudrate, ReadTimeout: timeout}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "open serial port "+d.name, err)
	}
	d.port = port
	d.timeout = timeout
	return nil
}

func (d *serialDevice) Transmit(f canframe.Frame) error {
	frame := encodeSLCAN(f)
	n, err := d.port.Write(frame)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "serial write", err)
	}
	if n != len(frame) {
		return corerr.New(corerr.KindIO, "short write to serial port")
	}
	return nil
}

func (d *serialDevice) Receive() (canframe.Frame, error) {
	for {
		if f, ok := decodeSLCANFrame(&d.buf); ok {
			return f, nil
		}
		chunk := make([]byte, 256)
		n, err := d.port.Read(chunk)
		if n > 0 {
			d.buf.Write(chunk[:n])
			continue
		}
		if err != nil {
			return canframe.Frame{}, corerr.Wrap(corerr.KindIO, "serial read", err)
		}
		// n == 0, err == nil: the configured read deadline elapsed.
		return canframe.Frame{}, corerr.New(corerr.KindTimeout, "serial receive timed out")
	}
}

func (d *serialDevice) FlushRx() error {
	d.buf.Reset()
	// Drain whatever is already buffered at the OS level without
	// blocking for new bytes, mirroring slcanFlushRx's zero-timeout
	// drain loop.
	saved := d.timeout
	if err := d.reopen(1 * time.Millisecond); err != nil {
		return err
	}
	for {
		chunk := make([]byte, 256)
		n, err := d.port.Read(chunk)
		if n == 0 || err != nil {
			break
		}
	}
	return d.reopen(saved)
}

func (d *serialDevice) SetTimeout(ms uint32) error {
	if err := validateTimeout(ms); err != nil {
		return err
	}
	return d.reopen(timeoutDuration(ms))
}

func (d *serialDevice) Baudrate() (uint32, bool) { return uint32(d.baudrate), true }

func (d *serialDevice) DeviceName() string { return d.name }
func (d *serialDevice) DeviceType() string { return "slcan" }

func (d *serialDevice) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}
