//go:build linux

package device

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// socketCANDevice is a raw CAN_RAW socket bound to one interface, grounded
// on the teacher's internal/socketcan/device.go.
type socketCANDevice struct {
	fd   int
	name string
}

func openSocketCAN(name string) (Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "socket(AF_CAN)", err)
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, corerr.Wrap(corerr.KindIO, fmt.Sprintf("interface %q", name), err)
	}
	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, corerr.Wrap(corerr.KindIO, fmt.Sprintf("bind(can@%s)", name), err)
	}
	return &socketCANDevice{fd: fd, name: name}, nil
}

func (d *socketCANDevice) Transmit(f canframe.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "marshal CAN frame", err)
	}
	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return mapSocketCANError(err)
	}
	if n != len(buf) {
		return corerr.New(corerr.KindIO, "short write to CAN socket")
	}
	return nil
}

func (d *socketCANDevice) Receive() (canframe.Frame, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return canframe.Frame{}, mapSocketCANError(err)
	}
	if n != unix.CAN_MTU {
		return canframe.Frame{}, corerr.New(corerr.KindIO, "short read from CAN socket")
	}
	var f canframe.Frame
	if err := f.UnmarshalBinary(buf[:]); err != nil {
		return canframe.Frame{}, corerr.Wrap(corerr.KindIO, "unmarshal CAN frame", err)
	}
	// Mask out status bits not part of the 29-bit identifier space, per
	// §4.2 ("The 29-bit ID mask is applied on receive to strip status
	// bits").
	f.ID &= 0x1FFFFFFF
	return f, nil
}

// mapSocketCANError maps a raw read/write errno to the shared bus-error
// taxonomy when the kernel reports an error frame, or to KindTimeout /
// KindIO otherwise.
func mapSocketCANError(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return corerr.New(corerr.KindTimeout, "CAN receive timed out")
	}
	if err == unix.ENETDOWN {
		return corerr.NewBus(corerr.BusOff, "CAN interface is down")
	}
	return corerr.Wrap(corerr.KindIO, "CAN socket I/O", err)
}

func (d *socketCANDevice) FlushRx() error {
	flags, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFL, 0)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "fcntl(F_GETFL)", err)
	}
	if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return corerr.Wrap(corerr.KindIO, "fcntl(F_SETFL, nonblock)", err)
	}
	var buf [unix.CAN_MTU]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil || n != unix.CAN_MTU {
			break
		}
	}
	if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETFL, flags); err != nil {
		return corerr.Wrap(corerr.KindIO, "fcntl(F_SETFL, restore)", err)
	}
	return nil
}

func (d *socketCANDevice) SetTimeout(ms uint32) error {
	if err := validateTimeout(ms); err != nil {
		return err
	}
	tv := unix.NsecToTimeval(timeoutDuration(ms).Nanoseconds())
	if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return corerr.Wrap(corerr.KindIO, "setsockopt(SO_RCVTIMEO)", err)
	}
	return nil
}

// Baudrate is not discoverable over a raw CAN_RAW socket: the kernel
// does not expose bitrate through this API, per §4.2.
func (d *socketCANDevice) Baudrate() (uint32, bool) { return 0, false }

func (d *socketCANDevice) DeviceName() string { return d.name }
func (d *socketCANDevice) DeviceType() string { return "socketcan" }

func (d *socketCANDevice) Close() error {
	return unix.Close(d.fd)
}
