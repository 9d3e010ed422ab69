//go:build !linux

package device

import "github.com/zre-motorsports/cantoolkit/internal/corerr"

// openSocketCAN is unavailable outside Linux; SocketCAN is a Linux-only
// kernel facility.
func openSocketCAN(name string) (Device, error) {
	return nil, corerr.New(corerr.KindIO, "SocketCAN is only supported on Linux")
}
