//go:build !linux

package rawsocket

import (
	"errors"

	"github.com/gecat-project/gecat/pkg/transceiver"
)

// ErrUnsupported is returned on platforms without an AF_PACKET equivalent.
var ErrUnsupported = errors.New("rawsocket: raw Ethernet sockets are only implemented on linux")

func init() {
	transceiver.RegisterInterface("rawsocket", func(iface string) (transceiver.Transceiver, error) {
		return Open(iface)
	})
}

// Open always fails on non-Linux platforms.
func Open(ifaceName string) (transceiver.Transceiver, error) {
	return nil, ErrUnsupported
}
