//go:build linux

// Package rawsocket is the Linux AF_PACKET raw-Ethernet backend: one
// non-blocking socket bound to an interface, EtherType-filtered, read and
// written synchronously inside a single poll() call per cycle. No
// goroutines, matching the hot-path concurrency model.
package rawsocket

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/transceiver"
)

func init() {
	transceiver.RegisterInterface("rawsocket", func(iface string) (transceiver.Transceiver, error) {
		return Open(iface)
	})
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// Socket is one AF_PACKET raw socket bound to a single network interface,
// filtering for EtherCAT's EtherType.
type Socket struct {
	fd        int
	ifIndex   int
	sendAddr  unix.SockaddrLinklayer
	readBuf   [1514]byte
}

// Open binds a new raw socket to ifaceName.
func Open(ifaceName string) (*Socket, error) {
	proto := htons(ecat.EtherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("rawsocket: socket: %w", err)
	}
	iface, err := interfaceIndex(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	addr := unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: bind: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: nonblock: %w", err)
	}
	return &Socket{fd: fd, ifIndex: iface, sendAddr: addr}, nil
}

type txToken struct{ s *Socket }

func (tok txToken) Consume(fill func(buf []byte) (int, error)) error {
	var buf [1514]byte
	n, err := fill(buf[:])
	if err != nil {
		return err
	}
	return unix.Sendto(tok.s.fd, buf[:n], 0, &tok.s.sendAddr)
}

type rxToken struct {
	s *Socket
	n int
}

func (tok rxToken) Consume(handle func(frame []byte) error) error {
	return handle(tok.s.readBuf[:tok.n])
}

// Transmit always returns a token; Sendto itself may still block briefly
// on a full driver queue, but never on another PDU arriving.
func (s *Socket) Transmit() (transceiver.TxToken, error) {
	return txToken{s: s}, nil
}

// Receive performs one non-blocking read, returning ErrNoSlot when the
// socket has nothing queued (EAGAIN/EWOULDBLOCK).
func (s *Socket) Receive() (transceiver.RxToken, error) {
	n, _, err := unix.Recvfrom(s.fd, s.readBuf[:], 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, transceiver.ErrNoSlot
		}
		return nil, fmt.Errorf("rawsocket: recvfrom: %w", err)
	}
	return rxToken{s: s, n: n}, nil
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("rawsocket: interface %q: %w", name, err)
	}
	return iface.Index, nil
}
