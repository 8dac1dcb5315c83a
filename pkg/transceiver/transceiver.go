// Package transceiver defines the raw-Ethernet transport contract used by
// the framer and socket layer, plus a name-keyed backend registry so a
// master can be pointed at a transport by string (an OS interface name, a
// virtual bus name, …) without linking every backend into every binary.
package transceiver

import "errors"

// ErrNoSlot is returned by Transmit/Receive when the backend has no send or
// receive slot available this cycle. Tasks treat it the same way they treat
// a plain nil token: "nothing happened this cycle", never a hard failure.
var ErrNoSlot = errors.New("transceiver: no slot available this cycle")

// ErrUnknownInterface is returned by New when no backend is registered under
// the requested name.
var ErrUnknownInterface = errors.New("transceiver: unknown interface backend")

// TxToken is a one-shot handle to a driver-owned transmit buffer. Fill
// writes exactly the frame bytes and returns how many were written; the
// token hands the buffer to the driver for transmission as part of Consume.
type TxToken interface {
	Consume(fill func(buf []byte) (int, error)) error
}

// RxToken is a one-shot handle to a driver-owned receive buffer holding the
// next received frame. Consume invokes handle with a borrowed slice valid
// only for the duration of the call.
type RxToken interface {
	Consume(handle func(frame []byte) error) error
}

// Transceiver supplies one send slot and one receive slot per poll. The
// core never copies frames beyond what the backend requires.
type Transceiver interface {
	// Transmit returns the next free transmit token, or ErrNoSlot if the
	// backend has nothing to offer this cycle.
	Transmit() (TxToken, error)
	// Receive returns a token for the next pending inbound frame, or
	// ErrNoSlot if none has arrived this cycle.
	Receive() (RxToken, error)
	Close() error
}

// NewInterfaceFunc constructs a Transceiver bound to the named OS or
// virtual interface (e.g. "eth0", "virtual:ring-a").
type NewInterfaceFunc func(iface string) (Transceiver, error)

var interfaceRegistry = map[string]NewInterfaceFunc{}

// RegisterInterface makes a backend constructor available under name. Call
// from a backend package's init().
func RegisterInterface(name string, fn NewInterfaceFunc) {
	interfaceRegistry[name] = fn
}

// New constructs the Transceiver registered under backend for the given
// interface string.
func New(backend, iface string) (Transceiver, error) {
	fn, ok := interfaceRegistry[backend]
	if !ok {
		return nil, ErrUnknownInterface
	}
	return fn(iface)
}
