// Package virtual is an in-memory Transceiver backend that loops a
// transmitted frame through an internal/simslave.Ring before handing it
// back as the next received frame — the same role the teacher's
// pkg/can/virtual TCP loopback bus plays for CAN frames, but resolved
// synchronously in-process instead of dialing out, since our tests need a
// slave that actually answers PDUs.
package virtual

import (
	"sync"

	"github.com/gecat-project/gecat/internal/simslave"
	"github.com/gecat-project/gecat/pkg/transceiver"
)

func init() {
	transceiver.RegisterInterface("virtual", func(iface string) (transceiver.Transceiver, error) {
		return New(simslave.NewRing(1)), nil
	})
}

// Transceiver loops frames through ring.
type Transceiver struct {
	mu      sync.Mutex
	ring    *simslave.Ring
	pending []byte
}

// New wraps ring in a loopback Transceiver. Tests construct this directly
// to control the ring's slave count and register contents; New registered
// under the "virtual" name builds a single-slave default ring.
func New(ring *simslave.Ring) *Transceiver {
	return &Transceiver{ring: ring}
}

type txToken struct{ t *Transceiver }

func (tok txToken) Consume(fill func(buf []byte) (int, error)) error {
	buf := make([]byte, 1514)
	n, err := fill(buf)
	if err != nil {
		return err
	}
	frame := buf[:n]
	if err := tok.t.ring.Process(frame); err != nil {
		return err
	}
	tok.t.mu.Lock()
	tok.t.pending = frame
	tok.t.mu.Unlock()
	return nil
}

type rxToken struct{ frame []byte }

func (tok rxToken) Consume(handle func(frame []byte) error) error {
	return handle(tok.frame)
}

// Transmit always has a slot: the loopback ring processes the frame
// synchronously as part of Consume.
func (t *Transceiver) Transmit() (transceiver.TxToken, error) {
	return txToken{t: t}, nil
}

// Receive returns the frame staged by the most recent Transmit, once.
func (t *Transceiver) Receive() (transceiver.RxToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return nil, transceiver.ErrNoSlot
	}
	frame := t.pending
	t.pending = nil
	return rxToken{frame: frame}, nil
}

func (t *Transceiver) Close() error { return nil }

// Ring exposes the backing ring so tests can seed vendor info, mailbox
// layout and CoE handlers before driving a cyclic task against it.
func (t *Transceiver) Ring() *simslave.Ring { return t.ring }
