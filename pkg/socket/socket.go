// Package socket implements the scheduler sitting between the framer and
// the cyclic tasks (spec.md §4.2): a fixed-size array of sockets, each
// holding one pending PDU request plus its eventual reply and Working
// Counter. Poll packs as many ready sockets as fit into one frame per
// cycle and demultiplexes the reply back to each socket by position.
package socket

import (
	"errors"
	"fmt"
	"sort"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/ecatframe"
	"github.com/gecat-project/gecat/pkg/transceiver"
)

type socketState uint8

const (
	stateIdle socketState = iota
	statePending
	stateDone
)

// Socket is one reserved slot for a pending PDU plus its caller-owned
// response buffer (spec.md §3 "SocketOption"). Exactly one request is in
// flight per socket at a time (I1).
type Socket struct {
	state   socketState
	cmd     ecat.Command
	payload []byte
	wkc     uint16
	skipped int
}

// Post registers a pending request. payload is both the bytes sent (for a
// write) and the buffer overwritten with the reply (for a read); it must
// stay valid until TryRecv succeeds. Returns false if the socket already
// has a request in flight.
func (s *Socket) Post(cmd ecat.Command, payload []byte) bool {
	if s.state == statePending {
		return false
	}
	s.cmd = cmd
	s.payload = payload
	s.state = statePending
	s.skipped = 0
	return true
}

// Pending reports whether this socket has an unanswered request.
func (s *Socket) Pending() bool { return s.state == statePending }

// TryRecv returns the completed reply once, clearing the socket back to
// idle. The second return is false if no reply is ready yet.
func (s *Socket) TryRecv() (ecat.ReceivedData, bool) {
	if s.state != stateDone {
		return ecat.ReceivedData{}, false
	}
	s.state = stateIdle
	return ecat.ReceivedData{Command: s.cmd, Data: s.payload, Wkc: s.wkc}, true
}

// Scheduler packs pending sockets into one frame per Poll call and
// demultiplexes replies back by position (I2).
type Scheduler struct {
	sockets  []*Socket
	framer   *ecatframe.Framer
	tx       transceiver.Transceiver
	k        int // fairness bound: a socket skipped >= k cycles is serviced next poll
	selected []*Socket
}

// NewScheduler allocates n sockets and a Scheduler sending from srcMAC over
// tx. K defaults to the socket count, per spec.md P7.
func NewScheduler(n int, srcMAC [6]byte, tx transceiver.Transceiver) *Scheduler {
	sockets := make([]*Socket, n)
	for i := range sockets {
		sockets[i] = &Socket{}
	}
	return &Scheduler{sockets: sockets, framer: ecatframe.NewFramer(srcMAC), tx: tx, k: n}
}

// Socket returns the socket at index i.
func (s *Scheduler) Socket(i int) *Socket { return s.sockets[i] }

// NumSockets reports the socket array size.
func (s *Scheduler) NumSockets() int { return len(s.sockets) }

// Poll packs ready sockets into one frame, transmits, and demultiplexes
// whatever reply arrives this cycle. A socket skipped k or more consecutive
// cycles is serviced unconditionally ahead of any other pending socket.
func (s *Scheduler) Poll(now ecat.EtherCatSystemTime) error {
	var mandatory, rest []*Socket
	for _, sock := range s.sockets {
		if !sock.Pending() {
			continue
		}
		if sock.skipped >= s.k {
			mandatory = append(mandatory, sock)
		} else {
			rest = append(rest, sock)
		}
	}

	s.framer.Reset()
	s.selected = s.selected[:0]
	order := append(mandatory, rest...)
	// Longest-waiting first (ties in index order), so sockets that lost the
	// race for frame space on earlier polls go ahead of those just serviced.
	sort.SliceStable(order, func(i, j int) bool { return order[i].skipped > order[j].skipped })
	for _, sock := range order {
		if _, err := s.framer.AddCommand(sock.cmd, sock.payload); err != nil {
			if errors.Is(err, ecat.ErrFull) {
				break
			}
			return err
		}
		s.selected = append(s.selected, sock)
	}

	for _, sock := range s.sockets {
		if sock.Pending() && !selected(s.selected, sock) {
			sock.skipped++
		}
	}

	if len(s.selected) == 0 {
		return nil
	}

	frame, err := s.framer.Finalize()
	if err != nil {
		return err
	}

	txTok, err := s.tx.Transmit()
	if err != nil {
		return fmt.Errorf("%w: %v", ecat.ErrInterface, err)
	}
	if err := txTok.Consume(func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ecat.ErrInterface, err)
	}

	rxTok, err := s.tx.Receive()
	if err != nil {
		if errors.Is(err, transceiver.ErrNoSlot) {
			return nil // nothing arrived this cycle; sockets stay pending
		}
		return fmt.Errorf("%w: %v", ecat.ErrInterface, err)
	}

	var received []ecat.ReceivedData
	var parseErr error
	if err := rxTok.Consume(func(raw []byte) error {
		received, parseErr = ecatframe.ParseResponse(raw)
		return parseErr
	}); err != nil {
		return err
	}

	for i, sock := range s.selected {
		if i >= len(received) {
			break
		}
		rd := received[i]
		copy(sock.payload, rd.Data)
		sock.wkc = rd.Wkc
		sock.state = stateDone
		sock.skipped = 0
	}
	return nil
}

func selected(list []*Socket, sock *Socket) bool {
	for _, s := range list {
		if s == sock {
			return true
		}
	}
	return false
}
