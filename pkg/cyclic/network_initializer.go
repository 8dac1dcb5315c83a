package cyclic

import (
	"fmt"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

type niState uint8

const (
	niCountSlaves niState = iota
	niInitSlave
	niComplete
	niError
)

// NetworkInitializer enumerates the ring with a single BRD(Type) to learn
// the slave count, then runs a SlaveInitializer for each ring position in
// turn, accumulating the results into a Network (spec.md §4.8). Positions
// are brought up sequentially, not in parallel: each SlaveInitializer needs
// the bus to itself while it owns the single in-flight request slot.
type NetworkInitializer struct {
	state    niState
	posted   bool
	position int

	count   uint16
	current *SlaveInitializer
	net     *network.Network
	err     error
}

// NewNetworkInitializer starts a full ring enumeration.
func NewNetworkInitializer() *NetworkInitializer {
	return &NetworkInitializer{net: &network.Network{}}
}

func (t *NetworkInitializer) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	switch t.state {
	case niCountSlaves:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		t.posted = true
		return ecat.Command{CType: ecat.BRD, Ado: ecat.RegDlInformation}, make([]byte, 1), true
	case niInitSlave:
		if t.current == nil {
			t.current = NewSlaveInitializer(ecat.Position(uint16(t.position)))
		}
		return t.current.NextCommand(now)
	default:
		return ecat.Command{}, nil, false
	}
}

func (t *NetworkInitializer) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	switch t.state {
	case niCountSlaves:
		if recv == nil {
			t.fail(ecat.ErrLostPacket)
			return
		}
		t.count = recv.Wkc
		if t.count == 0 {
			t.net.Slaves = nil
			t.state = niComplete
			return
		}
		t.net.Slaves = make([]*network.SlaveInfo, 0, t.count)
		t.position = 0
		t.state = niInitSlave
	case niInitSlave:
		t.current.ReceiveAndProcess(recv, now)
		slave, err, done := t.current.Wait()
		if !done {
			return
		}
		if err != nil {
			t.fail(&NetworkInitializerError{Position: uint16(t.position), Inner: err})
			return
		}
		t.net.Slaves = append(t.net.Slaves, slave)
		if slave.SupportDC && t.net.Reference == nil {
			t.net.Reference = slave
		}
		t.current = nil
		t.position++
		if t.position >= int(t.count) {
			t.state = niComplete
		}
	}
}

func (t *NetworkInitializer) fail(err error) {
	t.state = niError
	t.err = err
}

// Wait reports the fully-enumerated Network once every slave has completed
// bring-up.
func (t *NetworkInitializer) Wait() (*network.Network, error, bool) {
	switch t.state {
	case niComplete:
		return t.net, nil, true
	case niError:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}

// NetworkInitializerError names the ring position whose SlaveInitializer
// failed (spec.md §4.8: "surfaced with the offending position").
type NetworkInitializerError struct {
	Position uint16
	Inner    error
}

func (e *NetworkInitializerError) Error() string {
	return fmt.Sprintf("network initializer: slave %d: %v", e.Position, e.Inner)
}

func (e *NetworkInitializerError) Unwrap() error { return e.Inner }
