// Package master composes every pkg/cyclic task into the five synchronous
// operations an application actually calls: bring slaves up, change their
// AL state, exchange an SDO, and drive one process-data cycle (spec.md §2
// item 6, §5). It lives apart from pkg/network because pkg/cyclic already
// imports pkg/network for SlaveInfo/Network/AlState — putting the facade in
// either of those packages would close an import cycle; see DESIGN.md.
package master

import (
	"errors"
	"fmt"
	"time"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/cyclic"
	"github.com/gecat-project/gecat/pkg/ecatframe"
	"github.com/gecat-project/gecat/pkg/network"
	"github.com/gecat-project/gecat/pkg/socket"
	"github.com/gecat-project/gecat/pkg/transceiver"
)

// EtherCatMaster is the external collaborator every application drives:
// bootstrap operations (InitializeSlaves, ChangeAlState, ReadSdo, WriteSdo)
// run one command-response exchange at a time over a CommandInterface;
// ProcessOneCycle packs DC compensation, process-data exchange and a
// round-robin link-health check into a single socket.Scheduler frame per
// call, the steady-state shape spec.md §5 requires.
type EtherCatMaster struct {
	ci    *ecatframe.CommandInterface
	sched *socket.Scheduler

	cmdTimeout time.Duration
	maxCycles  int

	net *network.Network

	running bool

	dc          *cyclic.DcDriftCompensator
	pdo         *cyclic.CyclicPdoExchanger
	rxCheckers  []*cyclic.RxErrorChecker
	rxSlot      int
	rxThreshold uint32

	dcSocket  *socket.Socket
	pdoSocket *socket.Socket
	rxSockets []*socket.Socket
}

// NewEtherCatMaster builds a facade that transmits from srcMAC over tx.
// cmdTimeout bounds each bootstrap command-response wait; zero defaults to
// 100ms. maxCycles bounds how many process_one_cycle-style rounds a
// bootstrap operation may take before giving up with ErrLostPacket; zero
// defaults to 10000.
func NewEtherCatMaster(tx transceiver.Transceiver, srcMAC [6]byte, cmdTimeout time.Duration, maxCycles int) *EtherCatMaster {
	if cmdTimeout == 0 {
		cmdTimeout = 100 * time.Millisecond
	}
	if maxCycles == 0 {
		maxCycles = 10000
	}
	return &EtherCatMaster{
		ci:         ecatframe.NewCommandInterface(srcMAC, tx),
		cmdTimeout: cmdTimeout,
		maxCycles:  maxCycles,
	}
}

// runToCompletion pumps task against m.ci, one command-response exchange at
// a time, until Wait reports done or maxCycles is exceeded. A reply that
// doesn't match the posted command (ErrUnexpectedCommand) is treated the
// same as any other fatal interface error: the task's own retry logic only
// ever sees ErrLostPacket, since that's the only transient condition a real
// link actually produces.
func runToCompletion[Out any](ci *ecatframe.CommandInterface, task cyclic.CyclicProcess[Out], timeout time.Duration, maxCycles int) (Out, error) {
	var zero Out
	now := ecat.Now()
	for i := 0; i < maxCycles; i++ {
		cmd, payload, ok := task.NextCommand(now)
		var recv *ecat.ReceivedData
		if ok {
			rd, err := ci.TransmitAndWait(cmd, payload, timeout)
			switch {
			case err == nil:
				recv = &rd
			case errors.Is(err, ecat.ErrLostPacket):
				recv = nil
			default:
				return zero, err
			}
		}
		now = ecat.Now()
		task.ReceiveAndProcess(recv, now)
		if out, err, done := task.Wait(); done {
			return out, err
		}
	}
	return zero, ecat.ErrLostPacket
}

// InitializeSlaves enumerates the ring, assigns fixed station addresses and
// allocates each slave's mailbox/process-data sync managers, leaving every
// slave in Init (spec.md §4.7/§4.8).
func (m *EtherCatMaster) InitializeSlaves() (*network.Network, error) {
	net, err := runToCompletion[*network.Network](m.ci, cyclic.NewNetworkInitializer(), m.cmdTimeout, m.maxCycles)
	if err != nil {
		return nil, err
	}
	for i := range net.Slaves {
		addr := net.SlaveAddress(i)
		if _, err := runToCompletion[*network.SlaveInfo](m.ci, cyclic.NewSlaveInitializer(addr), m.cmdTimeout, m.maxCycles); err != nil {
			return nil, err
		}
	}
	m.net = net
	return net, nil
}

// alStateTimeout mirrors pkg/cyclic's unexported state-transition timeout
// table (spec.md §4.4) for the broadcast path, which cannot reuse
// AlStateTransfer (single-address only).
func alStateTimeout(from, to network.AlState) time.Duration {
	switch {
	case to == network.AlInit:
		return 5 * time.Second
	case from == network.AlInit && to == network.AlPreOperational:
		return 3 * time.Second
	default:
		return 10 * time.Second
	}
}

// ChangeAlState drives target to state to, waiting for every addressed
// slave to report it (spec.md §4.4, §8 scenario 3). A single slave reuses
// AlStateTransfer; a broadcast target writes ALControl once and polls
// ALStatus with AlStateReader since AlStateTransfer has no All() mode.
func (m *EtherCatMaster) ChangeAlState(target ecat.TargetSlave, from, to network.AlState) error {
	if target.IsSingle() {
		_, err := runToCompletion[network.AlState](m.ci, cyclic.NewAlStateTransfer(target.Address(), from, to), m.cmdTimeout, m.maxCycles)
		return err
	}

	payload := []byte{to.RegisterValue(), 0x00}
	if _, err := m.ci.TransmitAndWait(ecat.Command{CType: ecat.BWR, Ado: ecat.RegAlControl}, payload, m.cmdTimeout); err != nil {
		return err
	}

	deadline := time.Now().Add(alStateTimeout(from, to))
	for {
		reader := cyclic.NewAlStateReader(target, m.cmdTimeout)
		out, err := runToCompletion[cyclic.AlStateReaderOutput](m.ci, reader, m.cmdTimeout, m.maxCycles)
		if err != nil {
			return err
		}
		if out.State == to {
			return nil
		}
		if time.Now().After(deadline) {
			return &cyclic.AlStateTransferError{TimeoutMs: uint32(alStateTimeout(from, to).Milliseconds()), Current: out.State}
		}
	}
}

func (m *EtherCatMaster) slaveByAddress(addr ecat.SlaveAddress) *network.SlaveInfo {
	if m.net == nil {
		return nil
	}
	if !addr.IsStation() {
		return m.net.Slave(int(addr.Value()))
	}
	for _, s := range m.net.Slaves {
		if s.ConfiguredAddr == addr.Value() {
			return s
		}
	}
	return nil
}

// ReadSdo reads (index,sub) from the slave addressed by addr over its
// mailbox sync managers (spec.md §4.6, §8 scenario 4).
func (m *EtherCatMaster) ReadSdo(addr ecat.SlaveAddress, index uint16, sub uint8) ([]byte, error) {
	slave := m.slaveByAddress(addr)
	if slave == nil {
		return nil, ecat.ErrIllegalArgument
	}
	task := cyclic.NewSdoUploader(addr, slave.ConfiguredAddr, slave.SM[0].Start(), slave.SM[0].Size(), slave.SM[1].Start(), slave.SM[1].Size(), slave, index, sub)
	return runToCompletion[[]byte](m.ci, task, m.cmdTimeout, m.maxCycles)
}

// WriteSdo writes data to (index,sub) on the slave addressed by addr.
func (m *EtherCatMaster) WriteSdo(addr ecat.SlaveAddress, index uint16, sub uint8, data []byte) error {
	slave := m.slaveByAddress(addr)
	if slave == nil {
		return ecat.ErrIllegalArgument
	}
	task := cyclic.NewSdoDownloader(addr, slave.ConfiguredAddr, slave.SM[0].Start(), slave.SM[0].Size(), slave.SM[1].Start(), slave.SM[1].Size(), slave, index, sub, data)
	_, err := runToCompletion[struct{}](m.ci, task, m.cmdTimeout, m.maxCycles)
	return err
}

// StartCyclicOperation lays out SM/FMMU process-data mappings and arms the
// steady-state tasks ProcessOneCycle drives every call thereafter. Call
// once net has reached Operational via ChangeAlState; rxErrorThreshold
// bounds RxErrorCounter delta per round-robin check (spec.md §4.9/§4.10,
// §6 0x0300).
func (m *EtherCatMaster) StartCyclicOperation(srcMAC [6]byte, tx transceiver.Transceiver, rxErrorThreshold uint32) {
	m.pdo = cyclic.NewCyclicPdoExchanger(m.net)
	if m.net.Reference != nil {
		m.dc = cyclic.NewDcDriftCompensator(m.net)
	}
	m.rxCheckers = make([]*cyclic.RxErrorChecker, m.net.NumSlaves())
	m.rxThreshold = rxErrorThreshold

	numSockets := 2 + m.net.NumSlaves() // pdo + dc + one per slave's rx checker
	m.sched = socket.NewScheduler(numSockets, srcMAC, tx)
	m.pdoSocket = m.sched.Socket(0)
	m.dcSocket = m.sched.Socket(1)
	m.rxSockets = make([]*socket.Socket, m.net.NumSlaves())
	for i := range m.rxSockets {
		m.rxSockets[i] = m.sched.Socket(2 + i)
	}
}

// Outputs returns the process-image buffer to fill with RxPdo (slave
// output) values before the next ProcessOneCycle call.
func (m *EtherCatMaster) Outputs() []byte { return m.pdo.Outputs() }

// Inputs returns the process-image buffer holding TxPdo (slave input)
// values read back on the last ProcessOneCycle call.
func (m *EtherCatMaster) Inputs() []byte { return m.pdo.Inputs() }

// CycleCount reports how many process-data rounds have completed.
func (m *EtherCatMaster) CycleCount() uint64 { return m.pdo.CycleCount() }

// postIfReady posts sock's next command when the underlying task has one
// ready to emit; it is a no-op otherwise (task still waiting on a reply, or
// done).
func postIfReady[Out any](sock *socket.Socket, task cyclic.CyclicProcess[Out], now ecat.EtherCatSystemTime) {
	if cmd, payload, ok := task.NextCommand(now); ok {
		sock.Post(cmd, payload)
	}
}

// consumeReply folds whatever reply sock collected this Poll back into
// task, and surfaces its terminal error, if any.
func consumeReply[Out any](sock *socket.Socket, task cyclic.CyclicProcess[Out], now ecat.EtherCatSystemTime) error {
	var recv *ecat.ReceivedData
	if rd, ok := sock.TryRecv(); ok {
		recv = &rd
	}
	task.ReceiveAndProcess(recv, now)
	if _, err, done := task.Wait(); done && err != nil {
		return err
	}
	return nil
}

// ProcessOneCycle drives exactly one steady-state round: DC drift
// compensation (if a reference clock was found), the process-data
// exchange, and one round-robin RxErrorCounter check, all packed into a
// single scheduler frame (spec.md §5, §8 scenario 6). Re-entrant calls are
// rejected, matching the single-threaded cooperative scheduling model.
//
// Commands for this round are posted first, then the scheduler's one
// Poll sends and receives the packed frame, then replies are folded back —
// never the other way around, or a socket's unread reply from the previous
// round could be clobbered by the next Post before ever reaching TryRecv.
func (m *EtherCatMaster) ProcessOneCycle(now ecat.EtherCatSystemTime) error {
	if m.running {
		return ecat.ErrReentrant
	}
	m.running = true
	defer func() { m.running = false }()

	if m.pdo == nil {
		return fmt.Errorf("process_one_cycle called before StartCyclicOperation")
	}

	var activeChecker *cyclic.RxErrorChecker
	if m.rxThreshold > 0 && len(m.rxCheckers) > 0 {
		if m.rxCheckers[m.rxSlot] == nil {
			if slave := m.net.Slave(m.rxSlot); slave != nil {
				m.rxCheckers[m.rxSlot] = cyclic.NewRxErrorChecker(m.net.SlaveAddress(m.rxSlot), slave, m.rxThreshold)
			}
		}
		activeChecker = m.rxCheckers[m.rxSlot]
	}

	if m.dc != nil {
		postIfReady[struct{}](m.dcSocket, m.dc, now)
	}
	postIfReady[uint64](m.pdoSocket, m.pdo, now)
	if activeChecker != nil {
		postIfReady[cyclic.RxErrorCheckerOutput](m.rxSockets[m.rxSlot], activeChecker, now)
	}

	if err := m.sched.Poll(now); err != nil {
		return err
	}

	if m.dc != nil {
		if err := consumeReply[struct{}](m.dcSocket, m.dc, now); err != nil {
			return err
		}
	}
	if err := consumeReply[uint64](m.pdoSocket, m.pdo, now); err != nil {
		return err
	}
	if activeChecker != nil {
		if err := consumeReply[cyclic.RxErrorCheckerOutput](m.rxSockets[m.rxSlot], activeChecker, now); err != nil {
			return err
		}
		if _, _, done := activeChecker.Wait(); done {
			m.rxCheckers[m.rxSlot] = nil
			m.rxSlot = (m.rxSlot + 1) % len(m.rxCheckers)
		}
	}

	return nil
}
