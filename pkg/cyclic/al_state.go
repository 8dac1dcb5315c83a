package cyclic

import (
	"time"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

type taskPhase uint8

const (
	phaseRunning taskPhase = iota
	phaseDone
	phaseError
	// phaseReadStatusCode is only used by AlStateTransfer: once the
	// error-ack bit is observed, it reads ALStatusCode before settling
	// into phaseError so the real abort code reaches the caller.
	phaseReadStatusCode
)

// AlStateReaderOutput is the terminal result of an AlStateReader poll
// (spec.md §4.4: "the WKC itself is the primary result").
type AlStateReaderOutput struct {
	State network.AlState
	Wkc   uint16
}

// AlStateReader issues a single BRD(ALStatus), or an AP/FPRD when reading
// one slave.
type AlStateReader struct {
	target  ecat.TargetSlave
	addr    ecat.SlaveAddress
	phase   taskPhase
	posted  bool
	out     AlStateReaderOutput
	err     error
	dline   deadline
	timeout time.Duration
}

// NewAlStateReader starts a reader for target; timeout bounds a single
// missing-reply wait (default 100ms per spec.md §5 if zero is passed).
func NewAlStateReader(target ecat.TargetSlave, timeout time.Duration) *AlStateReader {
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	t := &AlStateReader{target: target, timeout: timeout}
	if target.IsSingle() {
		t.addr = target.Address()
	}
	return t
}

func (t *AlStateReader) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	t.dline.begin(now)

	cmd := ecat.Command{CType: ecat.BRD, Ado: ecat.RegAlStatus}
	if t.target.IsSingle() {
		cmd.CType = ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
		cmd.Adp = ecat.AddressToAdp(t.addr)
	}
	return cmd, make([]byte, 2), true
}

func (t *AlStateReader) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase != phaseRunning {
		return
	}
	if recv == nil {
		if t.dline.expired(now, t.timeout) {
			t.phase = phaseError
			t.err = ecat.ErrLostPacket
		}
		return
	}

	n := uint16(1)
	if !t.target.IsSingle() {
		n = t.target.Count()
	}
	expected := ecat.ExpectedWkc(recv.Command.CType, n)

	states := map[network.AlState]bool{}
	if len(recv.Data) >= 1 {
		states[network.FromAlStatusLowNibble(recv.Data[0])] = true
	}
	state := network.AlInvalidOrMixed
	if len(states) == 1 {
		for s := range states {
			state = s
		}
	}

	t.out = AlStateReaderOutput{State: state, Wkc: recv.Wkc}
	if recv.Wkc != expected {
		// WKC deviation is reported but the read is still the primary
		// result; the reader does not fail the task outright.
		t.out.State = network.AlInvalidOrMixed
	}
	t.phase = phaseDone
}

func (t *AlStateReader) Wait() (AlStateReaderOutput, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return AlStateReaderOutput{}, t.err, true
	default:
		return AlStateReaderOutput{}, nil, false
	}
}

// alStateTimeout returns the state-transition timeout table from spec.md
// §4.4.
func alStateTimeout(from, to network.AlState) time.Duration {
	switch {
	case to == network.AlInit:
		return 5 * time.Second
	case (from == network.AlInit && to == network.AlPreOperational) ||
		(from == network.AlPreOperational && to == network.AlInit):
		return 3 * time.Second
	default:
		return 10 * time.Second
	}
}

// AlStateTransfer writes ALControl with the requested target state, then
// polls ALStatus until it matches, the error-ack bit fires, or the
// state-specific timeout elapses (spec.md §4.4).
type AlStateTransfer struct {
	addr   ecat.SlaveAddress
	from   network.AlState
	target network.AlState

	phase       taskPhase
	wroteTarget bool
	posted      bool
	out         network.AlState
	err         error

	dline         deadline
	timeout       time.Duration
	transientWkc0 int

	// errCurrent carries the state captured when the error-ack bit fired,
	// while phaseReadStatusCode fetches the real ALStatusCode to go with it.
	errCurrent network.AlState
}

// NewAlStateTransfer starts a transfer for one slave from its last-known
// state to target.
func NewAlStateTransfer(addr ecat.SlaveAddress, from, target network.AlState) *AlStateTransfer {
	return &AlStateTransfer{
		addr:    addr,
		from:    from,
		target:  target,
		timeout: alStateTimeout(from, target),
	}
}

func (t *AlStateTransfer) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase == phaseReadStatusCode {
		if t.posted {
			return ecat.Command{}, nil, false
		}
		t.posted = true
		cmdType := ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(t.addr), Ado: ecat.RegAlStatusCode}, make([]byte, 2), true
	}
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	if !t.dline.started {
		t.dline.begin(now)
	}

	cmdType := ecat.AutoIncrementCommand(t.addr, ecat.APWR, ecat.FPWR)
	ado := ecat.RegAlControl
	payload := []byte{t.target.RegisterValue(), 0x00}
	if t.wroteTarget {
		cmdType = ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
		ado = ecat.RegAlStatus
		payload = make([]byte, 2)
	}
	return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(t.addr), Ado: ado}, payload, true
}

func (t *AlStateTransfer) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase == phaseReadStatusCode {
		if recv == nil {
			if t.dline.expired(now, t.timeout) {
				t.phase = phaseError
				t.err = &AlStateTransferError{Current: t.errCurrent} // ALStatusCode unknown, read never answered
			}
			return // the status-code read hasn't been answered yet this cycle
		}
		var code uint16
		if len(recv.Data) >= 2 {
			code = uint16(recv.Data[0]) | uint16(recv.Data[1])<<8
		}
		t.phase = phaseError
		t.err = &AlStateTransferError{AlStatusCode: code, Current: t.errCurrent}
		return
	}
	if t.phase != phaseRunning {
		return
	}

	if t.dline.expired(now, t.timeout) {
		t.phase = phaseError
		t.err = &AlStateTransferError{TimeoutMs: uint32(t.timeout.Milliseconds()), Current: t.from}
		return
	}
	if recv == nil {
		return // the posted request hasn't been answered yet this cycle
	}

	if recv.Wkc == 0 {
		t.transientWkc0++
		if t.transientWkc0 > 3 {
			t.phase = phaseError
			t.err = ecat.ErrLostPacket
			return
		}
		t.posted = false // retry the same step
		return
	}
	t.transientWkc0 = 0
	t.posted = false

	if !t.wroteTarget {
		t.wroteTarget = true
		return
	}

	if len(recv.Data) < 2 {
		return
	}
	status := recv.Data[0]
	current := network.FromAlStatusLowNibble(status)
	t.from = current
	if status&0x10 != 0 {
		t.errCurrent = current
		t.phase = phaseReadStatusCode
		t.posted = false
		return
	}
	if current == t.target {
		t.out = current
		t.phase = phaseDone
	}
}

func (t *AlStateTransfer) Wait() (network.AlState, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return network.AlInvalidOrMixed, t.err, true
	default:
		return network.AlInvalidOrMixed, nil, false
	}
}
