package cyclic

import (
	"encoding/binary"
	"time"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

// RxLinkState mirrors the unconfigured/unknown/active/timeout shape of a
// heartbeat-style link monitor, applied here to a slave's RxErrorCounter
// instead of an NMT heartbeat.
type RxLinkState uint8

const (
	RxLinkUnconfigured RxLinkState = iota // threshold is zero: checking is disabled for this slave
	RxLinkUnknown                         // no read has completed yet
	RxLinkActive                          // error count advanced by no more than threshold since the last check
	RxLinkTimeout                         // error count advanced by more than threshold since the last check
)

// RxErrorCheckerOutput is one slave's RxErrorCounter snapshot and the
// resulting link state.
type RxErrorCheckerOutput struct {
	State RxLinkState
	Count uint32
}

// RxErrorChecker reads one slave's RxErrorCounter once and folds the delta
// since the last known value into a link-health state (spec.md §6:
// 0x0300 RxErrorCounter). Intended to be re-constructed for the next slave
// in round-robin fashion by the steady-state driver loop, the way
// DcDriftCompensator is re-armed once per cycle.
type RxErrorChecker struct {
	addr      ecat.SlaveAddress
	slave     *network.SlaveInfo
	threshold uint32

	posted bool
	phase  taskPhase
	out    RxErrorCheckerOutput
	err    error

	dline   deadline
	timeout time.Duration
}

// NewRxErrorChecker starts a single RxErrorCounter read for addr. threshold
// is the maximum per-check increment tolerated before the link is reported
// RxLinkTimeout; zero disables checking (RxLinkUnconfigured).
func NewRxErrorChecker(addr ecat.SlaveAddress, slave *network.SlaveInfo, threshold uint32) *RxErrorChecker {
	state := RxLinkUnknown
	if threshold == 0 {
		state = RxLinkUnconfigured
	}
	return &RxErrorChecker{
		addr: addr, slave: slave, threshold: threshold, timeout: 100 * time.Millisecond,
		out: RxErrorCheckerOutput{State: state, Count: slave.RxErrorCount},
	}
}

func (t *RxErrorChecker) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	if !t.dline.started {
		t.dline.begin(now)
	}
	cmdType := ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
	return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(t.addr), Ado: ecat.RegRxErrorCounter}, make([]byte, 2), true
}

func (t *RxErrorChecker) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
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
	if recv.Wkc == 0 {
		t.phase = phaseError
		t.err = ecat.ErrLostPacket
		return
	}

	count := uint32(binary.LittleEndian.Uint16(recv.Data))
	prev := t.slave.RxErrorCount
	t.slave.RxErrorCount = count

	state := RxLinkActive
	switch {
	case t.threshold == 0:
		state = RxLinkUnconfigured
	case count > prev && count-prev > t.threshold:
		state = RxLinkTimeout
	}
	t.out = RxErrorCheckerOutput{State: state, Count: count}
	t.phase = phaseDone
}

func (t *RxErrorChecker) Wait() (RxErrorCheckerOutput, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return RxErrorCheckerOutput{}, t.err, true
	default:
		return RxErrorCheckerOutput{}, nil, false
	}
}
