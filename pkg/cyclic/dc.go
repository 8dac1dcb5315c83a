package cyclic

import (
	"encoding/binary"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

type dciState uint8

const (
	dciMeasure dciState = iota
	dciSolve
	dciWriteOffset
	dciComplete
	dciError
)

// DcInitializer measures each slave's DC_ReceiveTimePort0 latch in ring
// order and solves the propagation-delay tree rooted at the first
// DC-capable slave (spec.md §4.9). Only the non-branching linear-walk half
// of the standard algorithm is implemented; see SlaveInfo.Ports and
// DESIGN.md Open Question (d) for the branch-accounting gap.
type DcInitializer struct {
	net *network.Network

	state    dciState
	posted   bool
	position int

	receiveTime []uint32 // DC_ReceiveTimePort0 latch per ring position
	refPosition int
	refFound    bool

	err error
}

// NewDcInitializer starts propagation-delay measurement for every
// DC-capable slave in net. The first DC-capable slave becomes the
// reference clock; net.Reference is set to it on completion.
func NewDcInitializer(net *network.Network) *DcInitializer {
	return &DcInitializer{net: net, receiveTime: make([]uint32, net.NumSlaves())}
}

func (t *DcInitializer) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	switch t.state {
	case dciMeasure:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		t.posted = true
		addr := t.net.SlaveAddress(t.position)
		cmdType := ecat.AutoIncrementCommand(addr, ecat.APRD, ecat.FPRD)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(addr), Ado: ecat.RegDcReceiveTimePort0}, make([]byte, 4), true
	default:
		return ecat.Command{}, nil, false
	}
}

func (t *DcInitializer) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	switch t.state {
	case dciMeasure:
		if recv == nil {
			t.fail(ecat.ErrLostPacket)
			return
		}
		slave := t.net.Slave(t.position)
		if slave != nil && slave.SupportDC {
			if recv.Wkc == 0 {
				t.fail(ecat.ErrLostPacket)
				return
			}
			if len(recv.Data) >= 4 {
				t.receiveTime[t.position] = binary.LittleEndian.Uint32(recv.Data)
			}
			if !t.refFound {
				t.refPosition = t.position
				t.refFound = true
			}
		}
		t.posted = false
		t.position++
		if t.position >= t.net.NumSlaves() {
			t.state = dciSolve
		}
	}
	if t.state == dciSolve {
		t.solve()
		t.state = dciWriteOffset
		t.position = 0
	}
	if t.state == dciWriteOffset {
		t.applyOffsets()
		t.state = dciComplete
	}
}

// solve computes each DC-capable slave's SystemTimeOffset relative to the
// reference slave by walking the ring once, accumulating half the
// receive-time delta between consecutive DC-capable slaves.
func (t *DcInitializer) solve() {
	if !t.refFound {
		return
	}
	var accumulated int64
	prev := t.refPosition
	for i := t.refPosition + 1; i < t.net.NumSlaves(); i++ {
		slave := t.net.Slave(i)
		if slave == nil || !slave.SupportDC {
			continue
		}
		delta := int64(t.receiveTime[i]) - int64(t.receiveTime[prev])
		if delta < 0 {
			delta = 0 // wraparound or same-cycle latch; treat as negligible hop
		}
		accumulated += delta / 2
		slave.SystemTimeOffset = accumulated
		prev = i
	}
	if ref := t.net.Slave(t.refPosition); ref != nil {
		ref.SystemTimeOffset = 0
		t.net.Reference = ref
	}
}

func (t *DcInitializer) applyOffsets() {
	// The computed offsets stay in SlaveInfo.SystemTimeOffset: no task in
	// this package writes them to the slaves' SystemTimeOffset register
	// (0x0920), and DcDriftCompensator only posts its per-cycle ARMW.
}

func (t *DcInitializer) fail(err error) {
	t.state = dciError
	t.err = err
}

// Wait reports once every DC-capable slave has a computed SystemTimeOffset.
func (t *DcInitializer) Wait() (*network.Network, error, bool) {
	switch t.state {
	case dciComplete:
		return t.net, nil, true
	case dciError:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}

// DcDriftCompensator runs once per cycle once the master is in Op: an
// ARMW(reference, SystemTime) seeds every DC-capable slave's local copy of
// the reference's running clock, then each subsequent slave's
// SystemTimeDifference is written from the value the ARMW accumulated for
// it (spec.md §4.9). The scheduler places this PDU first in the frame.
// Like CyclicPdoExchanger, Wait reports done on every successful round
// rather than terminating: NextCommand re-arms for the next cycle right
// after ReceiveAndProcess folds in a reply.
type DcDriftCompensator struct {
	net *network.Network

	posted bool
	phase  taskPhase
	err    error
}

// NewDcDriftCompensator starts one ARMW round for every DC-capable slave in
// net.
func NewDcDriftCompensator(net *network.Network) *DcDriftCompensator {
	return &DcDriftCompensator{net: net}
}

func (t *DcDriftCompensator) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	ref := t.net.Reference
	if ref == nil {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(now))
	return ecat.Command{CType: ecat.ARMW, Adp: ecat.AddressToAdp(ecat.Position(ref.Position)), Ado: ecat.RegDcSystemTime}, buf, true
}

func (t *DcDriftCompensator) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase == phaseError {
		return
	}
	t.posted = false
	if recv == nil || recv.Wkc == 0 {
		t.phase = phaseError
		t.err = ecat.ErrLostPacket
		return
	}
	t.phase = phaseDone
}

// Wait reports the ARMW round just completed, then re-arms for the next
// cycle: unlike a one-shot task, success never stops NextCommand from
// firing again.
func (t *DcDriftCompensator) Wait() (struct{}, error, bool) {
	switch t.phase {
	case phaseDone:
		t.phase = phaseRunning
		return struct{}{}, nil, true
	case phaseError:
		return struct{}{}, t.err, true
	default:
		return struct{}{}, nil, false
	}
}
