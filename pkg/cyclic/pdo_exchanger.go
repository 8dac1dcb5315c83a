package cyclic

import (
	"encoding/binary"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

// FMMU register "type" bits (spec.md §6, 0x0600 FmmuRegister): which
// direction of logical access this entry participates in.
const (
	fmmuTypeLogicalRead  = 0x01 // LRD/LRW read half copies physical -> logical (slave inputs)
	fmmuTypeLogicalWrite = 0x02 // LWR/LRW write half copies logical -> physical (slave outputs)
)

type pdoStep uint8

const (
	pdoConfigureSmRx pdoStep = iota
	pdoConfigureSmTx
	pdoConfigureFmmuRx
	pdoConfigureFmmuTx
	pdoExchangeOut
	pdoExchangeIn
)

// CyclicPdoExchanger programs SM2/SM3 and FMMU0/FMMU1 for every slave
// carrying a non-empty RxPdo/TxPdo mapping, laying their logical windows
// out contiguously (outputs region first, then inputs region), then runs
// steady-state process-data exchange as a single LRW per cycle — or an
// LRD+LWR pair when any participating slave lacks LRW support (spec.md
// §4.10).
type CyclicPdoExchanger struct {
	net *network.Network

	step     pdoStep
	position int
	posted   bool

	useLrw      bool
	rxTotal     uint32 // total output bytes (master -> slaves)
	txTotal     uint32 // total input bytes (slaves -> master)

	outImage []byte // bytes the master writes to slave outputs each cycle
	inImage  []byte // bytes read back from slave inputs each cycle

	cycleCount uint64
	phase      taskPhase
	err        error
}

// NewCyclicPdoExchanger lays out logical addressing for every slave in net
// whose RxPdo/TxPdo mapping is non-empty and starts configuring SM/FMMU
// entries. Slaves must already have SM2/SM3 allocated by SlaveInitializer's
// process-data window (PdoStartAddress/PdoRamSize).
func NewCyclicPdoExchanger(net *network.Network) *CyclicPdoExchanger {
	e := &CyclicPdoExchanger{net: net, useLrw: true}
	var rxCursor, txCursor uint32
	for _, s := range net.Slaves {
		if !s.SupportLRW {
			e.useLrw = false
		}
		if n := s.RxPdo.TotalBytes(); n > 0 {
			s.LogicalStart = uint16(rxCursor)
			rxCursor += uint32(n)
		}
	}
	e.rxTotal = rxCursor
	txCursor = rxCursor // inputs region starts right after outputs region
	for _, s := range net.Slaves {
		if n := s.TxPdo.TotalBytes(); n > 0 {
			s.LogicalStart = uint16(txCursor)
			txCursor += uint32(n)
		}
	}
	e.txTotal = txCursor - rxCursor
	e.outImage = make([]byte, e.rxTotal)
	e.inImage = make([]byte, e.txTotal)
	e.skipToNext()
	return e
}

// Outputs returns the buffer the caller should fill before each cycle with
// the next set of RxPdo (slave-output) values.
func (e *CyclicPdoExchanger) Outputs() []byte { return e.outImage }

// Inputs returns the buffer holding the TxPdo (slave-input) values read
// back on the last successful cycle.
func (e *CyclicPdoExchanger) Inputs() []byte { return e.inImage }

// CycleCount reports how many full round-trips have completed.
func (e *CyclicPdoExchanger) CycleCount() uint64 { return e.cycleCount }

func smProcessDataPayload(start, size uint16, direction byte) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint16(buf[0:2], start)
	binary.LittleEndian.PutUint16(buf[2:4], size)
	buf[4] = direction
	return buf
}

func fmmuEntry(logicalStart uint32, length uint16, physicalStart uint16, fmmuType byte) []byte {
	buf := make([]byte, ecat.RegFmmuSize)
	binary.LittleEndian.PutUint32(buf[0:4], logicalStart)
	binary.LittleEndian.PutUint16(buf[4:6], length)
	buf[6] = 0 // logical start bit
	buf[7] = 7 // logical stop bit
	binary.LittleEndian.PutUint16(buf[8:10], physicalStart)
	buf[10] = 0 // physical start bit
	buf[11] = fmmuType
	buf[12] = 0x01 // activate
	return buf
}

func (e *CyclicPdoExchanger) slave() *network.SlaveInfo { return e.net.Slave(e.position) }

// stepNeedsCommand reports whether the current (step, position) pair has
// anything to send: a configuration step is skipped for a slave that
// carries no mapping in that direction.
func (e *CyclicPdoExchanger) stepNeedsCommand() bool {
	s := e.slave()
	if s == nil {
		return false
	}
	switch e.step {
	case pdoConfigureSmRx, pdoConfigureFmmuRx:
		return s.RxPdo.TotalBytes() > 0
	case pdoConfigureSmTx, pdoConfigureFmmuTx:
		return s.TxPdo.TotalBytes() > 0
	default:
		return true
	}
}

// advanceConfigStep moves to the next slave, or the next configuration
// step once every slave has been visited for the current step.
func (e *CyclicPdoExchanger) advanceConfigStep() {
	e.position++
	if e.position < e.net.NumSlaves() {
		return
	}
	e.position = 0
	switch e.step {
	case pdoConfigureSmRx:
		e.step = pdoConfigureSmTx
	case pdoConfigureSmTx:
		e.step = pdoConfigureFmmuRx
	case pdoConfigureFmmuRx:
		e.step = pdoConfigureFmmuTx
	case pdoConfigureFmmuTx:
		e.step = pdoExchangeOut
	}
}

// skipToNext walks forward over slaves/steps that need no command, without
// ever posting anything — keeps NextCommand from stalling on a slave that
// carries no PDO mapping in the direction the current step configures.
func (e *CyclicPdoExchanger) skipToNext() {
	for e.step != pdoExchangeOut && e.step != pdoExchangeIn && !e.stepNeedsCommand() {
		e.advanceConfigStep()
	}
}

func (e *CyclicPdoExchanger) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if e.phase == phaseError {
		return ecat.Command{}, nil, false
	}
	if e.posted {
		return ecat.Command{}, nil, false
	}
	e.posted = true
	s := e.slave()
	addr := e.net.SlaveAddress(e.position)

	switch e.step {
	case pdoConfigureSmRx:
		cmdType := ecat.AutoIncrementCommand(addr, ecat.APWR, ecat.FPWR)
		payload := smProcessDataPayload(s.SM[2].Start(), uint16(s.RxPdo.TotalBytes()), 0b01100100)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(addr), Ado: ecat.RegSmBase + 2*8}, payload, true
	case pdoConfigureSmTx:
		cmdType := ecat.AutoIncrementCommand(addr, ecat.APWR, ecat.FPWR)
		payload := smProcessDataPayload(s.SM[3].Start(), uint16(s.TxPdo.TotalBytes()), 0b00100100)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(addr), Ado: ecat.RegSmBase + 3*8}, payload, true
	case pdoConfigureFmmuRx:
		cmdType := ecat.AutoIncrementCommand(addr, ecat.APWR, ecat.FPWR)
		// Outputs come first in logical space, so this slave's output window
		// starts after the output bytes of every slave before it.
		var rxStart uint32
		for _, prev := range e.net.Slaves[:e.position] {
			rxStart += uint32(prev.RxPdo.TotalBytes())
		}
		entry := fmmuEntry(rxStart, uint16(s.RxPdo.TotalBytes()), s.SM[2].Start(), fmmuTypeLogicalWrite)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(addr), Ado: ecat.RegFmmuBase}, entry, true
	case pdoConfigureFmmuTx:
		cmdType := ecat.AutoIncrementCommand(addr, ecat.APWR, ecat.FPWR)
		entry := fmmuEntry(uint32(s.LogicalStart), uint16(s.TxPdo.TotalBytes()), s.SM[3].Start(), fmmuTypeLogicalRead)
		return ecat.Command{CType: cmdType, Adp: ecat.AddressToAdp(addr), Ado: ecat.RegFmmuBase + ecat.RegFmmuSize}, entry, true
	case pdoExchangeOut:
		if e.useLrw {
			buf := make([]byte, e.rxTotal+e.txTotal)
			copy(buf, e.outImage)
			return ecat.Command{CType: ecat.LRW, Adp: 0, Ado: 0}, buf, true
		}
		buf := append([]byte(nil), e.outImage...)
		return ecat.Command{CType: ecat.LWR, Adp: 0, Ado: 0}, buf, true
	default: // pdoExchangeIn, only reached when LRW is unavailable
		buf := make([]byte, e.txTotal)
		return ecat.Command{CType: ecat.LRD, Adp: 0, Ado: uint16(e.rxTotal)}, buf, true
	}
}

func (e *CyclicPdoExchanger) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if e.phase == phaseError {
		return
	}
	if recv == nil {
		e.phase = phaseError
		e.err = ecat.ErrLostPacket
		return
	}
	e.posted = false

	switch e.step {
	case pdoConfigureSmRx, pdoConfigureSmTx, pdoConfigureFmmuRx, pdoConfigureFmmuTx:
		e.advanceConfigStep()
		e.skipToNext()
	case pdoExchangeOut:
		n := uint16(e.net.NumSlaves())
		if e.useLrw {
			expected := 3 * n
			if recv.Wkc != expected {
				e.phase = phaseError
				e.err = &ecat.UnexpectedWkcError{Wkc: recv.Wkc}
				return
			}
			if len(recv.Data) >= int(e.rxTotal+e.txTotal) {
				copy(e.inImage, recv.Data[e.rxTotal:e.rxTotal+e.txTotal])
			}
			e.cycleCount++
			e.phase = phaseDone
			return
		}
		if recv.Wkc != n {
			e.phase = phaseError
			e.err = &ecat.UnexpectedWkcError{Wkc: recv.Wkc}
			return
		}
		e.step = pdoExchangeIn
	case pdoExchangeIn:
		n := uint16(e.net.NumSlaves())
		if recv.Wkc != n {
			e.phase = phaseError
			e.err = &ecat.UnexpectedWkcError{Wkc: recv.Wkc}
			return
		}
		if len(recv.Data) >= int(e.txTotal) {
			copy(e.inImage, recv.Data)
		}
		e.cycleCount++
		e.step = pdoExchangeOut
		e.phase = phaseDone
	}
}

// Wait reports the latest completed round-trip's cycle count. Once steady
// state is reached it reports done on every call — the caller drives the
// next cycle by calling NextCommand/ReceiveAndProcess again, exactly as
// process_one_cycle does for every other cyclic task (spec.md §5).
func (e *CyclicPdoExchanger) Wait() (uint64, error, bool) {
	switch e.phase {
	case phaseDone:
		return e.cycleCount, nil, true
	case phaseError:
		return e.cycleCount, e.err, true
	default:
		return e.cycleCount, nil, false
	}
}
