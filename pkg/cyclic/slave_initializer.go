package cyclic

import (
	"encoding/binary"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

type siState uint8

const (
	siSetLoopPort siState = iota
	siRequestInitState
	siResetErrorCount
	siSetWatchDogDivider
	siDisableDlWatchDog
	siDisableSmWatchDog
	siCheckDlStatus
	siCheckDlInfo
	siClearFmmu
	siClearSm
	siGetVendorID
	siGetProductCode
	siGetRevision
	siGetProtocol
	siGetRxMailboxSize
	siGetRxMailboxOffset
	siGetTxMailboxSize
	siGetTxMailboxOffset
	siSetSmControl
	siSetSmActivation
	siSetStationAddress
	siCheckPdiControl
	siClearDcActivation
	siClearCyclicOperationStartTime
	siClearSync0CycleTime
	siClearSync1CycleTime
	siComplete
	siError
)

// SlaveInitializer drives one slave from power-on through the fixed
// bring-up sequence spec.md §4.7 describes: loop port configuration, the
// Init AL-state transition, watchdog/error-counter resets, FMMU/SM
// clearing, EEPROM identity and mailbox-layout reads, SyncManager
// programming, station-address assignment and (for DC-capable slaves)
// clearing the DC registers left stale from a prior session.
//
// The Sii/AlState sub-steps are held as concrete-typed pointer fields, not
// composed through an interface, to avoid a cycle between this task and its
// children (spec.md §9): at most one of siiSub/alSub is driven at a time,
// depending on state.
type SlaveInitializer struct {
	addr  ecat.SlaveAddress
	state siState

	siiSub *SiiReader
	alSub  *AlStateTransfer

	fmmuCount int
	smCount   int
	smNum     int

	cmdType ecat.CommandType
	cmdAdo  uint16
	posted  bool

	slave *network.SlaveInfo
	err   error
}

// NewSlaveInitializer starts bring-up for the slave at addr (typically a
// ring position, before a station address has been assigned).
func NewSlaveInitializer(addr ecat.SlaveAddress) *SlaveInitializer {
	return &SlaveInitializer{
		addr:  addr,
		state: siSetLoopPort,
		// MailboxCount (the slave's RX-direction counter) is left at its
		// zero value; MailboxReader seeds it from the first observed reply
		// rather than presuming it starts at 1 (spec.md §9 Open Question b).
		slave: &network.SlaveInfo{Position: addr.Value()},
	}
}

func (t *SlaveInitializer) writeCmd(ado uint16, payload []byte) (ecat.Command, []byte, bool) {
	t.cmdType = ecat.AutoIncrementCommand(t.addr, ecat.APWR, ecat.FPWR)
	t.cmdAdo = ado
	t.posted = true
	return ecat.Command{CType: t.cmdType, Adp: ecat.AddressToAdp(t.addr), Ado: ado}, payload, true
}

func (t *SlaveInitializer) readCmd(ado uint16, n int) (ecat.Command, []byte, bool) {
	t.cmdType = ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
	t.cmdAdo = ado
	t.posted = true
	return ecat.Command{CType: t.cmdType, Adp: ecat.AddressToAdp(t.addr), Ado: ado}, make([]byte, n), true
}

func (t *SlaveInitializer) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	switch t.state {
	case siComplete, siError:
		return ecat.Command{}, nil, false
	case siSetLoopPort:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		// Forwarding rule + auto port open/close; single-byte flags are
		// enough for the virtual ESC this drives against.
		return t.writeCmd(ecat.RegDlControl, []byte{0x01, 0x00})
	case siRequestInitState:
		if t.alSub == nil {
			t.alSub = NewAlStateTransfer(t.addr, t.slave.AlState, network.AlInit)
		}
		return t.alSub.NextCommand(now)
	case siResetErrorCount:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegRxErrorCounter, make([]byte, 2))
	case siSetWatchDogDivider:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, 2498) // 100us default
		return t.writeCmd(ecat.RegWatchDogDivider, buf)
	case siDisableDlWatchDog:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegDlUserWatchDog, make([]byte, 2))
	case siDisableSmWatchDog:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegSmChannelWatchDog, make([]byte, 2))
	case siCheckDlStatus:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.readCmd(ecat.RegDlStatus, 2)
	case siCheckDlInfo:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.readCmd(ecat.RegDlInformation, 8)
	case siClearFmmu:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegFmmuBase+uint16(t.fmmuCount)*ecat.RegFmmuSize, make([]byte, ecat.RegFmmuSize))
	case siClearSm:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegSmBase+uint16(t.smCount)*ecat.RegSmSize, make([]byte, ecat.RegSmSize))
	case siGetVendorID, siGetProductCode, siGetRevision, siGetProtocol,
		siGetRxMailboxSize, siGetRxMailboxOffset, siGetTxMailboxSize, siGetTxMailboxOffset:
		if t.siiSub == nil {
			t.siiSub = NewSiiReader(t.addr, t.siiWordFor(t.state))
		}
		return t.siiSub.NextCommand(now)
	case siSetSmControl:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegSmBase+uint16(t.smNum)*8, t.smControlPayload(t.smNum))
	case siSetSmActivation:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegSmBase+uint16(t.smNum)*8+6, t.smActivationPayload(t.smNum))
	case siSetStationAddress:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		addr := t.stationAddressValue()
		t.slave.ConfiguredAddr = addr
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, addr)
		return t.writeCmd(ecat.RegFixedStationAddress, buf)
	case siCheckPdiControl:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.readCmd(ecat.RegPdiControl, 2)
	case siClearDcActivation:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegDcActivation, make([]byte, 1))
	case siClearCyclicOperationStartTime:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegCyclicOperationStart, make([]byte, 8))
	case siClearSync0CycleTime:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		return t.writeCmd(ecat.RegSync0CycleTime, make([]byte, 4))
	case siClearSync1CycleTime:
		if t.posted {
			return ecat.Command{}, nil, false
		}
		// TODO: ClearLatch0/1CycleTime — see Open Question (a), not required for Op.
		return t.writeCmd(ecat.RegSync1CycleTime, make([]byte, 4))
	}
	return ecat.Command{}, nil, false
}

func (t *SlaveInitializer) siiWordFor(s siState) uint16 {
	switch s {
	case siGetVendorID:
		return ecat.SiiVendorID
	case siGetProductCode:
		return ecat.SiiProductCode
	case siGetRevision:
		return ecat.SiiRevisionNumber
	case siGetProtocol:
		return ecat.SiiMailboxProtocol
	case siGetRxMailboxSize:
		return ecat.SiiStdRxMailboxSize
	case siGetRxMailboxOffset:
		return ecat.SiiStdRxMailboxOffset
	case siGetTxMailboxSize:
		return ecat.SiiStdTxMailboxSize
	default: // siGetTxMailboxOffset
		return ecat.SiiStdTxMailboxOffset
	}
}

// smControlPayload writes the SyncManager's start/length/control fields
// (offsets 0..4 of its 8-byte register block); status (offset 5, read-only)
// and activation (offset 6) are separate addressable fields left untouched.
func (t *SlaveInitializer) smControlPayload(num int) []byte {
	buf := make([]byte, 5)
	sm := t.slave.SM[num]
	switch {
	case sm.IsMailboxRx():
		binary.LittleEndian.PutUint16(buf[0:2], sm.Start())
		binary.LittleEndian.PutUint16(buf[2:4], sm.Size())
		buf[4] = 0b00100010 // mailbox buffer type, PDI read access, event enable
	case sm.IsMailboxTx():
		binary.LittleEndian.PutUint16(buf[0:2], sm.Start())
		binary.LittleEndian.PutUint16(buf[2:4], sm.Size())
		buf[4] = 0b00100110 // mailbox buffer type, PDI write access, event enable
	}
	return buf
}

func (t *SlaveInitializer) smActivationPayload(num int) []byte {
	sm := t.slave.SM[num]
	if sm.IsMailboxRx() || sm.IsMailboxTx() {
		return []byte{0x01} // channel enable, no repeat
	}
	return []byte{0x00}
}

func (t *SlaveInitializer) stationAddressValue() uint16 {
	if t.addr.IsStation() {
		return t.addr.Value()
	}
	return t.addr.Value() + 1
}

func (t *SlaveInitializer) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.state == siComplete || t.state == siError {
		return
	}

	// Sub-task states route straight through before the generic
	// command/wkc gate below, since the sub-task owns that bookkeeping.
	switch t.state {
	case siRequestInitState:
		t.alSub.ReceiveAndProcess(recv, now)
		if state, err, done := t.alSub.Wait(); done {
			if err != nil {
				t.fail(&SlaveInitializerError{AlStateTransition: asAlStateTransferError(err)})
				return
			}
			t.slave.AlState = state
			t.state = siResetErrorCount
		}
		return
	case siGetVendorID, siGetProductCode, siGetRevision, siGetProtocol,
		siGetRxMailboxSize, siGetRxMailboxOffset, siGetTxMailboxSize, siGetTxMailboxOffset:
		t.siiSub.ReceiveAndProcess(recv, now)
		if out, err, done := t.siiSub.Wait(); done {
			if err != nil {
				t.fail(&SlaveInitializerError{SiiRead: err})
				return
			}
			t.applySiiResult(t.state, out)
			t.siiSub = nil
			t.state = t.afterSii(t.state)
		}
		return
	}

	if recv == nil {
		t.fail(ecat.ErrLostPacket)
		return
	}
	if recv.Command.CType != t.cmdType || recv.Command.Ado != t.cmdAdo {
		t.fail(ecat.ErrUnexpectedCommand)
		return
	}
	if recv.Wkc != 1 {
		t.fail(&ecat.UnexpectedWkcError{Wkc: recv.Wkc})
		return
	}
	t.posted = false
	data := recv.Data

	switch t.state {
	case siSetLoopPort:
		t.state = siRequestInitState
	case siResetErrorCount:
		t.state = siSetWatchDogDivider
	case siSetWatchDogDivider:
		t.state = siDisableDlWatchDog
	case siDisableDlWatchDog:
		t.state = siDisableSmWatchDog
	case siDisableSmWatchDog:
		t.state = siCheckDlStatus
	case siCheckDlStatus:
		if len(data) < 1 || data[0]&0x01 == 0 {
			t.fail(&SlaveInitializerError{FailedToLoadEEPROM: true})
			return
		}
		t.slave.LinkedPorts[0] = data[0]&0x10 != 0
		t.slave.LinkedPorts[1] = data[0]&0x20 != 0
		t.slave.LinkedPorts[2] = data[0]&0x40 != 0
		t.slave.LinkedPorts[3] = data[0]&0x80 != 0
		t.state = siCheckDlInfo
	case siCheckDlInfo:
		t.applyDlInfo(data)
		t.fmmuCount = 0
		t.state = siClearFmmu
	case siClearFmmu:
		if t.fmmuCount < 1 {
			t.fmmuCount++
		} else {
			t.smCount = 0
			t.state = siClearSm
		}
	case siClearSm:
		if t.smCount < 4 {
			t.smCount++
		} else {
			t.state = siGetVendorID
		}
	case siSetSmControl:
		t.state = siSetSmActivation
	case siSetSmActivation:
		if t.smNum >= 3 {
			t.state = siSetStationAddress
		} else {
			t.smNum++
			t.state = siSetSmControl
		}
	case siSetStationAddress:
		t.state = siCheckPdiControl
	case siCheckPdiControl:
		if len(data) >= 1 {
			t.slave.StrictAlControl = data[0]&0x01 != 0
		}
		if t.slave.SupportDC {
			t.state = siClearDcActivation
		} else {
			t.state = siComplete
		}
	case siClearDcActivation:
		t.state = siClearCyclicOperationStartTime
	case siClearCyclicOperationStartTime:
		t.state = siClearSync0CycleTime
	case siClearSync0CycleTime:
		t.state = siClearSync1CycleTime
	case siClearSync1CycleTime:
		t.state = siComplete
	}
}

func (t *SlaveInitializer) applyDlInfo(data []byte) {
	if len(data) < 6 {
		return
	}
	s := t.slave
	s.SupportDC = data[0]&0x04 != 0
	s.IsDcRange64Bits = data[0]&0x08 != 0
	s.SupportFmmuBitOp = data[1]&0x01 == 0
	s.SupportLRW = data[1]&0x02 == 0
	s.SupportRW = data[1]&0x04 == 0
	s.RamSizeKb = uint16(data[2])
	s.NumberOfFmmu = data[3]
	s.NumberOfSm = data[4]
	ports := data[5]
	for i := 0; i < 4; i++ {
		s.Ports[i] = network.PortType((ports >> uint(2*i)) & 0x03)
	}
}

func (t *SlaveInitializer) applySiiResult(state siState, out SiiReaderOutput) {
	word := binary.LittleEndian.Uint16(out.Data[:2])
	switch state {
	case siGetVendorID:
		t.slave.VendorID = binary.LittleEndian.Uint32(out.Data[:])
	case siGetProductCode:
		t.slave.ProductCode = binary.LittleEndian.Uint32(out.Data[:])
	case siGetRevision:
		t.slave.RevisionNumber = binary.LittleEndian.Uint32(out.Data[:])
	case siGetProtocol:
		t.slave.SupportCoE = out.Data[0]&0x04 != 0 // bit 2: CoE supported
	case siGetRxMailboxSize:
		if t.slave.NumberOfSm >= 4 && word != 0 {
			t.slave.SM[0] = network.MailboxRx(0, 0, word)
			t.slave.SM[2] = network.ProcessDataRx()
			t.slave.SM[3] = network.ProcessDataTx()
		} else if t.slave.NumberOfSm >= 2 {
			t.slave.SM[0] = network.ProcessDataRx()
		}
	case siGetRxMailboxOffset:
		if t.slave.SM[0].IsMailboxRx() {
			t.slave.SM[0] = network.MailboxRx(0, word, t.slave.SM[0].Size())
		}
	case siGetTxMailboxSize:
		if t.slave.NumberOfSm >= 4 && word != 0 {
			t.slave.SM[1] = network.MailboxTx(1, 0, word)
		} else if t.slave.NumberOfSm >= 4 {
			t.slave.SM[3] = network.ProcessDataTx()
		}
	case siGetTxMailboxOffset:
		if t.slave.SM[1].IsMailboxTx() {
			t.slave.SM[1] = network.MailboxTx(1, word, t.slave.SM[1].Size())
		}
		t.pickProcessDataWindow()
	}
}

func (t *SlaveInitializer) afterSii(state siState) siState {
	switch state {
	case siGetVendorID:
		return siGetProductCode
	case siGetProductCode:
		return siGetRevision
	case siGetRevision:
		return siGetProtocol
	case siGetProtocol:
		return siGetRxMailboxSize
	case siGetRxMailboxSize:
		return siGetRxMailboxOffset
	case siGetRxMailboxOffset:
		return siGetTxMailboxSize
	case siGetTxMailboxSize:
		return siGetTxMailboxOffset
	default: // siGetTxMailboxOffset
		t.smNum = 0
		return siSetSmControl
	}
}

// pickProcessDataWindow carves the leftover SyncManager RAM into a single
// process-data window, preferring the larger of the gap below the mailbox
// pair and the gap above it (spec.md §4.7, "process-data RAM window").
func (t *SlaveInitializer) pickProcessDataWindow() {
	s := t.slave
	if !s.SM[0].IsMailboxRx() || !s.SM[1].IsMailboxTx() {
		return
	}
	start := s.SM[0].Start()
	if s.SM[1].Start() < start {
		start = s.SM[1].Start()
	}
	var below uint16
	if start > 0x1000 {
		below = start - 0x1000
	}
	end := s.SM[0].End()
	if s.SM[1].End() > end {
		end = s.SM[1].End()
	}
	ramEnd := s.RamSizeKb*0x0400 - 1 + 0x1000
	var above uint16
	if ramEnd > end {
		above = ramEnd - end
	}
	var windowStart uint16
	var windowSize uint16
	if below > above {
		windowStart, windowSize = 0x1000, below
	} else {
		windowStart, windowSize = end+1, above
	}
	if windowSize == 0 {
		return
	}
	s.PdoStartAddress = &windowStart
	s.PdoRamSize = windowSize
}

func (t *SlaveInitializer) fail(err error) {
	t.state = siError
	t.err = err
}

func asAlStateTransferError(err error) *AlStateTransferError {
	if e, ok := err.(*AlStateTransferError); ok {
		return e
	}
	return nil
}

// Wait reports the discovered SlaveInfo once bring-up completes.
func (t *SlaveInitializer) Wait() (*network.SlaveInfo, error, bool) {
	switch t.state {
	case siComplete:
		return t.slave, nil, true
	case siError:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}
