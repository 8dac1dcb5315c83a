package cyclic

import (
	"encoding/binary"
	"time"

	ecat "github.com/gecat-project/gecat"
)

type siiStep uint8

const (
	siiWriteAddress siiStep = iota
	siiTriggerRead
	siiPollBusy
	siiReadData
)

// SII_Control status bits this simulation/reader decodes (spec.md §4.5).
const (
	siiBitBusy             = 0x01
	siiBitPermissionDenied = 0x02
	siiBitCommandError     = 0x04
	siiBitAddressError     = 0x08
	siiBitNotOperational   = 0x10
)

// SiiReaderOutput is the 32-bit word read from the slave's EEPROM.
type SiiReaderOutput struct {
	Data [4]byte
}

// SiiReader reads one 32-bit word from slave EEPROM via the SII register
// file (spec.md §4.5).
type SiiReader struct {
	addr     ecat.SlaveAddress
	wordAddr uint16

	step   siiStep
	posted bool
	phase  taskPhase
	out    SiiReaderOutput
	err    error

	dline   deadline
	timeout time.Duration
}

// NewSiiReader starts a read of wordAddr from addr's EEPROM.
func NewSiiReader(addr ecat.SlaveAddress, wordAddr uint16) *SiiReader {
	return &SiiReader{addr: addr, wordAddr: wordAddr, timeout: 10 * time.Millisecond}
}

func (t *SiiReader) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true

	writeType := ecat.AutoIncrementCommand(t.addr, ecat.APWR, ecat.FPWR)
	readType := ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
	adp := ecat.AddressToAdp(t.addr)

	switch t.step {
	case siiWriteAddress:
		payload := make([]byte, 2)
		binary.LittleEndian.PutUint16(payload, t.wordAddr)
		return ecat.Command{CType: writeType, Adp: adp, Ado: ecat.RegSiiAddress}, payload, true
	case siiTriggerRead:
		return ecat.Command{CType: writeType, Adp: adp, Ado: ecat.RegSiiControl}, []byte{0x01, 0x00}, true
	case siiPollBusy:
		if !t.dline.started {
			t.dline.begin(now)
		}
		return ecat.Command{CType: readType, Adp: adp, Ado: ecat.RegSiiControl}, make([]byte, 2), true
	default: // siiReadData
		return ecat.Command{CType: readType, Adp: adp, Ado: ecat.RegSiiData}, make([]byte, 4), true
	}
}

func (t *SiiReader) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase != phaseRunning {
		return
	}
	if recv == nil {
		if t.step == siiPollBusy && t.dline.expired(now, t.timeout) {
			t.phase = phaseError
			t.err = ErrSiiTimeout
		}
		return
	}
	if recv.Wkc == 0 {
		t.phase = phaseError
		t.err = ecat.ErrLostPacket
		return
	}

	switch t.step {
	case siiWriteAddress:
		t.step = siiTriggerRead
		t.posted = false
	case siiTriggerRead:
		t.step = siiPollBusy
		t.posted = false
	case siiPollBusy:
		status := recv.Data[0]
		switch {
		case status&siiBitBusy != 0:
			t.posted = false // keep polling
		case status&siiBitPermissionDenied != 0:
			t.phase = phaseError
			t.err = ErrSiiPermissionDenied
		case status&siiBitNotOperational != 0:
			t.phase = phaseError
			t.err = ErrSiiDeviceInfoNotOperational
		case status&siiBitCommandError != 0:
			t.phase = phaseError
			t.err = ErrSiiCommandError
		case status&siiBitAddressError != 0:
			t.phase = phaseError
			t.err = ErrSiiAddressError
		default:
			t.step = siiReadData
			t.posted = false
		}
	case siiReadData:
		copy(t.out.Data[:], recv.Data)
		t.phase = phaseDone
	}
}

func (t *SiiReader) Wait() (SiiReaderOutput, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return SiiReaderOutput{}, t.err, true
	default:
		return SiiReaderOutput{}, nil, false
	}
}
