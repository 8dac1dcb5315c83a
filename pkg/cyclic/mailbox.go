package cyclic

import (
	"time"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

// MailboxHeader is the 6-byte header prefixing every mailbox message
// (spec.md §4.6).
type MailboxHeader struct {
	Length    uint16
	Station   uint16
	ChannelPr uint8
	Type      uint8 // low 4 bits of the combined type/counter byte
	Counter   uint8 // 1..=7
}

const coeMailboxType = 0x03

// EncodeMailboxHeader writes h followed by payload into a 6+len(payload)
// byte message.
func EncodeMailboxHeader(h MailboxHeader, payload []byte) []byte {
	buf := make([]byte, 6+len(payload))
	buf[0] = byte(h.Length)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Station)
	buf[3] = byte(h.Station >> 8)
	buf[4] = h.ChannelPr
	buf[5] = (h.Counter << 4) | (h.Type & 0x0F)
	copy(buf[6:], payload)
	return buf
}

// DecodeMailboxHeader parses the 6-byte header from the front of msg.
func DecodeMailboxHeader(msg []byte) (MailboxHeader, []byte) {
	if len(msg) < 6 {
		return MailboxHeader{}, nil
	}
	h := MailboxHeader{
		Length:    uint16(msg[0]) | uint16(msg[1])<<8,
		Station:   uint16(msg[2]) | uint16(msg[3])<<8,
		ChannelPr: msg[4],
		Type:      msg[5] & 0x0F,
		Counter:   msg[5] >> 4,
	}
	return h, msg[6:]
}

type mbStep uint8

const (
	mbPoll mbStep = iota
	mbTransfer
)

// MailboxWriter polls SM0 until empty, then writes the full message in one
// FPWR (spec.md §4.6).
type MailboxWriter struct {
	addr            ecat.SlaveAddress
	smStart, smSize uint16
	message         []byte

	step   mbStep
	posted bool
	phase  taskPhase
	err    error

	dline   deadline
	timeout time.Duration
}

// NewMailboxWriter starts a write of message (header already encoded) to
// the SM0 region [smStart, smStart+smSize).
func NewMailboxWriter(addr ecat.SlaveAddress, smStart, smSize uint16, message []byte) *MailboxWriter {
	return &MailboxWriter{addr: addr, smStart: smStart, smSize: smSize, message: message, timeout: 100 * time.Millisecond}
}

func (t *MailboxWriter) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	readType := ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
	writeType := ecat.AutoIncrementCommand(t.addr, ecat.APWR, ecat.FPWR)
	adp := ecat.AddressToAdp(t.addr)

	if t.step == mbPoll {
		if !t.dline.started {
			t.dline.begin(now)
		}
		return ecat.Command{CType: readType, Adp: adp, Ado: ecat.RegSmBase}, make([]byte, 8), true
	}
	buf := append([]byte(nil), t.message...)
	return ecat.Command{CType: writeType, Adp: adp, Ado: t.smStart}, buf, true
}

func (t *MailboxWriter) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
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

	switch t.step {
	case mbPoll:
		full := len(recv.Data) >= 6 && recv.Data[5]&0x01 != 0
		if full {
			t.posted = false // keep polling
			return
		}
		t.step = mbTransfer
		t.posted = false
	case mbTransfer:
		t.phase = phaseDone
	}
}

func (t *MailboxWriter) Wait() (struct{}, error, bool) {
	switch t.phase {
	case phaseDone:
		return struct{}{}, nil, true
	case phaseError:
		return struct{}{}, t.err, true
	default:
		return struct{}{}, nil, false
	}
}

// MailboxReader polls SM1 until full, then reads the message and verifies
// the counter strictly advanced (spec.md §4.6, P3).
type MailboxReader struct {
	addr            ecat.SlaveAddress
	smStart, smSize uint16
	slave           *network.SlaveInfo

	step   mbStep
	posted bool
	phase  taskPhase
	out    []byte
	err    error

	dline   deadline
	timeout time.Duration
}

// NewMailboxReader starts a read from the SM1 region [smStart,
// smStart+smSize) on behalf of slave, whose MailboxCount tracks the last
// accepted counter value.
func NewMailboxReader(addr ecat.SlaveAddress, smStart, smSize uint16, slave *network.SlaveInfo) *MailboxReader {
	return &MailboxReader{addr: addr, smStart: smStart, smSize: smSize, slave: slave, timeout: time.Second}
}

func (t *MailboxReader) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning || t.posted {
		return ecat.Command{}, nil, false
	}
	t.posted = true
	readType := ecat.AutoIncrementCommand(t.addr, ecat.APRD, ecat.FPRD)
	adp := ecat.AddressToAdp(t.addr)

	if t.step == mbPoll {
		if !t.dline.started {
			t.dline.begin(now)
		}
		return ecat.Command{CType: readType, Adp: adp, Ado: ecat.RegSmBase + ecat.RegSmSize}, make([]byte, 8), true
	}
	return ecat.Command{CType: readType, Adp: adp, Ado: t.smStart}, make([]byte, int(t.smSize)), true
}

func (t *MailboxReader) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
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

	switch t.step {
	case mbPoll:
		full := len(recv.Data) >= 6 && recv.Data[5]&0x01 != 0
		if !full {
			t.posted = false
			return
		}
		t.step = mbTransfer
		t.posted = false
	case mbTransfer:
		header, body := DecodeMailboxHeader(recv.Data)
		if int(header.Length) <= len(body) {
			body = body[:header.Length]
		}
		if t.slave.MailboxCount == 0 {
			// Open Question (b): seed from the first successful TX read
			// rather than presuming the slave starts at 1.
			t.slave.MailboxCount = header.Counter
		} else if header.Counter == t.slave.MailboxCount {
			t.phase = phaseError
			t.err = ecat.ErrUnexpectedCommand
			return
		} else {
			t.slave.MailboxCount = header.Counter
		}
		t.out = append([]byte(nil), body...)
		t.phase = phaseDone
	}
}

func (t *MailboxReader) Wait() ([]byte, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}
