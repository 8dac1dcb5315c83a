// Package simslave is an in-process stand-in for one or more EtherCAT
// slaves' register files. It answers PDUs the way a real ESC would enough
// to exercise every cyclic task end-to-end: register read/write, SII word
// access through the SII control protocol, mailbox exchange with a
// pluggable CoE handler, and a logical address window for process data.
// It is not a conformance-grade ESC emulator; it exists for tests.
package simslave

import (
	"encoding/binary"

	ecat "github.com/gecat-project/gecat"
)

// CoEHandler answers one mailbox request (an SDO upload/download) with its
// response bytes, both including the 6-byte mailbox header. A nil return
// means no response is produced this exchange.
type CoEHandler func(req []byte) (resp []byte)

// AlState mirrors pkg/network.AlState by value to avoid an import cycle;
// tests compare against pkg/network's constants, which share these codes.
type AlState uint8

const (
	AlInit AlState = iota
	AlPreOperational
	AlBootstrap
	AlSafeOperational
	AlOperational
	AlInvalidOrMixed
)

// Slave holds one virtual slave's register file, SII contents, mailbox
// state and logical process-data window.
type Slave struct {
	position          uint16
	configuredAddress uint16

	// regs is a flat, byte-addressable register file mirroring a real ESC's
	// addressing: sub-fields of the same conceptual register (e.g. a
	// SyncManager's control vs activation bytes) live at different byte
	// offsets within the same space, so a narrow write to one offset never
	// clobbers a neighbouring one.
	regs [0x2000]byte
	sii  []byte

	rxOffset, rxSize uint16
	txOffset, txSize uint16
	mailboxCounter   byte
	mailboxPending   []byte // a produced response awaiting a read
	coe              CoEHandler

	logicalStart uint16
	logical      []byte

	// alRejectCode, once set, makes every following ALControl write fail
	// with the error-ack bit set and this value readable at ALStatusCode,
	// instead of transitioning normally.
	alRejectCode *uint16
}

// New returns a freshly reset slave at the given ring position.
func New(position uint16) *Slave {
	s := &Slave{
		position: position,
		sii:      make([]byte, 256),
	}
	s.writeReg(ecat.RegAlStatus, []byte{0x01, 0x00}) // Init, in ALStatus register encoding
	s.writeReg(ecat.RegDlStatus, []byte{0x01, 0x00}) // pdi_operational bit set
	s.writeReg(ecat.RegSmBase, smRegister(0, 0, 0x26, false))
	s.writeReg(ecat.RegSmBase+ecat.RegSmSize, smRegister(0, 0, 0x22, false))
	s.SetDlInformation(DlInformation{NumberOfFmmu: 2, NumberOfSm: 4, RamSizeKb: 1, SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true, Ports: [4]uint8{1, 0, 0, 0}})
	return s
}

// DlInformation mirrors the fixed hardware-capability fields real ESC
// silicon reports at 0x0000 (spec.md §4.7 "CheckDlInfo"). Byte layout is
// internal to this simulation; SlaveInitializer decodes exactly this shape.
type DlInformation struct {
	SupportDC        bool
	DcRange64Bits    bool
	SupportFmmuBitOp bool
	SupportLRW       bool
	SupportRW        bool
	RamSizeKb        uint8
	NumberOfFmmu     uint8
	NumberOfSm       uint8
	Ports            [4]uint8 // 0=none, 1=MII, 2=EBUS
}

// SetDlInformation overrides the slave's reported hardware capabilities.
func (s *Slave) SetDlInformation(info DlInformation) {
	buf := make([]byte, 8)
	if info.SupportDC {
		buf[0] |= 0x04
	}
	if info.DcRange64Bits {
		buf[0] |= 0x08
	}
	if !info.SupportFmmuBitOp {
		buf[1] |= 0x01
	}
	if !info.SupportLRW {
		buf[1] |= 0x02
	}
	if !info.SupportRW {
		buf[1] |= 0x04
	}
	buf[2] = info.RamSizeKb
	buf[3] = info.NumberOfFmmu
	buf[4] = info.NumberOfSm
	buf[5] = info.Ports[0] | info.Ports[1]<<2 | info.Ports[2]<<4 | info.Ports[3]<<6
	s.writeReg(ecat.RegDlInformation, buf)
}

// SetLinkedPorts sets the DlStatus signal-detection bits for each port.
func (s *Slave) SetLinkedPorts(p0, p1, p2, p3 bool) {
	b := byte(0x01) // pdi_operational stays set
	for i, v := range []bool{p0, p1, p2, p3} {
		if v {
			b |= 1 << uint(4+i)
		}
	}
	s.writeReg(ecat.RegDlStatus, []byte{b, 0x00})
}

// SetVendorInfo seeds the SII words read by SiiReader.
func (s *Slave) SetVendorInfo(vendorID, productCode, revision uint32) {
	s.putSiiWord(ecat.SiiVendorID, vendorID)
	s.putSiiWord(ecat.SiiProductCode, productCode)
	s.putSiiWord(ecat.SiiRevisionNumber, revision)
}

// SetMailboxLayout seeds the SII mailbox size/offset words and configures
// the SM0/SM1 register blocks accordingly.
func (s *Slave) SetMailboxLayout(rxOffset, rxSize, txOffset, txSize uint16) {
	s.rxOffset, s.rxSize = rxOffset, rxSize
	s.txOffset, s.txSize = txOffset, txSize
	s.putSiiWord16(ecat.SiiStdRxMailboxOffset, rxOffset)
	s.putSiiWord16(ecat.SiiStdRxMailboxSize, rxSize)
	s.putSiiWord16(ecat.SiiStdTxMailboxOffset, txOffset)
	s.putSiiWord16(ecat.SiiStdTxMailboxSize, txSize)
	s.putSiiWord16(ecat.SiiMailboxProtocol, 0x0004) // CoE supported

	s.writeReg(ecat.RegSmBase, smRegister(rxOffset, rxSize, 0x26, false))
	s.writeReg(ecat.RegSmBase+ecat.RegSmSize, smRegister(txOffset, txSize, 0x22, false))
}

func smRegister(start, size uint16, control byte, full bool) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], start)
	binary.LittleEndian.PutUint16(buf[2:4], size)
	buf[4] = control
	if full {
		buf[5] = 0x01
	}
	buf[6] = 0x01 // enabled
	return buf
}

// SetCoEHandler installs the object-dictionary responder invoked once a
// full mailbox request has been written to SM0.
func (s *Slave) SetCoEHandler(h CoEHandler) { s.coe = h }

// SetAlTransitionReject makes every subsequent ALControl write fail: ALStatus
// gets the error-ack bit set without advancing state, and code becomes
// readable at ALStatusCode, exercising the master's error path.
func (s *Slave) SetAlTransitionReject(code uint16) {
	s.alRejectCode = &code
}

// SetLogicalWindow allocates the process-data logical window echoed by
// LRD/LWR/LRW.
func (s *Slave) SetLogicalWindow(start uint16, size int) {
	s.logicalStart = start
	s.logical = make([]byte, size)
}

func (s *Slave) putSiiWord(addr uint16, v uint32) {
	off := int(addr) * 2
	if off+4 > len(s.sii) {
		grown := make([]byte, off+4)
		copy(grown, s.sii)
		s.sii = grown
	}
	binary.LittleEndian.PutUint32(s.sii[off:off+4], v)
}

func (s *Slave) putSiiWord16(addr uint16, v uint16) { s.putSiiWord(addr, uint32(v)) }

func (s *Slave) readReg(addr uint16, n int) []byte {
	if int(addr)+n > len(s.regs) {
		n = len(s.regs) - int(addr)
	}
	if n <= 0 {
		return nil
	}
	return append([]byte(nil), s.regs[addr:int(addr)+n]...)
}

func (s *Slave) writeReg(addr uint16, data []byte) {
	n := len(data)
	if int(addr)+n > len(s.regs) {
		n = len(s.regs) - int(addr)
	}
	if n <= 0 {
		return
	}
	copy(s.regs[addr:int(addr)+n], data[:n])
}

func (s *Slave) matchesFixed(adp uint16) bool {
	return s.configuredAddress != 0 && adp == s.configuredAddress
}

// HandlePdu applies one PDU's command to this slave's state, mutating data
// in place, and reports whether this slave is the (or a) participant that
// should be counted toward the Working Counter.
func (s *Slave) HandlePdu(cmd ecat.Command, data []byte) bool {
	switch cmd.CType {
	case ecat.APRD, ecat.FPRD, ecat.BRD, ecat.ARMW:
		s.handleRead(cmd.Ado, data)
	case ecat.APWR, ecat.FPWR, ecat.BWR:
		s.handleWrite(cmd.Ado, data)
	case ecat.APRW, ecat.FPRW, ecat.BRW:
		s.handleReadWrite(cmd.Ado, data)
	case ecat.LRD:
		return s.handleLogicalRead(cmd.Ado, data)
	case ecat.LWR:
		return s.handleLogicalWrite(cmd.Ado, data)
	case ecat.LRW:
		return s.handleLogicalReadWrite(cmd.Ado, data)
	default:
		return false
	}
	return true
}

func (s *Slave) handleRead(addr uint16, data []byte) {
	switch {
	case addr == ecat.RegSiiData:
		copy(data, s.sii[s.siiByteOffset():])
	case s.txSize > 0 && addr == s.txOffset:
		if s.mailboxPending != nil {
			copy(data, s.mailboxPending)
			s.mailboxPending = nil
			s.writeReg(ecat.RegSmBase+ecat.RegSmSize, smRegister(s.txOffset, s.txSize, 0x22, false))
		}
	default:
		copy(data, s.readReg(addr, len(data)))
	}
}

func (s *Slave) handleWrite(addr uint16, data []byte) {
	switch {
	case addr == ecat.RegSiiAddress:
		s.writeReg(ecat.RegSiiAddress, data)
	case addr == ecat.RegSiiControl:
		s.writeReg(ecat.RegSiiControl, []byte{0x00, 0x00}) // busy clears immediately
	case addr == ecat.RegFixedStationAddress:
		s.configuredAddress = binary.LittleEndian.Uint16(data)
		s.writeReg(addr, data)
	case addr == ecat.RegAlControl:
		if s.alRejectCode != nil {
			cur := s.readReg(ecat.RegAlStatus, 1)[0] & 0x0F
			s.writeReg(ecat.RegAlStatus, []byte{cur | 0x10, 0x00})
			code := make([]byte, 2)
			binary.LittleEndian.PutUint16(code, *s.alRejectCode)
			s.writeReg(ecat.RegAlStatusCode, code)
			return
		}
		target := data[0]
		s.writeReg(ecat.RegAlStatus, []byte{target, 0x00})
	case s.rxSize > 0 && addr == s.rxOffset:
		req := append([]byte(nil), data...)
		if s.coe != nil {
			s.mailboxPending = s.coe(req)
			if s.mailboxPending != nil {
				s.writeReg(ecat.RegSmBase+ecat.RegSmSize, smRegister(s.txOffset, s.txSize, 0x22, true))
			}
		}
	default:
		s.writeReg(addr, data)
	}
}

func (s *Slave) handleReadWrite(addr uint16, data []byte) {
	old := s.readReg(addr, len(data))
	s.handleWrite(addr, data)
	copy(data, old)
}

func (s *Slave) handleLogicalRead(addr uint16, data []byte) bool {
	off := int(addr) - int(s.logicalStart)
	if off < 0 || off+len(data) > len(s.logical) {
		return false
	}
	copy(data, s.logical[off:off+len(data)])
	return true
}

func (s *Slave) handleLogicalWrite(addr uint16, data []byte) bool {
	off := int(addr) - int(s.logicalStart)
	if off < 0 || off+len(data) > len(s.logical) {
		return false
	}
	copy(s.logical[off:off+len(data)], data)
	return true
}

func (s *Slave) handleLogicalReadWrite(addr uint16, data []byte) bool {
	off := int(addr) - int(s.logicalStart)
	if off < 0 || off+len(data) > len(s.logical) {
		return false
	}
	old := append([]byte(nil), s.logical[off:off+len(data)]...)
	copy(s.logical[off:off+len(data)], data)
	copy(data, old)
	return true
}

func (s *Slave) siiByteOffset() int {
	addrBytes := s.readReg(ecat.RegSiiAddress, 2)
	word := binary.LittleEndian.Uint16(addrBytes)
	off := int(word) * 2
	if off+4 > len(s.sii) {
		return 0
	}
	return off
}

// ConfiguredAddress reports the slave's fixed station address, 0 if unset.
func (s *Slave) ConfiguredAddress() uint16 { return s.configuredAddress }

// Position reports the slave's fixed ring position.
func (s *Slave) Position() uint16 { return s.position }
