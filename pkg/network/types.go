// Package network holds the data model mutated by the cyclic initializer
// tasks and read by everything else (spec.md §3, §4.8): SlaveInfo records,
// their SyncManager/FMMU/PDO-mapping configuration, and the Network that
// collects them in ring order.
package network

import ecat "github.com/gecat-project/gecat"

// AlState is the EtherCAT Application Layer state machine (spec.md §3).
type AlState uint8

const (
	AlInit AlState = iota
	AlPreOperational
	AlBootstrap
	AlSafeOperational
	AlOperational
	AlInvalidOrMixed
)

func (s AlState) String() string {
	switch s {
	case AlInit:
		return "Init"
	case AlPreOperational:
		return "PreOperational"
	case AlBootstrap:
		return "Bootstrap"
	case AlSafeOperational:
		return "SafeOperational"
	case AlOperational:
		return "Operational"
	default:
		return "InvalidOrMixed"
	}
}

// FromAlStatusLowNibble decodes the low 4 bits of an ALStatus register read
// into an AlState, returning AlInvalidOrMixed for any unrecognised value.
func FromAlStatusLowNibble(b byte) AlState {
	switch b & 0x0F {
	case 0x01:
		return AlInit
	case 0x02:
		return AlPreOperational
	case 0x03:
		return AlBootstrap
	case 0x04:
		return AlSafeOperational
	case 0x08:
		return AlOperational
	default:
		return AlInvalidOrMixed
	}
}

// RegisterValue maps an AlState to the byte value ALControl/ALStatus expect.
func (s AlState) RegisterValue() byte {
	switch s {
	case AlInit:
		return 0x01
	case AlPreOperational:
		return 0x02
	case AlBootstrap:
		return 0x03
	case AlSafeOperational:
		return 0x04
	case AlOperational:
		return 0x08
	default:
		return 0x00
	}
}

// PortType identifies what, if anything, is wired to one ESC port.
type PortType uint8

const (
	PortNone PortType = iota
	PortMII
	PortEBUS
)

// SyncManagerType is a tagged union over the four roles a SyncManager can
// play (spec.md §3).
type SyncManagerType struct {
	kind  smKind
	n     uint8
	start uint16
	size  uint16
}

type smKind uint8

const (
	smNone smKind = iota
	smMailboxRx
	smMailboxTx
	smProcessDataRx
	smProcessDataTx
)

func MailboxRx(n uint8, start, size uint16) SyncManagerType {
	return SyncManagerType{kind: smMailboxRx, n: n, start: start, size: size}
}
func MailboxTx(n uint8, start, size uint16) SyncManagerType {
	return SyncManagerType{kind: smMailboxTx, n: n, start: start, size: size}
}
func ProcessDataRx() SyncManagerType { return SyncManagerType{kind: smProcessDataRx} }
func ProcessDataTx() SyncManagerType { return SyncManagerType{kind: smProcessDataTx} }

func (t SyncManagerType) IsMailboxRx() bool     { return t.kind == smMailboxRx }
func (t SyncManagerType) IsMailboxTx() bool     { return t.kind == smMailboxTx }
func (t SyncManagerType) IsProcessDataRx() bool { return t.kind == smProcessDataRx }
func (t SyncManagerType) IsProcessDataTx() bool { return t.kind == smProcessDataTx }
func (t SyncManagerType) IsSet() bool           { return t.kind != smNone }
func (t SyncManagerType) Start() uint16         { return t.start }
func (t SyncManagerType) Size() uint16          { return t.size }
func (t SyncManagerType) End() uint16 {
	if t.size == 0 {
		return t.start
	}
	return t.start + t.size - 1
}

// PdoEntry is one (index, sub, bit-length) mapping slot.
type PdoEntry struct {
	Index    uint16
	Sub      uint8
	BitLen   uint8
}

// PdoMapping is an ordered list of mapped entries for one PDO.
type PdoMapping struct {
	Entries []PdoEntry
	IsFixed bool
}

func (m PdoMapping) TotalBits() int {
	total := 0
	for _, e := range m.Entries {
		total += int(e.BitLen)
	}
	return total
}

func (m PdoMapping) TotalBytes() int {
	return (m.TotalBits() + 7) / 8
}

// SlaveInfo is everything the initializer tasks learn about one slave and
// everything downstream tasks need to talk to it (spec.md §3).
type SlaveInfo struct {
	Position         uint16
	ConfiguredAddr   uint16
	VendorID         uint32
	ProductCode      uint32
	RevisionNumber   uint32
	AlState          AlState
	MailboxCount     uint8 // last counter value seen from the slave (RX direction), wraps 1..=7
	MailboxSendSeq   uint8 // last counter value written by the master (TX direction), wraps 1..=7
	LinkedPorts      [4]bool
	Ports            [4]PortType
	RamSizeKb        uint16
	SupportDC        bool
	SupportCoE       bool
	SupportFmmuBitOp bool
	SupportLRW       bool
	SupportRW        bool
	IsDcRange64Bits  bool
	NumberOfFmmu     uint8
	NumberOfSm       uint8
	SM               [8]SyncManagerType
	PdoStartAddress  *uint16
	PdoRamSize       uint16
	StrictAlControl  bool
	TxPdo            PdoMapping
	RxPdo            PdoMapping
	LogicalStart     uint16
	RxErrorCount     uint32
	SystemTimeOffset int64
}

// NextMailboxCount advances the master's own wrapping 1..=7 send counter and
// returns it (I3); called once per mailbox write. Kept separate from
// MailboxCount, which tracks the counter the slave attaches to its replies.
func (si *SlaveInfo) NextMailboxCount() uint8 {
	if si.MailboxSendSeq == 0 || si.MailboxSendSeq >= 7 {
		si.MailboxSendSeq = 1
	} else {
		si.MailboxSendSeq++
	}
	return si.MailboxSendSeq
}

// Network is the ordered array of slaves discovered on the ring.
type Network struct {
	Slaves    []*SlaveInfo
	Reference *SlaveInfo // first DC-capable slave, nil if none
}

// NumSlaves reports the ring size.
func (n *Network) NumSlaves() int { return len(n.Slaves) }

// Slave returns the slave at the given ring position, or nil if out of
// range.
func (n *Network) Slave(position int) *SlaveInfo {
	if position < 0 || position >= len(n.Slaves) {
		return nil
	}
	return n.Slaves[position]
}

// SlaveAddress builds the station address a task should use to talk to a
// slave at the given ring position: the fixed configured address once
// assigned, or the raw ring position before that.
func (n *Network) SlaveAddress(position int) ecat.SlaveAddress {
	s := n.Slave(position)
	if s == nil || s.ConfiguredAddr == 0 {
		return ecat.Position(uint16(position))
	}
	return ecat.Station(s.ConfiguredAddr)
}
