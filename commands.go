package ecat

// CommandType is the EtherCAT PDU command code (spec.md §3, §4.1).
type CommandType uint8

const (
	APRD CommandType = 1  // Auto-increment physical read
	APWR CommandType = 2  // Auto-increment physical write
	APRW CommandType = 3  // Auto-increment physical read-write
	FPRD CommandType = 4  // Configured-address physical read
	FPWR CommandType = 5  // Configured-address physical write
	FPRW CommandType = 6  // Configured-address physical read-write
	BRD  CommandType = 7  // Broadcast read
	BWR  CommandType = 8  // Broadcast write
	BRW  CommandType = 9  // Broadcast read-write
	LRD  CommandType = 10 // Logical read
	LWR  CommandType = 11 // Logical write
	LRW  CommandType = 12 // Logical read-write
	ARMW CommandType = 13 // Auto-increment read-multiple-write (DC)
)

func (c CommandType) String() string {
	switch c {
	case APRD:
		return "APRD"
	case APWR:
		return "APWR"
	case APRW:
		return "APRW"
	case FPRD:
		return "FPRD"
	case FPWR:
		return "FPWR"
	case FPRW:
		return "FPRW"
	case BRD:
		return "BRD"
	case BWR:
		return "BWR"
	case BRW:
		return "BRW"
	case LRD:
		return "LRD"
	case LWR:
		return "LWR"
	case LRW:
		return "LRW"
	case ARMW:
		return "ARMW"
	default:
		return "UNKNOWN"
	}
}

// IsAutoIncrement reports whether adp is interpreted as a ring-position
// offset from the addressed slave (APxx/ARMW), rather than a fixed station
// address (FPxx) or a logical address (Lxx) or a broadcast (Bxx).
func (c CommandType) IsAutoIncrement() bool {
	switch c {
	case APRD, APWR, APRW, ARMW:
		return true
	default:
		return false
	}
}

// Command identifies one addressed operation placed on the wire as a PDU.
type Command struct {
	CType CommandType
	Adp   uint16 // Address Position/station, meaning depends on CType
	Ado   uint16 // Address Offset: the register or logical address
}

// SlaveAddress is a tagged union: either a ring position (auto-increment
// addressing, 0-indexed) or a fixed configured station address.
type SlaveAddress struct {
	isStation bool
	value     uint16
}

// Position constructs an auto-increment ring-position address.
func Position(p uint16) SlaveAddress { return SlaveAddress{isStation: false, value: p} }

// Station constructs a fixed configured-address.
func Station(s uint16) SlaveAddress { return SlaveAddress{isStation: true, value: s} }

func (a SlaveAddress) IsStation() bool { return a.isStation }
func (a SlaveAddress) Value() uint16   { return a.value }

// TargetSlave selects either one addressed slave or a broadcast-like
// collective operation across Count slaves.
type TargetSlave struct {
	single bool
	addr   SlaveAddress
	count  uint16
}

func Single(addr SlaveAddress) TargetSlave { return TargetSlave{single: true, addr: addr} }
func All(count uint16) TargetSlave         { return TargetSlave{single: false, count: count} }

func (t TargetSlave) IsSingle() bool      { return t.single }
func (t TargetSlave) Address() SlaveAddress { return t.addr }
func (t TargetSlave) Count() uint16       { return t.count }

// ExpectedWkc returns the working counter a successful operation of the
// given command type should produce across n addressed slaves, per spec.md
// P2. Commands not listed (e.g. ARMW) are operation-specific and computed
// by their owning task.
func ExpectedWkc(c CommandType, n uint16) uint16 {
	switch c {
	case BRD, BWR, APRD, APWR, FPRD, FPWR, LRD, LWR:
		if c == BRD || c == BWR || c == LRD || c == LWR {
			return n
		}
		return 1
	case BRW:
		return 3 * n
	case APRW, FPRW:
		return 3
	case LRW:
		return 3 * n
	default:
		return n
	}
}

// AddressToAdp encodes a SlaveAddress as the PDU's adp field: a fixed
// station address is used literally (FPxx/FPRW), while an auto-increment
// ring position is encoded as its two's-complement negative offset (APxx/
// ARMW), since each hop around the ring decrements it by one.
func AddressToAdp(addr SlaveAddress) uint16 {
	if addr.IsStation() {
		return addr.Value()
	}
	return -addr.Value()
}

// AutoIncrementCommand reports the auto-increment command type paired with
// fixedType when addr is a ring position, or fixedType itself when addr is
// a configured station address.
func AutoIncrementCommand(addr SlaveAddress, autoType, fixedType CommandType) CommandType {
	if addr.IsStation() {
		return fixedType
	}
	return autoType
}

// Well-known ESC register addresses (spec.md §6).
const (
	RegDlInformation         uint16 = 0x0000
	RegDlControl             uint16 = 0x0100
	RegDlStatus              uint16 = 0x0110
	RegAlControl             uint16 = 0x0120
	RegAlStatus              uint16 = 0x0130
	RegAlStatusCode          uint16 = 0x0134
	RegPdiControl            uint16 = 0x0140
	RegRxErrorCounter        uint16 = 0x0300
	RegWatchDogDivider       uint16 = 0x0400
	RegDlUserWatchDog        uint16 = 0x0410
	RegSmChannelWatchDog     uint16 = 0x0420
	RegSiiAccess             uint16 = 0x0500
	RegSiiControl            uint16 = 0x0502
	RegSiiAddress            uint16 = 0x0504
	RegSiiData               uint16 = 0x0508
	RegFmmuBase              uint16 = 0x0600
	RegFmmuSize              uint16 = 16
	RegSmBase                uint16 = 0x0800
	RegSmSize                uint16 = 8
	RegDcActivation          uint16 = 0x0980
	RegCyclicOperationStart  uint16 = 0x0990
	RegSync0CycleTime        uint16 = 0x09A0
	RegSync1CycleTime        uint16 = 0x09A4
	RegFixedStationAddress   uint16 = 0x0010
	RegDcReceiveTimePort0    uint16 = 0x0900
	RegDcSystemTime          uint16 = 0x0910
	RegDcSystemTimeOffset    uint16 = 0x0920
	RegDcSystemTimeDelay     uint16 = 0x0928
	RegDcSystemTimeDiff      uint16 = 0x092C
)

// SII (slave EEPROM) layout addresses, in 16-bit words (spec.md §6).
const (
	SiiVendorID           uint16 = 0x0008
	SiiProductCode        uint16 = 0x000A
	SiiRevisionNumber     uint16 = 0x000C
	SiiStdRxMailboxOffset uint16 = 0x0018
	SiiStdRxMailboxSize   uint16 = 0x0019
	SiiStdTxMailboxOffset uint16 = 0x001A
	SiiStdTxMailboxSize   uint16 = 0x001B
	SiiMailboxProtocol    uint16 = 0x001C
)

// MaxRegisterSize is the largest single register block any cyclic task
// reads or writes (SyncManager Control+Status+Activation across all 16 SM
// slots), used to size per-task stack buffers without heap allocation
// (spec.md §9, "Borrowed buffers everywhere").
const MaxRegisterSize = 16 * int(RegSmSize)
