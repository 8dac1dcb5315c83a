package ecat

// EtherType is the EtherCAT Ethernet II frame type (spec.md §6).
const EtherType uint16 = 0x88A4

// BroadcastMAC is the destination address every EtherCAT frame uses; the
// ring forwards on-the-fly regardless of destination.
var BroadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// DefaultMasterMAC is a locally-administered example source address (spec.md
// §6). Any locally-administered address works: the ring echoes the frame
// back to the master, which recognizes it by EtherType and by the reply's
// command type and register address, not by MAC.
var DefaultMasterMAC = [6]byte{0x1E, 0x30, 0x6C, 0xA2, 0x45, 0x5E}

// PduHeaderLen is the fixed size of one PDU header, in bytes: cmd(1) idx(1)
// adp(2) ado(2) lenAndFlags(2) irq(2).
const PduHeaderLen = 10

// PduWkcLen is the trailing Working Counter size.
const PduWkcLen = 2

// MaxPduPayload bounds a single PDU's data section; EtherCAT length field is
// 11 bits (0..2047) but real frames are bounded by the Ethernet MTU.
const MaxPduPayload = 1486

// ReceivedData is one demultiplexed PDU response (spec.md §3).
type ReceivedData struct {
	Command Command
	Data    []byte
	Wkc     uint16
}

// Idx is an opaque PDU index used to correlate a request with its reply
// inside one frame; the framer assigns it and increments on each send.
type Idx = uint8
