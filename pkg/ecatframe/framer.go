// Package ecatframe builds and parses EtherCAT frames: the Ethernet header,
// the 2-byte EtherCAT header, and the concatenated PDUs each carrying a
// header, payload and Working Counter (spec.md §4.1, §6). It also exposes
// the bare transmit-one/receive-one Command interface used by bootstrap
// code that runs before any socket exists.
package ecatframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/transceiver"
)

type pduMeta struct {
	headerOffset int
	dataOffset   int
	dataLen      int
	cmd          ecat.Command
}

// Framer owns one outgoing EtherCAT payload (header + PDUs) at a time. Call
// Reset to start a new frame, AddCommand for each PDU, Finalize to produce
// the wire bytes.
type Framer struct {
	srcMAC  [6]byte
	payload []byte
	pdus    []pduMeta
	nextIdx uint8
}

// NewFramer returns a Framer that stamps srcMAC as the Ethernet source on
// every frame it builds.
func NewFramer(srcMAC [6]byte) *Framer {
	return &Framer{srcMAC: srcMAC}
}

// Reset discards any in-progress frame.
func (f *Framer) Reset() {
	f.payload = f.payload[:0]
	f.pdus = f.pdus[:0]
}

// AddCommand appends one PDU carrying data as its initial payload (the
// content to send for a write, or a zero-filled buffer sized for a read).
// It returns the PDU index used to correlate the reply, or ErrFull if the
// frame has no room left.
func (f *Framer) AddCommand(cmd ecat.Command, data []byte) (ecat.Idx, error) {
	if len(f.payload) == 0 {
		f.payload = append(f.payload, 0, 0) // EtherCAT header placeholder
	}
	need := ecat.PduHeaderLen + len(data) + ecat.PduWkcLen
	if len(f.payload)-2+need > ecat.MaxPduPayload {
		return 0, ecat.ErrFull
	}

	idx := f.nextIdx
	f.nextIdx++

	header := make([]byte, ecat.PduHeaderLen)
	header[0] = byte(cmd.CType)
	header[1] = idx
	binary.LittleEndian.PutUint16(header[2:4], cmd.Adp)
	binary.LittleEndian.PutUint16(header[4:6], cmd.Ado)
	lengthFlags := uint16(len(data)) & 0x07FF
	binary.LittleEndian.PutUint16(header[6:8], lengthFlags)

	hdrOff := len(f.payload)
	f.payload = append(f.payload, header...)
	dataOff := len(f.payload)
	f.payload = append(f.payload, data...)
	f.payload = append(f.payload, 0, 0) // WKC placeholder, slaves fill this in

	f.pdus = append(f.pdus, pduMeta{
		headerOffset: hdrOff,
		dataOffset:   dataOff,
		dataLen:      len(data),
		cmd:          cmd,
	})
	return idx, nil
}

// Finalize sets the "more follows" bit on every PDU but the last, fixes the
// EtherCAT header length, and wraps the payload in an Ethernet frame via
// gopacket. The returned slice is only valid until the next Reset.
func (f *Framer) Finalize() ([]byte, error) {
	if len(f.pdus) == 0 {
		return nil, ecat.ErrIllegalArgument
	}

	for i, p := range f.pdus {
		lf := binary.LittleEndian.Uint16(f.payload[p.headerOffset+6 : p.headerOffset+8])
		if i != len(f.pdus)-1 {
			lf |= 1 << 15
		}
		binary.LittleEndian.PutUint16(f.payload[p.headerOffset+6:p.headerOffset+8], lf)
	}

	ecatLen := uint16(len(f.payload)-2) & 0x07FF
	ecatHeader := ecatLen | (1 << 12) // reserved=0, type=1 (PDU)
	binary.LittleEndian.PutUint16(f.payload[0:2], ecatHeader)

	eth := &layers.Ethernet{
		SrcMAC:       f.srcMAC[:],
		DstMAC:       ecat.BroadcastMAC[:],
		EthernetType: layers.EthernetType(ecat.EtherType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(f.payload)); err != nil {
		return nil, fmt.Errorf("ecatframe: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseResponse decodes a received Ethernet frame into its demultiplexed
// PDU responses, in on-wire order.
func ParseResponse(frame []byte) ([]ecat.ReceivedData, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("ecatframe: no Ethernet header in frame")
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return nil, fmt.Errorf("ecatframe: malformed Ethernet layer")
	}
	if uint16(eth.EthernetType) != ecat.EtherType {
		return nil, fmt.Errorf("ecatframe: unexpected ethertype %#04x", uint16(eth.EthernetType))
	}

	payload := eth.Payload
	if len(payload) < 2 {
		return nil, fmt.Errorf("ecatframe: frame too short for EtherCAT header")
	}
	hdr := binary.LittleEndian.Uint16(payload[0:2])
	totalLen := int(hdr & 0x07FF)
	body := payload[2:]
	if len(body) < totalLen {
		return nil, fmt.Errorf("ecatframe: truncated EtherCAT payload")
	}
	body = body[:totalLen]

	var out []ecat.ReceivedData
	off := 0
	for len(body)-off >= ecat.PduHeaderLen {
		cmdType := ecat.CommandType(body[off])
		adp := binary.LittleEndian.Uint16(body[off+2 : off+4])
		ado := binary.LittleEndian.Uint16(body[off+4 : off+6])
		lf := binary.LittleEndian.Uint16(body[off+6 : off+8])
		length := int(lf & 0x07FF)
		more := lf&(1<<15) != 0

		dataStart := off + ecat.PduHeaderLen
		if len(body) < dataStart+length+ecat.PduWkcLen {
			return nil, fmt.Errorf("ecatframe: truncated PDU")
		}
		data := body[dataStart : dataStart+length]
		wkc := binary.LittleEndian.Uint16(body[dataStart+length : dataStart+length+ecat.PduWkcLen])

		out = append(out, ecat.ReceivedData{
			Command: ecat.Command{CType: cmdType, Adp: adp, Ado: ado},
			Data:    data,
			Wkc:     wkc,
		})
		off = dataStart + length + ecat.PduWkcLen
		if !more {
			break
		}
	}
	return out, nil
}

// CommandInterface is the bare transmit-one/receive-one client (spec.md
// §4.1) used by bootstrap tasks that run before any socket exists. It is
// the only place in this module that blocks: callers are off the cyclic
// hot path.
type CommandInterface struct {
	framer *Framer
	tx     transceiver.Transceiver
}

// NewCommandInterface builds a CommandInterface sending from srcMAC over tx.
func NewCommandInterface(srcMAC [6]byte, tx transceiver.Transceiver) *CommandInterface {
	return &CommandInterface{framer: NewFramer(srcMAC), tx: tx}
}

// TransmitAndWait packs a single PDU, sends it, then polls the transceiver's
// receive path until a frame arrives whose first PDU matches cmd's type and
// ado, or returns ErrLostPacket once timeout elapses.
func (ci *CommandInterface) TransmitAndWait(cmd ecat.Command, payload []byte, timeout time.Duration) (ecat.ReceivedData, error) {
	ci.framer.Reset()
	if _, err := ci.framer.AddCommand(cmd, payload); err != nil {
		return ecat.ReceivedData{}, err
	}
	frame, err := ci.framer.Finalize()
	if err != nil {
		return ecat.ReceivedData{}, err
	}

	txTok, err := ci.tx.Transmit()
	if err != nil {
		return ecat.ReceivedData{}, fmt.Errorf("%w: %v", ecat.ErrInterface, err)
	}
	if err := txTok.Consume(func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}); err != nil {
		return ecat.ReceivedData{}, fmt.Errorf("%w: %v", ecat.ErrInterface, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		rxTok, err := ci.tx.Receive()
		if err != nil {
			if errors.Is(err, transceiver.ErrNoSlot) {
				if time.Now().After(deadline) {
					return ecat.ReceivedData{}, ecat.ErrLostPacket
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return ecat.ReceivedData{}, fmt.Errorf("%w: %v", ecat.ErrInterface, err)
		}

		var received []ecat.ReceivedData
		var parseErr error
		if err := rxTok.Consume(func(raw []byte) error {
			received, parseErr = ParseResponse(raw)
			return parseErr
		}); err != nil {
			return ecat.ReceivedData{}, err
		}
		if len(received) == 0 {
			if time.Now().After(deadline) {
				return ecat.ReceivedData{}, ecat.ErrLostPacket
			}
			continue
		}

		first := received[0]
		if first.Command.CType != cmd.CType || first.Command.Ado != cmd.Ado {
			return ecat.ReceivedData{}, ecat.ErrUnexpectedCommand
		}
		return first, nil
	}
}
