package simslave

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	ecat "github.com/gecat-project/gecat"
)

// Ring is a set of slaves sharing one virtual segment. Process mutates a
// frame's PDU data and WKC fields in place, the way a real ring would as
// the frame circulates past every slave in turn.
type Ring struct {
	mu     sync.Mutex
	slaves []*Slave
}

// NewRing builds a ring of n freshly-reset slaves at positions 0..n-1.
func NewRing(n int) *Ring {
	r := &Ring{}
	for i := 0; i < n; i++ {
		r.slaves = append(r.slaves, New(uint16(i)))
	}
	return r
}

// Slave returns the slave at the given ring position.
func (r *Ring) Slave(position int) *Slave { return r.slaves[position] }

// NumSlaves reports the ring size.
func (r *Ring) NumSlaves() int { return len(r.slaves) }

// Process walks every PDU in frame, applying it to the addressed slave(s)
// and writing back the resulting data and Working Counter.
func (r *Ring) Process(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return fmt.Errorf("simslave: no Ethernet header in frame")
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return fmt.Errorf("simslave: malformed Ethernet layer")
	}
	payload := eth.Payload
	if len(payload) < 2 {
		return fmt.Errorf("simslave: frame too short for EtherCAT header")
	}
	hdr := binary.LittleEndian.Uint16(payload[0:2])
	totalLen := int(hdr & 0x07FF)
	body := payload[2:]
	if len(body) < totalLen {
		return fmt.Errorf("simslave: truncated EtherCAT payload")
	}
	body = body[:totalLen]

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
			return fmt.Errorf("simslave: truncated PDU")
		}
		data := body[dataStart : dataStart+length]
		cmd := ecat.Command{CType: cmdType, Adp: adp, Ado: ado}

		wkc := r.dispatch(cmd, data)
		binary.LittleEndian.PutUint16(body[dataStart+length:dataStart+length+ecat.PduWkcLen], wkc)

		off = dataStart + length + ecat.PduWkcLen
		if !more {
			break
		}
	}
	return nil
}

func (r *Ring) dispatch(cmd ecat.Command, data []byte) uint16 {
	switch cmd.CType {
	case ecat.BRD, ecat.BWR, ecat.BRW:
		var wkc uint16
		for _, s := range r.slaves {
			if s.HandlePdu(cmd, data) {
				wkc += wkcPerSlave(cmd.CType)
			}
		}
		return wkc

	case ecat.APRD, ecat.APWR, ecat.APRW, ecat.ARMW:
		target := -cmd.Adp // two's-complement ring-position offset
		if int(target) < len(r.slaves) {
			s := r.slaves[target]
			if s.HandlePdu(cmd, data) {
				return wkcPerSlave(cmd.CType)
			}
		}
		return 0

	case ecat.FPRD, ecat.FPWR, ecat.FPRW:
		for _, s := range r.slaves {
			if s.matchesFixed(cmd.Adp) {
				if s.HandlePdu(cmd, data) {
					return wkcPerSlave(cmd.CType)
				}
				return 0
			}
		}
		return 0

	case ecat.LRD, ecat.LWR, ecat.LRW:
		var wkc uint16
		for _, s := range r.slaves {
			if s.HandlePdu(cmd, data) {
				wkc += wkcPerSlave(cmd.CType)
			}
		}
		return wkc

	default:
		return 0
	}
}

func wkcPerSlave(c ecat.CommandType) uint16 {
	switch c {
	case ecat.APRW, ecat.FPRW, ecat.LRW:
		return 3
	default:
		return 1
	}
}
