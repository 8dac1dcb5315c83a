package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/internal/simslave"
	"github.com/gecat-project/gecat/pkg/network"
	"github.com/gecat-project/gecat/pkg/transceiver"
	"github.com/gecat-project/gecat/pkg/transceiver/virtual"
)

func twoSlaveRing() *simslave.Ring {
	ring := simslave.NewRing(2)
	for i, vendor := range []uint32{0x10, 0x20} {
		slave := ring.Slave(i)
		slave.SetVendorInfo(vendor, 0x02, 0x03)
		slave.SetMailboxLayout(0x1000, 64, 0x1100, 64)
		slave.SetDlInformation(simslave.DlInformation{
			NumberOfFmmu: 2, NumberOfSm: 4, RamSizeKb: 4,
			SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
		})
	}
	return ring
}

func newTestMaster(tv transceiver.Transceiver) *EtherCatMaster {
	return NewEtherCatMaster(tv, ecat.DefaultMasterMAC, 50*time.Millisecond, 2000)
}

func TestInitializeSlavesEnumeratesAndConfiguresTwoSlaves(t *testing.T) {
	tv := virtual.New(twoSlaveRing())
	m := newTestMaster(tv)

	net, err := m.InitializeSlaves()
	require.NoError(t, err)
	require.Equal(t, 2, net.NumSlaves())
	assert.EqualValues(t, 0x10, net.Slave(0).VendorID)
	assert.EqualValues(t, 0x20, net.Slave(1).VendorID)
	assert.EqualValues(t, 1, net.Slave(0).ConfiguredAddr)
	assert.EqualValues(t, 2, net.Slave(1).ConfiguredAddr)
	assert.Equal(t, network.AlInit, net.Slave(0).AlState)
}

func TestChangeAlStateBroadcastReachesPreOperational(t *testing.T) {
	tv := virtual.New(twoSlaveRing())
	m := newTestMaster(tv)

	_, err := m.InitializeSlaves()
	require.NoError(t, err)

	err = m.ChangeAlState(ecat.All(2), network.AlInit, network.AlPreOperational)
	require.NoError(t, err)
}

func TestChangeAlStateSingleSlave(t *testing.T) {
	ring := simslave.NewRing(1)
	tv := virtual.New(ring)
	m := newTestMaster(tv)

	err := m.ChangeAlState(ecat.Single(ecat.Position(0)), network.AlInit, network.AlPreOperational)
	require.NoError(t, err)
}

func TestWriteSdoThenReadSdoRoundTrip(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetMailboxLayout(0x1000, 64, 0x1100, 64)

	store := map[uint16]uint32{}
	counter := byte(0)
	slave.SetCoEHandler(func(req []byte) []byte {
		counter = counter%7 + 1 // MailboxReader rejects a repeated counter (P3)
		return sdoHandler(store, req, counter)
	})

	tv := virtual.New(ring)
	m := newTestMaster(tv)
	m.net = &network.Network{Slaves: []*network.SlaveInfo{{
		Position: 0,
		SM: [8]network.SyncManagerType{
			0: network.MailboxRx(0, 0x1000, 64),
			1: network.MailboxTx(1, 0x1100, 64),
		},
	}}}

	err := m.WriteSdo(ecat.Position(0), 0x2000, 0, []byte{0xEF, 0xBE, 0xAD, 0xDE})
	require.NoError(t, err)

	out, err := m.ReadSdo(ecat.Position(0), 0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, out)
}

func TestReadSdoUnknownAddressReturnsIllegalArgument(t *testing.T) {
	tv := virtual.New(simslave.NewRing(1))
	m := newTestMaster(tv)
	m.net = &network.Network{Slaves: []*network.SlaveInfo{{Position: 0}}}

	_, err := m.ReadSdo(ecat.Station(99), 0x2000, 0)
	assert.ErrorIs(t, err, ecat.ErrIllegalArgument)
}

// lostPacketTransceiver answers Transmit but never stages a reply, forcing
// every Receive to return transceiver.ErrNoSlot the way a real link drop
// would look to the caller.
type lostPacketTransceiver struct{}

func (lostPacketTransceiver) Transmit() (transceiver.TxToken, error) { return dropTxToken{}, nil }
func (lostPacketTransceiver) Receive() (transceiver.RxToken, error)  { return nil, transceiver.ErrNoSlot }
func (lostPacketTransceiver) Close() error                           { return nil }

type dropTxToken struct{}

func (dropTxToken) Consume(fill func(buf []byte) (int, error)) error {
	buf := make([]byte, 1514)
	_, err := fill(buf)
	return err
}

func TestInitializeSlavesReturnsLostPacketWhenLinkIsDown(t *testing.T) {
	m := NewEtherCatMaster(lostPacketTransceiver{}, ecat.DefaultMasterMAC, 5*time.Millisecond, 3)
	_, err := m.InitializeSlaves()
	assert.ErrorIs(t, err, ecat.ErrLostPacket)
}

func TestProcessOneCycleRunsPdoExchangeAndIncrementsCount(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetLogicalWindow(0, 4)
	tv := virtual.New(ring)

	m := newTestMaster(tv)
	m.net = &network.Network{Slaves: []*network.SlaveInfo{{
		Position:   0,
		SupportLRW: true,
		SM:         [8]network.SyncManagerType{2: network.ProcessDataRx(), 3: network.ProcessDataTx()},
		RxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x7000, Sub: 1, BitLen: 16}}},
		TxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x6000, Sub: 1, BitLen: 16}}},
	}}}
	m.StartCyclicOperation(ecat.DefaultMasterMAC, tv, 0)
	copy(m.Outputs(), []byte{0xAA, 0xBB})

	// Each call advances exactly one SM/FMMU configuration step (or one
	// process-data exchange) before CycleCount can move; drive enough
	// rounds to clear configuration and complete two exchanges.
	for i := 0; m.CycleCount() < 1; i++ {
		require.Less(t, i, 20, "pdo exchanger never reached steady state")
		require.NoError(t, m.ProcessOneCycle(ecat.Now()))
	}
	assert.EqualValues(t, 1, m.CycleCount())

	require.NoError(t, m.ProcessOneCycle(ecat.Now()))
	assert.EqualValues(t, 2, m.CycleCount())
}

func TestProcessOneCycleRejectsReentrantCall(t *testing.T) {
	ring := simslave.NewRing(1)
	ring.Slave(0).SetLogicalWindow(0, 4)
	tv := virtual.New(ring)

	m := newTestMaster(tv)
	m.net = &network.Network{Slaves: []*network.SlaveInfo{{
		Position:   0,
		SupportLRW: true,
		SM:         [8]network.SyncManagerType{2: network.ProcessDataRx(), 3: network.ProcessDataTx()},
		RxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x7000, Sub: 1, BitLen: 16}}},
		TxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x6000, Sub: 1, BitLen: 16}}},
	}}}
	m.StartCyclicOperation(ecat.DefaultMasterMAC, tv, 0)

	m.running = true
	assert.ErrorIs(t, m.ProcessOneCycle(ecat.Now()), ecat.ErrReentrant)
}

// sdoHandler is a minimal expedited-transfer CoE responder shared by the
// round-trip test, mirroring pkg/cyclic's own SDO test fixture.
func sdoHandler(store map[uint16]uint32, req []byte, counter byte) []byte {
	const (
		mailboxHeaderLen = 6
		coeHeaderLen     = 2
		ccsInitiateDownload = 1
		ccsInitiateUpload   = 2
		serviceSdoResp      = 3
	)
	if len(req) < mailboxHeaderLen+coeHeaderLen+8 {
		return nil
	}
	sdo := req[mailboxHeaderLen+coeHeaderLen:]
	ccs := sdo[0] >> 5
	index := uint16(sdo[1]) | uint16(sdo[2])<<8
	switch ccs {
	case ccsInitiateDownload:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(sdo[4+i]) << (8 * i)
		}
		store[index] = v
		resp := make([]byte, 8)
		resp[0] = 3 << 5
		return encodeMailbox(serviceSdoResp, resp, counter)
	case ccsInitiateUpload:
		v := store[index]
		resp := make([]byte, 8)
		resp[0] = 2<<5 | 0x02 | 0x01
		resp[1], resp[2] = byte(index), byte(index>>8)
		for i := 0; i < 4; i++ {
			resp[4+i] = byte(v >> (8 * i))
		}
		return encodeMailbox(serviceSdoResp, resp, counter)
	}
	return nil
}

func encodeMailbox(service byte, sdo []byte, counter byte) []byte {
	body := append([]byte{0, service << 4}, sdo...)
	header := make([]byte, 6)
	header[0], header[1] = byte(len(body)), byte(len(body)>>8)
	header[5] = (counter << 4) | 0x03 // CoE type
	return append(header, body...)
}
