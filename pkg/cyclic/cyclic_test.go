package cyclic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/internal/simslave"
	"github.com/gecat-project/gecat/pkg/ecatframe"
	"github.com/gecat-project/gecat/pkg/network"
)

type oneShotTask interface {
	NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool)
	ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime)
}

// drive pumps task against ring one cycle at a time until wait reports done,
// mirroring the single-threaded process_one_cycle loop (spec.md §5).
func drive[Out any](t *testing.T, task oneShotTask, wait func() (Out, error, bool), ring *simslave.Ring) (Out, error) {
	t.Helper()
	framer := ecatframe.NewFramer([6]byte{0x02, 0, 0, 0, 0, 1})
	now := ecat.EtherCatSystemTime(0)

	for cycle := 0; cycle < 2000; cycle++ {
		cmd, payload, ok := task.NextCommand(now)
		var recv *ecat.ReceivedData
		if ok {
			framer.Reset()
			if _, err := framer.AddCommand(cmd, payload); err != nil {
				require.NoError(t, err)
			}
			frame, err := framer.Finalize()
			require.NoError(t, err)
			require.NoError(t, ring.Process(frame))
			parsed, err := ecatframe.ParseResponse(frame)
			require.NoError(t, err)
			if len(parsed) > 0 {
				recv = &parsed[0]
			}
		}
		task.ReceiveAndProcess(recv, now)
		if out, err, done := wait(); done {
			return out, err
		}
		now = now.Add(time.Millisecond)
	}
	t.Fatal("task never completed within 2000 cycles")
	var zero Out
	return zero, nil
}

func TestAlStateTransferReachesPreOperational(t *testing.T) {
	ring := simslave.NewRing(1)
	task := NewAlStateTransfer(ecat.Position(0), network.AlInit, network.AlPreOperational)
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.Equal(t, network.AlPreOperational, out)
}

func TestAlStateTransferReadsAlStatusCodeOnErrorAck(t *testing.T) {
	ring := simslave.NewRing(1)
	ring.Slave(0).SetAlTransitionReject(0x0012) // "invalid requested state change"

	task := NewAlStateTransfer(ecat.Position(0), network.AlInit, network.AlPreOperational)
	_, err := drive(t, task, task.Wait, ring)
	require.Error(t, err)

	transferErr, ok := err.(*AlStateTransferError)
	require.True(t, ok, "expected *AlStateTransferError, got %T", err)
	assert.EqualValues(t, 0x0012, transferErr.AlStatusCode)
	assert.Zero(t, transferErr.TimeoutMs)
}

func TestAlStateReaderBroadcast(t *testing.T) {
	ring := simslave.NewRing(3)
	task := NewAlStateReader(ecat.All(3), 0)
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.Equal(t, network.AlInit, out.State)
	assert.EqualValues(t, 3, out.Wkc)
}

func TestSiiReaderReadsVendorID(t *testing.T) {
	ring := simslave.NewRing(1)
	ring.Slave(0).SetVendorInfo(0x00000123, 0x00000456, 0x00000001)

	task := NewSiiReader(ecat.Position(0), ecat.SiiVendorID)
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.EqualValues(t, 0x23, out.Data[0])
	assert.EqualValues(t, 0x01, out.Data[1])
}

func TestMailboxWriteThenRead(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetMailboxLayout(0x1000, 64, 0x1100, 64)
	slave.SetCoEHandler(func(req []byte) []byte {
		return EncodeMailboxHeader(MailboxHeader{Length: 2, Station: 0, Type: coeMailboxType, Counter: 1}, []byte{0xAA, 0xBB})
	})

	writer := NewMailboxWriter(ecat.Position(0), 0x1000, 64, EncodeMailboxHeader(
		MailboxHeader{Length: 2, Station: 0, Type: coeMailboxType, Counter: 1}, []byte{0x01, 0x02}))
	_, err := drive(t, writer, writer.Wait, ring)
	require.NoError(t, err)

	info := &network.SlaveInfo{}
	reader := NewMailboxReader(ecat.Position(0), 0x1100, 64, info)
	out, err := drive(t, reader, reader.Wait, ring)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, out)
	assert.EqualValues(t, 1, info.MailboxCount)
}

func TestSdoDownloadThenUploadExpedited(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetMailboxLayout(0x1000, 64, 0x1100, 64)

	store := map[uint16]uint32{}
	slave.SetCoEHandler(func(req []byte) []byte {
		reqHdr, full := DecodeMailboxHeader(req)
		sdo := full[2:] // drop the 2-byte CoE number/service header
		ccs := sdo[0] >> 5
		index := uint16(sdo[1]) | uint16(sdo[2])<<8
		switch ccs {
		case sdoCcsInitiateDownload:
			var v uint32
			for i := 0; i < 4; i++ {
				v |= uint32(sdo[4+i]) << (8 * i)
			}
			store[index] = v
			resp := make([]byte, 8)
			resp[0] = 3 << 5
			msg := append(coeHeader(coeServiceSdoResp), resp...)
			return EncodeMailboxHeader(MailboxHeader{Length: uint16(len(msg)), Type: coeMailboxType, Counter: reqHdr.Counter}, msg)
		case sdoCcsInitiateUpload:
			v := store[index]
			resp := make([]byte, 8)
			resp[0] = 2<<5 | 0x02 | 0x01
			resp[1], resp[2] = byte(index), byte(index>>8)
			for i := 0; i < 4; i++ {
				resp[4+i] = byte(v >> (8 * i))
			}
			msg := append(coeHeader(coeServiceSdoResp), resp...)
			return EncodeMailboxHeader(MailboxHeader{Length: uint16(len(msg)), Type: coeMailboxType, Counter: reqHdr.Counter}, msg)
		}
		return nil
	})

	info := &network.SlaveInfo{}
	down := NewSdoDownloader(ecat.Position(0), 0, 0x1000, 64, 0x1100, 64, info, 0x2000, 0, []byte{0xEF, 0xBE, 0xAD, 0xDE})
	_, err := drive(t, down, down.Wait, ring)
	require.NoError(t, err)

	up := NewSdoUploader(ecat.Position(0), 0, 0x1000, 64, 0x1100, 64, info, 0x2000, 0)
	out, err := drive(t, up, up.Wait, ring)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, out)
}

func TestSlaveInitializerBringsUpMailboxSlave(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetVendorInfo(0x01, 0x02, 0x03)
	slave.SetMailboxLayout(0x1000, 64, 0x1100, 64)
	slave.SetDlInformation(simslave.DlInformation{
		NumberOfFmmu: 2, NumberOfSm: 4, RamSizeKb: 4,
		SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
	})

	task := NewSlaveInitializer(ecat.Position(0))
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)

	assert.EqualValues(t, 0x01, out.VendorID)
	assert.EqualValues(t, 0x02, out.ProductCode)
	assert.EqualValues(t, 0x03, out.RevisionNumber)
	assert.EqualValues(t, 1, out.ConfiguredAddr)
	assert.True(t, out.SM[0].IsMailboxRx())
	assert.True(t, out.SM[1].IsMailboxTx())
	assert.EqualValues(t, 0x1000, out.SM[0].Start())
	assert.EqualValues(t, 0x1100, out.SM[1].Start())
	assert.Equal(t, network.AlInit, out.AlState)
	assert.NotNil(t, out.PdoStartAddress)
}

func TestNetworkInitializerEnumeratesTwoSlaves(t *testing.T) {
	ring := simslave.NewRing(2)
	for i, vendor := range []uint32{0x10, 0x20} {
		slave := ring.Slave(i)
		slave.SetVendorInfo(vendor, 0x02, 0x03)
		slave.SetDlInformation(simslave.DlInformation{
			NumberOfFmmu: 2, NumberOfSm: 2, RamSizeKb: 4,
			SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
		})
	}

	task := NewNetworkInitializer()
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumSlaves())
	assert.EqualValues(t, 0x10, out.Slave(0).VendorID)
	assert.EqualValues(t, 0x20, out.Slave(1).VendorID)
	assert.EqualValues(t, 1, out.Slave(0).ConfiguredAddr)
	assert.EqualValues(t, 2, out.Slave(1).ConfiguredAddr)
}

func TestDcInitializerComputesOffsetsRelativeToReference(t *testing.T) {
	ring := simslave.NewRing(2)
	for i := 0; i < 2; i++ {
		ring.Slave(i).SetDlInformation(simslave.DlInformation{
			NumberOfFmmu: 2, NumberOfSm: 2, RamSizeKb: 4,
			SupportDC: true, SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
		})
	}

	// ConfiguredAddr is left at zero so SlaveAddress falls back to ring
	// position addressing, matching these fixture slaves (never assigned a
	// station address via SlaveInitializer in this test).
	net := &network.Network{Slaves: []*network.SlaveInfo{
		{Position: 0, SupportDC: true},
		{Position: 1, SupportDC: true},
	}}

	task := NewDcInitializer(net)
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.Same(t, out.Slave(0), out.Reference)
	assert.EqualValues(t, 0, out.Slave(0).SystemTimeOffset)
}

func TestRxErrorCheckerReportsTimeoutOnLargeJump(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetDlInformation(simslave.DlInformation{NumberOfFmmu: 2, NumberOfSm: 2, RamSizeKb: 4})
	ring.Process(buildRxErrorCounterSeed(t, 50))

	info := &network.SlaveInfo{}
	task := NewRxErrorChecker(ecat.Position(0), info, 10)
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.Equal(t, RxLinkTimeout, out.State)
	assert.EqualValues(t, 50, out.Count)
	assert.EqualValues(t, 50, info.RxErrorCount)
}

func buildRxErrorCounterSeed(t *testing.T, count uint16) []byte {
	t.Helper()
	framer := ecatframe.NewFramer([6]byte{0x02, 0, 0, 0, 0, 1})
	payload := []byte{byte(count), byte(count >> 8)}
	_, err := framer.AddCommand(ecat.Command{CType: ecat.APWR, Ado: ecat.RegRxErrorCounter}, payload)
	require.NoError(t, err)
	frame, err := framer.Finalize()
	require.NoError(t, err)
	return frame
}

func TestCyclicPdoExchangerConfiguresAndRunsOneCycle(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetDlInformation(simslave.DlInformation{
		NumberOfFmmu: 2, NumberOfSm: 4, RamSizeKb: 4,
		SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
	})
	slave.SetLogicalWindow(0, 4) // 2 output bytes + 2 input bytes

	info := &network.SlaveInfo{
		Position:   0,
		SupportLRW: true,
		SM:         [8]network.SyncManagerType{2: network.ProcessDataRx(), 3: network.ProcessDataTx()},
		RxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x7000, Sub: 1, BitLen: 16}}},
		TxPdo:      network.PdoMapping{Entries: []network.PdoEntry{{Index: 0x6000, Sub: 1, BitLen: 16}}},
	}
	net := &network.Network{Slaves: []*network.SlaveInfo{info}}

	task := NewCyclicPdoExchanger(net)
	copy(task.Outputs(), []byte{0xAA, 0xBB})
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out)
	assert.EqualValues(t, 1, task.CycleCount())
	assert.Len(t, task.Inputs(), 2)
}

func TestSlaveInitializerNoMailboxTwoSM(t *testing.T) {
	ring := simslave.NewRing(1)
	slave := ring.Slave(0)
	slave.SetDlInformation(simslave.DlInformation{
		NumberOfFmmu: 2, NumberOfSm: 2, RamSizeKb: 4,
		SupportFmmuBitOp: true, SupportLRW: true, SupportRW: true,
	})

	task := NewSlaveInitializer(ecat.Position(0))
	out, err := drive(t, task, task.Wait, ring)
	require.NoError(t, err)
	assert.True(t, out.SM[0].IsProcessDataRx())
	assert.False(t, out.SM[0].IsMailboxRx())
}
