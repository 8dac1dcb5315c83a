package ecatframe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
)

var testMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// simulateSlave mutates a frame built by Finalize as a slave would: writes
// response data into each PDU's data section and bumps its WKC.
func simulateSlave(t *testing.T, frame []byte, responses map[ecat.CommandType][]byte, wkc uint16) []byte {
	t.Helper()
	out := append([]byte(nil), frame...)
	// Ethernet header is 14 bytes (dst+src+ethertype); EtherCAT header is 2.
	off := 14 + 2
	for off+ecat.PduHeaderLen <= len(out) {
		cmdType := ecat.CommandType(out[off])
		lf := binary.LittleEndian.Uint16(out[off+6 : off+8])
		length := int(lf & 0x07FF)
		more := lf&(1<<15) != 0
		dataStart := off + ecat.PduHeaderLen

		if resp, ok := responses[cmdType]; ok {
			n := copy(out[dataStart:dataStart+length], resp)
			require.Equal(t, length, n)
		}
		binary.LittleEndian.PutUint16(out[dataStart+length:dataStart+length+2], wkc)

		off = dataStart + length + 2
		if !more {
			break
		}
	}
	return out
}

func TestFramerRoundTripSingleCommand(t *testing.T) {
	f := NewFramer(testMAC)
	f.Reset()

	cmd := ecat.Command{CType: ecat.FPRD, Adp: 0x0001, Ado: ecat.RegAlStatus}
	idx, err := f.AddCommand(cmd, make([]byte, 2))
	require.NoError(t, err)
	assert.Equal(t, ecat.Idx(0), idx)

	frame, err := f.Finalize()
	require.NoError(t, err)
	require.NotEmpty(t, frame)

	resp := simulateSlave(t, frame, map[ecat.CommandType][]byte{ecat.FPRD: {0x02, 0x00}}, 1)

	received, err := ParseResponse(resp)
	require.NoError(t, err)
	require.Len(t, received, 1)

	assert.Equal(t, cmd.CType, received[0].Command.CType)
	assert.Equal(t, cmd.Ado, received[0].Command.Ado)
	assert.Equal(t, uint16(1), received[0].Wkc)
	assert.Equal(t, []byte{0x02, 0x00}, received[0].Data)
}

func TestFramerMultiCommandMoreBitAndOrdering(t *testing.T) {
	f := NewFramer(testMAC)
	f.Reset()

	cmd1 := ecat.Command{CType: ecat.FPRD, Adp: 1, Ado: ecat.RegAlStatus}
	cmd2 := ecat.Command{CType: ecat.FPWR, Adp: 1, Ado: ecat.RegAlControl}
	_, err := f.AddCommand(cmd1, make([]byte, 2))
	require.NoError(t, err)
	_, err = f.AddCommand(cmd2, []byte{0x02, 0x00})
	require.NoError(t, err)

	frame, err := f.Finalize()
	require.NoError(t, err)

	resp := simulateSlave(t, frame, map[ecat.CommandType][]byte{
		ecat.FPRD: {0x01, 0x00},
		ecat.FPWR: {},
	}, 1)

	received, err := ParseResponse(resp)
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, ecat.FPRD, received[0].Command.CType)
	assert.Equal(t, ecat.FPWR, received[1].Command.CType)
}

func TestFramerFullReturnsErrFull(t *testing.T) {
	f := NewFramer(testMAC)
	f.Reset()
	big := make([]byte, ecat.MaxPduPayload)
	_, err := f.AddCommand(ecat.Command{CType: ecat.FPRD}, big)
	assert.ErrorIs(t, err, ecat.ErrFull)
}

func TestFinalizeWithNoCommandsIsIllegal(t *testing.T) {
	f := NewFramer(testMAC)
	f.Reset()
	_, err := f.Finalize()
	assert.ErrorIs(t, err, ecat.ErrIllegalArgument)
}
