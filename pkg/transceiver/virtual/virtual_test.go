package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/internal/simslave"
	"github.com/gecat-project/gecat/pkg/ecatframe"
)

func TestTransmitThenReceiveRoundTrip(t *testing.T) {
	ring := simslave.NewRing(2)
	tr := New(ring)

	f := ecatframe.NewFramer(ecat.DefaultMasterMAC)
	f.Reset()
	_, err := f.AddCommand(ecat.Command{CType: ecat.BRD, Ado: ecat.RegAlStatus}, make([]byte, 2))
	require.NoError(t, err)
	frame, err := f.Finalize()
	require.NoError(t, err)

	txTok, err := tr.Transmit()
	require.NoError(t, err)
	require.NoError(t, txTok.Consume(func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}))

	rxTok, err := tr.Receive()
	require.NoError(t, err)

	var received []ecat.ReceivedData
	require.NoError(t, rxTok.Consume(func(raw []byte) error {
		var err error
		received, err = ecatframe.ParseResponse(raw)
		return err
	}))

	require.Len(t, received, 1)
	assert.Equal(t, uint16(2), received[0].Wkc)
}

func TestReceiveWithoutPendingFrameReturnsErrNoSlot(t *testing.T) {
	tr := New(simslave.NewRing(1))
	_, err := tr.Receive()
	assert.Error(t, err)
}
