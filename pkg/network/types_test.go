package network

import (
	"testing"

	"github.com/stretchr/testify/assert"

	ecat "github.com/gecat-project/gecat"
)

func TestFromAlStatusLowNibbleDecodesEachState(t *testing.T) {
	cases := map[byte]AlState{
		0x01: AlInit,
		0x02: AlPreOperational,
		0x03: AlBootstrap,
		0x04: AlSafeOperational,
		0x08: AlOperational,
		0x0F: AlInvalidOrMixed,
	}
	for raw, want := range cases {
		assert.Equal(t, want, FromAlStatusLowNibble(raw), "raw=0x%02X", raw)
	}
}

func TestAlStateRegisterValueRoundTripsThroughFromAlStatusLowNibble(t *testing.T) {
	for _, s := range []AlState{AlInit, AlPreOperational, AlBootstrap, AlSafeOperational, AlOperational} {
		assert.Equal(t, s, FromAlStatusLowNibble(s.RegisterValue()))
	}
}

func TestNextMailboxCountWrapsOneToSeven(t *testing.T) {
	si := &SlaveInfo{}
	for want := uint8(1); want <= 7; want++ {
		assert.EqualValues(t, want, si.NextMailboxCount())
	}
	assert.EqualValues(t, 1, si.NextMailboxCount(), "counter must wrap back to 1, never hit 0")
}

func TestNetworkSlaveAddressFallsBackToPositionBeforeConfiguration(t *testing.T) {
	net := &Network{Slaves: []*SlaveInfo{{Position: 0}, {Position: 1, ConfiguredAddr: 0x1002}}}

	addr0 := net.SlaveAddress(0)
	assert.False(t, addr0.IsStation())
	assert.EqualValues(t, 0, addr0.Value())

	addr1 := net.SlaveAddress(1)
	assert.True(t, addr1.IsStation())
	assert.EqualValues(t, 0x1002, addr1.Value())
}

func TestNetworkSlaveOutOfRangeReturnsNil(t *testing.T) {
	net := &Network{Slaves: []*SlaveInfo{{}}}
	assert.Nil(t, net.Slave(-1))
	assert.Nil(t, net.Slave(1))
	assert.Equal(t, ecat.Position(5), net.SlaveAddress(5))
}
