package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/od"
)

type odEntry struct {
	index uint16
	sub   uint8
}

// fakeSdoExchanger is an in-memory object dictionary keyed by (index, sub),
// standing in for a real mailbox round-trip in these unit tests.
type fakeSdoExchanger struct {
	entries map[odEntry][]byte
}

func newFakeSdoExchanger() *fakeSdoExchanger {
	return &fakeSdoExchanger{entries: map[odEntry][]byte{}}
}

func (f *fakeSdoExchanger) ReadSdo(addr ecat.SlaveAddress, index uint16, sub uint8) ([]byte, error) {
	data, ok := f.entries[odEntry{index, sub}]
	if !ok {
		return nil, od.ErrIdxNotExist
	}
	return data, nil
}

func (f *fakeSdoExchanger) WriteSdo(addr ecat.SlaveAddress, index uint16, sub uint8, data []byte) error {
	f.entries[odEntry{index, sub}] = append([]byte(nil), data...)
	return nil
}

func TestReadIdentity(t *testing.T) {
	fake := newFakeSdoExchanger()
	fake.entries[odEntry{od.EntryIdentityObject, 1}] = []byte{0x10, 0, 0, 0}
	fake.entries[odEntry{od.EntryIdentityObject, 2}] = []byte{0x20, 0, 0, 0}
	fake.entries[odEntry{od.EntryIdentityObject, 3}] = []byte{0x01, 0, 0, 0}
	fake.entries[odEntry{od.EntryIdentityObject, 4}] = []byte{0xAD, 0xDE, 0, 0}

	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)
	identity, err := conf.ReadIdentity()
	require.NoError(t, err)
	assert.EqualValues(t, 0x10, identity.VendorId)
	assert.EqualValues(t, 0x20, identity.ProductCode)
	assert.EqualValues(t, 1, identity.RevisionNumber)
	assert.EqualValues(t, 0xDEAD, identity.SerialNumber)
}

func TestReadManufacturerInformationToleratesMissingEntries(t *testing.T) {
	fake := newFakeSdoExchanger()
	fake.entries[odEntry{od.EntryManufacturerDeviceName, 0}] = []byte("ServoDrive")

	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)
	info := conf.ReadManufacturerInformation()
	assert.Equal(t, "ServoDrive", info.ManufacturerDeviceName)
	assert.Empty(t, info.ManufacturerHardwareVersion)
	assert.Empty(t, info.ManufacturerSoftwareVersion)
}

func TestWriteMappingsThenReadMappingsRoundTrip(t *testing.T) {
	fake := newFakeSdoExchanger()
	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)

	mappings := []PDOMappingParameter{
		{Index: 0x6000, Subindex: 1, LengthBits: 16},
		{Index: 0x6000, Subindex: 2, LengthBits: 16},
	}
	require.NoError(t, conf.WriteMappings(false, 0, mappings))

	out, err := conf.ReadMappings(false, 0)
	require.NoError(t, err)
	assert.Equal(t, mappings, out)
}

func TestReadConfigurationRangePDOStopsAtFirstEmptySlot(t *testing.T) {
	fake := newFakeSdoExchanger()
	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)

	require.NoError(t, conf.WriteMappings(true, 0, []PDOMappingParameter{{Index: 0x7000, Subindex: 1, LengthBits: 8}}))
	// Slot 1 exists but is unmapped: count subindex present and zero.
	fake.entries[odEntry{od.EntryRPDOMappingStart + 1, 0}] = []byte{0}

	confs, err := conf.ReadConfigurationRangePDO(true, MinMappingSlot, MaxMappingSlot)
	require.NoError(t, err)
	require.Len(t, confs, 1)
	assert.Equal(t, uint16(0x7000), confs[0].Mappings[0].Index)
}

func TestWriteAssignmentThenReadAssignmentRoundTrip(t *testing.T) {
	fake := newFakeSdoExchanger()
	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)

	require.NoError(t, conf.WriteAssignment(od.EntrySmPdoAssignRx, []uint16{0x1600, 0x1601}))

	out, err := conf.ReadAssignment(od.EntrySmPdoAssignRx)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1600, 0x1601}, out)
}
