package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecat "github.com/gecat-project/gecat"
)

const testESI = `
[Identity]
VendorID = 0x00000123
ProductCode = 0x00000456
RevisionNumber = 1

[Device]
ManufacturerDeviceName = ServoDrive
HardwareVersion = 1.0
SoftwareVersion = 2.0

[ObjectDictionary]
0x6000:1 = 100
0x6000:2 = 0xC8
`

func writeTestESI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.esi.ini")
	require.NoError(t, os.WriteFile(path, []byte(testESI), 0o644))
	return path
}

func TestLoadESIParsesIdentityDeviceAndDefaults(t *testing.T) {
	doc, err := LoadESI(writeTestESI(t))
	require.NoError(t, err)

	assert.EqualValues(t, 0x123, doc.Identity.VendorId)
	assert.EqualValues(t, 0x456, doc.Identity.ProductCode)
	assert.EqualValues(t, 1, doc.Identity.RevisionNumber)
	assert.Equal(t, "ServoDrive", doc.Device.ManufacturerDeviceName)
	assert.Equal(t, "1.0", doc.Device.ManufacturerHardwareVersion)

	require.Len(t, doc.Defaults, 2)
	bySub := map[uint8]uint32{}
	for _, d := range doc.Defaults {
		assert.EqualValues(t, 0x6000, d.Index)
		bySub[d.Sub] = d.Value
	}
	assert.EqualValues(t, 100, bySub[1])
	assert.EqualValues(t, 200, bySub[2])
}

func TestApplyDefaultsWritesEveryObjectDictionaryEntry(t *testing.T) {
	doc, err := LoadESI(writeTestESI(t))
	require.NoError(t, err)

	fake := newFakeSdoExchanger()
	conf := NewNodeConfigurator(ecat.Position(0), fake, nil)
	require.NoError(t, doc.ApplyDefaults(conf))

	got, err := conf.client.ReadSdo(conf.addr, 0x6000, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 100, leUint32(got))

	got, err = conf.client.ReadSdo(conf.addr, 0x6000, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 200, leUint32(got))
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
