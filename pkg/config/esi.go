package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ESIDocument is the slice of an ESI (EtherCAT Slave Information) device
// description this project understands: identity defaults, the device's
// manufacturer strings, and a set of CoE object
// dictionary defaults to push into a slave once it reaches PreOperational.
// Real ESI files are XML; ours reuses the teacher's own EDS convention
// (CANopen's `.ini`-format Electronic Data Sheet, gopkg.in/ini.v1) for the
// same purpose: describing a device's static object dictionary contents.
type ESIDocument struct {
	Identity Identity
	Device   ManufacturerInformation
	Defaults []ODDefault
}

// ODDefault is one object dictionary entry to seed with a fixed value.
type ODDefault struct {
	Index uint16
	Sub   uint8
	Value uint32
}

// LoadESI parses an ESI/OD-defaults .ini file. Section and key names follow
// the teacher's EDS convention: [Identity] VendorID/ProductCode/
// RevisionNumber/SerialNumber, [Device] ManufacturerDeviceName/
// HardwareVersion/SoftwareVersion, and an [ObjectDictionary] section whose
// keys are "0xINDEX[:SUB]" and whose values are the uint32 default to write.
func LoadESI(path string) (*ESIDocument, error) {
	// "=" only: the default ":" delimiter would split "0xINDEX:SUB" keys.
	f, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, path)
	if err != nil {
		return nil, fmt.Errorf("load ESI file %s: %w", path, err)
	}

	doc := &ESIDocument{}
	if sec, err := f.GetSection("Identity"); err == nil {
		doc.Identity.VendorId = uint32(sec.Key("VendorID").MustUint64(0))
		doc.Identity.ProductCode = uint32(sec.Key("ProductCode").MustUint64(0))
		doc.Identity.RevisionNumber = uint32(sec.Key("RevisionNumber").MustUint64(0))
		doc.Identity.SerialNumber = uint32(sec.Key("SerialNumber").MustUint64(0))
	}
	if sec, err := f.GetSection("Device"); err == nil {
		doc.Device.ManufacturerDeviceName = sec.Key("ManufacturerDeviceName").String()
		doc.Device.ManufacturerHardwareVersion = sec.Key("HardwareVersion").String()
		doc.Device.ManufacturerSoftwareVersion = sec.Key("SoftwareVersion").String()
	}
	if sec, err := f.GetSection("ObjectDictionary"); err == nil {
		for _, key := range sec.Keys() {
			index, sub, err := parseODKey(key.Name())
			if err != nil {
				return nil, fmt.Errorf("ESI object dictionary key %q: %w", key.Name(), err)
			}
			value, err := strconv.ParseUint(key.String(), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("ESI object dictionary value for %q: %w", key.Name(), err)
			}
			doc.Defaults = append(doc.Defaults, ODDefault{Index: index, Sub: sub, Value: uint32(value)})
		}
	}
	return doc, nil
}

func parseODKey(name string) (uint16, uint8, error) {
	parts := strings.SplitN(name, ":", 2)
	index, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad index %q: %w", parts[0], err)
	}
	var sub uint64
	if len(parts) == 2 {
		sub, err = strconv.ParseUint(parts[1], 0, 8)
		if err != nil {
			return 0, 0, fmt.Errorf("bad subindex %q: %w", parts[1], err)
		}
	}
	return uint16(index), uint8(sub), nil
}

// ApplyDefaults writes every ObjectDictionary default in doc to conf's
// slave, in file order. The slave must already be PreOperational or later
// for these CoE objects to accept mailbox writes.
func (doc *ESIDocument) ApplyDefaults(conf *NodeConfigurator) error {
	for _, d := range doc.Defaults {
		if err := conf.writeExact(d.Index, d.Sub, d.Value); err != nil {
			return fmt.Errorf("apply ESI default 0x%04X:%d: %w", d.Index, d.Sub, err)
		}
	}
	return nil
}
