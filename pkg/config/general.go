package config

import "github.com/gecat-project/gecat/pkg/od"

type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

type ManufacturerInformation struct {
	ManufacturerDeviceName      string
	ManufacturerHardwareVersion string
	ManufacturerSoftwareVersion string
}

// ReadIdentity reads od.EntryIdentityObject (mandatory). Only VendorId is
// required by CoE; the rest are read best-effort.
func (config *NodeConfigurator) ReadIdentity() (*Identity, error) {
	vendorId, err := config.readUint32(od.EntryIdentityObject, 1)
	if err != nil {
		return nil, err
	}
	productCode, _ := config.readUint32(od.EntryIdentityObject, 2)
	revisionNumber, _ := config.readUint32(od.EntryIdentityObject, 3)
	serialNumber, _ := config.readUint32(od.EntryIdentityObject, 4)
	return &Identity{
		VendorId:       vendorId,
		ProductCode:    productCode,
		RevisionNumber: revisionNumber,
		SerialNumber:   serialNumber,
	}, nil
}

// ReadManufacturerDeviceName reads od.EntryManufacturerDeviceName.
func (config *NodeConfigurator) ReadManufacturerDeviceName() (string, error) {
	raw, err := config.client.ReadSdo(config.addr, od.EntryManufacturerDeviceName, 0)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadManufacturerHardwareVersion reads od.EntryManufacturerHardwareVersion.
func (config *NodeConfigurator) ReadManufacturerHardwareVersion() (string, error) {
	raw, err := config.client.ReadSdo(config.addr, od.EntryManufacturerHardwareVersion, 0)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadManufacturerSoftwareVersion reads od.EntryManufacturerSoftwareVersion.
func (config *NodeConfigurator) ReadManufacturerSoftwareVersion() (string, error) {
	raw, err := config.client.ReadSdo(config.addr, od.EntryManufacturerSoftwareVersion, 0)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadManufacturerInformation reads the optional manufacturer string
// objects, leaving any that fail (not implemented by the slave) blank.
func (config *NodeConfigurator) ReadManufacturerInformation() ManufacturerInformation {
	info := ManufacturerInformation{}
	info.ManufacturerDeviceName, _ = config.ReadManufacturerDeviceName()
	info.ManufacturerHardwareVersion, _ = config.ReadManufacturerHardwareVersion()
	info.ManufacturerSoftwareVersion, _ = config.ReadManufacturerSoftwareVersion()
	return info
}
