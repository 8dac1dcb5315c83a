package config

import (
	"errors"

	"github.com/gecat-project/gecat/pkg/od"
)

type PDOMappingParameter struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

// PDOConfigurationParameter holds one PDO mapping object's entries, in
// order (CoE object 0x1600+/0x1A00+, ETG.6010 5.6.7.3). CoE has no
// per-PDO COB-ID/transmission-type pair the way CANopen does; whether a
// mapping object is actually exchanged is controlled separately by the SM
// assignment object, see ReadAssignment/WriteAssignment.
type PDOConfigurationParameter struct {
	Mappings []PDOMappingParameter
}

// MinMappingSlot/MaxMappingSlot bound the mapping-object index range this
// configurator will walk: 0x1600-0x161F (Rx) / 0x1A00-0x1A1F (Tx), the
// span most CoE device profiles stay within.
const (
	MinMappingSlot uint16 = 0
	MaxMappingSlot uint16 = 31
)

func (conf *NodeConfigurator) pdoKind(rx bool) string {
	if rx {
		return "RxPDO"
	}
	return "TxPDO"
}

func (conf *NodeConfigurator) mappingIndex(rx bool, slot uint16) uint16 {
	if rx {
		return od.EntryRPDOMappingStart + slot
	}
	return od.EntryTPDOMappingStart + slot
}

// ReadNbMappings reads subindex 0 of the mapping object at slot: how many
// object entries it currently maps.
func (config *NodeConfigurator) ReadNbMappings(rx bool, slot uint16) (uint8, error) {
	return config.readUint8(config.mappingIndex(rx, slot), 0)
}

// ReadMappings reads every mapped entry of the mapping object at slot, in
// subindex order.
func (config *NodeConfigurator) ReadMappings(rx bool, slot uint16) ([]PDOMappingParameter, error) {
	mappingIndex := config.mappingIndex(rx, slot)
	nbMappings, err := config.ReadNbMappings(rx, slot)
	if err != nil {
		return nil, err
	}
	mappings := make([]PDOMappingParameter, 0, nbMappings)
	for sub := uint8(1); sub <= nbMappings; sub++ {
		rawMap, err := config.readUint32(mappingIndex, sub)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, PDOMappingParameter{
			LengthBits: uint8(rawMap),
			Subindex:   uint8(rawMap >> 8),
			Index:      uint16(rawMap >> 16),
		})
	}
	return mappings, nil
}

// ReadConfigurationPDO reads the mapping object at slot in full.
func (config *NodeConfigurator) ReadConfigurationPDO(rx bool, slot uint16) (PDOConfigurationParameter, error) {
	conf := PDOConfigurationParameter{}
	var err error
	conf.Mappings, err = config.ReadMappings(rx, slot)
	config.logger.Debug("read configuration", "type", config.pdoKind(rx), "slot", slot, "conf", conf)
	return conf, err
}

// ReadConfigurationRangePDO reads every mapping object between fromSlot and
// toSlot, stopping at the first one with zero mapped entries.
func (config *NodeConfigurator) ReadConfigurationRangePDO(rx bool, fromSlot, toSlot uint16) ([]PDOConfigurationParameter, error) {
	if fromSlot > toSlot || toSlot > MaxMappingSlot {
		return nil, errors.New("mapping slot range is incorrect")
	}
	confs := make([]PDOConfigurationParameter, 0)
	for slot := fromSlot; slot <= toSlot; slot++ {
		conf, err := config.ReadConfigurationPDO(rx, slot)
		if err != nil {
			return confs, err
		}
		if len(conf.Mappings) == 0 {
			config.logger.Debug("no more mapping objects", "type", config.pdoKind(rx), "slot", slot)
			break
		}
		confs = append(confs, conf)
	}
	return confs, nil
}

// ReadConfigurationAllPDO reads every Rx and Tx mapping object in
// [MinMappingSlot, MaxMappingSlot].
func (config *NodeConfigurator) ReadConfigurationAllPDO() (rx []PDOConfigurationParameter, tx []PDOConfigurationParameter, err error) {
	rx, err = config.ReadConfigurationRangePDO(true, MinMappingSlot, MaxMappingSlot)
	if err != nil {
		return rx, tx, err
	}
	tx, err = config.ReadConfigurationRangePDO(false, MinMappingSlot, MaxMappingSlot)
	return rx, tx, err
}

// ClearMappings zeroes the entry count and every mapped entry of the
// mapping object at slot.
func (config *NodeConfigurator) ClearMappings(rx bool, slot uint16) error {
	mappingIndex := config.mappingIndex(rx, slot)
	if err := config.writeExact(mappingIndex, 0, uint8(0)); err != nil {
		return err
	}
	for sub := uint8(1); sub <= od.MaxMappedEntriesPdo; sub++ {
		if err := config.writeExact(mappingIndex, sub, uint32(0)); err != nil {
			return err
		}
	}
	return nil
}

// WriteMappings clears then rewrites the mapping object at slot with
// mappings, in order.
func (config *NodeConfigurator) WriteMappings(rx bool, slot uint16, mappings []PDOMappingParameter) error {
	mappingIndex := config.mappingIndex(rx, slot)
	if err := config.ClearMappings(rx, slot); err != nil {
		return err
	}
	for i, mapping := range mappings {
		rawMap := uint32(mapping.Index)<<16 | uint32(mapping.Subindex)<<8 | uint32(mapping.LengthBits)
		if err := config.writeExact(mappingIndex, uint8(i)+1, rawMap); err != nil {
			return err
		}
	}
	return config.writeExact(mappingIndex, 0, uint8(len(mappings)))
}

// ReadAssignment reads which mapping-object indices a sync manager has
// assigned (od.EntrySmPdoAssignRx for SM2, od.EntrySmPdoAssignTx for SM3).
func (config *NodeConfigurator) ReadAssignment(assignIndex uint16) ([]uint16, error) {
	n, err := config.readUint8(assignIndex, 0)
	if err != nil {
		return nil, err
	}
	indices := make([]uint16, 0, n)
	for sub := uint8(1); sub <= n; sub++ {
		idx, err := config.readUint16(assignIndex, sub)
		if err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// WriteAssignment replaces the list of PDO mapping objects assigned to a
// sync manager. Per ETG.6010 the count subindex is zeroed before the list
// entries are rewritten, then set to the final count.
func (config *NodeConfigurator) WriteAssignment(assignIndex uint16, pdoIndices []uint16) error {
	if err := config.writeExact(assignIndex, 0, uint8(0)); err != nil {
		return err
	}
	for i, idx := range pdoIndices {
		if err := config.writeExact(assignIndex, uint8(i)+1, idx); err != nil {
			return err
		}
	}
	return config.writeExact(assignIndex, 0, uint8(len(pdoIndices)))
}
