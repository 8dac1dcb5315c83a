package config

import (
	"fmt"
	"log/slog"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/od"
)

// SdoExchanger is the subset of EtherCatMaster NodeConfigurator needs: a
// synchronous CoE upload/download against one slave's mailbox.
type SdoExchanger interface {
	ReadSdo(addr ecat.SlaveAddress, index uint16, sub uint8) ([]byte, error)
	WriteSdo(addr ecat.SlaveAddress, index uint16, sub uint8, data []byte) error
}

// NodeConfigurator provides helper methods for reading/updating a slave's
// reserved CoE configuration objects, index range 0x1000-0x1FFF: identity,
// manufacturer strings, and PDO mapping/assignment. No EEPROM access is
// needed for any of it; everything goes through the mailbox.
type NodeConfigurator struct {
	client SdoExchanger
	addr   ecat.SlaveAddress
	logger *slog.Logger
}

// NewNodeConfigurator builds a [NodeConfigurator] for the slave addressed
// by addr. A nil logger falls back to slog.Default().
func NewNodeConfigurator(addr ecat.SlaveAddress, client SdoExchanger, logger *slog.Logger) *NodeConfigurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeConfigurator{client: client, addr: addr, logger: logger.With("service", "[CONFIG]")}
}

func (config *NodeConfigurator) readUint8(index uint16, sub uint8) (uint8, error) {
	raw, err := config.client.ReadSdo(config.addr, index, sub)
	if err != nil {
		return 0, err
	}
	v, err := od.DecodeToTypeExact(raw, od.UNSIGNED8)
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}

func (config *NodeConfigurator) readUint16(index uint16, sub uint8) (uint16, error) {
	raw, err := config.client.ReadSdo(config.addr, index, sub)
	if err != nil {
		return 0, err
	}
	v, err := od.DecodeToTypeExact(raw, od.UNSIGNED16)
	if err != nil {
		return 0, err
	}
	return v.(uint16), nil
}

func (config *NodeConfigurator) readUint32(index uint16, sub uint8) (uint32, error) {
	raw, err := config.client.ReadSdo(config.addr, index, sub)
	if err != nil {
		return 0, err
	}
	v, err := od.DecodeToTypeExact(raw, od.UNSIGNED32)
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

func (config *NodeConfigurator) writeExact(index uint16, sub uint8, value any) error {
	data, err := od.EncodeFromTypeExact(value)
	if err != nil {
		return fmt.Errorf("encode %T for 0x%04X:%d: %w", value, index, sub, err)
	}
	return config.client.WriteSdo(config.addr, index, sub, data)
}
