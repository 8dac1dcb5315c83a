package cyclic

import (
	"errors"
	"fmt"

	"github.com/gecat-project/gecat/pkg/network"
)

// AlStateTransferError reports why an AlStateTransfer did not reach its
// target state (spec.md §7).
type AlStateTransferError struct {
	TimeoutMs    uint32 // 0 if the failure was an AL status code, not a timeout
	AlStatusCode uint16
	Current      network.AlState
}

func (e *AlStateTransferError) Error() string {
	if e.TimeoutMs != 0 {
		return fmt.Sprintf("al state transfer: timed out after %d ms in state %s", e.TimeoutMs, e.Current)
	}
	return fmt.Sprintf("al state transfer: status code %#04x in state %s", e.AlStatusCode, e.Current)
}

// SII register error bits (spec.md §4.5), decoded from SII_Control.
var (
	ErrSiiPermissionDenied         = errors.New("sii: permission denied")
	ErrSiiDeviceInfoNotOperational = errors.New("sii: device info not operational")
	ErrSiiTimeout                  = errors.New("sii: busy bit never cleared")
	ErrSiiCommandError             = errors.New("sii: command error")
	ErrSiiAddressError             = errors.New("sii: address error")
	ErrSiiBusy                     = errors.New("sii: busy")
)

// SdoTaskError reports an SDO (CoE) transfer failure (spec.md §7).
type SdoTaskError struct {
	MailboxAlreadyExisted bool
	NoMailbox             bool
	BufferSmall           bool
	AbortCode             uint32 // valid iff Abort is true
	Abort                 bool
}

func (e *SdoTaskError) Error() string {
	switch {
	case e.MailboxAlreadyExisted:
		return "sdo: mailbox transfer already in progress"
	case e.NoMailbox:
		return "sdo: slave has no mailbox"
	case e.BufferSmall:
		return "sdo: destination buffer too small"
	case e.Abort:
		return fmt.Sprintf("sdo: abort code %#08x", e.AbortCode)
	default:
		return "sdo: task error"
	}
}

// SlaveInitializerError folds an inner task's error into the
// initializer's own error type (spec.md §7: "task-specific errors compose
// by folding").
type SlaveInitializerError struct {
	AlStateTransition  *AlStateTransferError
	SiiRead            error
	FailedToLoadEEPROM bool
}

func (e *SlaveInitializerError) Error() string {
	switch {
	case e.FailedToLoadEEPROM:
		return "slave initializer: failed to load EEPROM (pdi_operational never set)"
	case e.AlStateTransition != nil:
		return fmt.Sprintf("slave initializer: %v", e.AlStateTransition)
	case e.SiiRead != nil:
		return fmt.Sprintf("slave initializer: sii read: %v", e.SiiRead)
	default:
		return "slave initializer: task error"
	}
}

func (e *SlaveInitializerError) Unwrap() error {
	if e.SiiRead != nil {
		return e.SiiRead
	}
	return nil
}
