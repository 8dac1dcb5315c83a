// Package cyclic implements the CyclicProcess contract (spec.md §4.3) and
// every protocol task built on it: AlStateReader, AlStateTransfer,
// SiiReader, MailboxReader/Writer, SdoUploader/Downloader, SlaveInitializer,
// NetworkInitializer, DcInitializer, DcDriftCompensator, RxErrorChecker and
// CyclicPdoExchanger. Every task is a small state machine with two halves
// per cycle: produce the next PDU, and fold a received PDU (or its
// absence) back into state. Tasks never block; a missing reply advances a
// per-task timeout counter instead.
package cyclic

import (
	"time"

	ecat "github.com/gecat-project/gecat"
)

// CyclicProcess is the two-halves-per-cycle contract every task
// implements. Out is the task's terminal result type.
type CyclicProcess[Out any] interface {
	// NextCommand produces the next PDU to emit, or ok=false if idle,
	// complete, or in error.
	NextCommand(now ecat.EtherCatSystemTime) (cmd ecat.Command, payload []byte, ok bool)
	// ReceiveAndProcess folds a received PDU (recv == nil means "no reply
	// arrived this cycle") into the state machine.
	ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime)
	// Wait is a non-blocking poll for terminal state: done is false while
	// the task is still running.
	Wait() (out Out, err error, done bool)
}

// deadline tracks a single timeout window, the shared idiom behind every
// task's "missing reply N times in a row" and "elapsed since start"
// bookkeeping (spec.md §5).
type deadline struct {
	start   ecat.EtherCatSystemTime
	limit   time.Duration
	started bool
}

func (d *deadline) begin(now ecat.EtherCatSystemTime) {
	d.start = now
	d.started = true
}

func (d *deadline) expired(now ecat.EtherCatSystemTime, limit time.Duration) bool {
	if !d.started {
		return false
	}
	return now.Sub(d.start) >= limit
}

// maxRegisterBuf records the "largest register" sizing rule (spec.md §9)
// as a buffer type: MaxRegisterSize = 16*8 = 128 in this module, covering
// the full FMMU/SM block ranges tasks address. No task declares a buffer of
// this type; each allocates its register payload per command.
type maxRegisterBuf [ecat.MaxRegisterSize]byte
