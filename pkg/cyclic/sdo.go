package cyclic

import (
	"encoding/binary"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/network"
)

// CoE adds a 2-byte header (number + service) in front of the SDO command
// specifier (spec.md §4.6). Service codes reused verbatim from CANopen,
// since CoE literally is CANopen-over-EtherCAT.
const (
	coeServiceSdoReq  = 2
	coeServiceSdoResp = 3
)

const (
	sdoCcsDownloadSegment  = 0
	sdoCcsInitiateDownload = 1
	sdoCcsInitiateUpload   = 2
	sdoCcsUploadSegment    = 3
	sdoAbortSpecifier      = 0x80
)

func coeHeader(service uint8) []byte {
	return []byte{0x00, service << 4}
}

func buildInitiateDownload(index uint16, sub uint8, data []byte) []byte {
	buf := make([]byte, 8)
	expedited := len(data) <= 4
	if expedited {
		n := 4 - len(data)
		buf[0] = sdoCcsInitiateDownload<<5 | 0x01 | 0x02 | byte(n<<2)
		copy(buf[4:4+len(data)], data)
	} else {
		buf[0] = sdoCcsInitiateDownload<<5 | 0x01
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	}
	binary.LittleEndian.PutUint16(buf[1:3], index)
	buf[3] = sub
	return buf
}

func buildDownloadSegment(toggle bool, data []byte, last bool) []byte {
	buf := make([]byte, 8)
	n := 7 - len(data)
	b := byte(sdoCcsDownloadSegment << 5)
	if toggle {
		b |= 0x10
	}
	b |= byte(n << 1)
	if last {
		b |= 0x01
	}
	buf[0] = b
	copy(buf[1:1+len(data)], data)
	return buf
}

func buildInitiateUpload(index uint16, sub uint8) []byte {
	buf := make([]byte, 8)
	buf[0] = sdoCcsInitiateUpload << 5
	binary.LittleEndian.PutUint16(buf[1:3], index)
	buf[3] = sub
	return buf
}

func buildUploadSegment(toggle bool) []byte {
	b := byte(sdoCcsUploadSegment << 5)
	if toggle {
		b |= 0x10
	}
	return []byte{b, 0, 0, 0, 0, 0, 0, 0}
}

// stripCoeHeader drops the 2-byte CoE number/service header that prefixes
// every mailbox message, leaving the bare SDO command specifier + data.
func stripCoeHeader(body []byte) []byte {
	if len(body) < 2 {
		return nil
	}
	return body[2:]
}

func isAbort(b []byte) (uint32, bool) {
	if len(b) >= 1 && b[0] == sdoAbortSpecifier {
		if len(b) >= 8 {
			return binary.LittleEndian.Uint32(b[4:8]), true
		}
		return 0, true
	}
	return 0, false
}

type sdoStep uint8

const (
	sdoStepSend sdoStep = iota
	sdoStepRecv
	sdoStepNextSegmentSend
	sdoStepNextSegmentRecv
)

// sdoExchange is the InnerFunction-style shared core of SdoUploader and
// SdoDownloader: the write/read mailbox round-trip they both repeat once
// per CoE message (spec.md §9: avoid a cycle between the parent task and
// its child sub-task by embedding it by value).
type sdoExchange struct {
	addr            ecat.SlaveAddress
	smRxStart       uint16
	smRxSize        uint16
	smTxStart       uint16
	smTxSize        uint16
	slave           *network.SlaveInfo
	station         uint16
	writer          *MailboxWriter
	reader          *MailboxReader
	recvMailboxBody []byte
}

func (e *sdoExchange) send(body []byte) {
	counter := e.slave.NextMailboxCount()
	msg := EncodeMailboxHeader(MailboxHeader{
		Length: uint16(len(body)), Station: e.station, Type: coeMailboxType, Counter: counter,
	}, body)
	e.writer = NewMailboxWriter(e.addr, e.smRxStart, e.smRxSize, msg)
}

func (e *sdoExchange) startRecv() {
	e.reader = NewMailboxReader(e.addr, e.smTxStart, e.smTxSize, e.slave)
}

// SdoDownloader writes an object dictionary value (spec.md §4.6). Segmented
// transfers toggle a per-segment bit; the terminal segment sets bit 0 of
// its command byte to mark that no more segments follow.
type SdoDownloader struct {
	sdoExchange
	index     uint16
	sub       uint8
	data      []byte
	step      sdoStep
	toggle    bool
	segOffset int
	phase     taskPhase
	err       error
}

// NewSdoDownloader writes data to (index,sub) on the slave addressed by
// addr, exchanging over the SM0/SM1 mailbox region described by smRx/smTx.
func NewSdoDownloader(addr ecat.SlaveAddress, station uint16, smRxStart, smRxSize, smTxStart, smTxSize uint16, slave *network.SlaveInfo, index uint16, sub uint8, data []byte) *SdoDownloader {
	d := &SdoDownloader{index: index, sub: sub, data: data}
	d.addr, d.station, d.slave = addr, station, slave
	d.smRxStart, d.smRxSize, d.smTxStart, d.smTxSize = smRxStart, smRxSize, smTxStart, smTxSize
	d.send(append(coeHeader(coeServiceSdoReq), buildInitiateDownload(index, sub, data)...))
	return d
}

func (t *SdoDownloader) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning {
		return ecat.Command{}, nil, false
	}
	switch t.step {
	case sdoStepSend, sdoStepNextSegmentSend:
		return t.writer.NextCommand(now)
	default:
		if t.reader == nil {
			t.startRecv()
		}
		return t.reader.NextCommand(now)
	}
}

func (t *SdoDownloader) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase != phaseRunning {
		return
	}
	switch t.step {
	case sdoStepSend, sdoStepNextSegmentSend:
		t.writer.ReceiveAndProcess(recv, now)
		if _, err, done := t.writer.Wait(); done {
			if err != nil {
				t.phase = phaseError
				t.err = err
				return
			}
			if t.step == sdoStepSend {
				t.step = sdoStepRecv
			} else {
				t.step = sdoStepNextSegmentRecv
			}
		}
	default:
		t.reader.ReceiveAndProcess(recv, now)
		body, err, done := t.reader.Wait()
		if !done {
			return
		}
		if err != nil {
			t.phase = phaseError
			t.err = err
			return
		}
		body = stripCoeHeader(body)
		if code, abort := isAbort(body); abort {
			t.phase = phaseError
			t.err = &SdoTaskError{Abort: true, AbortCode: code}
			return
		}
		if len(t.data) <= 4 {
			t.phase = phaseDone
			return
		}
		if t.segOffset == 0 {
			// Initiate-download response accepted; start segmented phase.
		}
		if t.segOffset >= len(t.data) {
			t.phase = phaseDone
			return
		}
		end := t.segOffset + 7
		last := false
		if end >= len(t.data) {
			end = len(t.data)
			last = true
		}
		seg := t.data[t.segOffset:end]
		t.segOffset = end
		t.toggle = !t.toggle
		t.send(append(coeHeader(coeServiceSdoReq), buildDownloadSegment(t.toggle, seg, last)...))
		t.reader = nil
		t.step = sdoStepNextSegmentSend
	}
}

func (t *SdoDownloader) Wait() (struct{}, error, bool) {
	switch t.phase {
	case phaseDone:
		return struct{}{}, nil, true
	case phaseError:
		return struct{}{}, t.err, true
	default:
		return struct{}{}, nil, false
	}
}

// SdoUploader reads an object dictionary value (spec.md §4.6).
type SdoUploader struct {
	sdoExchange
	index  uint16
	sub    uint8
	step   sdoStep
	toggle bool
	out    []byte
	phase  taskPhase
	err    error
}

// NewSdoUploader reads (index,sub) from the slave addressed by addr.
func NewSdoUploader(addr ecat.SlaveAddress, station uint16, smRxStart, smRxSize, smTxStart, smTxSize uint16, slave *network.SlaveInfo, index uint16, sub uint8) *SdoUploader {
	u := &SdoUploader{index: index, sub: sub}
	u.addr, u.station, u.slave = addr, station, slave
	u.smRxStart, u.smRxSize, u.smTxStart, u.smTxSize = smRxStart, smRxSize, smTxStart, smTxSize
	u.send(append(coeHeader(coeServiceSdoReq), buildInitiateUpload(index, sub)...))
	return u
}

func (t *SdoUploader) NextCommand(now ecat.EtherCatSystemTime) (ecat.Command, []byte, bool) {
	if t.phase != phaseRunning {
		return ecat.Command{}, nil, false
	}
	switch t.step {
	case sdoStepSend, sdoStepNextSegmentSend:
		return t.writer.NextCommand(now)
	default:
		if t.reader == nil {
			t.startRecv()
		}
		return t.reader.NextCommand(now)
	}
}

func (t *SdoUploader) ReceiveAndProcess(recv *ecat.ReceivedData, now ecat.EtherCatSystemTime) {
	if t.phase != phaseRunning {
		return
	}
	switch t.step {
	case sdoStepSend, sdoStepNextSegmentSend:
		t.writer.ReceiveAndProcess(recv, now)
		if _, err, done := t.writer.Wait(); done {
			if err != nil {
				t.phase = phaseError
				t.err = err
				return
			}
			if t.step == sdoStepSend {
				t.step = sdoStepRecv
			} else {
				t.step = sdoStepNextSegmentRecv
			}
		}
	default:
		t.reader.ReceiveAndProcess(recv, now)
		body, err, done := t.reader.Wait()
		if !done {
			return
		}
		if err != nil {
			t.phase = phaseError
			t.err = err
			return
		}
		body = stripCoeHeader(body)
		if code, abort := isAbort(body); abort {
			t.phase = phaseError
			t.err = &SdoTaskError{Abort: true, AbortCode: code}
			return
		}

		if t.step == sdoStepRecv {
			t.handleInitiateUploadResponse(body)
			return
		}
		t.handleUploadSegmentResponse(body)
	}
}

func (t *SdoUploader) handleInitiateUploadResponse(body []byte) {
	if len(body) < 8 {
		t.phase = phaseError
		t.err = &SdoTaskError{BufferSmall: true}
		return
	}
	scs := body[0] >> 5
	if scs != 2 {
		t.phase = phaseError
		t.err = &SdoTaskError{BufferSmall: true}
		return
	}
	expedited := body[0]&0x02 != 0
	sizeIndicated := body[0]&0x01 != 0
	if expedited {
		n := 0
		if sizeIndicated {
			n = int(body[0]>>2) & 0x03
		}
		length := 4 - n
		t.out = append([]byte(nil), body[4:4+length]...)
		t.phase = phaseDone
		return
	}
	// Segmented: body[4:8] carries the complete size; data follows via
	// upload-segment requests.
	t.toggle = false
	t.send(append(coeHeader(coeServiceSdoReq), buildUploadSegment(t.toggle)...))
	t.reader = nil
	t.step = sdoStepNextSegmentSend
}

func (t *SdoUploader) handleUploadSegmentResponse(body []byte) {
	if len(body) < 1 {
		t.phase = phaseError
		t.err = &SdoTaskError{BufferSmall: true}
		return
	}
	n := int(body[0]>>1) & 0x07
	last := body[0]&0x01 != 0
	length := 7 - n
	if 1+length > len(body) {
		length = len(body) - 1
	}
	t.out = append(t.out, body[1:1+length]...)
	if last {
		t.phase = phaseDone
		return
	}
	t.toggle = !t.toggle
	t.send(append(coeHeader(coeServiceSdoReq), buildUploadSegment(t.toggle)...))
	t.reader = nil
	t.step = sdoStepNextSegmentSend
}

func (t *SdoUploader) Wait() ([]byte, error, bool) {
	switch t.phase {
	case phaseDone:
		return t.out, nil, true
	case phaseError:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}
