package mdf

import (
	"bytes"
	"testing"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
)

// TestCANBusLogRecordBytes is scenario S6: a frame with id=0x123,
// ide=false, dlc=3, data=[0xDE,0xAD,0xBE] on bus channel 1, with
// time_start chosen so the record timestamp is 0x03E8 us, serializes to
// the exact 20-byte record given in the spec.
func TestCANBusLogRecordBytes(t *testing.T) {
	m := &memSeeker{}
	timeStart := time.Unix(0, 0).UTC()
	log, err := NewCANBusLog(m, "cantoolkit", "CAN bus log", timeStart)
	if err != nil {
		t.Fatalf("NewCANBusLog: %v", err)
	}

	f := canframe.Frame{ID: 0x123, Extended: false, DLC: 3}
	f.Data[0], f.Data[1], f.Data[2] = 0xDE, 0xAD, 0xBE

	recvAt := timeStart.Add(1000 * time.Microsecond) // 0x3E8 us
	if err := log.AppendFrame(f, 1, recvAt); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}

	// Per §4.7's record-layout table (and original_source/lib/mdf/
	// mdf_can_bus_logging.c:19-38): byte 10 carries IDE/bus-channel, byte
	// 11 carries DLC, and data starts at byte 12 — two bytes earlier than
	// spec.md's S6 prose example, which is inconsistent with its own
	// table. The table/source is ground truth here.
	want := []byte{
		0x01, 0xE8, 0x03, 0x00, 0x00, 0x00, 0x00, 0x23,
		0x01, 0x00, 0x40, 0x03, 0xDE, 0xAD, 0xBE, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	got := m.buf[m.buf_len()-recordLength:]
	if !bytes.Equal(got, want) {
		t.Fatalf("record bytes = % X, want % X", got, want)
	}
	if log.RecordCount() != 1 {
		t.Fatalf("RecordCount = %d, want 1", log.RecordCount())
	}
}

func (m *memSeeker) buf_len() int64 { return int64(len(m.buf)) }

func TestCANBusLogHierarchyAddressesAligned(t *testing.T) {
	m := &memSeeker{}
	timeStart := time.Now()
	log, err := NewCANBusLog(m, "cantoolkit", "CAN bus log", timeStart)
	if err != nil {
		t.Fatalf("NewCANBusLog: %v", err)
	}
	if log.dtAddr%8 != 0 {
		t.Fatalf("DT address %d not 8-byte aligned", log.dtAddr)
	}
	if string(m.buf[64:68]) != kindHD {
		t.Fatalf("second block after id block = %q, want HD", m.buf[64:72])
	}
	if string(m.buf[log.dtAddr:log.dtAddr+4]) != kindDT {
		t.Fatalf("block at dtAddr = %q, want DT", m.buf[log.dtAddr:log.dtAddr+8])
	}

	for i := 0; i < 3; i++ {
		f := canframe.Frame{ID: uint32(0x200 + i), DLC: 8}
		if err := log.AppendFrame(f, 0, timeStart.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("AppendFrame %d: %v", i, err)
		}
	}
	if log.RecordCount() != 3 {
		t.Fatalf("RecordCount = %d, want 3", log.RecordCount())
	}
	// Every appended record must land immediately after the DT header +
	// previously appended records, with no intervening block.
	wantLen := int64(len(m.buf))
	if wantLen != log.w.pos {
		t.Fatalf("stream length %d != writer position %d", wantLen, log.w.pos)
	}
}
