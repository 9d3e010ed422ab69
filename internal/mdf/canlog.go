package mdf

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// CANBusLog composes a Writer's blocks into the canonical MDF hierarchy
// consumable by standard MDF tooling, per §4.7 "CAN-log composition":
//
//	HD -> (first DG, first FH, comment MD)
//	DG -> (next DG=NULL, first CG, DT)
//	CG -> (next CG=NULL, first CN=Timestamp, acquisition-name TX, acquisition-source SI)
//	CN(Timestamp) -> (next CN=CAN_DataFrame, unit-conversion CC, name TX)
//	CN(CAN_DataFrame) composes ID, IDE, BusChannel, DLC, DataLength, Dir,
//	DataBytes, chained through each channel's next pointer.
//
// One CANBusLog instance owns exactly one DT block's worth of records;
// it appends a 20-byte record (§4.7) per received frame via AppendFrame.
type CANBusLog struct {
	mu        sync.Mutex
	w         *Writer
	dtAddr    int64 // address of the DT block whose length we patch as we grow
	dtLen     uint64
	timeStart time.Time
}

// cgFlagPlainBusEvent marks a channel group as describing a "plain bus
// event" per §4.7 (bit 2 of the CG flags word).
const cgFlagPlainBusEvent = 0x4

// NewCANBusLog opens w, writes the file identification block and the
// full HD/FH/DG/CG/CN hierarchy described above, and returns a
// CANBusLog ready to receive frames via AppendFrame. timeStart is the
// reference instant record timestamps are measured from (§4.7).
func NewCANBusLog(w io.WriteSeeker, programID, comment string, timeStart time.Time) (*CANBusLog, error) {
	mw, err := NewWriter(w, programID)
	if err != nil {
		return nil, err
	}

	// HD must sit right after the file-id block (§4.7), but its
	// children (DG, FH, the comment MD) are written after it; write it
	// provisionally now and patch its links once they're known.
	hd, err := mw.WriteBlockProvisional(kindHD, 6, hdData(timeStart))
	if err != nil {
		return nil, err
	}

	commentMD, err := mw.WriteBlock(kindMD, nil, nullTerminated(comment))
	if err != nil {
		return nil, err
	}
	fh, err := mw.WriteBlock(kindFH, []uint64{0, 0}, fhData(timeStart))
	if err != nil {
		return nil, err
	}

	cn, err := buildCANDataFrameChannels(mw)
	if err != nil {
		return nil, err
	}
	tsCC, err := mw.WriteBlock(kindCC, []uint64{0, 0, 0, 0}, linearConversion(1.0/1e6, 0))
	if err != nil {
		return nil, err
	}
	tsName, err := mw.WriteBlock(kindTX, nil, nullTerminated("Timestamp"))
	if err != nil {
		return nil, err
	}
	tsCN, err := mw.WriteBlock(kindCN, []uint64{uint64(cn), 0, uint64(tsName), 0, uint64(tsCC), 0, 0, 0}, cnDataFull(channelTypeMaster, syncTypeTime, dtUnsignedLE, 0, 1, 48))
	if err != nil {
		return nil, err
	}

	acqName, err := mw.WriteBlock(kindTX, nil, nullTerminated("CAN_DataFrame"))
	if err != nil {
		return nil, err
	}
	acqSource, err := mw.WriteBlock(kindSI, []uint64{0, 0, 0}, siData())
	if err != nil {
		return nil, err
	}
	cg, err := mw.WriteBlock(kindCG, []uint64{0, uint64(tsCN), uint64(acqName), uint64(acqSource), 0, 0}, cgData(cgFlagPlainBusEvent, recordLength))
	if err != nil {
		return nil, err
	}

	// DG's "Data" link must point at the DT block, but DT has to be the
	// very last block in the stream (AppendFrame grows it by raw
	// appends forever, per §4.7's "the data section is never rewritten
	// after first emission" combined with this writer's open-ended
	// record log). So DG is written with a provisional Data link now
	// and patched once DT's real address is known, after HD.
	dg, err := mw.WriteBlockProvisional(kindDG, 4, dgData())
	if err != nil {
		return nil, err
	}
	if err := mw.PatchLinks(hd, []uint64{uint64(dg), uint64(fh), 0, 0, 0, uint64(commentMD)}); err != nil {
		return nil, err
	}

	dt, err := mw.WriteBlockProvisional(kindDT, 0, nil)
	if err != nil {
		return nil, err
	}
	if err := mw.PatchLinks(dg, []uint64{0, uint64(cg), uint64(dt), 0}); err != nil {
		return nil, err
	}

	return &CANBusLog{w: mw, dtAddr: dt, timeStart: timeStart}, nil
}

// buildCANDataFrameChannels writes the CAN_DataFrame channel and its
// component channels (ID, IDE, BusChannel, DLC, DataLength, Dir,
// DataBytes), chained through each block's "next" link per §4.7, and
// returns the address of the CAN_DataFrame channel (the head of the
// chain, linked as the Timestamp channel's successor).
func buildCANDataFrameChannels(mw *Writer) (int64, error) {
	type comp struct {
		name     string
		dataType uint8
		bitOff   uint8
		byteOff  uint32
		bitCount uint32
	}
	components := []comp{
		{"CAN_DataFrame.DataBytes", dtByteArray, 0, 12, 64},
		{"CAN_DataFrame.Dir", dtUnsignedLE, 4, 11, 1},
		{"CAN_DataFrame.DataLength", dtUnsignedLE, 0, 11, 4},
		{"CAN_DataFrame.DLC", dtUnsignedLE, 0, 11, 4},
		{"CAN_DataFrame.BusChannel", dtUnsignedLE, 6, 10, 2},
		{"CAN_DataFrame.IDE", dtUnsignedLE, 5, 10, 1},
		{"CAN_DataFrame.ID", dtUnsignedLE, 0, 7, 29},
	}

	var next int64
	for _, c := range components {
		nameAddr, err := mw.WriteBlock(kindTX, nil, nullTerminated(c.name))
		if err != nil {
			return 0, err
		}
		addr, err := mw.WriteBlock(kindCN, []uint64{uint64(next), 0, uint64(nameAddr), 0, 0, 0, 0, 0},
			cnDataAt(channelTypeFixed, c.dataType, c.bitOff, c.byteOff, c.bitCount))
		if err != nil {
			return 0, err
		}
		next = addr
	}

	parentName, err := mw.WriteBlock(kindTX, nil, nullTerminated("CAN_DataFrame"))
	if err != nil {
		return 0, err
	}
	parent, err := mw.WriteBlock(kindCN, []uint64{uint64(next), 0, uint64(parentName), 0, 0, 0, 0, 0},
		cnData(channelTypeFixed, syncTypeNone, dtByteArray, 0, 160))
	if err != nil {
		return 0, err
	}
	return parent, nil
}

// AppendFrame appends one received frame as a 20-byte record, per §4.7,
// on the given bus channel (0..3). recvAt should be monotonic with the
// log's timeStart; callers typically pass time.Now().
func (l *CANBusLog) AppendFrame(f canframe.Frame, busChannel uint8, recvAt time.Time) error {
	rec := encodeRecord(f, busChannel, l.timeStart, recvAt)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.writeRaw(rec[:]); err != nil {
		return corerr.Wrap(corerr.KindIO, "append MDF CAN data frame record", err)
	}
	l.dtLen += recordLength
	return l.patchDTLength()
}

// patchDTLength rewrites the DT block's header length in place so the
// block remains well-formed even though records are appended one at a
// time after it, per §4.7's address-patching design.
func (l *CANBusLog) patchDTLength() error {
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(headerSize)+l.dtLen)
	if _, err := l.w.w.Seek(l.dtAddr+8, io.SeekStart); err != nil {
		return corerr.Wrap(corerr.KindIO, "seek to patch DT length", err)
	}
	if _, err := l.w.w.Write(lenBuf); err != nil {
		return corerr.Wrap(corerr.KindIO, "write patched DT length", err)
	}
	_, err := l.w.w.Seek(l.w.pos, io.SeekStart)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "seek back to MDF stream end", err)
	}
	return nil
}

// RecordCount reports the number of frame records appended so far.
func (l *CANBusLog) RecordCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dtLen / recordLength
}

func nullTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// hdData is the fixed data section of the HD block: start time (ns since
// epoch) plus a handful of reserved fields standard MDF readers expect.
func hdData(timeStart time.Time) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(timeStart.UnixNano()))
	return buf
}

func fhData(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.UnixNano()))
	return buf
}

func dgData() []byte {
	return make([]byte, 8) // rec_id_size = 0: the record carries its own id byte at offset 0
}

// Channel-group flags plus fixed record size/count fields.
func cgData(flags uint32, recordSize uint16) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], 0) // record count, left at zero; the writer never patches it
	binary.LittleEndian.PutUint16(buf[8:10], recordSize)
	binary.LittleEndian.PutUint32(buf[10:14], flags)
	return buf
}

func siData() []byte {
	buf := make([]byte, 8)
	buf[0] = 2 // si_type = bus
	buf[1] = 2 // si_bus_type = CAN
	return buf
}

const (
	channelTypeFixed  = 0
	channelTypeMaster = 2

	syncTypeNone = 0
	syncTypeTime = 1

	dtUnsignedLE = 0
	dtFloatLE    = 4
	dtByteArray  = 10
)

// cnData is the simplified, fixed-size CN data section this writer
// emits for every channel: channel type, sync type, data type, bit
// offset/count and byte offset, enough for a reader to locate and type
// each component channel within the fixed 20-byte record.
func cnData(channelType, syncType, dataType uint8, bitOffset uint8, bitCount uint32) []byte {
	return cnDataFull(channelType, syncType, dataType, bitOffset, 0, bitCount)
}

func cnDataAt(channelType, dataType uint8, bitOffset uint8, byteOffset uint32, bitCount uint32) []byte {
	return cnDataFull(channelType, syncTypeNone, dataType, bitOffset, byteOffset, bitCount)
}

func cnDataFull(channelType, syncType, dataType uint8, bitOffset uint8, byteOffset uint32, bitCount uint32) []byte {
	buf := make([]byte, 24)
	buf[0] = channelType
	buf[1] = syncType
	buf[2] = dataType
	buf[3] = bitOffset
	binary.LittleEndian.PutUint32(buf[4:8], byteOffset)
	binary.LittleEndian.PutUint32(buf[8:12], bitCount)
	// buf[12:24] reserved for flags / value range, left zero.
	return buf
}

// linearConversion encodes a CC block's data section for a linear
// conversion physical = b + a*raw, per §4.7 ("linear with a = 1/1e6,
// b = 0" for the timestamp channel).
func linearConversion(a, b float64) []byte {
	buf := make([]byte, 32)
	buf[0] = 1 // cc_type = linear
	binary.LittleEndian.PutUint16(buf[4:6], 0)
	binary.LittleEndian.PutUint16(buf[6:8], 2) // val_count
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(b))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(a))
	return buf
}
