package mdf

import (
	"encoding/binary"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
)

// RecordSize is the fixed size, in bytes, of one CAN data frame record
// appended by AppendFrame, per §4.7's record layout table.
const RecordSize = recordLength

// recordLength is the fixed size of one CAN data frame record, per §4.7's
// record layout table.
const recordLength = 20

// canDataFrameRecordID is the record-id byte identifying a CAN data
// frame record within a DT block that may eventually carry other record
// kinds.
const canDataFrameRecordID = 0x01

// encodeRecord serializes one received frame into the 20-byte record
// layout of §4.7:
//
//	offset 0      1 B   record-id (0x01)
//	offset 1      6 B   timestamp, LE, microseconds since timeStart
//	offset 7      4 B   CAN ID (bits 0..28), LE, packed across 3 full
//	                    bytes plus the low 5 bits of byte 10
//	offset 10     -     byte 10 bit 5 = IDE, bits 6..7 = bus channel
//	offset 11     -     byte 11 bits 0..3 = DLC, bit 4 = Dir (0 = Rx)
//	offset 12     8 B   data bytes, bytes beyond DLC are zero
//
// Dir is always 0: the writer only ever logs frames received off the
// bus (§1's scope does not include a transmit-side logger).
func encodeRecord(f canframe.Frame, busChannel uint8, timeStart time.Time, recvAt time.Time) [recordLength]byte {
	var rec [recordLength]byte
	rec[0] = canDataFrameRecordID

	micros := uint64(recvAt.Sub(timeStart) / time.Microsecond)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], micros)
	copy(rec[1:7], tsBuf[:6])

	id := f.ID
	rec[7] = byte(id)
	rec[8] = byte(id >> 8)
	rec[9] = byte(id >> 16)

	idHigh := byte((id >> 24) & 0x1F)
	var ideBit byte
	if f.Extended {
		ideBit = 1
	}
	rec[10] = idHigh | (ideBit << 5) | ((busChannel & 0x3) << 6)

	rec[11] = f.DLC & 0x0F
	n := int(f.DLC)
	if n > 8 {
		n = 8
	}
	copy(rec[12:20], f.Data[:n])
	return rec
}
