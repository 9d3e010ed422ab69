package device

import (
	"bytes"
	"encoding/binary"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
)

// SLCAN-style UART wire frame:
//
//	[0x2D, 0xD4, len, INS, FLAGS, id(4 bytes BE), data(0..8), checksum]
//
// len counts every byte from INS through the last data byte plus the
// trailing checksum; checksum is the byte-truncated sum of 0x2D, len, and
// every byte from INS onward. Adapted from the teacher's
// internal/serial/codec.go canUARTSend/DecodeStream pair.
const (
	slcanPre0 = 0x2D
	slcanPre1 = 0xD4

	slcanMinLen = 6 + 0 + 1 // INS+FLAGS+ID(4)+checksum, DLC 0
	slcanMaxLen = 6 + 8 + 1 // + 8 data bytes, DLC 8
)

func encodeSLCAN(f canframe.Frame) []byte {
	id := f.ID
	body := make([]byte, 6+int(f.DLC))
	body[0] = 2 // INS: CAN UART SEND WITH EXT ID
	flags := byte(f.DLC)
	if f.Extended {
		flags |= 0x80
	}
	body[1] = flags
	binary.BigEndian.PutUint32(body[2:6], id)
	copy(body[6:], f.Data[:f.DLC])
	return slcanChecksummed(body)
}

func slcanChecksummed(body []byte) []byte {
	n := len(body)
	frame := make([]byte, n+4)
	frame[0] = slcanPre0
	frame[1] = slcanPre1
	frame[2] = byte(n + 1)

	sum := frame[2] + slcanPre0
	for i, b := range body {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// decodeSLCANFrame consumes exactly one complete frame from buf, if
// present, resynchronising past malformed data the way the teacher's
// DecodeStream does.
func decodeSLCANFrame(buf *bytes.Buffer) (canframe.Frame, bool) {
	header := []byte{slcanPre0, slcanPre1}

	for {
		data := buf.Bytes()
		if len(data) < 3 {
			return canframe.Frame{}, false
		}

		i := bytes.Index(data, header)
		if i < 0 {
			if buf.Len() > 1 {
				last := data[len(data)-1]
				buf.Reset()
				_ = buf.WriteByte(last)
			}
			return canframe.Frame{}, false
		}
		if i > 0 {
			buf.Next(i)
			continue
		}

		if len(data) < 4 {
			return canframe.Frame{}, false
		}
		ln := int(data[2])
		if ln < slcanMinLen || ln > slcanMaxLen {
			buf.Next(1)
			continue
		}

		req := 3 + ln
		if len(data) < req {
			return canframe.Frame{}, false
		}

		sum := uint(slcanPre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			buf.Next(1)
			continue
		}

		flags := data[4]
		id := binary.BigEndian.Uint32(data[5:9])
		dlc := flags & 0x0F
		if int(dlc) > 8 {
			dlc = 8
		}
		payload := data[9:req-1]
		if len(payload) > int(dlc) {
			payload = payload[:dlc]
		}

		var f canframe.Frame
		f.ID = id
		f.Extended = flags&0x80 != 0
		f.DLC = dlc
		copy(f.Data[:], payload)

		buf.Next(req)
		return f, true
	}
}
