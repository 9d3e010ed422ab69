// Package canframe defines the wire-level CAN frame shared by every
// transport, codec and protocol package in this module.
//
// It plays the role the teacher's internal/can.Frame played for the
// cannelloni gateway, generalized from a gateway-specific CANID-with-
// embedded-flags shape to the classical-CAN frame of §3 of the
// specification: a separate Extended/RTR flag pair, an explicit DLC and
// up to 8 data bytes.
package canframe

import (
	"encoding/binary"
	"fmt"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// Frame is the wire-level object exchanged through a Device.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	DLC      uint8
	Data     [8]byte
}

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF

	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x7FF
)

// Validate returns an error if the frame's ID or DLC is out of range.
func (f Frame) Validate() error {
	if f.DLC > 8 {
		return corerr.New(corerr.KindIO, fmt.Sprintf("invalid DLC %d", f.DLC))
	}
	if f.Extended {
		if f.ID > maxExtID {
			return corerr.New(corerr.KindIO, fmt.Sprintf("invalid extended id %#x", f.ID))
		}
	} else if f.ID > maxStdID {
		return corerr.New(corerr.KindIO, fmt.Sprintf("invalid standard id %#x", f.ID))
	}
	return nil
}

// PayloadWord interprets the first 8 data bytes as a little-endian 64-bit
// word, per §4.5 step 4. Bytes beyond DLC are treated as zero by callers
// that only read DLC significant bytes, but the word itself always covers
// all 8 positions so a signal may straddle the DLC boundary during parse
// validation.
func (f Frame) PayloadWord() uint64 {
	return binary.LittleEndian.Uint64(f.Data[:])
}

// SetPayloadWord writes a little-endian 64-bit word into the data bytes.
func (f *Frame) SetPayloadWord(word uint64) {
	binary.LittleEndian.PutUint64(f.Data[:], word)
}

// MarshalBinary encodes the frame using the Linux SocketCAN "struct
// can_frame" wire layout (16 bytes), matching the bit layout the teacher's
// socketcan.Device reads and writes directly via syscalls.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEFFFlag
	}
	if f.RTR {
		id |= canRTRFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the SocketCAN can_frame layout,
// stripping the EFF/RTR status bits per §6 ("the top bit ... marks IDE").
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return corerr.New(corerr.KindIO, fmt.Sprintf("short can_frame: need 16 bytes, got %d", len(data)))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&canEFFFlag != 0
	f.RTR = id&canRTRFlag != 0
	if f.Extended {
		f.ID = id & canEFFMask
	} else {
		f.ID = id & canSFFMask
	}
	f.DLC = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}

// String renders a frame as "<id-hex> [<dlc>] <data bytes hex>" (or "RTR"
// in place of data bytes for a remote frame), matching the teacher-adjacent
// debugging format used across the retrieval pack's CAN libraries.
func (f Frame) String() string {
	idFmt := "%03X"
	if f.Extended {
		idFmt = "%08X"
	}
	s := fmt.Sprintf(idFmt, f.ID)
	if f.RTR {
		return fmt.Sprintf("%s [%d] RTR", s, f.DLC)
	}
	out := fmt.Sprintf("%s [%d]", s, f.DLC)
	for i := uint8(0); i < f.DLC; i++ {
		out += fmt.Sprintf(" %02X", f.Data[i])
	}
	return out
}
