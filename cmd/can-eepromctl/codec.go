package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// encodeScalar packs one value literal into its little-endian on-wire
// bytes, per §6: integers parse with base 0 (so "0x1A", "010", "26" all
// work), floats parse as standard decimal.
func encodeScalar(t VariableType, literal string) ([]byte, error) {
	buf := make([]byte, 0, 4)
	switch t {
	case TypeU8:
		n, err := strconv.ParseUint(literal, 0, 8)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindEEPROM, "parse u8 value "+literal, err)
		}
		buf = append(buf, byte(n))
	case TypeU16:
		n, err := strconv.ParseUint(literal, 0, 16)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindEEPROM, "parse u16 value "+literal, err)
		}
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf = append(buf, b[:]...)
	case TypeU32:
		n, err := strconv.ParseUint(literal, 0, 32)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindEEPROM, "parse u32 value "+literal, err)
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf = append(buf, b[:]...)
	case TypeF32:
		f, err := strconv.ParseFloat(literal, 32)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindEEPROM, "parse f32 value "+literal, err)
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(f)))
		buf = append(buf, b[:]...)
	default:
		return nil, corerr.New(corerr.KindEEPROM, "unknown variable type "+string(t))
	}
	return buf, nil
}

// decodeScalar renders raw little-endian bytes back into the string form
// encodeScalar accepts, so read and write use one shared literal format.
func decodeScalar(t VariableType, data []byte) (string, error) {
	switch t {
	case TypeU8:
		return strconv.FormatUint(uint64(data[0]), 10), nil
	case TypeU16:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(data)), 10), nil
	case TypeU32:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(data)), 10), nil
	case TypeF32:
		f := math.Float32frombits(binary.LittleEndian.Uint32(data))
		return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
	default:
		return "", corerr.New(corerr.KindEEPROM, "unknown variable type "+string(t))
	}
}

// flattenLiterals walks a value JSON node per §6 (a string literal for
// scalars, or nested arrays matching the declared [height][width] shape)
// and appends every leaf literal in row-major order.
func flattenLiterals(raw json.RawMessage, out *[]string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*out = append(*out, s)
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return corerr.Wrap(corerr.KindEEPROM, "decode EEPROM value literal", err)
	}
	for _, elem := range arr {
		if err := flattenLiterals(elem, out); err != nil {
			return err
		}
	}
	return nil
}

// shapeLiterals is the inverse of flattenLiterals: it nests a row-major
// slice of literals back into the variable's declared shape for output.
func shapeLiterals(v Variable, literals []string) interface{} {
	if v.Width <= 0 && v.Height <= 0 {
		return literals[0]
	}
	w, h := v.Width, v.Height
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	rows := make([][]string, h)
	for r := 0; r < h; r++ {
		rows[r] = literals[r*w : r*w+w]
	}
	return rows
}

func invalidMode(op string, v Variable) error {
	return corerr.New(corerr.KindEEPROM, fmt.Sprintf("variable %q does not permit %s (mode %s)", v.Name, op, v.Mode))
}
