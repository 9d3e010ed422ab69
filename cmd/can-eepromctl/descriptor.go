package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// VariableType is one of the scalar encodings a descriptor variable can
// declare, per §6's EEPROM configuration format.
type VariableType string

const (
	TypeU8  VariableType = "u8"
	TypeU16 VariableType = "u16"
	TypeU32 VariableType = "u32"
	TypeF32 VariableType = "f32"
)

// VariableMode restricts which operations a descriptor variable permits.
type VariableMode string

const (
	ModeReadWrite VariableMode = "read_write"
	ModeReadOnly  VariableMode = "read_only"
	ModeWriteOnly VariableMode = "write_only"
)

// Variable is one named EEPROM value: its address, scalar type, access
// mode, and (for matrices) its declared [height][width] shape.
type Variable struct {
	Address uint16       `json:"address"`
	Name    string       `json:"name"`
	Type    VariableType `json:"type"`
	Mode    VariableMode `json:"mode"`
	Width   int          `json:"width,omitempty"`
	Height  int          `json:"height,omitempty"`
}

// cells returns the number of scalar elements the variable holds: 1 for a
// plain scalar, width*height for a matrix.
func (v Variable) cells() int {
	if v.Width <= 0 && v.Height <= 0 {
		return 1
	}
	w, h := v.Width, v.Height
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return w * h
}

func (v Variable) byteWidth() int {
	switch v.Type {
	case TypeU8:
		return 1
	case TypeU16:
		return 2
	case TypeU32, TypeF32:
		return 4
	default:
		return 0
	}
}

// Descriptor is the variable-map configuration of §6: an EEPROM's name,
// its base CAN id, and the variables it exposes.
type Descriptor struct {
	Name      string     `json:"name"`
	CanID     uint32     `json:"canId"`
	Variables []Variable `json:"variables"`
}

// loadDescriptor parses a variable-descriptor configuration file.
func loadDescriptor(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindConfig, "open EEPROM descriptor", err)
	}
	defer f.Close()

	var d Descriptor
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return nil, corerr.Wrap(corerr.KindConfig, "parse EEPROM descriptor", err)
	}
	for _, v := range d.Variables {
		if v.byteWidth() == 0 {
			return nil, corerr.New(corerr.KindEEPROM, fmt.Sprintf("unknown variable type %q for %q", v.Type, v.Name))
		}
	}
	return &d, nil
}

func (d *Descriptor) find(name string) (Variable, bool) {
	for _, v := range d.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}
