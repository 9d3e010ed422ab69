// Command can-eepromctl is the minimal EEPROM CLI of §6: open a CAN
// device, load a variable descriptor, and perform single-variable or
// bulk-JSON reads and writes against the EEPROM over internal/eeprom's
// request/response protocol.
//
// Grounded on original_source/src/can_eeprom_cli/main.c, whose
// interactive 'w'/'r'/'m'/'e' menu this flattens into flags: -get/-set
// for single-variable access and -dump/-program for the bulk-JSON
// forms the source's MODE_PROGRAM ('-p') performs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
	"github.com/zre-motorsports/cantoolkit/internal/device"
	"github.com/zre-motorsports/cantoolkit/internal/eeprom"
	"github.com/zre-motorsports/cantoolkit/internal/logging"
)

func main() {
	deviceName := flag.String("device", "can0", "CAN device name (socketcan interface, e.g. can0, or a serial path, e.g. /dev/ttyUSB0)")
	baud := flag.Int("baud", 115200, "Serial baud rate (SLCAN devices only)")
	descriptorPath := flag.String("descriptor", "", "Path to the EEPROM variable descriptor JSON (required)")
	get := flag.String("get", "", "Read a single variable by name and print its value")
	set := flag.String("set", "", "Write a single variable as name=value")
	dump := flag.String("dump", "", "Read every descriptor variable and write its values as JSON to this path (- for stdout)")
	program := flag.String("program", "", "Write every variable named in this JSON file (name -> value) to the EEPROM")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	l := setupLogger(*logFormat, *logLevel)

	if err := run(l, *deviceName, *baud, *descriptorPath, *get, *set, *dump, *program); err != nil {
		if ce, ok := err.(*corerr.Error); ok {
			fmt.Fprint(os.Stderr, ce.Format())
		} else {
			fmt.Fprintf(os.Stderr, "%s.\n", err)
		}
		os.Exit(1)
	}
}

func setupLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "can-eepromctl")
	logging.Set(l)
	return l
}

func run(l *slog.Logger, deviceName string, baud int, descriptorPath, get, set, dump, program string) error {
	if descriptorPath == "" {
		return corerr.New(corerr.KindConfig, "missing -descriptor")
	}
	selected := 0
	for _, s := range []string{get, set, dump, program} {
		if s != "" {
			selected++
		}
	}
	if selected != 1 {
		return corerr.New(corerr.KindConfig, "exactly one of -get, -set, -dump, -program must be given")
	}

	desc, err := loadDescriptor(descriptorPath)
	if err != nil {
		return err
	}

	dev, err := device.Open(deviceName, baud)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "open CAN device "+deviceName, err)
	}
	defer dev.Close()

	proto, err := eeprom.Open(dev, desc.CanID)
	if err != nil {
		return err
	}

	l.Info("eeprom_connected", "device", deviceName, "request_id", desc.CanID, "variables", len(desc.Variables))

	switch {
	case get != "":
		return runGet(proto, desc, get)
	case set != "":
		return runSet(proto, desc, set)
	case dump != "":
		return runDump(proto, desc, dump)
	default:
		return runProgram(proto, desc, program)
	}
}

func runGet(proto *eeprom.Protocol, desc *Descriptor, name string) error {
	v, ok := desc.find(name)
	if !ok {
		return corerr.New(corerr.KindEEPROM, fmt.Sprintf("unknown variable %q", name))
	}
	literal, err := readVariable(proto, v)
	if err != nil {
		return err
	}
	fmt.Println(literal)
	return nil
}

func runSet(proto *eeprom.Protocol, desc *Descriptor, assignment string) error {
	name, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return corerr.New(corerr.KindConfig, "expected -set name=value, got "+assignment)
	}
	v, ok := desc.find(name)
	if !ok {
		return corerr.New(corerr.KindEEPROM, fmt.Sprintf("unknown variable %q", name))
	}
	var literals []string
	if v.cells() == 1 {
		literals = []string{value}
	} else {
		if err := json.Unmarshal([]byte(value), &literals); err != nil {
			return corerr.Wrap(corerr.KindEEPROM, "decode matrix value for "+name, err)
		}
	}
	return writeVariable(proto, v, literals)
}

// runDump reads every variable in the descriptor and emits its value as a
// JSON object keyed by name, matching the shape -program expects back.
func runDump(proto *eeprom.Protocol, desc *Descriptor, path string) error {
	out := make(map[string]interface{}, len(desc.Variables))
	for _, v := range desc.Variables {
		if v.Mode == ModeWriteOnly {
			continue
		}
		literals, err := readVariableLiterals(proto, v)
		if err != nil {
			return err
		}
		out[v.Name] = shapeLiterals(v, literals)
	}

	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.KindEEPROM, "encode EEPROM dump", err)
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(enc, '\n'))
		return err
	}
	if err := os.WriteFile(path, enc, 0o644); err != nil {
		return corerr.Wrap(corerr.KindConfig, "write EEPROM dump", err)
	}
	return nil
}

// runProgram reads a name -> value JSON object and writes every named
// variable to the EEPROM, per the source's MODE_PROGRAM ('-p').
func runProgram(proto *eeprom.Protocol, desc *Descriptor, path string) error {
	var f *os.File
	var err error
	if path == "-" {
		f = os.Stdin
	} else {
		f, err = os.Open(path)
		if err != nil {
			return corerr.Wrap(corerr.KindConfig, "open program JSON", err)
		}
		defer f.Close()
	}

	var values map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&values); err != nil {
		return corerr.Wrap(corerr.KindConfig, "parse program JSON", err)
	}

	for name, raw := range values {
		v, ok := desc.find(name)
		if !ok {
			return corerr.New(corerr.KindEEPROM, fmt.Sprintf("unknown variable %q", name))
		}
		var literals []string
		if err := flattenLiterals(raw, &literals); err != nil {
			return err
		}
		if err := writeVariable(proto, v, literals); err != nil {
			return err
		}
	}
	return nil
}

func readVariable(proto *eeprom.Protocol, v Variable) (string, error) {
	literals, err := readVariableLiterals(proto, v)
	if err != nil {
		return "", err
	}
	shaped := shapeLiterals(v, literals)
	if s, ok := shaped.(string); ok {
		return s, nil
	}
	enc, err := json.Marshal(shaped)
	if err != nil {
		return "", corerr.Wrap(corerr.KindEEPROM, "encode variable "+v.Name, err)
	}
	return string(enc), nil
}

func readVariableLiterals(proto *eeprom.Protocol, v Variable) ([]string, error) {
	if v.Mode == ModeWriteOnly {
		return nil, invalidMode("read", v)
	}
	n := v.cells()
	width := v.byteWidth()
	data, err := proto.Read(v.Address, n*width)
	if err != nil {
		return nil, err
	}
	literals := make([]string, n)
	for i := 0; i < n; i++ {
		lit, err := decodeScalar(v.Type, data[i*width:(i+1)*width])
		if err != nil {
			return nil, err
		}
		literals[i] = lit
	}
	return literals, nil
}

func writeVariable(proto *eeprom.Protocol, v Variable, literals []string) error {
	if v.Mode == ModeReadOnly {
		return invalidMode("write", v)
	}
	if len(literals) != v.cells() {
		return corerr.New(corerr.KindEEPROM, fmt.Sprintf("variable %q expects %d value(s), got %d", v.Name, v.cells(), len(literals)))
	}
	buf := make([]byte, 0, v.cells()*v.byteWidth())
	for _, lit := range literals {
		enc, err := encodeScalar(v.Type, lit)
		if err != nil {
			return err
		}
		buf = append(buf, enc...)
	}
	return proto.Write(v.Address, buf)
}
