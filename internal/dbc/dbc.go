// Package dbc parses a DBC text file into a pool of messages and signals,
// per §4.4.
//
// Grounded on the line-oriented, single-pass parsing style of the
// original C parser (can_dbc.c): each line is split on a fixed set of
// delimiters, a growable buffer accumulates parsed records, and the pools
// are frozen into contiguous slices once parsing completes so that
// interior back-references (message -> first-signal index, signal ->
// owning message index) stay valid without pointers across allocations
// (§9, "Interior back-references").
package dbc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
	"github.com/zre-motorsports/cantoolkit/internal/signal"
)

// Message is a named CAN frame with an ordered run of signals.
type Message struct {
	Name string
	ID   uint32
	IDE  bool // extended (29-bit) identifier
	DLC  uint8

	// FirstSignal and SignalCount index into the owning Database's signal
	// pool, per §9's arena-and-index design.
	FirstSignal int
	SignalCount int
}

// Database holds the frozen message and signal pools produced by parsing
// one or more DBC files.
type Database struct {
	Messages []Message
	Signals  []signal.Signal

	// FileFirstMessage records, for each parsed file in order, the index
	// of its first message in Messages — used when merging multiple DBCs.
	FileFirstMessage []int

	// pending accumulates messages (with their own signal slice) while a
	// single file is being parsed; freeze() flattens it into Messages and
	// Signals exactly once.
	pending []pendingMessage
}

type pendingMessage struct {
	msg     Message
	signals []signal.Signal
}

const maxLineLength = 4096

// signalDelims lists the delimiter characters a signal line is tokenised
// on (§6). The double quote is not among them: the quoted unit that
// follows [min|max] is read separately by quotedField.
const signalDelims = " :@|,()[]"

// Parse reads one DBC file and returns its message/signal pools.
func Parse(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, fmt.Sprintf("open DBC file %q", path), err)
	}
	defer f.Close()
	return ParseReader(f, path)
}

// ParseFiles parses multiple DBC files into one merged Database, recording
// each file's first-message index in FileFirstMessage (§4.4).
func ParseFiles(paths []string) (*Database, error) {
	db := &Database{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindIO, fmt.Sprintf("open DBC file %q", p), err)
		}
		firstMessage := len(db.Messages) + len(db.pending)
		if err := db.parseInto(f, p); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
		db.FileFirstMessage = append(db.FileFirstMessage, firstMessage)
	}
	db.freeze()
	return db, nil
}

// ParseReader parses a DBC file already open for reading. name is used only
// in error messages.
func ParseReader(r io.Reader, name string) (*Database, error) {
	db := &Database{}
	if err := db.parseInto(r, name); err != nil {
		return nil, err
	}
	db.FileFirstMessage = []int{0}
	db.freeze()
	return db, nil
}

func (db *Database) parseInto(r io.Reader, name string) error {
	var cur *pendingMessage

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineLength), maxLineLength)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if len(line) > maxLineLength {
			return corerr.New(corerr.KindParse, fmt.Sprintf("%s:%d: line too long", name, lineNumber))
		}
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		keyword, rest := splitFirstToken(trimmed)

		switch keyword {
		case "BO_":
			if cur != nil {
				db.pending = append(db.pending, *cur)
			}
			m, err := parseMessage(rest, name, lineNumber)
			if err != nil {
				return err
			}
			cur = m
		case "SG_":
			if cur == nil {
				return corerr.New(corerr.KindParse,
					fmt.Sprintf("%s:%d: signal before any message", name, lineNumber))
			}
			sig, err := parseSignal(rest, name, lineNumber)
			if err != nil {
				return err
			}
			cur.signals = append(cur.signals, sig)
		case "BU_:", "BS_:", "EV_", "SIG_GROUP_", "VAL_TABLE_", "VERSION", "CM_", "NS_":
			// Recognised but skipped, per §4.4.
		default:
			// Unknown keyword: warn and skip.
			fmt.Fprintf(os.Stderr, "dbc: %s:%d: unrecognised keyword %q, skipping\n", name, lineNumber, keyword)
		}
	}
	if err := scanner.Err(); err != nil {
		return corerr.Wrap(corerr.KindParse, fmt.Sprintf("read %s", name), err)
	}
	if cur != nil {
		db.pending = append(db.pending, *cur)
	}
	return nil
}

// freeze flattens the staged pending messages into contiguous Messages and
// Signals slices and patches the intra-pool back-references, per §4.4's
// "frozen into contiguous arrays" invariant. Once frozen, the underlying
// storage must not move — callers hold interior indices into it.
func (db *Database) freeze() {
	totalSignals := 0
	for _, pm := range db.pending {
		totalSignals += len(pm.signals)
	}
	db.Messages = make([]Message, 0, len(db.pending))
	db.Signals = make([]signal.Signal, 0, totalSignals)

	for msgIdx, pm := range db.pending {
		first := len(db.Signals)
		for i := range pm.signals {
			pm.signals[i].MessageIndex = msgIdx
		}
		db.Signals = append(db.Signals, pm.signals...)
		pm.msg.FirstSignal = first
		pm.msg.SignalCount = len(pm.signals)
		db.Messages = append(db.Messages, pm.msg)
	}
	db.pending = nil
}

// MessageSignals returns the slice of signals belonging to message index i.
func (db *Database) MessageSignals(messageIndex int) []signal.Signal {
	m := db.Messages[messageIndex]
	return db.Signals[m.FirstSignal : m.FirstSignal+m.SignalCount]
}

// splitFirstToken splits s at the first run of whitespace, returning the
// first whitespace-separated token and the remainder (with leading
// whitespace stripped).
func splitFirstToken(s string) (token, rest string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	token = s[:i]
	rest = strings.TrimLeft(s[i:], " \t")
	return token, rest
}

// fieldSplitter walks a line splitting on signalDelims, mirroring the
// source's stringSplit: consecutive delimiters are treated as one
// separator and the returned remainder starts at the first
// non-delimiter character.
type fieldSplitter struct {
	s string
}

func newFieldSplitter(s string) *fieldSplitter { return &fieldSplitter{s: s} }

// next returns the next field up to (and consuming) a run of delimiter
// characters, or ok=false if no more fields remain.
func (fs *fieldSplitter) next() (field string, ok bool) {
	if fs.s == "" {
		return "", false
	}
	i := strings.IndexAny(fs.s, signalDelims)
	if i < 0 {
		field = fs.s
		fs.s = ""
		return field, true
	}
	field = fs.s[:i]
	rest := fs.s[i:]
	j := 0
	for j < len(rest) && strings.ContainsRune(signalDelims, rune(rest[j])) {
		j++
	}
	fs.s = rest[j:]
	return field, true
}

// quotedField extracts the text up to the next '"' (used for the unit
// field of a signal line, which is itself delimited by quotes rather than
// the generic delimiter set).
func quotedField(s string) (field, rest string, ok bool) {
	i := strings.IndexByte(s, '"')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func parseMessage(line, file string, lineNumber int) (*pendingMessage, error) {
	// <id> <name>: <dlc> <node>
	fs := newFieldSplitter(line)
	idField, ok := fs.next()
	if !ok || idField == "" {
		return nil, missingField(file, lineNumber, "message ID")
	}
	id, err := strconv.ParseUint(idField, 0, 32)
	if err != nil {
		return nil, invalidField(file, lineNumber, "message ID", idField)
	}
	nameField, ok := fs.next()
	if !ok || nameField == "" {
		return nil, missingField(file, lineNumber, "message name")
	}
	dlcField, ok := fs.next()
	if !ok {
		return nil, missingField(file, lineNumber, "message DLC")
	}
	dlc, err := strconv.ParseUint(dlcField, 0, 8)
	if err != nil || dlc > 8 {
		return nil, invalidField(file, lineNumber, "message DLC", dlcField)
	}

	const ideBit = uint64(1) << 31
	const idMask = uint64(0x1FFFFFFF)

	return &pendingMessage{
		msg: Message{
			Name: nameField,
			ID:   uint32(id & idMask),
			IDE:  id&ideBit == ideBit,
			DLC:  uint8(dlc),
		},
	}, nil
}

func parseSignal(line, file string, lineNumber int) (signal.Signal, error) {
	var s signal.Signal
	fs := newFieldSplitter(line)

	name, ok := fs.next()
	if !ok || name == "" {
		return s, missingField(file, lineNumber, "signal name")
	}
	s.Name = name

	posField, ok := fs.next()
	if !ok {
		return s, missingField(file, lineNumber, "signal bit position")
	}
	pos, err := strconv.ParseUint(posField, 0, 8)
	if err != nil || pos >= 64 {
		return s, invalidField(file, lineNumber, "signal bit position", posField)
	}

	lenField, ok := fs.next()
	if !ok {
		return s, missingField(file, lineNumber, "signal bit length")
	}
	length, err := strconv.ParseUint(lenField, 0, 8)
	if err != nil || length >= 64 {
		return s, invalidField(file, lineNumber, "signal bit length", lenField)
	}

	endiannessSign, ok := fs.next()
	if !ok || len(endiannessSign) < 2 {
		return s, missingField(file, lineNumber, "signal endianness/sign")
	}
	if endiannessSign[0] != '0' && endiannessSign[0] != '1' {
		return s, invalidField(file, lineNumber, "signal endianness", endiannessSign)
	}
	bigEndian := endiannessSign[0] == '0'
	if endiannessSign[1] != '+' && endiannessSign[1] != '-' {
		return s, invalidField(file, lineNumber, "signal signedness", endiannessSign)
	}
	signed := endiannessSign[1] == '-'

	scaleField, ok := fs.next()
	if !ok {
		return s, missingField(file, lineNumber, "signal scale factor")
	}
	scale, err := strconv.ParseFloat(scaleField, 64)
	if err != nil {
		return s, invalidField(file, lineNumber, "signal scale factor", scaleField)
	}

	offsetField, ok := fs.next()
	if !ok {
		return s, missingField(file, lineNumber, "signal offset")
	}
	offset, err := strconv.ParseFloat(offsetField, 64)
	if err != nil {
		return s, invalidField(file, lineNumber, "signal offset", offsetField)
	}

	// [min|max]: parsed for validation per the grammar, not retained.
	if _, ok := fs.next(); !ok {
		return s, missingField(file, lineNumber, "signal minimum")
	}
	if _, ok := fs.next(); !ok {
		return s, missingField(file, lineNumber, "signal maximum")
	}

	// The rest of the splitter's buffer now begins at the quoted unit.
	if !strings.HasPrefix(fs.s, "\"") {
		return s, missingField(file, lineNumber, "signal unit")
	}
	unit, rest, ok := quotedField(fs.s[1:])
	if !ok {
		return s, missingField(file, lineNumber, "signal unit")
	}
	_ = rest // network node field follows; not retained.

	bitPosition := uint8(pos)
	bitLength := uint8(length)
	if bigEndian {
		bitPosition = signal.NormalizeBigEndianPosition(bitPosition, bitLength)
	}

	s.BitPosition = bitPosition
	s.BitLength = bitLength
	s.BigEndian = bigEndian
	s.Signed = signed
	s.Scale = scale
	s.Offset = offset
	s.Unit = unit
	s.Mask = signal.ComputeMask(bitLength)

	return s, nil
}

func missingField(file string, line int, field string) error {
	return corerr.New(corerr.KindParse, fmt.Sprintf("%s:%d: missing %s", file, line, field))
}

func invalidField(file string, line int, field, value string) error {
	return corerr.New(corerr.KindParse, fmt.Sprintf("%s:%d: invalid %s %q", file, line, field, value))
}
