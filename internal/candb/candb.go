// Package candb implements the live CAN signal database of §4.5: a DBC
// database paired with a device and a background receive worker that
// keeps a decoded value and a validity/deadline pair for every signal's
// owning message.
//
// Grounded on the teacher's backend receive-loop goroutines (context +
// sync.WaitGroup cancellation, one owned device per worker) and on
// internal/metrics' atomic-mirror idiom for values read across
// goroutines without a lock.
package candb

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
	"github.com/zre-motorsports/cantoolkit/internal/dbc"
	"github.com/zre-motorsports/cantoolkit/internal/device"
	"github.com/zre-motorsports/cantoolkit/internal/metrics"
	"github.com/zre-motorsports/cantoolkit/internal/signal"
)

// Status is the three-valued result of a read, per §4.5.
type Status int

const (
	// StatusMissing means the name was not found in the database.
	StatusMissing Status = iota
	// StatusTimeout means the signal's owning message has no fresh value.
	StatusTimeout
	// StatusValid means the returned value was decoded from a recent frame.
	StatusValid
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusTimeout:
		return "timeout"
	case StatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// receiveTimeoutMs is the device receive timeout the worker configures so
// its deadline sweep runs periodically, per §4.5.
const receiveTimeoutMs = 100

// DefaultMessageTimeout is the freshness window applied to a message's
// decoded signals after each successful receive, per §4.5.
const DefaultMessageTimeout = 2 * time.Second

// messageState is the per-message mutable state the worker updates and
// readers observe without locking.
type messageState struct {
	valid    atomic.Bool
	deadline atomic.Int64 // UnixNano; read/write via atomic ops only
}

// Database pairs a parsed DBC database with a device and the live state
// (validity + decoded value) of every signal, per §4.5.
type Database struct {
	dbc *dbc.Database
	dev device.Device

	messageTimeout time.Duration
	messages       []messageState
	// values holds math.Float64bits(decoded value) per signal, indexed
	// the same as dbc.Signals.
	values []atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onFrame func(canframe.Frame) // optional raw-frame subscriber, e.g. MDF logging
}

// Option customizes Database construction.
type Option func(*Database)

// WithMessageTimeout overrides the default 2-second freshness window.
func WithMessageTimeout(d time.Duration) Option {
	return func(db *Database) { db.messageTimeout = d }
}

// WithFrameSubscriber registers a callback invoked with every
// successfully received frame, independent of whether it matched a known
// message. Used to tee raw traffic into an MDF log (§4.7) without the
// logger needing its own device.
func WithFrameSubscriber(f func(canframe.Frame)) Option {
	return func(db *Database) { db.onFrame = f }
}

// Open parses dbcPath, configures dev with the worker's receive timeout,
// and starts the background receive worker. All messages start invalid.
func Open(dev device.Device, dbcPath string, opts ...Option) (*Database, error) {
	parsed, err := dbc.Parse(dbcPath)
	if err != nil {
		return nil, err
	}
	return newDatabase(dev, parsed, opts...)
}

func newDatabase(dev device.Device, parsed *dbc.Database, opts ...Option) (*Database, error) {
	db := &Database{
		dbc:            parsed,
		dev:            dev,
		messageTimeout: DefaultMessageTimeout,
		messages:       make([]messageState, len(parsed.Messages)),
		values:         make([]atomic.Uint64, len(parsed.Signals)),
	}
	for _, opt := range opts {
		opt(db)
	}
	if err := dev.SetTimeout(receiveTimeoutMs); err != nil {
		return nil, corerr.Wrap(corerr.KindDatabase, "configure receive timeout", err)
	}

	db.ctx, db.cancel = context.WithCancel(context.Background())
	db.wg.Add(1)
	go db.run()
	return db, nil
}

// Close stops the receive worker, waits for it to exit, and closes the
// owned device, per §5 ("the Database owns the device").
func (db *Database) Close() error {
	db.cancel()
	db.wg.Wait()
	return db.dev.Close()
}

// Transmit sends a frame on the owned device. It is safe to call
// concurrently with the background receive worker: a Device's Transmit
// and Receive operate on independent directions of the same transport.
func (db *Database) Transmit(f canframe.Frame) error {
	return db.dev.Transmit(f)
}

func (db *Database) run() {
	defer db.wg.Done()
	for {
		select {
		case <-db.ctx.Done():
			return
		default:
		}

		f, err := db.dev.Receive()
		now := time.Now()
		db.sweepDeadlines(now)
		switch {
		case err == nil:
			if db.onFrame != nil {
				db.onFrame(f)
			}
			db.handleFrame(f, now)
		case isTimeout(err):
			// Plain timeout: expected every receiveTimeoutMs, not an error.
		default:
			// A bus or I/O error is locally recoverable per §5/§7: record
			// it for observability and retry on the next iteration.
			metrics.IncError(metrics.ErrDeviceRead)
		}
		// The worker never blocks indefinitely because the device was
		// configured with a finite receive timeout.
	}
}

// sweepDeadlines clears the validity bit of every message whose deadline
// has passed, per §4.5's deadline sweep.
func (db *Database) sweepDeadlines(now time.Time) {
	nowNano := now.UnixNano()
	for i := range db.messages {
		st := &db.messages[i]
		if st.valid.Load() && st.deadline.Load() <= nowNano {
			st.valid.Store(false)
			metrics.IncDatabaseTransition(db.dbc.Messages[i].Name, "timeout")
		}
	}
}

func (db *Database) handleFrame(f canframe.Frame, now time.Time) {
	msgIdx := db.findMessageByID(f.ID, f.Extended)
	if msgIdx < 0 {
		return
	}
	msg := db.dbc.Messages[msgIdx]
	word := f.PayloadWord()
	sigs := db.dbc.MessageSignals(msgIdx)
	for i, sig := range sigs {
		value := sig.Decode(word)
		db.values[msg.FirstSignal+i].Store(math.Float64bits(value))
	}
	st := &db.messages[msgIdx]
	st.deadline.Store(now.Add(db.messageTimeout).UnixNano())
	if !st.valid.Swap(true) {
		metrics.IncDatabaseTransition(msg.Name, "valid")
	}
}

// isTimeout reports whether err is the device's plain receive-timeout
// error, as opposed to a bus or I/O condition worth recording.
func isTimeout(err error) bool {
	var ce *corerr.Error
	if errors.As(err, &ce) {
		return ce.Kind == corerr.KindTimeout
	}
	return false
}

func (db *Database) findMessageByID(id uint32, extended bool) int {
	for i, m := range db.dbc.Messages {
		if m.ID == id && m.IDE == extended {
			return i
		}
	}
	return -1
}

// findSignal performs the linear scan over the signal pool mandated by
// §4.5, returning -1 (the "missing" sentinel) when name is not found.
func (db *Database) findSignal(name string) int {
	for i, s := range db.dbc.Signals {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (db *Database) read(name string) (float64, Status) {
	idx := db.findSignal(name)
	if idx < 0 {
		return 0, StatusMissing
	}
	msgIdx := db.dbc.Signals[idx].MessageIndex
	if !db.messages[msgIdx].valid.Load() {
		return 0, StatusTimeout
	}
	return math.Float64frombits(db.values[idx].Load()), StatusValid
}

// GetF32 reads a signal's decoded physical value.
func (db *Database) GetF32(name string) (float32, Status) {
	v, status := db.read(name)
	return float32(v), status
}

// GetU32 reads a signal's decoded value, truncated to an unsigned 32-bit
// integer.
func (db *Database) GetU32(name string) (uint32, Status) {
	v, status := db.read(name)
	return uint32(int64(v)), status
}

// GetI32 reads a signal's decoded value, truncated to a signed 32-bit
// integer.
func (db *Database) GetI32(name string) (int32, Status) {
	v, status := db.read(name)
	return int32(int64(v)), status
}

// GetBool reads a signal's decoded value as a boolean: non-zero within
// float epsilon, per §4.5.
func (db *Database) GetBool(name string) (bool, Status) {
	v, status := db.read(name)
	return signal.DecodeBool(v), status
}

// MessageValid reports whether the named message currently holds a
// value fresher than its timeout. A missing message name returns
// StatusMissing.
func (db *Database) MessageValid(name string) Status {
	for i, m := range db.dbc.Messages {
		if m.Name == name {
			if db.messages[i].valid.Load() {
				return StatusValid
			}
			return StatusTimeout
		}
	}
	return StatusMissing
}
