package candb

import (
	"strings"
	"testing"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/corerr"
	"github.com/zre-motorsports/cantoolkit/internal/dbc"
)

// fakeDevice is an in-memory device.Device driven entirely by the test,
// letting it hand the worker one frame at a time with no real I/O.
type fakeDevice struct {
	frames chan canframe.Frame
	closed chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{frames: make(chan canframe.Frame, 16), closed: make(chan struct{})}
}

func (d *fakeDevice) Transmit(canframe.Frame) error { return nil }

func (d *fakeDevice) Receive() (canframe.Frame, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case <-time.After(20 * time.Millisecond):
		return canframe.Frame{}, corerr.New(corerr.KindTimeout, "fake device receive timed out")
	case <-d.closed:
		return canframe.Frame{}, corerr.New(corerr.KindTimeout, "fake device closed")
	}
}

func (d *fakeDevice) FlushRx() error          { return nil }
func (d *fakeDevice) SetTimeout(uint32) error { return nil }
func (d *fakeDevice) Baudrate() (uint32, bool) { return 500_000, true }
func (d *fakeDevice) DeviceName() string      { return "fake0" }
func (d *fakeDevice) DeviceType() string      { return "fake" }
func (d *fakeDevice) Close() error            { close(d.closed); return nil }

const testDBC = `BO_ 291 BatteryStatus: 8 ECU
 SG_ Voltage : 0|16@1+ (0.01,0) [0|655.35] "V" ECU
 SG_ Current : 16|16@1- (0.1,0) [-3276.8|3276.7] "A" ECU
`

func openTestDatabase(t *testing.T, opts ...Option) (*Database, *fakeDevice) {
	t.Helper()
	parsed, err := dbc.ParseReader(strings.NewReader(testDBC), "test.dbc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dev := newFakeDevice()
	db, err := newDatabase(dev, parsed, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dev
}

func TestMissingSignal(t *testing.T) {
	db, _ := openTestDatabase(t)
	if _, status := db.GetF32("NoSuchSignal"); status != StatusMissing {
		t.Fatalf("got %v want missing", status)
	}
}

func TestTimeoutBeforeFirstFrame(t *testing.T) {
	db, _ := openTestDatabase(t)
	if _, status := db.GetF32("Voltage"); status != StatusTimeout {
		t.Fatalf("got %v want timeout", status)
	}
}

func TestDecodesOnMatchingFrame(t *testing.T) {
	db, dev := openTestDatabase(t)

	f := canframe.Frame{ID: 0x123, DLC: 8}
	// Voltage (u16 @ bit 0, scale 0.01) = 1000 -> 10.00; Current (i16 @
	// bit 16, scale 0.1, signed) = -5 -> -0.5.
	f.SetPayloadWord(uint64(1000) | (uint64(uint16(int16(-5))) << 16))
	dev.frames <- f

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, status := db.GetF32("Voltage"); status == StatusValid {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	voltage, status := db.GetF32("Voltage")
	if status != StatusValid {
		t.Fatalf("voltage status = %v, want valid", status)
	}
	if voltage < 9.99 || voltage > 10.01 {
		t.Fatalf("got voltage %v want ~10.0", voltage)
	}

	current, status := db.GetF32("Current")
	if status != StatusValid {
		t.Fatalf("current status = %v, want valid", status)
	}
	if current < -0.51 || current > -0.49 {
		t.Fatalf("got current %v want ~-0.5", current)
	}
}

func TestDeadlineSweepExpiresStaleMessage(t *testing.T) {
	db, dev := openTestDatabase(t, WithMessageTimeout(20*time.Millisecond))

	f := canframe.Frame{ID: 0x123, DLC: 8}
	f.SetPayloadWord(1)
	dev.frames <- f

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if status := db.MessageValid("BatteryStatus"); status == StatusValid {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if status := db.MessageValid("BatteryStatus"); status != StatusValid {
		t.Fatalf("expected message to go valid first, got %v", status)
	}

	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if status := db.MessageValid("BatteryStatus"); status == StatusTimeout {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected message to expire after its deadline")
}
