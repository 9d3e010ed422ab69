package signal

import (
	"math"
	"testing"
)

func TestDecode_S1(t *testing.T) {
	s := Signal{BitPosition: 0, BitLength: 8, Scale: 0.5, Offset: -1.0, Signed: false, Mask: ComputeMask(8)}

	if got := s.Decode(0x00000000000000FE); got != 126.0 {
		t.Fatalf("got %v want 126.0", got)
	}
	if got := s.Decode(0x0000000000000000); got != -1.0 {
		t.Fatalf("got %v want -1.0", got)
	}
}

func TestDecode_S2_SignExtension(t *testing.T) {
	s := Signal{BitPosition: 16, BitLength: 12, Scale: 1.0, Offset: 0, Signed: true, Mask: ComputeMask(12)}

	if got := s.Decode(0x000000000FFF0000); got != -1.0 {
		t.Fatalf("got %v want -1.0", got)
	}
	if got := s.Decode(0x0000000007FF0000); got != 2047.0 {
		t.Fatalf("got %v want 2047.0", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := Signal{BitPosition: 8, BitLength: 16, Scale: 0.1, Offset: 5.0, Signed: true, Mask: ComputeMask(16)}
	for _, v := range []float64{0, 1.2, -300.5, 3276.7, -3271.8} {
		word := s.Encode(v)
		got := s.Decode(word)
		want := math.Round((v-s.Offset)/s.Scale)*s.Scale + s.Offset
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("roundtrip v=%v got=%v want=%v", v, got, want)
		}
	}
}

func TestEncodeOrCombineDoesNotLeak(t *testing.T) {
	a := Signal{BitPosition: 0, BitLength: 4, Scale: 1, Mask: ComputeMask(4)}
	b := Signal{BitPosition: 4, BitLength: 4, Scale: 1, Mask: ComputeMask(4)}

	word := a.Encode(0xF) | b.Encode(0xF)
	if word != 0xFF {
		t.Fatalf("got %#x want 0xff", word)
	}
	if word&^uint64(0xFF) != 0 {
		t.Fatalf("bits outside union of ranges set: %#x", word)
	}
}

func TestNormalizeBigEndianPosition(t *testing.T) {
	if got := NormalizeBigEndianPosition(7, 8); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
	if got := NormalizeBigEndianPosition(15, 16); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}

func TestDecodeBool(t *testing.T) {
	if DecodeBool(0) {
		t.Fatalf("0 should not be truthy")
	}
	if !DecodeBool(0.5) {
		t.Fatalf("0.5 should be truthy")
	}
	if !DecodeBool(-2) {
		t.Fatalf("-2 should be truthy")
	}
}
