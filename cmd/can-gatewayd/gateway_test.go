package main

import (
	"testing"

	"github.com/zre-motorsports/cantoolkit/internal/canframe"
)

func TestFrameConversionRoundTrip(t *testing.T) {
	cases := []canframe.Frame{
		{ID: 0x123, Extended: false, DLC: 3, Data: [8]byte{0xDE, 0xAD, 0xBE}},
		{ID: 0x1ABCDEF, Extended: true, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{ID: 0x42, Extended: false, RTR: true, DLC: 0},
	}
	for _, want := range cases {
		got := fromCANFrame(toCANFrame(want))
		if got.ID != want.ID || got.Extended != want.Extended || got.RTR != want.RTR || got.DLC != want.DLC {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if got.Data != want.Data {
			t.Fatalf("round trip data mismatch: got %v, want %v", got.Data, want.Data)
		}
	}
}

func TestToCANFrameSetsFlags(t *testing.T) {
	f := canframe.Frame{ID: 0x10, Extended: true, DLC: 2, Data: [8]byte{9, 9}}
	out := toCANFrame(f)
	if out.CANID&0x80000000 == 0 {
		t.Fatal("expected EFF flag set on extended frame")
	}
	if out.CANID&0x1FFFFFFF != 0x10 {
		t.Fatalf("expected id bits preserved, got %#x", out.CANID)
	}
	if out.Len != 2 {
		t.Fatalf("expected len 2, got %d", out.Len)
	}
}
