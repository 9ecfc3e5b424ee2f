package device_test

import (
	"encoding/binary"
	"testing"

	"github.com/BMEG-457/emgstream/internal/device"
)

// frameBytes encodes samples as a big-endian sample-major payload:
// samples[t][ch] is the value of channel ch at time t.
func frameBytes(samples [][]int16) []byte {
	var buf []byte
	for _, row := range samples {
		for _, v := range row {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(v))
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

func TestDecodeFrame_SampleMajorReshape(t *testing.T) {
	// Two time steps across three channels.
	payload := frameBytes([][]int16{
		{10, 20, 30},
		{-11, -21, -31},
	})
	m, err := device.DecodeFrame(payload, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Channels() != 3 || m.Samples() != 2 {
		t.Fatalf("shape: got %dx%d, want 3x2", m.Channels(), m.Samples())
	}
	want := [][]float64{
		{10, -11},
		{20, -21},
		{30, -31},
	}
	for ch := range want {
		for s := range want[ch] {
			if got := m.At(ch, s); got != want[ch][s] {
				t.Errorf("at (%d,%d): got %v, want %v", ch, s, got, want[ch][s])
			}
		}
	}
}

func TestDecodeFrame_SignedValues(t *testing.T) {
	payload := frameBytes([][]int16{{-32768, 32767}})
	m, err := device.DecodeFrame(payload, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.At(0, 0) != -32768 || m.At(1, 0) != 32767 {
		t.Errorf("got (%v, %v), want (-32768, 32767)", m.At(0, 0), m.At(1, 0))
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	if _, err := device.DecodeFrame([]byte{1, 2, 3}, 1); err == nil {
		t.Error("odd length must fail")
	}
	if _, err := device.DecodeFrame(make([]byte, 6), 4); err == nil {
		t.Error("length not divisible across channels must fail")
	}
	if _, err := device.DecodeFrame(make([]byte, 4), 0); err == nil {
		t.Error("zero channels must fail")
	}
}

func TestSamplesPerFrame(t *testing.T) {
	cases := []struct {
		bytes, nch, want int
	}{
		{18000, 72, 125},
		{288, 72, 2},
		{287, 72, 0},
		{0, 72, 0},
		{100, 0, 0},
	}
	for _, c := range cases {
		if got := device.SamplesPerFrame(c.bytes, c.nch); got != c.want {
			t.Errorf("SamplesPerFrame(%d, %d): got %d, want %d", c.bytes, c.nch, got, c.want)
		}
	}
}
