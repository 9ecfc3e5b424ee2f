// Package device implements the Sessantaquattro+ wire protocol: the bit-packed
// configuration word sent to the amplifier before streaming, the lookup of
// channel count and sampling frequency from the configured mode, and the
// decoding of raw frames into sample matrices.
package device

import "fmt"

// Command holds the configuration fields packed into the 16-bit word the
// application sends to the amplifier once after it connects. Field ranges are
// enforced by [Command.Word].
type Command struct {
	// Go starts (1) or stops (0) data transfer.
	Go uint16

	// Rec controls recording to the device SD card (0=stop, 1=rec).
	Rec uint16

	// Trig selects the trigger mode (0=GO/STOP, 1=internal, 2=external, 3=button).
	Trig uint16

	// Exten is the extension factor.
	Exten uint16

	// HPF enables the hardware high pass filter (0=DC coupled, 1=10.5 Hz).
	HPF uint16

	// HRes selects sample resolution (0=16 bit, 1=24 bit).
	HRes uint16

	// Mode is the working mode (0=monopolar, 1=bipolar, ...).
	Mode uint16

	// NCh selects the channel bank (0=8, 1=16, 2=32, 3=64 bio channels).
	NCh uint16

	// FSamp selects the sampling frequency (0=500 Hz, 1=1 kHz, 2=2 kHz, 3=4 kHz).
	FSamp uint16
}

// Word packs the command into the big-endian configuration word:
// bit0 GO, bit1 REC, bits2-3 TRIG, bit4 EXTEN, bit6 HPF, bit7 HRES,
// bits8-10 MODE, bits11-12 NCH, bits13-14 FSAMP.
func (c Command) Word() (uint16, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	var w uint16
	w |= c.Go & 0x1
	w |= (c.Rec & 0x1) << 1
	w |= (c.Trig & 0x3) << 2
	w |= (c.Exten & 0x1) << 4
	w |= (c.HPF & 0x1) << 6
	w |= (c.HRes & 0x1) << 7
	w |= (c.Mode & 0x7) << 8
	w |= (c.NCh & 0x3) << 11
	w |= (c.FSamp & 0x3) << 13
	return w, nil
}

func (c Command) validate() error {
	checks := []struct {
		name string
		v    uint16
		max  uint16
	}{
		{"GO", c.Go, 1},
		{"REC", c.Rec, 1},
		{"TRIG", c.Trig, 3},
		{"EXTEN", c.Exten, 1},
		{"HPF", c.HPF, 1},
		{"HRES", c.HRes, 1},
		{"MODE", c.Mode, 7},
		{"NCH", c.NCh, 3},
		{"FSAMP", c.FSamp, 3},
	}
	for _, c := range checks {
		if c.v > c.max {
			return fmt.Errorf("device: %s value %d out of range [0, %d]", c.name, c.v, c.max)
		}
	}
	return nil
}

// ChannelCount returns the total streamed channel count (bio channels plus
// accessory AUX/quaternion/buffer/ramp channels) for an (NCH, MODE) pair.
// Unmapped combinations fall back to 72, the device family's full monopolar
// layout.
func ChannelCount(nch, mode uint16) int {
	switch {
	case nch == 0 && mode == 0:
		return 16
	case nch == 0 && mode == 1:
		return 12
	case nch == 1 && mode == 0:
		return 24
	case nch == 1 && mode == 1:
		return 16
	case nch == 2 && mode == 0:
		return 40
	case nch == 2 && mode == 1:
		return 24
	case nch == 3 && mode == 0:
		return 72
	case nch == 3 && mode == 1:
		return 40
	default:
		return 72
	}
}

// SampleRate returns the sampling frequency in Hz for an FSAMP selector.
// Unmapped values fall back to 2000 Hz.
func SampleRate(fsamp uint16) int {
	switch fsamp {
	case 0:
		return 500
	case 1:
		return 1000
	case 2:
		return 2000
	case 3:
		return 4000
	default:
		return 2000
	}
}

// FrameBytes returns the size of one protocol frame in bytes. The device
// packs frequency/16 samples per channel into each frame, two bytes per
// sample.
func FrameBytes(nchannels, frequency int) int {
	return nchannels * 2 * (frequency / 16)
}
