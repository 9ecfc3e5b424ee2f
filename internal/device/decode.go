package device

import (
	"encoding/binary"
	"fmt"

	"github.com/BMEG-457/emgstream/pkg/emg"
)

// DecodeFrame decodes one raw frame into a (nchannels, samples) matrix.
//
// The wire format is big-endian signed 16-bit samples with sample-major
// interleaving: all channels at time t, then all channels at t+1, and so on.
// The payload length must be an even multiple of 2*nchannels.
func DecodeFrame(payload []byte, nchannels int) (*emg.Matrix, error) {
	if nchannels <= 0 {
		return nil, fmt.Errorf("device: invalid channel count %d", nchannels)
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("device: odd payload length %d", len(payload))
	}
	total := len(payload) / 2
	if total%nchannels != 0 {
		return nil, fmt.Errorf("device: %d samples not divisible across %d channels", total, nchannels)
	}
	samples := total / nchannels

	m := emg.NewMatrix(nchannels, samples)
	for s := 0; s < samples; s++ {
		base := s * nchannels * 2
		for ch := 0; ch < nchannels; ch++ {
			v := int16(binary.BigEndian.Uint16(payload[base+ch*2:]))
			m.Set(ch, s, float64(v))
		}
	}
	return m, nil
}

// SamplesPerFrame returns how many samples per channel fit in a payload of
// the given byte length, or 0 if the length does not divide evenly.
func SamplesPerFrame(payloadBytes, nchannels int) int {
	if nchannels <= 0 {
		return 0
	}
	per := nchannels * 2
	if payloadBytes <= 0 || payloadBytes%per != 0 {
		return 0
	}
	return payloadBytes / per
}
