package track

import (
	"fmt"

	"github.com/BMEG-457/emgstream/pkg/emg"
)

// Display conversion constants per track family. ConvFactor scales raw ADC
// units into physical units; DisplayOffset separates stacked channels
// vertically when rendered.
const (
	hdsemgOffset     = 0.001
	hdsemgConvFactor = 0.000000286
	auxOffset        = 1.0
	auxConvFactor    = 0.00014648
)

// Info describes one logical track: a named contiguous span of the device
// channel space plus its display conversion parameters.
type Info struct {
	Title         string
	Channels      int
	Offset        int // first device channel index
	DisplayOffset float64
	ConvFactor    float64
}

// Layout returns the track partition for a device channel count. The 72- and
// 40-channel layouts match the Sessantaquattro+ monopolar and bipolar
// configurations; other counts get a generic split of main channels plus
// whatever accessory channels fit.
func Layout(nchannels int) []Info {
	switch nchannels {
	case 72:
		return []Info{
			{"HDsEMG 64 channels", 64, 0, hdsemgOffset, hdsemgConvFactor},
			{"AUX 1", 1, 64, auxOffset, auxConvFactor},
			{"AUX 2", 1, 65, auxOffset, auxConvFactor},
			{"Quaternions", 4, 66, 1, 1},
			{"Buffer", 1, 70, 1, 1},
			{"Ramp", 1, 71, 1, 1},
		}
	case 40:
		return []Info{
			{"HDsEMG 32 channels", 32, 0, hdsemgOffset, hdsemgConvFactor},
			{"AUX 1", 1, 32, auxOffset, auxConvFactor},
			{"AUX 2", 1, 33, auxOffset, auxConvFactor},
			{"Quaternions", 4, 34, 1, 1},
			{"Buffer", 1, 38, 1, 1},
			{"Ramp", 1, 39, 1, 1},
		}
	default:
		main := nchannels - 8
		if main < 4 {
			main = 4
		}
		infos := []Info{
			{fmt.Sprintf("HDsEMG %d channels", main), main, 0, hdsemgOffset, hdsemgConvFactor},
		}
		if nchannels >= main+2 {
			infos = append(infos,
				Info{"AUX 1", 1, main, auxOffset, auxConvFactor},
				Info{"AUX 2", 1, main + 1, auxOffset, auxConvFactor},
			)
		}
		if nchannels >= main+8 {
			infos = append(infos,
				Info{"Quaternions", 4, main + 2, 1, 1},
				Info{"Buffer", 1, main + 6, 1, 1},
				Info{"Ramp", 1, main + 7, 1, 1},
			)
		}
		return infos
	}
}

// Set owns one circular buffer per track and routes slices of each decoded
// frame to the right buffer.
type Set struct {
	infos     []Info
	buffers   []*Buffer
	frequency int
}

// NewSet allocates buffers for every track in the layout, each sized for
// plotTime seconds at the given sampling frequency.
func NewSet(infos []Info, plotTime float64, frequency int) (*Set, error) {
	s := &Set{infos: infos, frequency: frequency}
	for _, info := range infos {
		b, err := NewBuffer(info.Channels, plotTime, frequency)
		if err != nil {
			return nil, fmt.Errorf("track: %s: %w", info.Title, err)
		}
		s.buffers = append(s.buffers, b)
	}
	return s, nil
}

// Feed distributes the channels of a conditioned frame across the track
// buffers according to the layout offsets. Tracks whose span exceeds the
// frame's channel count are skipped.
func (s *Set) Feed(final *emg.Matrix) error {
	for i, info := range s.infos {
		if info.Offset+info.Channels > final.Channels() {
			continue
		}
		slice, err := final.SliceRows(info.Offset, info.Channels)
		if err != nil {
			return err
		}
		if err := s.buffers[i].Feed(slice); err != nil {
			return fmt.Errorf("track: %s: %w", info.Title, err)
		}
	}
	return nil
}

// Resize changes the plot window of every buffer, preserving the newest
// samples.
func (s *Set) Resize(plotTime float64) error {
	for i, b := range s.buffers {
		if err := b.Resize(plotTime, s.frequency); err != nil {
			return fmt.Errorf("track: %s: %w", s.infos[i].Title, err)
		}
	}
	return nil
}

// Tracks returns the layout infos.
func (s *Set) Tracks() []Info { return s.infos }

// Buffer returns the buffer for the track titled title, or nil if absent.
func (s *Set) Buffer(title string) *Buffer {
	for i, info := range s.infos {
		if info.Title == title {
			return s.buffers[i]
		}
	}
	return nil
}
