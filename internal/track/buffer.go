// Package track provides the per-track circular sample buffers that hold the
// most recent window of conditioned EMG data, and the named partitioning of
// the device channel space into logical tracks.
package track

import (
	"fmt"
	"math"

	"github.com/BMEG-457/emgstream/pkg/emg"
)

// Buffer is a fixed-capacity circular store for one track. Writes wrap around;
// reading backward from the cursor yields the most recent capacity samples in
// chronological order.
//
// Buffer has a single writer (the acquisition worker) and tolerates a single
// concurrent reader (a render tick) without locking: a reader may observe a
// momentarily in-progress write, which is acceptable on a live display.
type Buffer struct {
	channels int
	data     [][]float64 // channels × capacity
	cursor   int
}

// NewBuffer creates a buffer holding round(plotTime × frequency) samples per
// channel.
func NewBuffer(channels int, plotTime float64, frequency int) (*Buffer, error) {
	capacity := int(math.Round(plotTime * float64(frequency)))
	if channels <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("track: invalid buffer shape %d channels × %d samples", channels, capacity)
	}
	data := make([][]float64, channels)
	for i := range data {
		data[i] = make([]float64, capacity)
	}
	return &Buffer{channels: channels, data: data}, nil
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return b.channels }

// Capacity returns the per-channel sample capacity.
func (b *Buffer) Capacity() int { return len(b.data[0]) }

// Cursor returns the current write index.
func (b *Buffer) Cursor() int { return b.cursor }

// Feed writes a packet into the buffer, splitting the write at the wrap
// boundary. The packet must have the same channel count as the buffer. A
// packet larger than the capacity keeps only its trailing samples.
func (b *Buffer) Feed(packet *emg.Matrix) error {
	if packet.Channels() != b.channels {
		return fmt.Errorf("track: packet has %d channels, buffer has %d", packet.Channels(), b.channels)
	}
	capacity := b.Capacity()
	size := packet.Samples()
	skip := 0
	if size > capacity {
		skip = size - capacity
		size = capacity
	}

	if b.cursor+size > capacity {
		tail := capacity - b.cursor
		for ch := 0; ch < b.channels; ch++ {
			row := packet.Row(ch)[skip:]
			copy(b.data[ch][b.cursor:], row[:tail])
			copy(b.data[ch], row[tail:])
		}
		b.cursor = size - tail
	} else {
		for ch := 0; ch < b.channels; ch++ {
			copy(b.data[ch][b.cursor:], packet.Row(ch)[skip:])
		}
		b.cursor = (b.cursor + size) % capacity
	}
	return nil
}

// Resize reallocates the buffer for a new plot window, preserving the newest
// min(old, new) samples from the old contents. The kept samples land at the
// start of the new store with the cursor just past them, so the read-backward
// invariant still yields them in chronological order. When shrinking, the
// oldest samples are dropped.
func (b *Buffer) Resize(plotTime float64, frequency int) error {
	newCap := int(math.Round(plotTime * float64(frequency)))
	if newCap <= 0 {
		return fmt.Errorf("track: invalid new capacity %d", newCap)
	}
	keep := b.Capacity()
	if newCap < keep {
		keep = newCap
	}

	newData := make([][]float64, b.channels)
	for ch := range newData {
		newData[ch] = make([]float64, newCap)
		copy(newData[ch], b.recentRow(ch, keep))
	}
	b.data = newData
	b.cursor = keep % newCap
	return nil
}

// recentRow returns the most recent n samples of one channel in chronological
// order.
func (b *Buffer) recentRow(ch, n int) []float64 {
	capacity := b.Capacity()
	out := make([]float64, n)
	start := b.cursor - n
	for i := 0; i < n; i++ {
		idx := start + i
		if idx < 0 {
			idx += capacity
		}
		out[i] = b.data[ch][idx]
	}
	return out
}

// Snapshot returns the buffer contents in storage order (not chronological).
// The result is a copy; mutating it does not affect the buffer.
func (b *Buffer) Snapshot() *emg.Matrix {
	m := emg.NewMatrix(b.channels, b.Capacity())
	for ch := 0; ch < b.channels; ch++ {
		copy(m.Row(ch), b.data[ch])
	}
	return m
}

// Recent returns the most recent n samples per channel in chronological order.
// n is clamped to the capacity.
func (b *Buffer) Recent(n int) *emg.Matrix {
	if n > b.Capacity() {
		n = b.Capacity()
	}
	m := emg.NewMatrix(b.channels, n)
	for ch := 0; ch < b.channels; ch++ {
		copy(m.Row(ch), b.recentRow(ch, n))
	}
	return m
}

// TimeAxis returns capacity evenly spaced time values spanning [0, plotTime].
func (b *Buffer) TimeAxis(plotTime float64) []float64 {
	n := b.Capacity()
	axis := make([]float64, n)
	if n == 1 {
		return axis
	}
	step := plotTime / float64(n-1)
	for i := range axis {
		axis[i] = float64(i) * step
	}
	return axis
}
