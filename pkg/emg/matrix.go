// Package emg provides the core sample types and amplitude estimators shared
// by the emgstream acquisition pipeline. A [Matrix] is the atomic unit of
// transport — decoded from device frames, transformed by pipeline stages, and
// fed into channel buffers and downstream consumers.
package emg

import "fmt"

// Matrix is a channels × samples block of EMG data in device ADC units.
// Values originate as signed 16-bit samples but are carried as float64 so
// that pipeline stages (filters, rectifiers) can transform them without
// quantisation. Row i holds all samples for channel i.
type Matrix struct {
	rows int
	cols int
	data []float64 // row-major, len == rows*cols
}

// NewMatrix allocates a zeroed channels × samples matrix.
func NewMatrix(channels, samples int) *Matrix {
	if channels < 0 || samples < 0 {
		panic(fmt.Sprintf("emg: invalid matrix shape %dx%d", channels, samples))
	}
	return &Matrix{
		rows: channels,
		cols: samples,
		data: make([]float64, channels*samples),
	}
}

// FromRows builds a matrix from per-channel sample slices. All rows must have
// equal length.
func FromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return NewMatrix(0, 0), nil
	}
	cols := len(rows[0])
	m := NewMatrix(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("emg: row %d has %d samples, want %d", i, len(row), cols)
		}
		copy(m.Row(i), row)
	}
	return m, nil
}

// Channels returns the number of rows (channels).
func (m *Matrix) Channels() int { return m.rows }

// Samples returns the number of columns (samples per channel).
func (m *Matrix) Samples() int { return m.cols }

// At returns the sample at (channel, sample).
func (m *Matrix) At(channel, sample int) float64 {
	return m.data[channel*m.cols+sample]
}

// Set stores v at (channel, sample).
func (m *Matrix) Set(channel, sample int, v float64) {
	m.data[channel*m.cols+sample] = v
}

// Row returns the backing slice for one channel. The slice aliases the matrix;
// writes through it are visible to other readers.
func (m *Matrix) Row(channel int) []float64 {
	return m.data[channel*m.cols : (channel+1)*m.cols]
}

// Clone returns a deep copy. Consumers that retain a published matrix beyond
// the event callback must clone it, since producers may reuse storage.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{rows: m.rows, cols: m.cols, data: make([]float64, len(m.data))}
	copy(c.data, m.data)
	return c
}

// SliceRows returns a view of channels [from, from+count). The view shares
// storage with m.
func (m *Matrix) SliceRows(from, count int) (*Matrix, error) {
	if from < 0 || count < 0 || from+count > m.rows {
		return nil, fmt.Errorf("emg: row slice [%d, %d) out of range for %d channels", from, from+count, m.rows)
	}
	return &Matrix{
		rows: count,
		cols: m.cols,
		data: m.data[from*m.cols : (from+count)*m.cols],
	}, nil
}

// Apply replaces every sample with f(sample). Useful for building simple
// element-wise pipeline stages.
func (m *Matrix) Apply(f func(float64) float64) {
	for i, v := range m.data {
		m.data[i] = f(v)
	}
}
