package emg

import (
	"math"
	"sort"
)

// Saturation bounds for 16-bit amplifier data. Samples at or beyond these
// values indicate ADC clipping or a disconnected electrode and are excluded
// from amplitude statistics. The bounds sit just inside the int16 extremes
// because a clipped channel rails slightly below the numeric limit.
const (
	SaturationLow  = -32760
	SaturationHigh = 32760
)

// Saturated reports whether a sample falls outside the open interval
// (SaturationLow, SaturationHigh).
func Saturated(v float64) bool {
	return v <= SaturationLow || v >= SaturationHigh
}

// RMS returns the per-channel root mean square of m.
func RMS(m *Matrix) []float64 {
	out := make([]float64, m.Channels())
	for ch := range out {
		row := m.Row(ch)
		var sum float64
		for _, v := range row {
			sum += v * v
		}
		if len(row) > 0 {
			out[ch] = math.Sqrt(sum / float64(len(row)))
		}
	}
	return out
}

// RMSMasked returns the per-channel RMS of m computed over non-saturated
// samples only. A channel whose samples are all saturated yields 0, the
// sentinel later repaired spatially during calibration.
func RMSMasked(m *Matrix) []float64 {
	out := make([]float64, m.Channels())
	for ch := range out {
		var sum float64
		var n int
		for _, v := range m.Row(ch) {
			if Saturated(v) {
				continue
			}
			sum += v * v
			n++
		}
		if n > 0 {
			out[ch] = math.Sqrt(sum / float64(n))
		}
	}
	return out
}

// MAV returns the per-channel mean absolute value of m.
func MAV(m *Matrix) []float64 {
	out := make([]float64, m.Channels())
	for ch := range out {
		row := m.Row(ch)
		var sum float64
		for _, v := range row {
			sum += math.Abs(v)
		}
		if len(row) > 0 {
			out[ch] = sum / float64(len(row))
		}
	}
	return out
}

// IntegratedEMG returns the per-channel sum of absolute sample values.
func IntegratedEMG(m *Matrix) []float64 {
	out := make([]float64, m.Channels())
	for ch := range out {
		var sum float64
		for _, v := range m.Row(ch) {
			sum += math.Abs(v)
		}
		out[ch] = sum
	}
	return out
}

// AverageChannels collapses m into a single averaged channel: each output
// sample is the mean of that sample across all channels.
func AverageChannels(m *Matrix) []float64 {
	out := make([]float64, m.Samples())
	if m.Channels() == 0 {
		return out
	}
	for s := range out {
		var sum float64
		for ch := 0; ch < m.Channels(); ch++ {
			sum += m.At(ch, s)
		}
		out[s] = sum / float64(m.Channels())
	}
	return out
}

// Percentile returns the p-th percentile (0–100) of values using linear
// interpolation between closest ranks. The input slice is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Median returns the 50th percentile of values.
func Median(values []float64) float64 {
	return Percentile(values, 50)
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Std returns the population standard deviation of values.
func Std(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// ActivationTimes returns the time points (seconds) at which an RMS series
// sampled at fs Hz exceeds threshold.
func ActivationTimes(rms []float64, fs, threshold float64) []float64 {
	var times []float64
	for i, v := range rms {
		if v > threshold {
			times = append(times, float64(i)/fs)
		}
	}
	return times
}

// Active reports whether a single live RMS value exceeds the calibrated
// threshold.
func Active(rms, threshold float64) bool {
	return rms > threshold
}
