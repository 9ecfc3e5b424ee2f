// Package detect finds discrete muscle contractions in an RMS amplitude
// series using a rate-of-change cascade: derivative, smoothing, hysteresis
// thresholds, a refractory period, and a merge pass over near-adjacent
// intervals. The same detector serves live buffered data and recorded series.
package detect

import "fmt"

// Defaults for the noise-rejection cascade.
const (
	// DefaultSmoothingWindow is the moving-average width applied to the
	// derivative before thresholding.
	DefaultSmoothingWindow = 3

	// DefaultHysteresisFactor scales the offset threshold relative to the
	// onset threshold. Below 1 so that offsets are harder to trigger,
	// resisting chatter near a plateau.
	DefaultHysteresisFactor = 0.6

	// refractoryFactor sets the refractory period as a fraction of the
	// minimum duration.
	refractoryFactor = 0.3

	// mergeGapFactor sets the default merge gap as a fraction of the
	// minimum duration.
	mergeGapFactor = 0.5
)

// Contraction is one detected muscle contraction interval.
type Contraction struct {
	// Start is the onset time in seconds.
	Start float64 `json:"start"`

	// End is the offset time in seconds.
	End float64 `json:"end"`

	// Peak is the maximum RMS value inside the interval.
	Peak float64 `json:"peak"`
}

// Params configures a [Detector].
type Params struct {
	// RateThreshold is the derivative magnitude (units/s) that marks a
	// contraction onset.
	RateThreshold float64

	// MinDurationSamples is the minimum interval length, in samples, for a
	// candidate to be kept.
	MinDurationSamples int

	// SmoothingWindow is the moving-average width over the derivative.
	// Zero selects [DefaultSmoothingWindow]; a window ≤ 1 disables smoothing.
	SmoothingWindow int

	// HysteresisFactor scales the offset threshold
	// (offset = -RateThreshold × HysteresisFactor). Zero selects
	// [DefaultHysteresisFactor]. Must stay below 1.
	HysteresisFactor float64

	// MergeGapSamples merges contractions separated by at most this many
	// samples. Zero selects max(3, 0.5 × MinDurationSamples).
	MergeGapSamples int
}

// Detector runs the contraction detection cascade with fixed parameters.
type Detector struct {
	rateThreshold    float64
	minDuration      int
	smoothingWindow  int
	hysteresisFactor float64
	mergeGap         int
	refractory       int
}

// New validates params, fills defaults, and returns a ready detector.
func New(p Params) (*Detector, error) {
	if p.RateThreshold <= 0 {
		return nil, fmt.Errorf("detect: rate threshold must be positive, got %v", p.RateThreshold)
	}
	if p.MinDurationSamples <= 0 {
		return nil, fmt.Errorf("detect: minimum duration must be positive, got %d", p.MinDurationSamples)
	}
	if p.SmoothingWindow == 0 {
		p.SmoothingWindow = DefaultSmoothingWindow
	}
	if p.HysteresisFactor == 0 {
		p.HysteresisFactor = DefaultHysteresisFactor
	}
	if p.HysteresisFactor < 0 || p.HysteresisFactor >= 1 {
		return nil, fmt.Errorf("detect: hysteresis factor must be in (0, 1), got %v", p.HysteresisFactor)
	}
	if p.MergeGapSamples == 0 {
		p.MergeGapSamples = maxInt(3, int(float64(p.MinDurationSamples)*mergeGapFactor))
	}
	return &Detector{
		rateThreshold:    p.RateThreshold,
		minDuration:      p.MinDurationSamples,
		smoothingWindow:  p.SmoothingWindow,
		hysteresisFactor: p.HysteresisFactor,
		mergeGap:         p.MergeGapSamples,
		refractory:       maxInt(3, int(float64(p.MinDurationSamples)*refractoryFactor)),
	}, nil
}

// Detect runs the cascade over an RMS series sampled at fs Hz and returns
// chronologically ordered, non-overlapping contractions.
func (d *Detector) Detect(rms []float64, fs float64) ([]Contraction, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("detect: sampling rate must be positive, got %v", fs)
	}
	if len(rms) < 2 {
		return nil, nil
	}

	deriv := gradient(rms, 1/fs)
	smooth := movingAverage(deriv, d.smoothingWindow)

	onsetThreshold := d.rateThreshold
	offsetThreshold := -d.rateThreshold * d.hysteresisFactor

	var out []Contraction
	inContraction := false
	startIdx := 0
	lastOffsetIdx := -1 << 30

	for i := range rms {
		switch {
		case smooth[i] > onsetThreshold && !inContraction:
			if i-lastOffsetIdx > d.refractory {
				startIdx = i
				inContraction = true
			}
		case smooth[i] < offsetThreshold && inContraction:
			if i-startIdx >= d.minDuration {
				out = append(out, Contraction{
					Start: float64(startIdx) / fs,
					End:   float64(i) / fs,
					Peak:  maxOf(rms[startIdx:i]),
				})
				lastOffsetIdx = i
			}
			inContraction = false
		}
	}

	// A contraction still open at the end of the series closes at the final
	// sample, under the same minimum-duration filter.
	if inContraction && len(rms)-startIdx >= d.minDuration {
		out = append(out, Contraction{
			Start: float64(startIdx) / fs,
			End:   float64(len(rms)-1) / fs,
			Peak:  maxOf(rms[startIdx:]),
		})
	}

	return d.merge(out, rms, fs), nil
}

// merge joins contractions separated by at most the merge gap, recomputing
// the peak over the merged span. Short gaps are usually spikes that split one
// real contraction in two.
func (d *Detector) merge(list []Contraction, rms []float64, fs float64) []Contraction {
	if len(list) < 2 {
		return list
	}
	merged := make([]Contraction, 0, len(list))
	current := list[0]
	for _, next := range list[1:] {
		gapSamples := int((next.Start - current.End) * fs)
		if gapSamples <= d.mergeGap {
			current.End = next.End
			lo := int(current.Start * fs)
			hi := int(current.End * fs)
			if hi > len(rms) {
				hi = len(rms)
			}
			current.Peak = maxOf(rms[lo:hi])
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	return append(merged, current)
}

// gradient computes the discrete time-derivative with central differences in
// the interior and one-sided differences at the edges.
func gradient(series []float64, dt float64) []float64 {
	n := len(series)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = (series[1] - series[0]) / dt
	out[n-1] = (series[n-1] - series[n-2]) / dt
	for i := 1; i < n-1; i++ {
		out[i] = (series[i+1] - series[i-1]) / (2 * dt)
	}
	return out
}

// movingAverage smooths series with a centered window. Windows ≤ 1 return the
// input unchanged. Edges average over the partial window that fits.
func movingAverage(series []float64, window int) []float64 {
	if window <= 1 {
		return series
	}
	out := make([]float64, len(series))
	half := window / 2
	for i := range series {
		lo := i - half
		hi := lo + window
		if lo < 0 {
			lo = 0
		}
		if hi > len(series) {
			hi = len(series)
		}
		var sum float64
		for _, v := range series[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

func maxOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
