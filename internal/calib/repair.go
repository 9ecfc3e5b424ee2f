package calib

import "github.com/BMEG-457/emgstream/pkg/emg"

// Electrode grid geometry. The high-density array maps its first 64 channels
// onto an 8×8 grid with channel = col·8 + (7 − row).
const (
	gridRows     = 8
	gridCols     = 8
	gridChannels = gridRows * gridCols

	// lowFraction of the grid median marks a channel as implausibly weak
	// (saturated or disconnected during the contraction phase).
	lowFraction = 0.1
)

// gridChannel returns the channel index at a grid cell.
func gridChannel(row, col int) int {
	return col*gridRows + (gridRows - 1 - row)
}

// RepairGrid replaces implausibly low MVC values over the electrode grid in
// place. A cell below 10% of the 64-channel median takes the mean of its
// 3×3 neighbors that are themselves above that bound, or the median when no
// neighbor qualifies.
//
// The whole sweep reads a pre-repair snapshot: a repaired value is never
// visible to later cells within the same sweep, so the outcome does not
// depend on traversal order.
//
// Slices shorter than the 64-channel grid are left untouched; channels beyond
// the grid are never modified.
func RepairGrid(mvc []float64) {
	if len(mvc) < gridChannels {
		return
	}

	snapshot := make([]float64, gridChannels)
	copy(snapshot, mvc[:gridChannels])

	median := emg.Median(snapshot)
	low := lowFraction * median

	for row := 0; row < gridRows; row++ {
		for col := 0; col < gridCols; col++ {
			ch := gridChannel(row, col)
			if snapshot[ch] >= low {
				continue
			}

			var neighbors []float64
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					if dr == 0 && dc == 0 {
						continue
					}
					nr, nc := row+dr, col+dc
					if nr < 0 || nr >= gridRows || nc < 0 || nc >= gridCols {
						continue
					}
					if v := snapshot[gridChannel(nr, nc)]; v >= low {
						neighbors = append(neighbors, v)
					}
				}
			}

			if len(neighbors) > 0 {
				mvc[ch] = emg.Mean(neighbors)
			} else {
				mvc[ch] = median
			}
		}
	}
}
