package tracking

import (
	"math"
	"time"
)

// AveragePace is seconds per kilometre over the whole session, +Inf when
// less than a metre has been covered.
func AveragePace(elapsed time.Duration, distanceM float64) float64 {
	if distanceM < 1 {
		return math.Inf(1)
	}
	return elapsed.Seconds() / (distanceM / 1000)
}

// RollingPace is the pace over the trailing window ending at now. NaN
// means not enough movement inside the window to say.
func (a Accumulator) RollingPace(points []TrackPoint, now time.Time) float64 {
	cutoff := now.Add(-a.th.RollingWindow)
	start := len(points)
	for start > 0 && !points[start-1].Time.Before(cutoff) {
		start--
	}
	window := points[start:]
	if len(window) < 2 {
		return math.NaN()
	}

	dist := a.PathSum(window)
	span := window[len(window)-1].Time.Sub(window[0].Time)
	if dist < a.th.RollingMinMoveM || span <= 0 {
		return math.NaN()
	}
	return span.Seconds() / (dist / 1000)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
