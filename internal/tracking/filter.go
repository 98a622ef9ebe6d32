package tracking

import (
	"time"

	"backend-activpal/internal/location"
	"backend-activpal/internal/shared/geo"
)

type Thresholds struct {
	MaxAccuracyM    float64
	MaxJumpM        float64
	LongGap         time.Duration
	MinMoveM        float64
	RollingWindow   time.Duration
	RollingMinMoveM float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAccuracyM:    100,
		MaxJumpM:        150,
		LongGap:         10 * time.Second,
		MinMoveM:        1,
		RollingWindow:   60 * time.Second,
		RollingMinMoveM: 10,
	}
}

type Outcome int

const (
	Accepted Outcome = iota
	Anchored
	RejectedAccuracy
	RejectedInvalid
	Spike
	Jitter
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Anchored:
		return "anchored"
	case RejectedAccuracy:
		return "rejected_accuracy"
	case RejectedInvalid:
		return "rejected_invalid"
	case Spike:
		return "spike"
	case Jitter:
		return "jitter"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Accumulator filters fixes and folds accepted ones into a Session.
type Accumulator struct {
	th Thresholds
}

func NewAccumulator(th Thresholds) Accumulator {
	return Accumulator{th: th}
}

// Accept applies one fix to the session. now is the wall clock used for
// stall detection; deltas use the fix timestamps.
func (a Accumulator) Accept(s *Session, fix location.Fix, now time.Time) Outcome {
	if !fix.Valid() {
		return RejectedInvalid
	}
	if s.Status != StatusRecording {
		f := fix
		s.LastFix = &f
		return Anchored
	}
	if fix.Accuracy != nil && *fix.Accuracy > a.th.MaxAccuracyM {
		return RejectedAccuracy
	}
	s.LastFixAt = now

	if s.LastFix == nil {
		a.appendPoint(s, fix)
		return Accepted
	}

	delta := geo.HaversineMeters(s.LastFix.Latitude, s.LastFix.Longitude, fix.Latitude, fix.Longitude)
	dt := fix.Time.Sub(s.LastFix.Time)
	if dt < 0 {
		// late seed or poll result overtaken by the stream
		return Stale
	}

	if dt <= a.th.LongGap && delta >= a.th.MaxJumpM {
		// still the reference for the next delta
		f := fix
		s.LastFix = &f
		return Spike
	}
	if delta < a.th.MinMoveM {
		// anchor position stays put, only its time advances
		s.LastFix.Time = fix.Time
		return Jitter
	}

	s.DistanceM += delta
	a.appendPoint(s, fix)
	return Accepted
}

func (a Accumulator) appendPoint(s *Session, fix location.Fix) {
	s.Points = append(s.Points, TrackPoint{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Time:      fix.Time,
		Accuracy:  fix.Accuracy,
		Segment:   s.Segment,
	})
	f := fix
	s.LastFix = &f
}

// PathSum is the length of the recorded track, never bridging segments and
// skipping hops the jump guard would have rejected.
func (a Accumulator) PathSum(points []TrackPoint) float64 {
	total := 0.0
	run := 0
	for i := 1; i <= len(points); i++ {
		if i < len(points) && !a.breaks(points[i-1], points[i]) {
			continue
		}
		total += geo.PathLength(points[run:i])
		run = i
	}
	return total
}

// breaks reports whether the hop from prev to cur leaves the continuous path.
func (a Accumulator) breaks(prev, cur TrackPoint) bool {
	if prev.Segment != cur.Segment {
		return true
	}
	d := geo.HaversineMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	return cur.Time.Sub(prev.Time) <= a.th.LongGap && d >= a.th.MaxJumpM
}

// Reconcile raises the running total to the path sum when jitter suppression
// has left it behind. It never lowers the distance.
func (a Accumulator) Reconcile(s *Session) float64 {
	if s.Status != StatusRecording {
		return s.DistanceM
	}
	if sum := a.PathSum(s.Points); sum > s.DistanceM {
		s.DistanceM = sum
	}
	return s.DistanceM
}
