package tracking

import (
	"fmt"
	"time"
)

// Snapshot is the lossy status record published to listeners. Pace fields
// are null while no pace is available.
type Snapshot struct {
	SessionID          string    `json:"session_id,omitempty"`
	Status             string    `json:"status"`
	DistanceM          float64   `json:"distance_meters"`
	ElapsedMs          int64     `json:"elapsed_ms"`
	Pace               *float64  `json:"pace_seconds_per_km"`
	RollingPace        *float64  `json:"rolling_pace_seconds_per_km"`
	Latitude           *float64  `json:"latitude,omitempty"`
	Longitude          *float64  `json:"longitude,omitempty"`
	Accuracy           *float64  `json:"accuracy_meters,omitempty"`
	Speed              *float64  `json:"speed_mps,omitempty"`
	Simulating         bool      `json:"simulating"`
	Paused             bool      `json:"paused"`
	Stopped            bool      `json:"stopped"`
	CapabilityRequired bool      `json:"capability_required"`
	Points             int       `json:"points"`
	Timestamp          time.Time `json:"timestamp"`
}

// buildSnapshot only reads the session.
func buildSnapshot(acc Accumulator, s *Session, now time.Time) Snapshot {
	snap := Snapshot{Status: StatusIdle.String(), Timestamp: now}
	if s == nil {
		return snap
	}
	elapsed := s.Elapsed(now)
	snap.SessionID = s.ID
	snap.Status = s.Status.String()
	snap.DistanceM = s.DistanceM
	snap.ElapsedMs = elapsed.Milliseconds()
	snap.Pace = finite(AveragePace(elapsed, s.DistanceM))
	snap.RollingPace = finite(acc.RollingPace(s.Points, now))
	snap.Simulating = s.Simulated
	snap.Paused = s.Status == StatusPaused
	snap.Stopped = s.Status == StatusStopped
	snap.Points = len(s.Points)

	switch {
	case s.LastFix != nil:
		lat, lng := s.LastFix.Latitude, s.LastFix.Longitude
		snap.Latitude, snap.Longitude = &lat, &lng
		snap.Accuracy, snap.Speed = s.LastFix.Accuracy, s.LastFix.Speed
	case len(s.Points) > 0:
		p := s.Points[len(s.Points)-1]
		lat, lng := p.Latitude, p.Longitude
		snap.Latitude, snap.Longitude = &lat, &lng
		snap.Accuracy = p.Accuracy
	}
	return snap
}

// statusText is the one-line description shown while the engine holds the
// foreground.
func statusText(s *Session, now time.Time) string {
	label := "Recording"
	if s.Status == StatusPaused {
		label = "Paused"
	}
	if s.Simulated {
		label += " (simulated)"
	}
	elapsed := s.Elapsed(now)
	h := int(elapsed.Hours())
	m := int(elapsed.Minutes()) % 60
	sec := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("%s • %.2f km • %02d:%02d:%02d", label, s.DistanceM/1000, h, m, sec)
}
