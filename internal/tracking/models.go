package tracking

import (
	"time"

	"backend-activpal/internal/location"
	"backend-activpal/internal/routes"
)

type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusPaused
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// TrackPoint is an accepted fix. Segment increases on every resume so that
// path sums never bridge a pause.
type TrackPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Time      time.Time `json:"timestamp"`
	Accuracy  *float64  `json:"accuracy_meters,omitempty"`
	Segment   int       `json:"segment"`
}

// Lat and Lng let geo.PathLength walk a track.
func (p TrackPoint) Lat() float64 { return p.Latitude }
func (p TrackPoint) Lng() float64 { return p.Longitude }

// Session is owned by exactly one engine goroutine.
type Session struct {
	ID        string
	UserID    string
	Status    Status
	StartedAt time.Time
	DistanceM float64
	LastFix   *location.Fix
	// LastFixAt is the wall clock of the last fix that passed the accuracy check.
	LastFixAt time.Time
	Points    []TrackPoint
	Segment   int
	Discard   bool
	Simulated bool
}

func NewSession(id, userID string, simulated bool, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Status:    StatusRecording,
		StartedAt: now,
		LastFixAt: now,
		Simulated: simulated,
	}
}

func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

func (s *Session) Pause() bool {
	if s.Status != StatusRecording {
		return false
	}
	s.Status = StatusPaused
	return true
}

// Resume drops the anchor so the first fix after the pause contributes nothing.
func (s *Session) Resume() bool {
	if s.Status != StatusPaused {
		return false
	}
	s.Status = StatusRecording
	s.LastFix = nil
	s.Segment++
	return true
}

// Record converts a finished session into its persisted form.
func (s *Session) Record(now time.Time) routes.Record {
	elapsed := s.Elapsed(now)
	points := make([]routes.Point, 0, len(s.Points))
	for _, p := range s.Points {
		points = append(points, routes.Point{Latitude: p.Latitude, Longitude: p.Longitude})
	}
	return routes.Record{
		ID:             s.ID,
		UserID:         s.UserID,
		StartTimestamp: s.StartedAt,
		DistanceM:      s.DistanceM,
		ElapsedMs:      elapsed.Milliseconds(),
		AvgPace:        finite(AveragePace(elapsed, s.DistanceM)),
		Simulated:      s.Simulated,
		Points:         points,
		CreatedAt:      now,
	}
}
