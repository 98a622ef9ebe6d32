package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-activpal/internal/shared/geo"

	"github.com/tkrajina/gpxgo/gpx"
)

const simAccuracyM = 5.0

type LatLng struct {
	Latitude  float64
	Longitude float64
}

// DefaultSimRoute is a short loop used when no GPX file is configured.
func DefaultSimRoute() []LatLng {
	const baseLat, baseLng = 51.1640514, 1.2890638
	offsets := [][2]float64{
		{0, 0},
		{0.00015, 0},
		{0.00030, 0.00010},
		{0.00045, 0.00010},
		{0.00060, 0},
		{0.00075, -0.00005},
		{0.00090, -0.00010},
		{0.00105, -0.00005},
		{0.00120, 0},
		{0.00135, 0.00010},
		{0.00150, 0.00020},
	}
	route := make([]LatLng, 0, len(offsets))
	for _, o := range offsets {
		route = append(route, LatLng{Latitude: baseLat + o[0], Longitude: baseLng + o[1]})
	}
	return route
}

// LoadGPXRoute flattens every track segment and route of a GPX file into one path.
func LoadGPXRoute(path string) ([]LatLng, error) {
	doc, err := gpx.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse gpx %s: %w", path, err)
	}
	var route []LatLng
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				route = append(route, LatLng{Latitude: p.Latitude, Longitude: p.Longitude})
			}
		}
	}
	for _, rte := range doc.Routes {
		for _, p := range rte.Points {
			route = append(route, LatLng{Latitude: p.Latitude, Longitude: p.Longitude})
		}
	}
	if len(route) == 0 {
		return nil, errors.New("gpx file has no points")
	}
	return route, nil
}

// SimSource replays a fixed route in a loop, one fix per interval.
type SimSource struct {
	route    []LatLng
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	index int
	prev  *LatLng
}

func NewSimSource(route []LatLng, interval time.Duration) *SimSource {
	if len(route) == 0 {
		route = DefaultSimRoute()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SimSource{route: route, interval: interval, now: time.Now}
}

func (s *SimSource) Subscribe(ctx context.Context) (<-chan Fix, error) {
	s.mu.Lock()
	s.index = 0
	s.prev = nil
	s.mu.Unlock()

	ch := make(chan Fix, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case ch <- s.next():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *SimSource) Current(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, ErrNoFix
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.route[0]
	if s.prev != nil {
		p = *s.prev
	}
	return Fix{Latitude: p.Latitude, Longitude: p.Longitude, Accuracy: Float(simAccuracyM), Time: s.now()}, nil
}

func (s *SimSource) next() Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.route) {
		s.index = 0
	}
	p := s.route[s.index]
	s.index++

	speed := 0.0
	if s.prev != nil {
		speed = geo.HaversineMeters(s.prev.Latitude, s.prev.Longitude, p.Latitude, p.Longitude) / s.interval.Seconds()
	}
	s.prev = &p
	return Fix{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  Float(simAccuracyM),
		Speed:     Float(speed),
		Time:      s.now(),
	}
}
