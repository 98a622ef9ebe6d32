package geo

import "github.com/golang/geo/s2"

const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points in meters.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	return HaversineMeters(lat1, lng1, lat2, lng2) / 1000
}

// LatLng is the minimal shape PathLength needs.
type LatLng interface {
	Lat() float64
	Lng() float64
}

// PathLength sums the segment lengths of an ordered path in meters.
func PathLength[T LatLng](path []T) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += HaversineMeters(path[i-1].Lat(), path[i-1].Lng(), path[i].Lat(), path[i].Lng())
	}
	return total
}
