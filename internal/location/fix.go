package location

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCapability means the host has not granted what is needed to read location.
	ErrCapability = errors.New("location capability not granted")
	// ErrNoFix means the source is reachable but has no position to offer.
	ErrNoFix = errors.New("no location fix available")
)

// Fix is a single position sample. Accuracy and Speed are nil when unknown.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy_meters,omitempty"`
	Speed     *float64  `json:"speed_mps,omitempty"`
	Time      time.Time `json:"timestamp"`
}

// Valid reports whether the coordinates are inside the WGS84 range.
func (f Fix) Valid() bool {
	return f.Latitude >= -90 && f.Latitude <= 90 && f.Longitude >= -180 && f.Longitude <= 180
}

// Source produces fixes. Subscribe streams until ctx is cancelled or the
// source fails; the returned channel is closed when streaming ends. Current
// is a one-shot request for the best fix available right now.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Fix, error)
	Current(ctx context.Context) (Fix, error)
}

func Float(v float64) *float64 { return &v }
