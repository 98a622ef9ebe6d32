package routes

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("route not found")
	ErrExists   = errors.New("route already stored")
)

type Point struct {
	Latitude  float64 `json:"latitude" firestore:"latitude"`
	Longitude float64 `json:"longitude" firestore:"longitude"`
}

// Record is a finished session as written to the route store. Records are
// append-only.
type Record struct {
	ID             string    `json:"id" firestore:"id"`
	UserID         string    `json:"user_id" firestore:"user_id"`
	StartTimestamp time.Time `json:"start_timestamp" firestore:"start_timestamp"`
	DistanceM      float64   `json:"distance_meters" firestore:"distance_meters"`
	ElapsedMs      int64     `json:"elapsed_ms" firestore:"elapsed_ms"`
	AvgPace        *float64  `json:"avg_pace_seconds_per_km,omitempty" firestore:"avg_pace_seconds_per_km,omitempty"`
	Simulated      bool      `json:"simulated" firestore:"simulated"`
	Points         []Point   `json:"points" firestore:"points"`
	CreatedAt      time.Time `json:"created_at" firestore:"created_at"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	List(ctx context.Context, userID string) ([]Record, error)
	Get(ctx context.Context, userID, id string) (Record, error)
}
