package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend-activpal/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			start_timestamp TIMESTAMPTZ NOT NULL,
			distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			avg_pace_seconds_per_km DOUBLE PRECISION,
			simulated BOOLEAN NOT NULL DEFAULT FALSE,
			points JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS routes_user_start_idx ON routes (user_id, start_timestamp DESC)
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if rec.Points == nil {
		rec.Points = []Point{}
	}
	points, err := json.Marshal(rec.Points)
	if err != nil {
		return fmt.Errorf("encode points: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO routes (id, user_id, start_timestamp, distance_meters, elapsed_ms, avg_pace_seconds_per_km, simulated, points, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.UserID, rec.StartTimestamp, rec.DistanceM, rec.ElapsedMs, rec.AvgPace, rec.Simulated, points, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return err
}

const selectRoute = `
	SELECT id, user_id, start_timestamp, distance_meters, elapsed_ms, COALESCE(avg_pace_seconds_per_km, 0), simulated, points, created_at
	FROM routes`

func (s *PostgresStore) List(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, selectRoute+`
		WHERE user_id=$1
		ORDER BY start_timestamp DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, userID, id string) (Record, error) {
	row := s.db.QueryRow(ctx, selectRoute+`
		WHERE user_id=$1 AND id=$2
	`, userID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		pace   float64
		points []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.StartTimestamp, &rec.DistanceM, &rec.ElapsedMs, &pace, &rec.Simulated, &points, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if pace > 0 {
		rec.AvgPace = &pace
	}
	rec.Points = []Point{}
	if len(points) > 0 {
		if err := json.Unmarshal(points, &rec.Points); err != nil {
			return Record{}, fmt.Errorf("decode points for route %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
