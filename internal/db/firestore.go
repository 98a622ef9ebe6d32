package db

import (
	"context"
	"fmt"
	"time"

	"backend-activpal/internal/config"

	"cloud.google.com/go/firestore"
)

var newFirestoreFn = func(ctx context.Context, projectID string) (*firestore.Client, error) {
	return firestore.NewClient(ctx, projectID)
}

// ConnectFirestore returns nil when no project is configured.
func ConnectFirestore(cfg config.Config) (*firestore.Client, error) {
	if cfg.FirestoreProject == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := newFirestoreFn(ctx, cfg.FirestoreProject)
	if err != nil {
		return nil, fmt.Errorf("firestore init: %w", err)
	}
	return client, nil
}
