package routes

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps routes under users/{uid}/routes/{id}.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) routes(userID string) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(userID).Collection("routes")
}

func (s *FirestoreStore) Save(ctx context.Context, rec Record) error {
	if rec.Points == nil {
		rec.Points = []Point{}
	}
	_, err := s.routes(rec.UserID).Doc(rec.ID).Create(ctx, rec)
	return createError(err)
}

// createError maps a rejected Create onto ErrExists; records are never replaced.
func createError(err error) error {
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	return err
}

func (s *FirestoreStore) List(ctx context.Context, userID string) ([]Record, error) {
	docs, err := s.routes(userID).OrderBy("start_timestamp", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(docs))
	for _, d := range docs {
		var rec Record
		if err := d.DataTo(&rec); err != nil {
			return nil, err
		}
		if rec.ID == "" {
			rec.ID = d.Ref.ID
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *FirestoreStore) Get(ctx context.Context, userID, id string) (Record, error) {
	doc, err := s.routes(userID).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := doc.DataTo(&rec); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}
