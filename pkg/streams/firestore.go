package streams

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreCollection = "castrelay-streams"
)

// FirestoreStore keeps one document per stream, keyed by its human id.
type FirestoreStore struct {
	c          *firestore.Client
	collection string
}

func NewFirestoreStore(c *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		c:          c,
		collection: firestoreCollection,
	}
}

func (s *FirestoreStore) GetByHumanID(ctx context.Context, humanID string) (*Info, error) {
	ds, err := s.c.Collection(s.collection).Doc(humanID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get stream(humanId: %s)", humanID)
	}
	return toInfo(ds)
}

func (s *FirestoreStore) GetByStreamID(ctx context.Context, streamID string) (*Info, error) {
	return s.findOne(ctx, "streamId", streamID)
}

func (s *FirestoreStore) GetByStreamKey(ctx context.Context, streamKey string) (*Info, error) {
	return s.findOne(ctx, "streamKey", streamKey)
}

// findOne requires exactly one match; duplicates are treated as not found.
func (s *FirestoreStore) findOne(ctx context.Context, field, value string) (*Info, error) {
	iter := s.c.Collection(s.collection).Where(field, "==", value).Limit(2).Documents(ctx)
	defer iter.Stop()
	ds, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query stream(%s: %s)", field, value)
	}
	if _, err := iter.Next(); err != iterator.Done {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query stream(%s: %s)", field, value)
		}
		return nil, ErrStreamNotFound
	}
	return toInfo(ds)
}

func toInfo(ds *firestore.DocumentSnapshot) (*Info, error) {
	if !ds.Exists() {
		return nil, ErrStreamNotFound
	}
	var info Info
	if err := ds.DataTo(&info); err != nil {
		return nil, errors.Wrap(err, "failed to decode stream")
	}
	return &info, nil
}

func (s *FirestoreStore) Create(ctx context.Context, info *Info) error {
	_, err := s.c.Collection(s.collection).Doc(info.HumanID).Create(ctx, info)
	if status.Code(err) == codes.AlreadyExists {
		return errors.Wrapf(ErrStreamAlreadyExists, "humanId: %s", info.HumanID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create stream(humanId: %s)", info.HumanID)
	}
	return nil
}
