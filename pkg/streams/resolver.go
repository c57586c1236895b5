package streams

import (
	"context"
)

// Resolver maps a stream key received on the ingest path to the RTMP URL
// the relay publishes to.
type Resolver interface {
	Resolve(ctx context.Context, streamKey string) (string, error)
}

type BaseURLResolver struct {
	baseURL string
}

func NewBaseURLResolver(baseURL string) *BaseURLResolver {
	if baseURL == "" {
		baseURL = DefaultIngestBaseURL
	}
	return &BaseURLResolver{baseURL: baseURL}
}

func (r *BaseURLResolver) Resolve(ctx context.Context, streamKey string) (string, error) {
	return StreamURL(r.baseURL, streamKey), nil
}

// StoreResolver only accepts keys of streams registered in the store.
type StoreResolver struct {
	store   Store
	baseURL string
}

func NewStoreResolver(store Store, baseURL string) *StoreResolver {
	if baseURL == "" {
		baseURL = DefaultIngestBaseURL
	}
	return &StoreResolver{store: store, baseURL: baseURL}
}

func (r *StoreResolver) Resolve(ctx context.Context, streamKey string) (string, error) {
	info, err := r.store.GetByStreamKey(ctx, streamKey)
	if err != nil {
		return "", err
	}
	if info.StreamURL != "" {
		return info.StreamURL, nil
	}
	return StreamURL(r.baseURL, streamKey), nil
}
