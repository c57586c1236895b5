package streams

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type Store interface {
	GetByHumanID(ctx context.Context, humanID string) (*Info, error)
	GetByStreamID(ctx context.Context, streamID string) (*Info, error)
	GetByStreamKey(ctx context.Context, streamKey string) (*Info, error)
	Create(ctx context.Context, info *Info) error
}

var ErrStreamAlreadyExists = errors.New("stream already exists")

type InMemoryStore struct {
	streams map[string]*Info
	mu      sync.RWMutex
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[string]*Info),
	}
}

func (s *InMemoryStore) GetByHumanID(ctx context.Context, humanID string) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.streams[humanID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	cp := *info
	return &cp, nil
}

func (s *InMemoryStore) GetByStreamID(ctx context.Context, streamID string) (*Info, error) {
	return s.find(func(info *Info) bool { return info.StreamID == streamID })
}

func (s *InMemoryStore) GetByStreamKey(ctx context.Context, streamKey string) (*Info, error) {
	return s.find(func(info *Info) bool { return info.StreamKey == streamKey })
}

func (s *InMemoryStore) find(match func(info *Info) bool) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.streams {
		if match(info) {
			cp := *info
			return &cp, nil
		}
	}
	return nil, ErrStreamNotFound
}

func (s *InMemoryStore) Create(ctx context.Context, info *Info) error {
	if info.HumanID == "" {
		return errors.New("humanId is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[info.HumanID]; ok {
		return errors.Wrapf(ErrStreamAlreadyExists, "humanId: %s", info.HumanID)
	}
	cp := *info
	s.streams[info.HumanID] = &cp
	return nil
}
