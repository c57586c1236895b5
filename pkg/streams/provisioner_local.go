package streams

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalProvisioner mints streams without a hosted API, for use with a
// self-hosted RTMP origin.
type LocalProvisioner struct {
	streams map[string]*Stream
	mu      sync.Mutex
}

func NewLocalProvisioner() *LocalProvisioner {
	return &LocalProvisioner{streams: make(map[string]*Stream)}
}

func (p *LocalProvisioner) GetStreamByID(ctx context.Context, id string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	cp := *st
	return &cp, nil
}

func (p *LocalProvisioner) GetStreamByName(ctx context.Context, name string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found *Stream
	for _, st := range p.streams {
		if st.Name == name {
			if found != nil {
				return nil, ErrStreamNotFound
			}
			found = st
		}
	}
	if found == nil {
		return nil, ErrStreamNotFound
	}
	cp := *found
	return &cp, nil
}

func (p *LocalProvisioner) CreateStream(ctx context.Context, name string) (*Stream, error) {
	st := &Stream{
		ID:         uuid.Must(uuid.NewRandom()).String(),
		Name:       name,
		StreamKey:  uuid.Must(uuid.NewRandom()).String(),
		PlaybackID: uuid.Must(uuid.NewRandom()).String(),
		CreatedAt:  time.Now().UnixNano() / int64(time.Millisecond),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[st.ID] = st
	cp := *st
	return &cp, nil
}
