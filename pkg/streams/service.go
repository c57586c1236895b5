package streams

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxHumanIDAttempts = 5

type ServiceConfig struct {
	IngestBaseURL   string
	PlaybackBaseURL string
}

type Service struct {
	store       Store
	provisioner Provisioner
	ids         *HumanIDGenerator
	conf        ServiceConfig
	logger      zerolog.Logger
}

func NewService(store Store, provisioner Provisioner, conf ServiceConfig, logger zerolog.Logger) *Service {
	if conf.IngestBaseURL == "" {
		conf.IngestBaseURL = DefaultIngestBaseURL
	}
	if conf.PlaybackBaseURL == "" {
		conf.PlaybackBaseURL = DefaultPlaybackBaseURL
	}
	return &Service{
		store:       store,
		provisioner: provisioner,
		ids:         NewHumanIDGenerator(0),
		conf:        conf,
		logger:      logger,
	}
}

// GetOrCreate returns the stream previously handed to a caster (identified
// by prevStreamID, usually taken from a cookie) or provisions a new one.
func (s *Service) GetOrCreate(ctx context.Context, prevStreamID string) (*Info, error) {
	if prevStreamID != "" {
		info, err := s.store.GetByStreamID(ctx, prevStreamID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}
		st, err := s.provisioner.GetStreamByID(ctx, prevStreamID)
		if err == nil {
			humanID, ok := HumanIDFromStreamName(st.Name)
			if !ok {
				humanID = s.ids.Generate()
			}
			return s.save(ctx, humanID, st)
		}
		if !errors.Is(err, ErrStreamNotFound) {
			return nil, errors.Wrapf(err, "failed to get stream(id: %s)", prevStreamID)
		}
		s.logger.Info().Str("streamId", prevStreamID).Msg("previous stream is gone; creating a new one")
	}

	humanID, err := s.newHumanID(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.provisioner.CreateStream(ctx, StreamName(humanID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stream")
	}
	return s.save(ctx, humanID, st)
}

func (s *Service) newHumanID(ctx context.Context) (string, error) {
	for i := 0; i < maxHumanIDAttempts; i++ {
		humanID := s.ids.Generate()
		_, err := s.store.GetByHumanID(ctx, humanID)
		if errors.Is(err, ErrStreamNotFound) {
			return humanID, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("failed to allocate an unused human id")
}

func (s *Service) save(ctx context.Context, humanID string, st *Stream) (*Info, error) {
	info := &Info{
		HumanID:     humanID,
		StreamID:    st.ID,
		StreamKey:   st.StreamKey,
		StreamURL:   StreamURL(s.conf.IngestBaseURL, st.StreamKey),
		PlaybackID:  st.PlaybackID,
		PlaybackURL: PlaybackURL(s.conf.PlaybackBaseURL, st.PlaybackID),
	}
	if err := s.store.Create(ctx, info); err != nil {
		return nil, err
	}
	s.logger.Info().Str("humanId", humanID).Str("streamId", st.ID).Msg("stream registered")
	return info, nil
}

func (s *Service) Lookup(ctx context.Context, humanID string) (*Info, error) {
	return s.store.GetByHumanID(ctx, humanID)
}
