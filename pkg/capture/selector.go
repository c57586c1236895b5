package capture

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Selector owns the media source currently being cast. Switching sources
// never mutates a running source: listeners get the new one and are
// expected to restart whatever consumes it.
type Selector struct {
	devices Devices
	logger  zerolog.Logger

	mu        sync.Mutex
	current   *MediaSource
	listeners []func(*MediaSource)
}

func NewSelector(devices Devices, logger zerolog.Logger) *Selector {
	return &Selector{devices: devices, logger: logger}
}

func (s *Selector) Current() *MediaSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Selector) OnChange(f func(*MediaSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, f)
}

func (s *Selector) SelectCamera(ctx context.Context) (*MediaSource, error) {
	src, err := s.devices.GetUserMedia(ctx, UserMediaOptions{Video: true, Audio: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get camera; keeping current source")
		return nil, errors.Wrap(err, "failed to get camera")
	}
	s.swap(src)
	return src, nil
}

func (s *Selector) SelectScreen(ctx context.Context) (*MediaSource, error) {
	src, err := s.devices.GetDisplayMedia(ctx, DisplayMediaOptions{Audio: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get screen; keeping current source")
		return nil, errors.Wrap(err, "failed to get screen")
	}
	s.watchScreen(src)
	s.swap(src)
	return src, nil
}

// SelectComposite captures the screen and the camera together, the camera
// drawn as an inset.
func (s *Selector) SelectComposite(ctx context.Context) (*MediaSource, error) {
	screen, err := s.devices.GetDisplayMedia(ctx, DisplayMediaOptions{})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get screen; keeping current source")
		return nil, errors.Wrap(err, "failed to get screen")
	}
	cam, err := s.devices.GetUserMedia(ctx, UserMediaOptions{Video: true, Audio: true})
	if err != nil {
		screen.Release()
		s.logger.Warn().Err(err).Msg("failed to get camera; keeping current source")
		return nil, errors.Wrap(err, "failed to get camera")
	}
	src, err := NewComposite(screen, cam)
	if err != nil {
		screen.Release()
		cam.Release()
		return nil, err
	}
	s.watchScreen(src)
	s.swap(src)
	return src, nil
}

// watchScreen falls back to the camera when a screen track of src ends
// while src is still the current source.
func (s *Selector) watchScreen(src *MediaSource) {
	screens := src.VideoTracks()
	if src.Kind == KindComposite {
		screens = nil
		for _, c := range src.Components {
			if c.Kind == KindScreen {
				screens = append(screens, c.VideoTracks()...)
			}
		}
	}
	for _, t := range screens {
		t.OnEnded(func() {
			if s.Current() != src {
				return
			}
			s.logger.Info().Str("source", src.ID).Msg("screen sharing ended; falling back to camera")
			if _, err := s.SelectCamera(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("failed to fall back to camera")
			}
		})
	}
}

func (s *Selector) swap(next *MediaSource) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	listeners := append([]func(*MediaSource){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info().Str("source", next.ID).Str("kind", string(next.Kind)).Msg("media source selected")
	for _, f := range listeners {
		f(next)
	}
	if prev != nil {
		prev.Release()
	}
}

// Close releases the current source.
func (s *Selector) Close() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		cur.Release()
	}
}
