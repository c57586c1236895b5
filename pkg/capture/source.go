package capture

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindCamera    Kind = "camera"
	KindScreen    Kind = "screen"
	KindComposite Kind = "composite"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
)

// Input describes how ffmpeg opens a capture device.
type Input struct {
	Format  string
	Device  string
	Options []string
}

func (in Input) Args() []string {
	var args []string
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	args = append(args, in.Options...)
	return append(args, "-i", in.Device)
}

// Track is one audio or video stream of a capture device. A track is shared
// by every MediaSource holding it and stops when the last one releases it.
type Track struct {
	ID    string
	Kind  TrackKind
	Label string
	Input Input

	mu      sync.Mutex
	refs    int
	stopped bool
	ended   bool
	onEnded []func()
	onStop  []func()
}

func NewTrack(kind TrackKind, label string, input Input) *Track {
	return &Track{
		ID:    uuid.Must(uuid.NewRandom()).String(),
		Kind:  kind,
		Label: label,
		Input: input,
	}
}

// OnEnded registers f to be called when the track ends on its own, such as
// when the user stops sharing the screen.
func (t *Track) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

// OnStop registers f to release device resources once the track stops for any reason.
func (t *Track) OnStop(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = append(t.onStop, f)
}

// End marks the track as ended by the device and notifies OnEnded listeners once.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ended = true
	listeners := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, f := range listeners {
		f()
	}
	t.runStopHooks()
}

// Stop ends the track without notifying OnEnded listeners.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.runStopHooks()
}

func (t *Track) runStopHooks() {
	t.mu.Lock()
	hooks := t.onStop
	t.onStop = nil
	t.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}

func (t *Track) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) retain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
}

func (t *Track) release() {
	t.mu.Lock()
	t.refs--
	last := t.refs <= 0
	t.mu.Unlock()
	if last {
		t.Stop()
	}
}

// MediaSource is a set of tracks captured together.
type MediaSource struct {
	ID         string
	Kind       Kind
	Tracks     []*Track
	Components []*MediaSource

	releaseOnce sync.Once
}

func NewMediaSource(kind Kind, tracks ...*Track) *MediaSource {
	for _, t := range tracks {
		t.retain()
	}
	return &MediaSource{
		ID:     uuid.Must(uuid.NewRandom()).String(),
		Kind:   kind,
		Tracks: tracks,
	}
}

// NewComposite combines the video of every component with the audio of the
// first component that has any. The components are released; the composite
// keeps their tracks alive.
func NewComposite(components ...*MediaSource) (*MediaSource, error) {
	if len(components) < 2 {
		return nil, errors.New("composite needs at least two sources")
	}
	var tracks []*Track
	var audio *Track
	for _, c := range components {
		tracks = append(tracks, c.VideoTracks()...)
		if audio == nil {
			if a := c.AudioTracks(); len(a) > 0 {
				audio = a[0]
			}
		}
	}
	if len(tracks) == 0 {
		return nil, errors.New("composite has no video")
	}
	if audio != nil {
		tracks = append(tracks, audio)
	}
	src := NewMediaSource(KindComposite, tracks...)
	src.Components = components
	for _, c := range components {
		c.Release()
	}
	return src, nil
}

func (s *MediaSource) VideoTracks() []*Track {
	return s.tracksOf(TrackVideo)
}

func (s *MediaSource) AudioTracks() []*Track {
	return s.tracksOf(TrackAudio)
}

func (s *MediaSource) tracksOf(kind TrackKind) []*Track {
	var ts []*Track
	for _, t := range s.Tracks {
		if t.Kind == kind {
			ts = append(ts, t)
		}
	}
	return ts
}

// Release drops this source's hold on its tracks. Safe to call more than once.
func (s *MediaSource) Release() {
	s.releaseOnce.Do(func() {
		for _, t := range s.Tracks {
			t.release()
		}
	})
}

// HasScreen reports whether any video of the source is a screen capture.
func (s *MediaSource) HasScreen() bool {
	if s.Kind == KindScreen {
		return true
	}
	for _, c := range s.Components {
		if c.HasScreen() {
			return true
		}
	}
	return false
}
