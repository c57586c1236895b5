package capture

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectCameraThenScreen(t *testing.T) {
	devices := &TestPatternDevices{}
	s := NewSelector(devices, zerolog.Nop())
	var changes []*MediaSource
	s.OnChange(func(src *MediaSource) { changes = append(changes, src) })

	cam, err := s.SelectCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindCamera, cam.Kind)
	assert.Len(t, cam.VideoTracks(), 1)
	assert.Len(t, cam.AudioTracks(), 1)
	assert.Equal(t, cam, s.Current())

	screen, err := s.SelectScreen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, screen, s.Current())
	assert.Equal(t, []*MediaSource{cam, screen}, changes)

	for _, tr := range cam.Tracks {
		assert.True(t, tr.Stopped(), "previous source tracks are stopped")
	}
}

func TestSelectScreenDenied(t *testing.T) {
	devices := &TestPatternDevices{DenyScreen: true}
	s := NewSelector(devices, zerolog.Nop())
	cam, err := s.SelectCamera(context.Background())
	require.NoError(t, err)

	_, err = s.SelectScreen(context.Background())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, cam, s.Current())
	assert.False(t, cam.Tracks[0].Stopped())
}

func TestScreenEndFallsBackToCamera(t *testing.T) {
	devices := &TestPatternDevices{}
	s := NewSelector(devices, zerolog.Nop())
	changed := make(chan *MediaSource, 4)
	s.OnChange(func(src *MediaSource) { changed <- src })

	screen, err := s.SelectScreen(context.Background())
	require.NoError(t, err)
	<-changed

	devices.EndScreen()
	next := <-changed
	assert.Equal(t, KindCamera, next.Kind)
	assert.Equal(t, next, s.Current())
	assert.True(t, screen.Tracks[0].Ended())
}

func TestEndedScreenNotCurrentIsIgnored(t *testing.T) {
	devices := &TestPatternDevices{}
	s := NewSelector(devices, zerolog.Nop())
	_, err := s.SelectScreen(context.Background())
	require.NoError(t, err)
	screenTrack := devices.screens[0]
	cam, err := s.SelectCamera(context.Background())
	require.NoError(t, err)

	// the old screen track was stopped by the switch; a late end is a no-op
	screenTrack.End()
	assert.Equal(t, cam, s.Current())
}

func TestSelectComposite(t *testing.T) {
	devices := &TestPatternDevices{}
	s := NewSelector(devices, zerolog.Nop())
	src, err := s.SelectComposite(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindComposite, src.Kind)
	assert.Len(t, src.VideoTracks(), 2)
	assert.Len(t, src.AudioTracks(), 1)
	assert.True(t, src.HasScreen())
	for _, tr := range src.Tracks {
		assert.False(t, tr.Stopped(), "composite keeps component tracks alive")
	}

	changed := make(chan *MediaSource, 1)
	s.OnChange(func(src *MediaSource) { changed <- src })
	devices.EndScreen()
	assert.Equal(t, KindCamera, (<-changed).Kind)
	for _, tr := range src.Tracks {
		assert.True(t, tr.Stopped() || tr.Ended())
	}
}

func TestSelectCompositeCameraDenied(t *testing.T) {
	devices := &TestPatternDevices{DenyCamera: true}
	s := NewSelector(devices, zerolog.Nop())
	_, err := s.SelectComposite(context.Background())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Nil(t, s.Current())
	assert.True(t, devices.screens[0].Stopped())
}

func TestTrackRefCount(t *testing.T) {
	tr := NewTrack(TrackVideo, "v", Input{Format: "lavfi", Device: "testsrc2"})
	a := NewMediaSource(KindCamera, tr)
	b := NewMediaSource(KindCamera, tr)
	a.Release()
	a.Release()
	assert.False(t, tr.Stopped())
	b.Release()
	assert.True(t, tr.Stopped())

	var ended int
	tr.OnEnded(func() { ended++ })
	tr.End()
	assert.Equal(t, 0, ended, "stopped tracks do not end")
}

func TestOverlayFilter(t *testing.T) {
	graph, out := OverlayFilter([]int{0})
	assert.Equal(t, "", graph)
	assert.Equal(t, "[0:v]", out)

	graph, out = OverlayFilter([]int{0, 2})
	assert.Equal(t, "[2:v]scale=iw/4:-2[pip1];[0:v][pip1]overlay=W-w-16:H-(h+16)*1[out1]", graph)
	assert.Equal(t, "[out1]", out)
}

func TestInputArgs(t *testing.T) {
	in := Input{Format: "x11grab", Device: ":0", Options: []string{"-video_size", "1920x1080"}}
	assert.Equal(t, []string{"-f", "x11grab", "-video_size", "1920x1080", "-i", ":0"}, in.Args())
}
