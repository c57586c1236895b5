package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type UserMediaOptions struct {
	Video bool
	Audio bool
}

type DisplayMediaOptions struct {
	Audio bool
}

// Devices grants access to capture devices.
type Devices interface {
	GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaSource, error)
	GetDisplayMedia(ctx context.Context, opts DisplayMediaOptions) (*MediaSource, error)
}

const (
	defaultFramerate    = 30
	displayPollInterval = 500 * time.Millisecond
)

// FFmpegDevices opens Linux capture devices through ffmpeg: v4l2 cameras,
// PulseAudio (or ALSA) microphones and X11 displays.
type FFmpegDevices struct {
	VideoDevice string
	AudioFormat string
	AudioDevice string
	Display     string
	Framerate   int
	Logger      zerolog.Logger
}

func (d *FFmpegDevices) framerate() string {
	if d.Framerate <= 0 {
		return fmt.Sprint(defaultFramerate)
	}
	return fmt.Sprint(d.Framerate)
}

func (d *FFmpegDevices) audioTrack() *Track {
	format, device := d.AudioFormat, d.AudioDevice
	if format == "" {
		format = "pulse"
	}
	if device == "" {
		device = "default"
	}
	return NewTrack(TrackAudio, "microphone", Input{Format: format, Device: device})
}

func (d *FFmpegDevices) GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaSource, error) {
	var tracks []*Track
	if opts.Video {
		dev := d.VideoDevice
		if dev == "" {
			dev = "/dev/video0"
		}
		if err := checkDevice(dev); err != nil {
			return nil, err
		}
		tracks = append(tracks, NewTrack(TrackVideo, "camera", Input{
			Format:  "v4l2",
			Device:  dev,
			Options: []string{"-framerate", d.framerate()},
		}))
	}
	if opts.Audio {
		tracks = append(tracks, d.audioTrack())
	}
	if len(tracks) == 0 {
		return nil, errors.New("neither video nor audio requested")
	}
	return NewMediaSource(KindCamera, tracks...), nil
}

func checkDevice(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return errors.Wrap(ErrDeviceNotFound, path)
	}
	if os.IsPermission(err) {
		return errors.Wrap(ErrPermissionDenied, path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	return f.Close()
}

func (d *FFmpegDevices) GetDisplayMedia(ctx context.Context, opts DisplayMediaOptions) (*MediaSource, error) {
	display := d.Display
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return nil, errors.Wrap(ErrDeviceNotFound, "DISPLAY is not set")
	}
	xu, err := xgbutil.NewConnDisplay(display)
	if err != nil {
		return nil, errors.Wrapf(ErrPermissionDenied, "failed to connect to X display %s: %v", display, err)
	}
	screen := xu.Screen()
	track := NewTrack(TrackVideo, "screen:"+display, Input{
		Format: "x11grab",
		Device: display,
		Options: []string{
			"-video_size", fmt.Sprintf("%dx%d", screen.WidthInPixels, screen.HeightInPixels),
			"-framerate", d.framerate(),
		},
	})
	d.watchDisplay(xu, track)
	tracks := []*Track{track}
	if opts.Audio {
		tracks = append(tracks, d.audioTrack())
	}
	return NewMediaSource(KindScreen, tracks...), nil
}

// watchDisplay ends the screen track when the X server goes away.
func (d *FFmpegDevices) watchDisplay(xu *xgbutil.XUtil, track *Track) {
	stop := make(chan struct{})
	var once sync.Once
	track.OnStop(func() {
		once.Do(func() { close(stop) })
	})
	go func() {
		defer xu.Conn().Close()
		ticker := time.NewTicker(displayPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := xproto.GetInputFocus(xu.Conn()).Reply(); err != nil {
					d.Logger.Info().Err(err).Str("track", track.Label).Msg("display is gone; ending screen track")
					track.End()
					return
				}
			}
		}
	}()
}

// TestPatternDevices produces synthetic media through ffmpeg's lavfi
// sources. Useful without real hardware.
type TestPatternDevices struct {
	DenyCamera bool
	DenyScreen bool
	Size       string

	mu      sync.Mutex
	screens []*Track
}

func (d *TestPatternDevices) size() string {
	if d.Size == "" {
		return "1280x720"
	}
	return d.Size
}

func (d *TestPatternDevices) GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaSource, error) {
	if d.DenyCamera {
		return nil, ErrPermissionDenied
	}
	var tracks []*Track
	if opts.Video {
		tracks = append(tracks, NewTrack(TrackVideo, "testsrc", Input{
			Format:  "lavfi",
			Device:  fmt.Sprintf("testsrc2=size=%s:rate=%d", d.size(), defaultFramerate),
			Options: []string{"-re"},
		}))
	}
	if opts.Audio {
		tracks = append(tracks, NewTrack(TrackAudio, "sine", Input{
			Format:  "lavfi",
			Device:  "sine=frequency=440:sample_rate=48000",
			Options: []string{"-re"},
		}))
	}
	if len(tracks) == 0 {
		return nil, errors.New("neither video nor audio requested")
	}
	return NewMediaSource(KindCamera, tracks...), nil
}

func (d *TestPatternDevices) GetDisplayMedia(ctx context.Context, opts DisplayMediaOptions) (*MediaSource, error) {
	if d.DenyScreen {
		return nil, ErrPermissionDenied
	}
	track := NewTrack(TrackVideo, "smptebars", Input{
		Format:  "lavfi",
		Device:  fmt.Sprintf("smptebars=size=%s:rate=%d", d.size(), defaultFramerate),
		Options: []string{"-re"},
	})
	d.mu.Lock()
	d.screens = append(d.screens, track)
	d.mu.Unlock()
	return NewMediaSource(KindScreen, track), nil
}

// EndScreen ends the most recent screen track, like the user pressing
// "stop sharing".
func (d *TestPatternDevices) EndScreen() {
	d.mu.Lock()
	if len(d.screens) == 0 {
		d.mu.Unlock()
		return
	}
	t := d.screens[len(d.screens)-1]
	d.mu.Unlock()
	t.End()
}
