package packager

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	feederFramerate = 30
	opusSampleRate  = 48000
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// SampleWriter accepts encoded media samples, e.g. a local WebRTC track.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

type Feeder interface {
	Start(ctx context.Context) error
	Stop()
	OnEnded(f func(error))
}

type FeederFactory func(source *capture.MediaSource, video, audio SampleWriter) Feeder

// FeederArgs builds the ffmpeg command line that encodes source to H.264
// Annex-B on fd 3 and Ogg/Opus on fd 4.
func FeederArgs(cfg Config, source *capture.MediaSource) []string {
	cfg = cfg.withDefaults()
	inputs, video, audio := mapArgs(source)
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, inputs...)
	if len(video) > 0 {
		args = append(args, video...)
		args = append(args,
			"-c:v", "libx264", "-preset", "veryfast", "-bf", "0", "-pix_fmt", "yuv420p",
			"-r", fmt.Sprint(feederFramerate), "-g", fmt.Sprint(2*feederFramerate),
			"-b:v", fmt.Sprint(cfg.VideoBitrate),
			"-bsf:v", "h264_mp4toannexb", "-f", "h264", "pipe:3")
	}
	if len(audio) > 0 {
		args = append(args, audio...)
		args = append(args,
			"-c:a", "libopus", "-b:a", fmt.Sprint(cfg.AudioBitrate),
			"-ar", fmt.Sprint(opusSampleRate), "-ac", "2",
			"-page_duration", "20000", "-f", "ogg", "pipe:4")
	}
	return args
}

// SampleFeeder encodes a media source with ffmpeg and writes the frames to
// video and audio sample writers.
type SampleFeeder struct {
	cfg    Config
	source *capture.MediaSource
	video  SampleWriter
	audio  SampleWriter
	logger zerolog.Logger

	mu      sync.Mutex
	proc    *ffmpeg.Process
	stopped bool
	onEnded func(error)
}

func NewSampleFeederFactory(cfg Config, logger zerolog.Logger) FeederFactory {
	return func(source *capture.MediaSource, video, audio SampleWriter) Feeder {
		return NewSampleFeeder(cfg, source, video, audio, logger)
	}
}

func NewSampleFeeder(cfg Config, source *capture.MediaSource, video, audio SampleWriter, logger zerolog.Logger) *SampleFeeder {
	return &SampleFeeder{
		cfg:    cfg.withDefaults(),
		source: source,
		video:  video,
		audio:  audio,
		logger: logger,
	}
}

func (f *SampleFeeder) OnEnded(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = cb
}

func (f *SampleFeeder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.proc != nil {
		return nil
	}
	vr, vw, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "failed to create video pipe")
	}
	ar, aw, err := os.Pipe()
	if err != nil {
		vr.Close()
		vw.Close()
		return errors.Wrap(err, "failed to create audio pipe")
	}
	proc, err := ffmpeg.Exec(ctx, f.cfg.FFmpegPath, FeederArgs(f.cfg, f.source), ffmpeg.ExecOpts{
		ExtraFiles: []*os.File{vw, aw},
	}, f.logger)
	// the child holds its own copies of the write ends
	vw.Close()
	aw.Close()
	if err != nil {
		vr.Close()
		ar.Close()
		return err
	}
	f.proc = proc

	eg := &errgroup.Group{}
	eg.Go(func() error {
		defer vr.Close()
		if len(f.source.VideoTracks()) == 0 {
			return nil
		}
		return errors.Wrap(feedH264(vr, f.video, time.Second/feederFramerate), "video")
	})
	eg.Go(func() error {
		defer ar.Close()
		if len(f.source.AudioTracks()) == 0 {
			return nil
		}
		return errors.Wrap(feedOpus(ar, f.audio), "audio")
	})
	go func() {
		err := eg.Wait()
		f.ended(err)
	}()
	return nil
}

func (f *SampleFeeder) ended(err error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	cb := f.onEnded
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (f *SampleFeeder) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.onEnded = nil
	proc := f.proc
	f.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// feedH264 groups NAL units into access units, one sample per picture.
func feedH264(r io.Reader, w SampleWriter, frameDuration time.Duration) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return err
	}
	var frame []byte
	for {
		nal, err := reader.NextNAL()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		frame = append(frame, annexBStartCode...)
		frame = append(frame, nal.Data...)
		if nal.UnitType != h264reader.NalUnitTypeCodedSliceIdr && nal.UnitType != h264reader.NalUnitTypeCodedSliceNonIdr {
			continue
		}
		if err := w.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
		frame = nil
	}
}

// feedOpus writes one sample per Ogg page; pages carry 20ms of audio.
func feedOpus(r io.Reader, w SampleWriter) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}
	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		// the comment header page has no audio
		if header.GranulePosition == 0 {
			continue
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(samples) * time.Second / opusSampleRate
		if err := w.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			return err
		}
	}
}
