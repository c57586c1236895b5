package packager

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Producer is a live byte stream of packaged media.
type Producer interface {
	Start(ctx context.Context) (io.ReadCloser, error)
	Stop() error
}

type ProducerFactory func(cfg Config, source *capture.MediaSource) (Producer, error)

// mapArgs lays the tracks of source out as ffmpeg inputs and selects at
// most one video (composited if there are several) and one audio stream.
func mapArgs(source *capture.MediaSource) (inputs []string, video []string, audio []string) {
	var videos []int
	audioIndex := -1
	for i, t := range source.Tracks {
		inputs = append(inputs, t.Input.Args()...)
		switch t.Kind {
		case capture.TrackVideo:
			videos = append(videos, i)
		case capture.TrackAudio:
			if audioIndex < 0 {
				audioIndex = i
			}
		}
	}
	graph, out := capture.OverlayFilter(videos)
	if graph != "" {
		inputs = append(inputs, "-filter_complex", graph)
		video = []string{"-map", out}
	} else if out != "" {
		video = []string{"-map", strings.Trim(out, "[]")}
	}
	if audioIndex >= 0 {
		audio = []string{"-map", fmt.Sprintf("%d:a", audioIndex)}
	}
	return inputs, video, audio
}

// ProducerArgs builds the ffmpeg command line that captures source and
// writes format-muxed media to stdout.
func ProducerArgs(cfg Config, f Format, source *capture.MediaSource) []string {
	cfg = cfg.withDefaults()
	inputs, video, audio := mapArgs(source)
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, inputs...)
	if len(video) > 0 {
		args = append(args, video...)
		args = append(args, "-c:v", f.VideoEncoder, "-b:v", fmt.Sprint(cfg.VideoBitrate))
		args = append(args, f.VideoArgs...)
	}
	if len(audio) > 0 {
		args = append(args, audio...)
		args = append(args, "-c:a", f.AudioEncoder, "-b:a", fmt.Sprint(cfg.AudioBitrate))
		args = append(args, f.AudioArgs...)
	}
	args = append(args, f.MuxerArgs...)
	return append(args, "-f", f.Muxer, "pipe:1")
}

type FFmpegProducer struct {
	bin    string
	args   []string
	logger zerolog.Logger
	proc   *ffmpeg.Process
}

func NewFFmpegProducerFactory(logger zerolog.Logger) ProducerFactory {
	return func(cfg Config, source *capture.MediaSource) (Producer, error) {
		return NewFFmpegProducer(cfg, source, logger)
	}
}

func NewFFmpegProducer(cfg Config, source *capture.MediaSource, logger zerolog.Logger) (*FFmpegProducer, error) {
	f, ok := FormatFor(cfg.MimeType)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "mimeType: %s", cfg.MimeType)
	}
	cfg = cfg.withDefaults()
	return &FFmpegProducer{
		bin:    cfg.FFmpegPath,
		args:   ProducerArgs(cfg, f, source),
		logger: logger,
	}, nil
}

func (p *FFmpegProducer) Start(ctx context.Context) (io.ReadCloser, error) {
	proc, err := ffmpeg.Exec(ctx, p.bin, p.args, ffmpeg.ExecOpts{Stdout: true}, p.logger)
	if err != nil {
		return nil, err
	}
	p.proc = proc
	return proc.Stdout(), nil
}

func (p *FFmpegProducer) Stop() error {
	if p.proc != nil {
		p.proc.Kill()
	}
	return nil
}
