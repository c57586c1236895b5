package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/caster"
	"github.com/castaneai/castrelay/pkg/config"
	"github.com/castaneai/castrelay/pkg/logging"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/castaneai/castrelay/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type casterConfig struct {
	Server        string        `envconfig:"CASTER_SERVER" default:"http://localhost:8080"`
	StreamKey     string        `envconfig:"STREAM_KEY" required:"true"`
	Transport     string        `envconfig:"TRANSPORT" default:"auto"`
	SignalingURL  string        `envconfig:"SIGNALING_URL"`
	Source        string        `envconfig:"SOURCE" default:"camera"`
	IgnoreCookies bool          `envconfig:"IGNORE_COOKIES" default:"false"`
	Timeslice     time.Duration `envconfig:"TIMESLICE" default:"2s"`
	Profile       string        `envconfig:"CASTER_PROFILE"`
	FFmpegPath    string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	Display       string        `envconfig:"DISPLAY" default:":0"`
	VideoDevice   string        `envconfig:"VIDEO_DEVICE" default:"/dev/video0"`
	AudioDevice   string        `envconfig:"AUDIO_DEVICE" default:"default"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"console"`
}

func main() {
	var conf casterConfig
	if err := config.Process("", &conf); err != nil {
		log.Fatalf("failed to process config: %+v", err)
	}
	logger, err := logging.New(conf.LogLevel, conf.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %+v", err)
	}
	if err := run(conf, logger); err != nil {
		logger.Fatal().Err(err).Msg("caster stopped")
	}
}

func run(conf casterConfig, logger zerolog.Logger) error {
	profile, err := config.LoadProfile(conf.Profile)
	if err != nil {
		return err
	}
	ep, err := transport.ParseEndpoint(conf.Server)
	if err != nil {
		return errors.Wrapf(err, "invalid server: %s", conf.Server)
	}
	strategy, err := transport.ParseStrategy(conf.Transport)
	if err != nil {
		return err
	}

	pcfg := packager.Config{
		Timeslice:    conf.Timeslice,
		VideoBitrate: profile.VideoBitsPerSecond,
		AudioBitrate: profile.AudioBitsPerSecond,
		FFmpegPath:   conf.FFmpegPath,
	}
	if ts := profile.Timeslice(); ts > 0 {
		pcfg.Timeslice = ts
	}
	devices := newDevices(conf, profile, logger)
	prober := &packager.FFmpegProber{Bin: conf.FFmpegPath, Logger: logger}

	c, err := caster.New(caster.Config{
		Endpoint:      ep,
		StreamKey:     conf.StreamKey,
		Strategy:      strategy,
		SignalingURL:  conf.SignalingURL,
		IgnoreCookies: conf.IgnoreCookies,
		MimeTypes:     profile.MimeTypes,
		Packager:      pcfg,
	}, devices, prober, logging.WithNamespace(logger, "caster"))
	if err != nil {
		return err
	}
	defer c.Close()
	c.OnRecordingChange(func(recording bool) {
		logger.Info().Bool("recording", recording).Msg("recording state changed")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if conf.Source == "screen" {
		if _, err := c.Selector().SelectScreen(ctx); err != nil {
			return err
		}
	}
	if err := c.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start recording")
	}

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping")
			return nil
		case <-toggle:
			if err := c.ToggleScreen(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to toggle screen sharing")
			}
		}
	}
}

func newDevices(conf casterConfig, profile *config.Profile, logger zerolog.Logger) capture.Devices {
	if conf.Source == "test" {
		return &capture.TestPatternDevices{}
	}
	d := &capture.FFmpegDevices{
		VideoDevice: conf.VideoDevice,
		AudioDevice: conf.AudioDevice,
		Display:     conf.Display,
		Logger:      logging.WithNamespace(logger, "capture"),
	}
	if profile.Devices.Video != "" {
		d.VideoDevice = profile.Devices.Video
	}
	if profile.Devices.Audio != "" {
		d.AudioDevice = profile.Devices.Audio
	}
	if profile.Devices.Display != "" {
		d.Display = profile.Devices.Display
	}
	return d
}
