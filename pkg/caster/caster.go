package caster

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/castaneai/castrelay/pkg/supervisor"
	"github.com/castaneai/castrelay/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	Endpoint      transport.Endpoint
	StreamKey     string
	Strategy      transport.Strategy
	SignalingURL  string
	IgnoreCookies bool
	// MimeTypes are tried in order; the first one the local encoder
	// supports is used.
	MimeTypes []string
	Packager  packager.Config
}

type Option func(c *Caster)

func WithProducerFactory(f packager.ProducerFactory) Option {
	return func(c *Caster) { c.producers = f }
}

func WithFeederFactory(f packager.FeederFactory) Option {
	return func(c *Caster) { c.feeders = f }
}

func WithSignaler(s transport.Signaler) Option {
	return func(c *Caster) { c.signaler = s }
}

func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(c *Caster) { c.supOpts = append(c.supOpts, opts...) }
}

// Caster records the selected media source and keeps it flowing to the
// relay, switching transports and sources as needed.
type Caster struct {
	conf     Config
	logger   zerolog.Logger
	mimeType string
	strategy transport.Strategy

	selector  *capture.Selector
	producers packager.ProducerFactory
	feeders   packager.FeederFactory
	signaler  transport.Signaler
	supOpts   []supervisor.Option
	sup       *supervisor.Supervisor

	mu sync.Mutex
}

func New(conf Config, devices capture.Devices, prober packager.Prober, logger zerolog.Logger, opts ...Option) (*Caster, error) {
	if conf.StreamKey == "" {
		return nil, errors.New("stream key is required")
	}
	if len(conf.MimeTypes) == 0 {
		conf.MimeTypes = packager.DefaultMimeTypes
	}
	c := &Caster{
		conf:     conf,
		logger:   logger,
		selector: capture.NewSelector(devices, logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.producers == nil {
		c.producers = packager.NewFFmpegProducerFactory(logger)
	}
	if c.feeders == nil {
		c.feeders = packager.NewSampleFeederFactory(conf.Packager, logger)
	}
	if c.signaler == nil {
		base := conf.SignalingURL
		if base == "" {
			base = SignalingBase(conf.Endpoint)
		}
		c.signaler = transport.NewHTTPSignaler(base)
	}

	if mt, ok := packager.SelectMimeType(prober, conf.MimeTypes); ok {
		c.mimeType = mt
	} else {
		logger.Warn().Strs("candidates", conf.MimeTypes).Msg("no supported mimeType; recording is disabled")
	}
	c.strategy = transport.ChooseStrategy(conf.Strategy, c.mimeType)
	c.sup = supervisor.New(c.newSession, supervisor.DefaultRetryPolicy, logger, c.supOpts...)
	c.selector.OnChange(func(src *capture.MediaSource) {
		if err := c.sup.Restart(src); err != nil {
			c.logger.Error().Err(err).Msg("failed to restart with the new source")
		}
	})
	logger.Info().Str("mimeType", c.mimeType).Str("transport", c.strategy.String()).Msg("caster ready")
	return c, nil
}

// SignalingBase is the offer endpoint of the relay at ep.
func SignalingBase(ep transport.Endpoint) string {
	scheme := "http"
	if ep.Secure {
		scheme = "https"
	}
	host := ep.Host
	if strings.Contains(host, ":") {
		host = "[" + strings.Trim(host, "[]") + "]"
	}
	if ep.Port != "" {
		host = net.JoinHostPort(strings.Trim(host, "[]"), ep.Port)
	}
	return scheme + "://" + host + "/webrtc/offer"
}

func (c *Caster) MimeType() string {
	return c.mimeType
}

func (c *Caster) Strategy() transport.Strategy {
	return c.strategy
}

func (c *Caster) Supported() bool {
	return c.mimeType != ""
}

func (c *Caster) Selector() *capture.Selector {
	return c.selector
}

func (c *Caster) Recording() bool {
	return c.sup.State().Recording
}

func (c *Caster) OnRecordingChange(f func(bool)) {
	c.sup.OnRecordingChange(f)
}

// Start records the current source, opening the camera when nothing is
// selected yet.
func (c *Caster) Start(ctx context.Context) error {
	if !c.Supported() {
		return packager.ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.selector.Current()
	if src == nil {
		var err error
		if src, err = c.selector.SelectCamera(ctx); err != nil {
			return err
		}
	}
	return c.sup.Start(ctx, src, c.strategy)
}

func (c *Caster) Stop() {
	c.sup.Stop()
}

// ToggleScreen switches between screen sharing and the camera.
func (c *Caster) ToggleScreen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.selector.Current()
	if cur != nil && cur.HasScreen() {
		_, err := c.selector.SelectCamera(ctx)
		return err
	}
	_, err := c.selector.SelectScreen(ctx)
	return err
}

// Close stops recording and releases the devices.
func (c *Caster) Close() {
	c.Stop()
	c.selector.Close()
}

func (c *Caster) newSession(id string, strategy transport.Strategy, source *capture.MediaSource) (transport.Session, error) {
	logger := c.logger.With().Str("source", source.ID).Logger()
	switch strategy {
	case transport.StrategySocket:
		cfg := c.conf.Packager
		cfg.MimeType = c.mimeType
		return transport.NewSocketSession(id, transport.SocketConfig{
			URL:      transport.IngestURL(c.conf.Endpoint, c.conf.StreamKey, c.mimeType, c.conf.IgnoreCookies),
			Packager: packager.New(cfg, c.producers, logger),
			Source:   source,
		}, logger), nil
	case transport.StrategyPeer:
		return transport.NewPeerSession(id, transport.PeerConfig{
			StreamKey: c.conf.StreamKey,
			Signaler:  c.signaler,
			Feeder:    c.feeders,
			Source:    source,
		}, logger), nil
	}
	return nil, errors.Errorf("unsupported transport: %s", strategy)
}
