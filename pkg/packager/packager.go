package packager

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeslice    = 2 * time.Second
	DefaultVideoBitrate = 3 * 1024 * 1024
	DefaultAudioBitrate = 128 * 1000
	readBufferSize      = 32 * 1024
)

type Config struct {
	MimeType     string
	Timeslice    time.Duration
	VideoBitrate int
	AudioBitrate int
	FFmpegPath   string
}

func (c Config) withDefaults() Config {
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.VideoBitrate <= 0 {
		c.VideoBitrate = DefaultVideoBitrate
	}
	if c.AudioBitrate <= 0 {
		c.AudioBitrate = DefaultAudioBitrate
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return c
}

// Chunk is the media produced during one timeslice.
type Chunk struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Packager turns a media source into timesliced chunks of one container
// format. A Packager runs at most once; make a new one per session.
type Packager struct {
	cfg     Config
	factory ProducerFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	onChunk  func(Chunk)
	onEnded  func(error)
	producer Producer
	started  bool
	stopped  bool
	seq      uint64
	done     chan struct{}

	bufMu sync.Mutex
	buf   bytes.Buffer
}

func New(cfg Config, factory ProducerFactory, logger zerolog.Logger) *Packager {
	return &Packager{
		cfg:     cfg.withDefaults(),
		factory: factory,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (p *Packager) MimeType() string {
	return p.cfg.MimeType
}

func (p *Packager) Supported() bool {
	return p.cfg.MimeType != ""
}

// OnChunk sets the chunk callback. Chunks are delivered in order from a
// single goroutine.
func (p *Packager) OnChunk(f func(Chunk)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChunk = f
}

// OnEnded is called when the producer stops on its own, with nil on a
// clean end of stream.
func (p *Packager) OnEnded(f func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnded = f
}

// Start begins packaging source. Without a negotiated mimeType it does
// nothing. Calling it again is a no-op.
func (p *Packager) Start(ctx context.Context, source *capture.MediaSource) error {
	if !p.Supported() {
		p.logger.Debug().Msg("no supported mimeType; not packaging")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return nil
	}
	producer, err := p.factory(p.cfg, source)
	if err != nil {
		return errors.Wrap(err, "failed to create producer")
	}
	rc, err := producer.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start producer")
	}
	p.producer = producer
	p.started = true
	readDone := make(chan error, 1)
	go p.read(rc, readDone)
	go p.flushLoop(readDone)
	p.logger.Info().Str("mimeType", p.cfg.MimeType).Dur("timeslice", p.cfg.Timeslice).Msg("packaging started")
	return nil
}

func (p *Packager) read(rc io.ReadCloser, readDone chan<- error) {
	defer rc.Close()
	buf := make([]byte, readBufferSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			p.bufMu.Lock()
			p.buf.Write(buf[:n])
			p.bufMu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			readDone <- err
			return
		}
	}
}

func (p *Packager) flushLoop(readDone <-chan error) {
	ticker := time.NewTicker(p.cfg.Timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case err := <-readDone:
			p.flush()
			p.ended(err)
			return
		case <-p.done:
			return
		}
	}
}

func (p *Packager) flush() {
	p.bufMu.Lock()
	if p.buf.Len() == 0 {
		p.bufMu.Unlock()
		return
	}
	data := make([]byte, p.buf.Len())
	copy(data, p.buf.Bytes())
	p.buf.Reset()
	p.bufMu.Unlock()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.seq++
	chunk := Chunk{Seq: p.seq, Data: data, At: time.Now()}
	cb := p.onChunk
	p.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

func (p *Packager) ended(err error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	cb := p.onEnded
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn().Err(err).Msg("producer failed")
	} else {
		p.logger.Info().Msg("producer ended")
	}
	if cb != nil {
		cb(err)
	}
}

// Stop detaches the callbacks, then stops the producer. Nothing is
// delivered after Stop returns except a chunk whose callback was already
// running. Safe to call many times.
func (p *Packager) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.onChunk = nil
	p.onEnded = nil
	producer := p.producer
	close(p.done)
	p.mu.Unlock()

	if producer != nil {
		if err := producer.Stop(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to stop producer")
		}
	}
	p.logger.Info().Msg("packaging stopped")
}
