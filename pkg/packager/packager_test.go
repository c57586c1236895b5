package packager

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeProducer struct {
	r       *io.PipeReader
	w       *io.PipeWriter
	stopped chan struct{}
}

func newPipeProducer() *pipeProducer {
	r, w := io.Pipe()
	return &pipeProducer{r: r, w: w, stopped: make(chan struct{})}
}

func (p *pipeProducer) Start(ctx context.Context) (io.ReadCloser, error) {
	return p.r, nil
}

func (p *pipeProducer) Stop() error {
	close(p.stopped)
	return p.w.Close()
}

func testSource() *capture.MediaSource {
	return capture.NewMediaSource(capture.KindCamera,
		capture.NewTrack(capture.TrackVideo, "v", capture.Input{Format: "lavfi", Device: "testsrc2"}),
		capture.NewTrack(capture.TrackAudio, "a", capture.Input{Format: "lavfi", Device: "sine"}),
	)
}

func newTestPackager(t *testing.T, mimeType string) (*Packager, *pipeProducer) {
	prod := newPipeProducer()
	p := New(Config{MimeType: mimeType, Timeslice: 20 * time.Millisecond}, func(cfg Config, source *capture.MediaSource) (Producer, error) {
		return prod, nil
	}, zerolog.Nop())
	return p, prod
}

func TestPackagerEmitsChunksInOrder(t *testing.T) {
	p, prod := newTestPackager(t, "video/webm")
	chunks := make(chan Chunk, 16)
	p.OnChunk(func(c Chunk) { chunks <- c })
	require.NoError(t, p.Start(context.Background(), testSource()))

	_, err := prod.w.Write([]byte("first"))
	require.NoError(t, err)
	c1 := <-chunks
	_, err = prod.w.Write([]byte("second"))
	require.NoError(t, err)
	c2 := <-chunks

	assert.Equal(t, "first", string(c1.Data))
	assert.Equal(t, "second", string(c2.Data))
	assert.Equal(t, uint64(1), c1.Seq)
	assert.Equal(t, uint64(2), c2.Seq)
	p.Stop()
}

func TestPackagerNoChunkAfterStop(t *testing.T) {
	p, prod := newTestPackager(t, "video/webm")
	chunks := make(chan Chunk, 16)
	p.OnChunk(func(c Chunk) { chunks <- c })
	var endedCalled bool
	p.OnEnded(func(err error) { endedCalled = true })
	require.NoError(t, p.Start(context.Background(), testSource()))

	p.Stop()
	p.Stop()
	<-prod.stopped
	// writes after stop fail on the closed pipe and nothing is delivered
	_, _ = prod.w.Write([]byte("late"))
	select {
	case c := <-chunks:
		t.Fatalf("unexpected chunk after stop: %q", c.Data)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, endedCalled)
}

func TestPackagerEndedByProducer(t *testing.T) {
	p, prod := newTestPackager(t, "video/webm")
	var got bytes.Buffer
	ended := make(chan error, 1)
	p.OnChunk(func(c Chunk) { got.Write(c.Data) })
	p.OnEnded(func(err error) { ended <- err })
	require.NoError(t, p.Start(context.Background(), testSource()))

	_, err := prod.w.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, prod.w.Close())

	assert.NoError(t, <-ended)
	assert.Equal(t, "tail", got.String(), "remaining bytes are flushed before ending")
}

func TestPackagerWithoutMimeTypeIsNoop(t *testing.T) {
	called := false
	p := New(Config{}, func(cfg Config, source *capture.MediaSource) (Producer, error) {
		called = true
		return newPipeProducer(), nil
	}, zerolog.Nop())
	assert.False(t, p.Supported())
	assert.NoError(t, p.Start(context.Background(), testSource()))
	assert.False(t, called)
	p.Stop()
}

func TestPackagerStartTwice(t *testing.T) {
	count := 0
	prod := newPipeProducer()
	p := New(Config{MimeType: "video/mp4"}, func(cfg Config, source *capture.MediaSource) (Producer, error) {
		count++
		return prod, nil
	}, zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), testSource()))
	require.NoError(t, p.Start(context.Background(), testSource()))
	assert.Equal(t, 1, count)
	p.Stop()
	require.NoError(t, p.Start(context.Background(), testSource()))
	assert.Equal(t, 1, count)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.Timeslice)
	assert.Equal(t, 3*1024*1024, cfg.VideoBitrate)
	assert.Equal(t, 128000, cfg.AudioBitrate)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
}
