package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeProducer struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeProducer() *pipeProducer {
	r, w := io.Pipe()
	return &pipeProducer{r: r, w: w}
}

func (p *pipeProducer) Start(ctx context.Context) (io.ReadCloser, error) {
	return p.r, nil
}

func (p *pipeProducer) Stop() error {
	return p.w.Close()
}

func testSource() *capture.MediaSource {
	return capture.NewMediaSource(capture.KindCamera,
		capture.NewTrack(capture.TrackVideo, "v", capture.Input{Format: "lavfi", Device: "testsrc2"}),
	)
}

func newTestPackager(prod *pipeProducer) *packager.Packager {
	return packager.New(packager.Config{MimeType: "video/webm;codecs=h264", Timeslice: 10 * time.Millisecond},
		func(cfg packager.Config, source *capture.MediaSource) (packager.Producer, error) {
			return prod, nil
		}, zerolog.Nop())
}

type relayStub struct {
	server   *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn
}

func newRelayStub(t *testing.T) *relayStub {
	rs := &relayStub{received: make(chan []byte, 16), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				rs.received <- data
			}
		}
	}))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *relayStub) url() string {
	return "ws" + strings.TrimPrefix(rs.server.URL, "http") + "/ingest/ws/test"
}

func TestSocketSessionSendsChunks(t *testing.T) {
	rs := newRelayStub(t)
	prod := newPipeProducer()
	sess := NewSocketSession("s1", SocketConfig{URL: rs.url(), Packager: newTestPackager(prod), Source: testSource()}, zerolog.Nop())
	connected := make(chan struct{})
	sess.OnConnected(func() { close(connected) })
	require.NoError(t, sess.Start(context.Background()))

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	assert.True(t, sess.Connected())
	assert.Equal(t, StrategySocket, sess.Strategy())

	_, err := prod.w.Write([]byte("chunk-1"))
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", string(<-rs.received))
	_, err = prod.w.Write([]byte("chunk-2"))
	require.NoError(t, err)
	assert.Equal(t, "chunk-2", string(<-rs.received))

	sess.Stop()
	sess.Stop()
}

func TestSocketSessionReportsCloseCode(t *testing.T) {
	rs := newRelayStub(t)
	sess := NewSocketSession("s2", SocketConfig{URL: rs.url(), Packager: newTestPackager(newPipeProducer()), Source: testSource()}, zerolog.Nop())
	terminated := make(chan Termination, 1)
	sess.OnTerminated(func(t Termination) { terminated <- t })
	require.NoError(t, sess.Start(context.Background()))

	conn := <-rs.conns
	msg := websocket.FormatCloseMessage(CloseInternalError, "ffmpeg exited with code 1")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case term := <-terminated:
		assert.Equal(t, CloseInternalError, term.Code)
		assert.Equal(t, "ffmpeg exited with code 1", term.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
	assert.False(t, sess.Connected())
	sess.Stop()
}

func TestSocketSessionDialFailureIsAbnormal(t *testing.T) {
	rs := newRelayStub(t)
	u := rs.url()
	rs.server.Close()

	sess := NewSocketSession("", SocketConfig{URL: u, Packager: newTestPackager(newPipeProducer()), Source: testSource()}, zerolog.Nop())
	assert.NotEmpty(t, sess.ID())
	terminated := make(chan Termination, 1)
	sess.OnTerminated(func(t Termination) { terminated <- t })
	require.NoError(t, sess.Start(context.Background()))

	select {
	case term := <-terminated:
		assert.Equal(t, CloseAbnormal, term.Code)
		assert.Error(t, term.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
}

func TestSocketSessionStopSuppressesCallbacks(t *testing.T) {
	rs := newRelayStub(t)
	sess := NewSocketSession("s3", SocketConfig{URL: rs.url(), Packager: newTestPackager(newPipeProducer()), Source: testSource()}, zerolog.Nop())
	terminated := make(chan Termination, 1)
	sess.OnTerminated(func(t Termination) { terminated <- t })
	require.NoError(t, sess.Start(context.Background()))
	conn := <-rs.conns

	sess.Stop()
	conn.Close()
	select {
	case term := <-terminated:
		t.Fatalf("unexpected termination after stop: %s", term)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSocketSessionRequiresPackager(t *testing.T) {
	sess := NewSocketSession("s4", SocketConfig{URL: "ws://127.0.0.1:1/"}, zerolog.Nop())
	assert.Error(t, sess.Start(context.Background()))
}
