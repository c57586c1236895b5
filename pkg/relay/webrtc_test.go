package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/castaneai/castrelay/pkg/internal/webrtcutil"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/castaneai/castrelay/pkg/testutils"
	"github.com/castaneai/castrelay/pkg/transport"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleLoop struct {
	video, audio packager.SampleWriter
	stop         chan struct{}
	once         sync.Once
}

func (l *sampleLoop) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
		opus := []byte{0xfc, 0xff, 0xfe}
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				_ = l.video.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
				_ = l.audio.WriteSample(media.Sample{Data: opus, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return nil
}

func (l *sampleLoop) Stop()                 { l.once.Do(func() { close(l.stop) }) }
func (l *sampleLoop) OnEnded(f func(error)) {}

func TestWebRTCIngestStartsFFmpegWithTrackPipes(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	argsFile := out + ".args"
	body := `echo "$@" > "` + argsFile + `"; cat <&3 > /dev/null & cat <&4 > /dev/null & wait`
	srv, err := NewServer(Config{
		FFmpegPath: testutils.FakeFFmpeg(t, dir, body),
		Resolver:   mapResolver{"abc": out},
		WebRTC:     webrtc.Configuration{ICEServers: []webrtc.ICEServer{}},
	}, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sess := transport.NewPeerSession("peer", transport.PeerConfig{
		StreamKey: "abc",
		Signaler:  transport.NewHTTPSignaler(ts.URL + OfferPath),
		WebRTC:    webrtc.Configuration{ICEServers: []webrtc.ICEServer{}},
		Feeder: func(source *capture.MediaSource, video, audio packager.SampleWriter) packager.Feeder {
			return &sampleLoop{video: video, audio: audio, stop: make(chan struct{})}
		},
	}, zerolog.Nop())
	connected := make(chan struct{})
	sess.OnConnected(func() { close(connected) })
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for the relay to connect")
	}

	var args string
	assert.Eventually(t, func() bool {
		b, err := readFile(argsFile)
		args = strings.TrimSpace(b)
		return err == nil && args != ""
	}, 15*time.Second, 50*time.Millisecond)
	assert.Contains(t, args, "-nostdin")
	assert.Contains(t, args, "-f h264 -i pipe:")
	assert.Contains(t, args, "-f ogg -i pipe:")
	assert.Contains(t, args, "-vcodec copy")
	assert.True(t, strings.HasSuffix(args, out))
}

func TestWebRTCHandlerRejections(t *testing.T) {
	srv, err := NewServer(Config{Resolver: mapResolver{}}, zerolog.Nop())
	require.NoError(t, err)
	h := srv.Handler()

	do := func(method, target, contentType, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodOptions, OfferPath, "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodGet, OfferPath, "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, OfferPath+"?streamKey=abc", "application/xml", "<offer/>").Code)

	offer := `{"type":"offer","sdp":"v=0\r\n"}`
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, OfferPath, "application/json", offer).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, OfferPath+"?streamKey=nope", "application/json", offer).Code)
	assert.Equal(t, http.StatusInternalServerError, do(http.MethodPost, OfferPath+"?streamKey=broken", "application/json", offer).Code)
}

func TestReadOfferBase64(t *testing.T) {
	encoded, err := webrtcutil.EncodeSDP(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, OfferPath, bytes.NewBufferString(encoded))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	offer, err := readOffer(req)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
}

func TestExpectedTracks(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
		require.NoError(t, err)
	}
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	n, err := expectedTracks(offer)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = expectedTracks(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"})
	assert.Error(t, err)
}

func newTestPeerIngest(t *testing.T, ffmpegPath string, expected int) (*Server, *peerIngest) {
	t.Helper()
	srv, err := NewServer(Config{FFmpegPath: ffmpegPath}, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, srv.track())
	pi := &peerIngest{
		h:        srv.webrtc,
		logger:   zerolog.Nop(),
		opts:     ffmpeg.Opts{Output: filepath.Join(t.TempDir(), "out")},
		expected: expected,
		done:     make(chan struct{}),
	}
	pi.ctx, pi.cancel = context.WithCancel(srv.ctx)
	return srv, pi
}

func newTrackPipe(t *testing.T) (trackInput, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return trackInput{input: ffmpeg.Input{Format: "h264"}, file: r, video: true}, w
}

func TestPeerIngestHandsPipesOverOnce(t *testing.T) {
	srv, pi := newTestPeerIngest(t, filepath.Join(t.TempDir(), "missing-ffmpeg"), 1)
	in, _ := newTrackPipe(t)

	assert.False(t, pi.addTrack(in))
	// the failed start already closed the read end and nothing is left pending
	assert.ErrorIs(t, in.file.Close(), os.ErrClosed)
	assert.Empty(t, pi.inputs)
	<-pi.done
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestPeerIngestRejectsUnexpectedTracks(t *testing.T) {
	dir := t.TempDir()
	_, pi := newTestPeerIngest(t, testutils.FakeFFmpeg(t, dir, `exec cat <&3 > /dev/null`), 1)
	first, _ := newTrackPipe(t)
	extra, _ := newTrackPipe(t)

	require.True(t, pi.addTrack(first))
	assert.False(t, pi.addTrack(extra))
	assert.ErrorIs(t, extra.file.Close(), os.ErrClosed)
	pi.teardown()
	<-pi.done
}

func TestPeerIngestTeardownUnblocksPendingWriters(t *testing.T) {
	_, pi := newTestPeerIngest(t, "ffmpeg", 2)
	in, w := newTrackPipe(t)
	require.True(t, pi.addTrack(in))

	// nobody reads the pipe until every track arrived, so this write blocks
	writeErr := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 1024*1024))
		writeErr <- err
	}()
	pi.teardown()
	select {
	case err := <-writeErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("track writer stayed blocked after teardown")
	}
}

func TestWebRTCHandlerRejectsAfterShutdown(t *testing.T) {
	srv, err := NewServer(Config{Resolver: mapResolver{"abc": "rtmp://origin/live/abc"}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	offer, err := webrtcutil.EncodeSDP(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, OfferPath+"?streamKey=abc", strings.NewReader(offer))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
