package relay

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/metrics"
	"github.com/castaneai/castrelay/pkg/streams"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	IngestPath     = "/ingest/ws"
	OfferPath      = "/webrtc/offer"
	closeWriteWait = 5 * time.Second
	shutdownReason = "relay is shutting down"
)

var ErrNoResolver = errors.New("stream key given but no resolver is configured")

type Config struct {
	FFmpegPath string
	Resolver   streams.Resolver
	Metrics    *metrics.Metrics
	// WebRTC is used for peer connections accepted on OfferPath.
	WebRTC webrtc.Configuration
}

// Server accepts media from casters and pipes it into one ffmpeg per
// connection which publishes to the resolved RTMP origin.
type Server struct {
	conf     Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	webrtc   *WebRTCHandler

	// ctx outlives requests; hijacked connections and their processes
	// follow it instead of the request context.
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func NewServer(conf Config, logger zerolog.Logger) (*Server, error) {
	if conf.FFmpegPath == "" {
		conf.FFmpegPath = "ffmpeg"
	}
	s := &Server{
		conf:   conf,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  10 * 1024, // enough for 9k jumbo frames
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	wh, err := newWebRTCHandler(s)
	if err != nil {
		return nil, err
	}
	s.webrtc = wh
	return s, nil
}

// Routes mounts the ingest endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get(IngestPath+"/*", s.serveIngest)
	r.Get(IngestPath, s.serveIngest)
	r.Handle(OfferPath, s.webrtc)
	r.NotFound(s.notFound)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

// notFound rejects websockets on any other path with a close frame so the
// client learns the right path.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	s.conf.Metrics.Rejected("path")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", r.URL.String()).Msg("failed to upgrade websocket")
		return
	}
	defer ws.Close()
	s.logger.Warn().Str("url", r.URL.String()).Msg("websocket on unknown path")
	closeWebSocket(ws, websocket.CloseProtocolError, "websocket path is "+IngestPath+"/:streamKey")
}

// resolveOutput turns a stream key into the ffmpeg output URL. Keys that
// already are URLs are used verbatim.
func (s *Server) resolveOutput(ctx context.Context, streamKey string) (string, error) {
	if strings.Index(streamKey, "://") > 0 {
		return streamKey, nil
	}
	if s.conf.Resolver == nil {
		return "", ErrNoResolver
	}
	return s.conf.Resolver.Resolve(ctx, streamKey)
}

// Shutdown closes every ingest connection, kills their processes and waits
// for them to finish or for ctx to expire. http.Server.Shutdown does not
// reach hijacked connections, so call this alongside it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a live connection; it fails once Shutdown began.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

func closeWebSocket(ws *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}
