package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"
)

const (
	sendQueueSize    = 64
	writeTimeout     = 10 * time.Second
	closeGracePeriod = 2 * time.Second
)

type SocketConfig struct {
	URL      string
	Header   http.Header
	Dialer   *websocket.Dialer
	Packager *packager.Packager
	Source   *capture.MediaSource
}

// SocketSession streams packaged chunks to the relay as binary websocket
// messages.
type SocketSession struct {
	id        string
	createdAt time.Time
	conf      SocketConfig
	logger    zerolog.Logger

	callbackMu sync.Mutex
	cb         callbacks

	connMu     sync.Mutex
	conn       *websocket.Conn
	started    *abool.AtomicBool
	stopped    *abool.AtomicBool
	terminated *abool.AtomicBool
	connected  *abool.AtomicBool
	sendQ      chan []byte
	done       chan struct{}
	doneOnce   sync.Once
}

func NewSocketSession(id string, conf SocketConfig, logger zerolog.Logger) *SocketSession {
	if id == "" {
		id = uuid.Must(uuid.NewRandom()).String()
	}
	if conf.Dialer == nil {
		conf.Dialer = websocket.DefaultDialer
	}
	return &SocketSession{
		id:         id,
		createdAt:  time.Now(),
		conf:       conf,
		logger:     logger.With().Str("session", id).Str("transport", "socket").Logger(),
		started:    abool.New(),
		stopped:    abool.New(),
		terminated: abool.New(),
		connected:  abool.New(),
		sendQ:      make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}
}

func (s *SocketSession) session() {}

func (s *SocketSession) ID() string { return s.id }

func (s *SocketSession) Strategy() Strategy { return StrategySocket }

func (s *SocketSession) CreatedAt() time.Time { return s.createdAt }

func (s *SocketSession) OnConnected(f func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.cb.onConnected = f
}

func (s *SocketSession) OnTerminated(f func(Termination)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.cb.onTerminated = f
}

func (s *SocketSession) Connected() bool {
	return s.connected.IsSet()
}

func (s *SocketSession) Start(ctx context.Context) error {
	if s.conf.Packager == nil {
		return errors.New("socket session needs a packager")
	}
	if s.stopped.IsSet() || !s.started.SetToIf(false, true) {
		return nil
	}
	go s.run(ctx)
	return nil
}

func (s *SocketSession) run(ctx context.Context) {
	s.logger.Info().Str("url", s.conf.URL).Msg("connecting")
	conn, _, err := s.conf.Dialer.DialContext(ctx, s.conf.URL, s.conf.Header)
	if err != nil {
		// a websocket that never opened reports an abnormal closure
		s.terminate(Termination{Code: CloseAbnormal, Err: errors.Wrap(err, "failed to dial relay")})
		return
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()
	if s.stopped.IsSet() {
		s.sendClose(conn)
		return
	}

	s.connected.Set()
	s.logger.Info().Msg("socket open")
	go s.writeLoop(conn)

	pkg := s.conf.Packager
	pkg.OnChunk(func(c packager.Chunk) {
		s.enqueue(c.Data)
	})
	pkg.OnEnded(func(err error) {
		s.logger.Warn().AnErr("cause", err).Msg("packaging ended; closing socket")
		s.sendClose(conn)
	})
	if err := pkg.Start(ctx, s.conf.Source); err != nil {
		s.logger.Error().Err(err).Msg("failed to start packaging")
		s.sendClose(conn)
	}

	s.callbackMu.Lock()
	onConnected := s.cb.onConnected
	s.callbackMu.Unlock()
	if onConnected != nil && s.stopped.IsNotSet() {
		onConnected()
	}

	s.readLoop(conn)
}

func (s *SocketSession) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.terminate(terminationFromReadError(err))
			return
		}
		if mt == websocket.TextMessage {
			s.logger.Info().Str("message", string(data)).Msg("message from relay")
		}
	}
}

func terminationFromReadError(err error) Termination {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Termination{Code: ce.Code, Reason: ce.Text}
	}
	return Termination{Code: CloseAbnormal, Err: err}
}

// enqueue is fire-and-forget; chunks are written in order by writeLoop.
func (s *SocketSession) enqueue(b []byte) {
	if s.stopped.IsSet() {
		return
	}
	select {
	case s.sendQ <- b:
	case <-s.done:
	}
}

func (s *SocketSession) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.sendQ:
			if s.stopped.IsSet() {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to set write deadline")
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send chunk; dropping connection")
				conn.Close()
				return
			}
		}
	}
}

func (s *SocketSession) sendClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(CloseNormal, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil && err != websocket.ErrCloseSent {
		s.logger.Debug().Err(err).Msg("failed to send close")
	}
	// the relay echoes the close frame; do not wait forever for it
	time.AfterFunc(closeGracePeriod, func() { conn.Close() })
}

func (s *SocketSession) finish() {
	s.doneOnce.Do(func() { close(s.done) })
	if s.conf.Packager != nil {
		s.conf.Packager.Stop()
	}
}

func (s *SocketSession) terminate(t Termination) {
	s.finish()
	if !s.terminated.SetToIf(false, true) {
		return
	}
	s.connected.UnSet()
	s.callbackMu.Lock()
	onTerminated := s.cb.onTerminated
	s.callbackMu.Unlock()
	s.logger.Info().Str("termination", t.String()).Msg("socket closed")
	if onTerminated != nil && s.stopped.IsNotSet() {
		onTerminated(t)
	}
}

func (s *SocketSession) Stop() {
	if !s.stopped.SetToIf(false, true) {
		return
	}
	s.callbackMu.Lock()
	s.cb = callbacks{}
	s.callbackMu.Unlock()
	s.finish()
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		s.sendClose(conn)
	}
	s.logger.Info().Msg("session stopped")
}
