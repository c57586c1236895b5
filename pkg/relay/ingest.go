package relay

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/castaneai/castrelay/pkg/logging"
	"github.com/castaneai/castrelay/pkg/streams"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateAccepted connState = iota
	stateWaitingForData
	stateStreaming
	stateClosedByClient
	stateClosedByProcess
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "Accepted"
	case stateWaitingForData:
		return "WaitingForData"
	case stateStreaming:
		return "Streaming"
	case stateClosedByClient:
		return "ClosedByClient"
	case stateClosedByProcess:
		return "ClosedByProcess"
	}
	return "Unknown"
}

func (s connState) closed() bool {
	return s == stateClosedByClient || s == stateClosedByProcess
}

// streamKeyFromPath returns the path-unescaped key after the ingest prefix.
func streamKeyFromPath(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), IngestPath)
	raw = strings.TrimPrefix(raw, "/")
	return url.PathUnescape(raw)
}

// logNamespace prefers the browser's stream id so every reconnect of the
// same stream shares one namespace.
func logNamespace(r *http.Request, streamKey string) string {
	if r.URL.Query().Get("ignoreCookies") != "true" {
		if c, err := r.Cookie(streams.StreamIDCookie); err == nil && c.Value != "" {
			return "stream-" + c.Value
		}
	}
	return "streamKey-" + streamKey
}

func (s *Server) serveIngest(w http.ResponseWriter, r *http.Request) {
	streamKey, err := streamKeyFromPath(r)
	if err != nil {
		streamKey = ""
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", r.URL.String()).Msg("failed to upgrade websocket")
		return
	}
	defer ws.Close()
	if !s.track() {
		closeWebSocket(ws, websocket.CloseInternalServerErr, shutdownReason)
		return
	}
	defer s.conns.Done()

	if streamKey == "" {
		s.conf.Metrics.Rejected("missing_key")
		s.logger.Warn().Str("url", r.URL.String()).Msg("websocket without stream key")
		closeWebSocket(ws, websocket.CloseProtocolError, "must send streamKey on path")
		return
	}

	ns := logNamespace(r, streamKey)
	logger := logging.WithNamespace(s.logger, ns)
	output, err := s.resolveOutput(r.Context(), streamKey)
	if err != nil {
		if errors.Cause(err) == streams.ErrStreamNotFound {
			s.conf.Metrics.Rejected("unknown_key")
			logger.Warn().Msg("unknown stream key")
			closeWebSocket(ws, websocket.CloseProtocolError, "unknown stream key")
			return
		}
		s.conf.Metrics.Rejected("resolve")
		logger.Error().Err(err).Msg("failed to resolve stream output")
		closeWebSocket(ws, websocket.CloseInternalServerErr, "failed to resolve stream")
		return
	}

	c := &ingestConn{
		srv:    s,
		ws:     ws,
		logger: logger,
		opts: ffmpeg.Opts{
			LogNs:    ns,
			MimeType: r.URL.Query().Get("mimeType"),
			Output:   output,
		},
	}
	c.serve(s.ctx)
}

// ingestConn couples one websocket to one ffmpeg process. Whichever side
// ends first takes the other one down.
type ingestConn struct {
	srv    *Server
	ws     *websocket.Conn
	logger zerolog.Logger
	opts   ffmpeg.Opts

	mu        sync.Mutex
	state     connState
	proc      *ffmpeg.Process
	closeOnce sync.Once
}

func (c *ingestConn) setState(next connState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.closed() {
		return false
	}
	c.logger.Info().Str("from", c.state.String()).Str("to", next.String()).Msg("connection state has changed")
	c.state = next
	return true
}

func (c *ingestConn) serve(ctx context.Context) {
	done := c.srv.conf.Metrics.ConnectionOpened("websocket")
	defer done()
	defer c.release()
	c.logger.Info().Str("mimeType", c.opts.MimeType).Msg("websocket accepted")
	c.setState(stateWaitingForData)
	finished := make(chan struct{})
	defer close(finished)
	go c.closeOnShutdown(ctx, finished)

	buf := make([]byte, c.srv.upgrader.ReadBufferSize)
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if c.setState(stateClosedByClient) {
				c.logger.Info().AnErr("cause", err).Msg("websocket closed by client")
				if c.started() {
					c.srv.conf.Metrics.ProcessExited("client")
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			if _, err := io.Copy(ioutil.Discard, r); err != nil {
				return
			}
			continue
		}
		proc, err := c.process(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to start ffmpeg")
			c.close(websocket.CloseInternalServerErr, "failed to start ffmpeg")
			return
		}
		n, err := io.CopyBuffer(proc, r, buf)
		c.srv.conf.Metrics.AddBytes("websocket", n)
		if err != nil {
			select {
			case <-proc.Done():
				// watchProcess reports the exit; keep reading until the close lands
				continue
			case <-time.After(closeWriteWait):
			}
			c.logger.Error().Err(err).Msg("failed to write to ffmpeg")
			c.close(websocket.CloseInternalServerErr, "failed to write to ffmpeg")
			return
		}
	}
}

func (c *ingestConn) started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// process spawns ffmpeg on the first binary message.
func (c *ingestConn) process(ctx context.Context) (*ffmpeg.Process, error) {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		return proc, nil
	}
	proc, err := ffmpeg.Start(ctx, c.srv.conf.FFmpegPath, c.opts, c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()
	c.srv.conf.Metrics.ProcessStarted()
	c.setState(stateStreaming)
	go c.watchProcess(proc)
	return proc, nil
}

func (c *ingestConn) watchProcess(proc *ffmpeg.Process) {
	<-proc.Done()
	if !c.setState(stateClosedByProcess) {
		return
	}
	c.srv.conf.Metrics.ProcessExited("process")
	c.close(websocket.CloseInternalServerErr, fmt.Sprintf("ffmpeg exited with code %d", proc.ExitCode()))
	// the read loop ends once the client echoes the close, or on this deadline
	if err := c.ws.SetReadDeadline(time.Now().Add(closeWriteWait)); err != nil {
		c.logger.Debug().Err(err).Msg("failed to set read deadline")
	}
}

// closeOnShutdown ends the connection when the relay shuts down. A running
// process is killed by ctx and reported through watchProcess.
func (c *ingestConn) closeOnShutdown(ctx context.Context, finished <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-finished:
		return
	}
	if c.started() {
		return
	}
	if !c.setState(stateClosedByProcess) {
		return
	}
	c.close(websocket.CloseInternalServerErr, shutdownReason)
	if err := c.ws.SetReadDeadline(time.Now().Add(closeWriteWait)); err != nil {
		c.logger.Debug().Err(err).Msg("failed to set read deadline")
	}
}

func (c *ingestConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if err := closeWebSocket(c.ws, code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send close")
		}
	})
}

// release runs on every exit path of serve.
func (c *ingestConn) release() {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}
