package origin

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// StreamStats is what the origin saw of one published stream.
type StreamStats struct {
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	PublishedAt time.Time `json:"publishedAt"`
	VideoBytes  int64     `json:"videoBytes"`
	AudioBytes  int64     `json:"audioBytes"`
	VideoTags   int64     `json:"videoTags"`
	AudioTags   int64     `json:"audioTags"`
}

// Server is a minimal RTMP origin that accepts publishes and discards the
// media, keeping per-stream counters. It lets the relay run end to end
// without a hosted origin.
type Server struct {
	logger zerolog.Logger
	srv    *rtmp.Server

	mu      sync.Mutex
	lis     net.Listener
	streams map[string]*StreamStats
}

func NewServer(logger zerolog.Logger) *Server {
	s := &Server{
		logger:  logger,
		streams: make(map[string]*StreamStats),
	}
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &handler{s: s, logger: logger.With().Str("remote", conn.RemoteAddr().String()).Logger()},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("rtmp origin is listening")
	return s.srv.Serve(lis)
}

// Close stops accepting publishers.
func (s *Server) Close() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return nil
	}
	return lis.Close()
}

func (s *Server) Stats(name string) (StreamStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return StreamStats{}, false
	}
	return *st, true
}

func (s *Server) AllStats() []StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		all = append(all, *st)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Handler serves AllStats as JSON.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.AllStats()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode origin stats")
		}
	})
}

func (s *Server) publish(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[name] = &StreamStats{Name: name, Active: true, PublishedAt: time.Now()}
}

func (s *Server) update(name string, f func(st *StreamStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		f(st)
	}
}

type handler struct {
	rtmp.DefaultHandler
	s      *Server
	logger zerolog.Logger
	name   string
}

func (h *handler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.name = cmd.PublishingName
	h.logger.Info().Str("stream", h.name).Str("type", cmd.PublishingType).Msg("publish started")
	h.s.publish(h.name)
	return nil
}

func (h *handler) OnVideo(timestamp uint32, payload io.Reader) error {
	n, err := io.Copy(ioutil.Discard, payload)
	if err != nil {
		return err
	}
	h.s.update(h.name, func(st *StreamStats) {
		st.VideoBytes += n
		st.VideoTags++
	})
	return nil
}

func (h *handler) OnAudio(timestamp uint32, payload io.Reader) error {
	n, err := io.Copy(ioutil.Discard, payload)
	if err != nil {
		return err
	}
	h.s.update(h.name, func(st *StreamStats) {
		st.AudioBytes += n
		st.AudioTags++
	})
	return nil
}

func (h *handler) OnClose() {
	if h.name == "" {
		return
	}
	h.s.update(h.name, func(st *StreamStats) { st.Active = false })
	h.logger.Info().Str("stream", h.name).Msg("publish ended")
}
