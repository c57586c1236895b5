package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/castaneai/castrelay/pkg/streams"
	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const cookieMaxAge = 7 * 24 * time.Hour

// StreamService is the part of streams.Service the API needs.
type StreamService interface {
	GetOrCreate(ctx context.Context, prevStreamID string) (*streams.Info, error)
	Lookup(ctx context.Context, humanID string) (*streams.Info, error)
}

type Server struct {
	streams StreamService
	logger  zerolog.Logger
}

func NewServer(svc StreamService, logger zerolog.Logger) *Server {
	return &Server{streams: svc, logger: logger}
}

type initStreamResponse struct {
	HumanID   string `json:"humanId"`
	StreamKey string `json:"streamKey"`
}

type streamResponse struct {
	HumanID     string `json:"humanId"`
	PlaybackID  string `json:"playbackId"`
	PlaybackURL string `json:"playbackUrl"`
}

type errorResponse struct {
	Errors []string `json:"errors"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/stream/init", s.initStream)
	r.Get("/stream/{humanID}", s.getStream)
	return r
}

func (s *Server) initStream(w http.ResponseWriter, r *http.Request) {
	var prevStreamID string
	if c, err := r.Cookie(streams.StreamIDCookie); err == nil {
		prevStreamID = c.Value
	}
	info, err := s.streams.GetOrCreate(r.Context(), prevStreamID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if prevStreamID == "" {
		http.SetCookie(w, &http.Cookie{
			Name:     streams.StreamIDCookie,
			Value:    info.StreamID,
			Path:     "/",
			MaxAge:   int(cookieMaxAge.Seconds()),
			Expires:  time.Now().Add(cookieMaxAge),
			HttpOnly: true,
		})
	}
	streamKey := info.StreamKey
	if streamKey == "" {
		streamKey = streams.ExtractStreamKey(info.StreamURL)
	}
	s.writeJSON(w, http.StatusOK, &initStreamResponse{HumanID: info.HumanID, StreamKey: streamKey})
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	humanID := chi.URLParam(r, "humanID")
	info, err := s.streams.Lookup(r.Context(), humanID)
	if errors.Is(err, streams.ErrStreamNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &streamResponse{
		HumanID:     info.HumanID,
		PlaybackID:  info.PlaybackID,
		PlaybackURL: info.PlaybackURL,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("api error")
	s.writeJSON(w, http.StatusInternalServerError, &errorResponse{Errors: []string{err.Error()}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode JSON")
	}
}
