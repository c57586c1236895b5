package logging

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLogger logs each plain HTTP request. Websocket upgrades are logged
// on arrival only; the connection handler logs the rest of their lifetime.
func RequestLogger(l zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") != "" {
				l.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("upgrade request")
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrap.status).
				Dur("duration", time.Since(start)).
				Int("size", wrap.size).
				Msg("request")
		})
	}
}
