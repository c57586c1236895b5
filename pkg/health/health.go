package health

import (
	"context"
	"net"
	"net/http"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server serves the standard gRPC health service for the relay. The
// overall status ("" service) follows SetServing.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

func NewServer(logger zerolog.Logger) *Server {
	recovery := grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
		logger.Error().Interface("panic", p).Msg("recovered from panic in grpc handler")
		return status.Errorf(codes.Internal, "internal error")
	})
	s := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_recovery.UnaryServerInterceptor(recovery),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_recovery.StreamServerInterceptor(recovery),
		)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &Server{grpc: s, health: hs, logger: logger}
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server is listening")
	return s.grpc.Serve(lis)
}

func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Shutdown reports NOT_SERVING to watchers, then stops the server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// HTTPHandler answers 200 while serving and 503 otherwise.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_SERVING\n"))
			return
		}
		w.Write([]byte("SERVING\n"))
	})
}

// Probe asks the health service at addr for the overall status, retrying
// while it is unavailable.
func Probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cc, err := grpc.DialContext(ctx, addr,
		grpc.WithInsecure(),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(
			grpc_retry.WithMax(5),
			grpc_retry.WithBackoff(grpc_retry.BackoffLinear(200*time.Millisecond)),
			grpc_retry.WithCodes(codes.Unavailable),
		)),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", addr)
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return errors.Wrap(err, "failed to check health")
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("status is %s", resp.Status)
	}
	return nil
}
