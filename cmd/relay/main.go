package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/castaneai/castrelay/pkg/api"
	"github.com/castaneai/castrelay/pkg/config"
	"github.com/castaneai/castrelay/pkg/health"
	"github.com/castaneai/castrelay/pkg/logging"
	"github.com/castaneai/castrelay/pkg/metrics"
	"github.com/castaneai/castrelay/pkg/origin"
	"github.com/castaneai/castrelay/pkg/relay"
	"github.com/castaneai/castrelay/pkg/streams"
	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

const shutdownTimeout = 10 * time.Second

type relayConfig struct {
	Port             string `envconfig:"PORT" default:"8080"`
	GRPCPort         string `envconfig:"GRPC_PORT" default:"50051"`
	IngestBaseURL    string `envconfig:"INGEST_BASE_URL" default:"rtmp://rtmp.livepeer.com/live"`
	FFmpegPath       string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	MaxConnections   int    `envconfig:"MAX_CONNECTIONS" default:"0"`
	Store            string `envconfig:"STORE" default:"memory"`
	FirestoreProject string `envconfig:"FIRESTORE_PROJECT" default:"castrelay"`
	GCloudCredential string `envconfig:"GCLOUD_CREDENTIALS"`
	LivepeerAPIKey   string `envconfig:"LIVEPEER_API_KEY"`
	LivepeerAPIURL   string `envconfig:"LIVEPEER_API_URL"`
	PlaybackBaseURL  string `envconfig:"PLAYBACK_BASE_URL"`
	DevOriginAddr    string `envconfig:"DEV_ORIGIN_ADDR"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat        string `envconfig:"LOG_FORMAT" default:"json"`
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the local health server and exit")
	flag.Parse()

	var conf relayConfig
	if err := config.Process("", &conf); err != nil {
		log.Fatalf("failed to process config: %+v", err)
	}
	if *healthcheck {
		if err := health.Probe(context.Background(), net.JoinHostPort("localhost", conf.GRPCPort)); err != nil {
			fmt.Fprintf(os.Stderr, "unhealthy: %+v\n", err)
			os.Exit(1)
		}
		return
	}
	logger, err := logging.New(conf.LogLevel, conf.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %+v", err)
	}
	if err := run(conf, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
}

func run(conf relayConfig, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, conf)
	if err != nil {
		return err
	}
	var provisioner streams.Provisioner = streams.NewLocalProvisioner()
	var resolver streams.Resolver = streams.NewBaseURLResolver(conf.IngestBaseURL)
	if conf.LivepeerAPIKey != "" {
		provisioner = streams.NewLivepeerClient(conf.LivepeerAPIURL, conf.LivepeerAPIKey)
		resolver = streams.NewStoreResolver(store, conf.IngestBaseURL)
	}
	svc := streams.NewService(store, provisioner, streams.ServiceConfig{
		IngestBaseURL:   conf.IngestBaseURL,
		PlaybackBaseURL: conf.PlaybackBaseURL,
	}, logging.WithNamespace(logger, "streams"))

	m := metrics.New()
	rs, err := relay.NewServer(relay.Config{
		FFmpegPath: conf.FFmpegPath,
		Resolver:   resolver,
		Metrics:    m,
	}, logging.WithNamespace(logger, "relay"))
	if err != nil {
		return err
	}
	hs := health.NewServer(logging.WithNamespace(logger, "health"))

	r := chi.NewRouter()
	r.Use(logging.RequestLogger(logger), metrics.RequestMiddleware(m))
	r.Mount("/api", api.NewServer(svc, logging.WithNamespace(logger, "api")).Handler())
	r.Handle("/metrics", m.Handler())
	r.Handle("/healthz", hs.HTTPHandler())

	var og *origin.Server
	if conf.DevOriginAddr != "" {
		og = origin.NewServer(logging.WithNamespace(logger, "origin"))
		r.Handle("/debug/origin", og.Handler())
	}
	rs.Routes(r)

	lis, err := net.Listen("tcp", ":"+conf.Port)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %s", conf.Port)
	}
	if conf.MaxConnections > 0 {
		lis = netutil.LimitListener(lis, conf.MaxConnections)
	}
	grpcLis, err := net.Listen("tcp", ":"+conf.GRPCPort)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %s", conf.GRPCPort)
	}
	hsrv := &http.Server{Handler: r}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("relay is listening")
		if err := hsrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	eg.Go(func() error {
		return hs.Serve(grpcLis)
	})
	if og != nil {
		ogLis, err := net.Listen("tcp", conf.DevOriginAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", conf.DevOriginAddr)
		}
		eg.Go(func() error {
			if err := og.Serve(ogLis); err != nil && ctx.Err() == nil {
				return errors.Wrap(err, "rtmp origin failed")
			}
			return nil
		})
	}
	hs.SetServing(true)

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		hs.SetServing(false)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hsrv.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown http server gracefully")
		}
		// hijacked ingest connections and their ffmpeg children
		if err := rs.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("failed to close ingest connections gracefully")
		}
		hs.Shutdown()
		if og != nil {
			og.Close()
		}
		return nil
	})
	return eg.Wait()
}

func newStore(ctx context.Context, conf relayConfig) (streams.Store, error) {
	switch conf.Store {
	case "memory":
		return streams.NewInMemoryStore(), nil
	case "firestore":
		var opts []option.ClientOption
		if conf.GCloudCredential != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(conf.GCloudCredential)))
		}
		fc, err := firestore.NewClient(ctx, conf.FirestoreProject, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to new firestore client")
		}
		return streams.NewFirestoreStore(fc), nil
	}
	return nil, errors.Errorf("unknown store: %s", conf.Store)
}
