package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/db"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/queue"
	"github.com/austindbirch/hookrelay/internal/store/postgres"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

const (
	serviceName     = "hookrelay-ingest"
	healthService   = "hookrelay.ingest"
	healthInterval  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("ingest failed")
	}
	logger.Plain().Info("ingest stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName, tracing.Config{
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Disabled:   cfg.Tracing.Disabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Plain().WithError(err).Warn("tracing shutdown")
		}
	}()

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.DB.Migrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return err
		}
	}
	store := postgres.New(pool, logger)
	checks := []health.Check{{Name: "postgres", Pinger: store}}

	notifier, producer, err := dlqNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if producer != nil {
		defer producer.Stop()
		checks = append(checks, health.Check{Name: "nsqd", Pinger: health.PingerFunc(func(context.Context) error {
			return producer.Ping()
		})})
	}

	svc := delivery.NewService(store,
		delivery.WithPolicy(cfg.Policy()),
		delivery.WithNotifier(notifier),
		delivery.WithLogger(logger),
	)

	authCfg, err := authConfig(cfg.Auth)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	api := ingest.NewServer(svc, ingest.Config{
		Auth:         authCfg,
		HealthChecks: checks,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AdminTenants: cfg.Auth.AdminTenants,
	}, logger)

	consumer, closeConsumer, err := eventConsumer(cfg, svc, logger)
	if err != nil {
		return err
	}
	defer closeConsumer()

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("grpc health listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error { return api.Start(cfg.HTTPPort) })
	g.Go(func() error {
		health.Watch(gctx, hs, healthService, healthInterval, checks...)
		return nil
	})
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return api.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// consumer is implemented by the NSQ and Kafka event consumers.
type consumer interface {
	Run(ctx context.Context) error
}

// eventConsumer builds the intake consumer selected by EVENT_SOURCE. A nil
// consumer means events only arrive over HTTP.
func eventConsumer(cfg config.Config, trigger queue.Trigger, logger *logging.Logger) (consumer, func(), error) {
	noop := func() {}
	switch cfg.EventSource {
	case config.EventSourceNSQ:
		h := queue.NewHandler(trigger, config.EventSourceNSQ, logger)
		c, err := queue.NewNSQConsumer(queue.NSQConfig{
			NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
			LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
			Topic:          cfg.NSQ.EventsTopic,
			Channel:        cfg.NSQ.EventsChannel,
			MaxInFlight:    cfg.NSQ.MaxInFlight,
		}, h, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case config.EventSourceKafka:
		h := queue.NewHandler(trigger, config.EventSourceKafka, logger)
		c := queue.NewKafkaConsumer(queue.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, h, logger)
		return c, func() {
			if err := c.Close(); err != nil {
				logger.Plain().WithError(err).Warn("kafka reader close")
			}
		}, nil
	default:
		return nil, noop, nil
	}
}

// dlqNotifier returns the NSQ dead-letter publisher when enabled, along with
// its producer so the caller can stop it.
func dlqNotifier(cfg config.Config, logger *logging.Logger) (delivery.Notifier, *nsq.Producer, error) {
	if !cfg.Delivery.PublishDLQ {
		return delivery.NopNotifier{}, nil, nil
	}
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	return queue.NewDLQPublisher(prod, cfg.NSQ.DLQTopic, logger), prod, nil
}

// authConfig maps the auth settings onto the API middleware. With auth
// disabled every request must carry X-Tenant-Id.
func authConfig(a config.Auth) (auth.MiddlewareConfig, error) {
	if !a.Enabled {
		return auth.MiddlewareConfig{}, nil
	}
	var (
		v   *auth.JWTValidator
		err error
	)
	if a.PublicKeyPEM != "" {
		v, err = auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
	} else {
		v, err = auth.NewHMACValidator(a.HMACSecret, a.Issuer, a.Audience)
	}
	if err != nil {
		return auth.MiddlewareConfig{}, fmt.Errorf("jwt validator: %w", err)
	}
	return auth.MiddlewareConfig{Validator: v, TrustHeader: a.TrustHeader}, nil
}
