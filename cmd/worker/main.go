package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/db"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/lock"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/queue"
	"github.com/austindbirch/hookrelay/internal/scheduler"
	"github.com/austindbirch/hookrelay/internal/store/postgres"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

const (
	serviceName     = "hookrelay-worker"
	shutdownTimeout = 30 * time.Second
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
		logger.Plain().WithError(err).Fatal("worker failed")
	}
	logger.Plain().Info("worker service stopped")
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
		_ = shutdownTracing(sctx)
	}()

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgres.New(pool, logger)
	checks := []health.Check{{Name: "postgres", Pinger: store}}

	var notifier delivery.Notifier = delivery.NopNotifier{}
	if cfg.Delivery.PublishDLQ {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer for DLQ: %w", err)
		}
		defer prod.Stop()
		notifier = queue.NewDLQPublisher(prod, cfg.NSQ.DLQTopic, logger)
	}

	svc := delivery.NewService(store,
		delivery.WithPolicy(cfg.Policy()),
		delivery.WithNotifier(notifier),
		delivery.WithLogger(logger),
	)

	locker, rdb := sweepLocker(cfg, logger)
	if rdb != nil {
		defer rdb.Close()
		checks = append(checks, health.Check{Name: "redis", Pinger: health.Redis(rdb)})
	}

	sched, err := scheduler.New(svc, locker, scheduler.Config{
		Schedule: cfg.Sweeper.Schedule,
		LockKey:  cfg.Sweeper.LockKey,
		Timeout:  sweepTimeout(cfg.Sweeper.LockTTL),
	}, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	httpSrv := &http.Server{
		Addr:              cfg.Sweeper.HTTPPort,
		Handler:           newMux(reg, checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.EventSource == config.EventSourceNSQ && cfg.NSQ.StatsInterval > 0 && cfg.NSQ.NsqdHTTPAddr != "" {
		mon := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.EventsChannel, logger, cfg.NSQ.DLQTopic)
		go mon.Run(ctx, cfg.NSQ.StatsInterval)
	}

	sched.Start()
	logger.Plain().WithFields(map[string]any{
		"schedule": cfg.Sweeper.Schedule,
		"lock_key": cfg.Sweeper.LockKey,
	}).Info("worker service started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Plain().Info("shutting down worker service")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(sctx); err != nil {
		logger.Plain().WithError(err).Warn("scheduler stop")
	}
	_ = httpSrv.Shutdown(sctx)
	return runErr
}

// sweepLocker returns the Redis lock when REDIS_ADDR is set and an
// in-process lock otherwise. The client is returned so the caller can close
// it and health-check it.
func sweepLocker(cfg config.Config, logger *logging.Logger) (lock.Locker, *redis.Client) {
	if cfg.Redis.Addr == "" {
		logger.Plain().Warn("REDIS_ADDR empty, sweeps are not coordinated across workers")
		return lock.NewLocal(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return lock.NewRedis(rdb, cfg.Sweeper.LockTTL, logger), rdb
}

// sweepTimeout keeps a sweep inside the lock TTL, leaving a tenth of it
// for the unlock.
func sweepTimeout(lockTTL time.Duration) time.Duration {
	if lockTTL <= 0 {
		return 0
	}
	return lockTTL - lockTTL/10
}

func newMux(reg *prometheus.Registry, checks []health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
