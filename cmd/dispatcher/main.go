// Command dispatcher consumes tenant events from a stream and delivers them
// as signals to Temporal workflows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"github.com/bjaus/dispatcher"
	"github.com/bjaus/dispatcher/engine/temporal"
	"github.com/bjaus/dispatcher/events"
	"github.com/bjaus/dispatcher/internal/config"
	"github.com/bjaus/dispatcher/internal/otelx"
	"github.com/bjaus/dispatcher/internal/runtime"
	"github.com/bjaus/dispatcher/sink/pgsink"
	"github.com/bjaus/dispatcher/sink/promsink"
	"github.com/bjaus/dispatcher/stream/kafkastream"
	"github.com/bjaus/dispatcher/stream/redisstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "dispatcher:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := runtime.NewLogger(os.Stdout, cfg.App.Name, level)
	slog.SetDefault(logger)

	ctx, stop := runtime.SignalContext()
	defer stop()

	shutdownTracing, err := otelx.Setup(ctx, otelx.Config{
		Enabled:        cfg.Otel.Enabled,
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		OTLPEndpoint:   cfg.Otel.Endpoint,
		SampleRatio:    cfg.Otel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	registry, err := events.Registry()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := promsink.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	stream, streamCheck, closeStream, err := openStream(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStream()

	tc, err := temporal.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	checks := []runtime.ReadyCheck{
		streamCheck,
		{Name: "temporal", Check: func(ctx context.Context) error {
			_, err := tc.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		}},
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithSink(dispatcher.LogSink(logger)),
		dispatcher.WithSink(metrics),
		dispatcher.WithOnRetry(metrics.OnRetry()),
		dispatcher.WithOnAck(func(ctx context.Context, ids []string) {
			logger.DebugContext(ctx, "batch acknowledged", slog.Int("count", len(ids)))
		}),
	}

	if cfg.Postgres.URL != "" {
		pool, err := pgsink.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		ledger := pgsink.New(pool, pgsink.WithTable(cfg.Postgres.Table), pgsink.WithLogger(logger))
		if err := ledger.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, dispatcher.WithSink(ledger))
		checks = append(checks, runtime.ReadyCheck{Name: "postgres", Check: pool.Ping})
	}

	d, err := dispatcher.New(stream, temporal.New(tc), registry, cfg.Dispatch, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: runtime.NewOpsRouter(reg, func() map[string]string {
			return map[string]string{"run_id": d.RunID(), "state": d.State().String()}
		}, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("dispatcher starting",
		slog.String("backend", cfg.Backend),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("run_id", d.RunID()),
		slog.Any("event_types", registry.Types()),
	)

	err = serve(ctx, srv, d, logger)
	logger.Info("dispatcher stopped")
	return err
}

type runner interface {
	Run(ctx context.Context) error
}

// serve runs the dispatcher and the ops server until either stops. A failed
// ops server cancels the dispatcher; a stopped dispatcher shuts the server
// down.
func serve(ctx context.Context, srv *http.Server, d runner, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runErr := d.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown failed", slog.String("error", err.Error()))
		}
		return runErr
	})
	return g.Wait()
}

func openStream(cfg *config.Config, logger *slog.Logger) (dispatcher.Stream, runtime.ReadyCheck, func(), error) {
	switch cfg.Backend {
	case config.BackendKafka:
		s := kafkastream.New(cfg.Kafka.Brokers, cfg.Dispatch.StreamName, cfg.Dispatch.Group, cfg.Kafka.ClientID,
			kafkastream.WithLogger(logger),
		)
		return s, runtime.ReadyCheck{Name: "kafka", Check: s.Ping}, closer(s, logger), nil

	case config.BackendRedis:
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s := redisstream.New(rc,
			redisstream.WithLogger(logger),
			redisstream.WithMinIdle(cfg.Redis.MinIdle),
			redisstream.WithMaxDeliveries(cfg.Redis.MaxDeliveries),
		)
		return s, runtime.ReadyCheck{Name: "redis", Check: s.Ping}, closer(rc, logger), nil

	default:
		return nil, runtime.ReadyCheck{}, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func closer(c io.Closer, logger *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}
