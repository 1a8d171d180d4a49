package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/queue-source/internal/config"
	"github.com/Sternrassler/queue-source/pkg/drain"
	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/Sternrassler/queue-source/pkg/httpsource"
	"github.com/Sternrassler/queue-source/pkg/logging"
	"github.com/Sternrassler/queue-source/pkg/metrics"
	"github.com/Sternrassler/queue-source/pkg/mongosource"
	"github.com/Sternrassler/queue-source/pkg/pgsource"
	"github.com/Sternrassler/queue-source/pkg/queue"
	"github.com/Sternrassler/queue-source/pkg/redissource"
	health "github.com/hellofresh/health-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("c", getEnv(config.EnvConfigFile, ""), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Feeding failed")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("All requests drained")
}

// run connects the configured source and queue, then feeds every request.
func run(ctx context.Context, cfg *config.Config) error {
	var checks []health.Config

	var queueClient *redis.Client
	if cfg.Queue.Type == config.QueueRedis {
		opts, err := redis.ParseURL(cfg.Queue.URL)
		if err != nil {
			return fmt.Errorf("parse queue url: %w", err)
		}
		queueClient = redis.NewClient(opts)
		defer queueClient.Close()

		if err := queueClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to queue redis: %w", err)
		}
		log.Info().Str("addr", opts.Addr).Str("key", cfg.Queue.Key).Msg("Connected to queue Redis")
		checks = append(checks, health.Config{
			Name:    "redis-queue",
			Timeout: 5 * time.Second,
			Check: func(ctx context.Context) error {
				return queueClient.Ping(ctx).Err()
			},
		})
	}

	switch cfg.Source.Type {
	case config.SourceRedis:
		opts, err := redis.ParseURL(cfg.Source.URL)
		if err != nil {
			return fmt.Errorf("parse source url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		checks = append(checks, health.Config{
			Name:    "redis-source",
			Timeout: 5 * time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
		return feed[string](ctx, cfg, redissource.New(client), queueClient, checks)

	case config.SourceMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Source.URL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer client.Disconnect(context.Background())

		checks = append(checks, health.Config{
			Name:    "mongodb-source",
			Timeout: 5 * time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx, nil)
			},
		})
		return feed[bson.Raw](ctx, cfg, mongosource.New(client.Database(cfg.Source.Database)), queueClient, checks)

	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.Source.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		checks = append(checks, health.Config{
			Name:    "postgres-source",
			Timeout: 5 * time.Second,
			Check:   pool.Ping,
		})
		return feed[pgsource.Row](ctx, cfg, pgsource.New(pool, cfg.Source.KeyColumn), queueClient, checks)

	case config.SourceHTTP:
		httpCfg := httpsource.DefaultConfig(cfg.Source.URL, cfg.Source.UserAgent)
		if cfg.Source.Timeout > 0 {
			httpCfg.Timeout = cfg.Source.Timeout
		}
		client, err := httpsource.New(httpCfg)
		if err != nil {
			return fmt.Errorf("create http source: %w", err)
		}
		return feed[json.RawMessage](ctx, cfg, client, queueClient, checks)
	}

	return fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

// feed starts one task per configured request against a shared queue and
// waits for all of them to drain.
func feed[T any](ctx context.Context, cfg *config.Config, client feeder.Client[T], queueClient *redis.Client, checks []health.Config) error {
	var dest feeder.Queue[T]
	switch cfg.Queue.Type {
	case config.QueueRedis:
		dest = queue.NewRedisList[T](queueClient, cfg.Queue.Key)
	default:
		wq := queue.NewWorkQueue(cfg.Queue.Workers, logItem[T])
		wq.Start(ctx)
		defer wq.Close()
		dest = wq
	}

	if cfg.Metrics.Addr != "" {
		srv, err := newServer(cfg.Metrics.Addr, checks)
		if err != nil {
			return err
		}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving /metrics and /health")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	drainCfg := drain.DefaultConfig()
	if cfg.Drain.PollInterval > 0 {
		drainCfg.PollInterval = cfg.Drain.PollInterval
	}
	drainCfg.Timeout = cfg.Drain.Timeout

	tasks, err := buildTasks(cfg, client, dest)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		if err := task.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("request %d: %w", i, err), g.Wait())
		}

		g.Go(func() error {
			req := task.Request()
			if err := drain.Wait(ctx, task, drainCfg); err != nil {
				return fmt.Errorf("request %d (%s %s): %w", i, task.Kind(), req.Target, err)
			}
			log.Info().
				Str("task_id", task.ID()).
				Str("kind", task.Kind().String()).
				Str("target", req.Target).
				Int("items", task.ItemCount()).
				Int("pages", task.Pages()).
				Msg("Request drained")
			return nil
		})
	}

	return g.Wait()
}

// buildTasks creates one task per configured request. No task is started
// unless every request is valid.
func buildTasks[T any](cfg *config.Config, client feeder.Client[T], dest feeder.Queue[T]) ([]*feeder.Task[T], error) {
	tasks := make([]*feeder.Task[T], 0, len(cfg.Requests))
	for i, rc := range cfg.Requests {
		kind, err := rc.FeederKind()
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}

		task, err := feeder.New(client, dest, rc.Request(), kind)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// newServer builds the metrics and health listener.
func newServer(addr string, checks []health.Config) (*http.Server, error) {
	h, err := health.New(
		health.WithComponent(health.Component{
			Name:    "queue-source",
			Version: version,
		}),
		health.WithChecks(checks...),
	)
	if err != nil {
		return nil, fmt.Errorf("create health checks: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", h.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

// logItem is the consumer used for the in-memory queue.
func logItem[T any](_ context.Context, item T) error {
	ev := log.Info().Str("component", "consumer")
	switch v := any(item).(type) {
	case json.RawMessage:
		ev = ev.RawJSON("item", v)
	case fmt.Stringer:
		ev = ev.Stringer("item", v)
	default:
		ev = ev.Interface("item", v)
	}
	ev.Msg("Consumed item")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
