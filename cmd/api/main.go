package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/ledgercore/internal/api"
	"github.com/punchamoorthee/ledgercore/internal/cache"
	"github.com/punchamoorthee/ledgercore/internal/config"
	"github.com/punchamoorthee/ledgercore/internal/consumer"
	"github.com/punchamoorthee/ledgercore/internal/directory"
	"github.com/punchamoorthee/ledgercore/internal/logging"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store"
	"github.com/punchamoorthee/ledgercore/internal/store/memory"
	"github.com/punchamoorthee/ledgercore/internal/store/sqlite"
	"github.com/punchamoorthee/ledgercore/internal/telemetry"
)

const serviceName = "ledgercore"

// backend is what every store driver provides.
type backend interface {
	service.Repository
	service.AccountRegistry
}

func main() {
	// a missing .env is fine outside local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	db, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dir := directory.NewBreaker(db, directory.Config{
		ConsecutiveFailures: cfg.DirectoryBreakerFailures,
		Timeout:             cfg.DirectoryBreakerTimeout,
	}, logger)

	opts := []service.Option{
		service.WithAccountRegistry(db),
		service.WithLogger(logger),
		service.WithReconcileTimeout(cfg.ReconcileTimeout),
		service.WithDefaultCurrency(cfg.DefaultCurrency),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		keys := cache.NewKeyCache(rdb, cfg.IdempotencyCacheTTL)
		if err := keys.Ping(ctx); err != nil {
			// the cache is only a fast path; keep going without a warm connection
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		opts = append(opts, service.WithKeyCache(keys))
	}
	mgr := service.NewManager(db, dir, opts...)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	api.NewHandler(mgr, logger, cfg.RequestTimeout).Register(r)

	// every dependency that can fail is opened before the first goroutine starts
	var ch *amqp.Channel
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer conn.Close()
		if ch, err = conn.Channel(); err != nil {
			return fmt.Errorf("open amqp channel: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if ch != nil {
		outcomes := consumer.New(mgr, logger, cfg.RequestTimeout)
		g.Go(func() error {
			return outcomes.Run(gctx, ch, cfg.OutcomeQueue)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if err := store.Migrate(cfg.DBSource, logger); err != nil {
			return nil, nil, err
		}
		s, err := store.NewStore(ctx, cfg.DBSource, cfg.DBReplicaSource)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		return s, s.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		}, nil

	default:
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.New(), func() {}, nil
	}
}
