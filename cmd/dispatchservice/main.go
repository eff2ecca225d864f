package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/mella/internal/config"
	"github.com/example/mella/internal/dispatch"
	"github.com/example/mella/internal/docstore"
	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/httpapi"
	"github.com/example/mella/internal/httpapi/middleware"
	"github.com/example/mella/internal/notify"
	"github.com/example/mella/internal/outbox"
	"github.com/example/mella/internal/ride"
	"github.com/example/mella/internal/supervise"
	"github.com/example/mella/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var store docstore.Store
	var geoIndex fleet.GeoIndex
	if redisClient != nil {
		store = docstore.NewRedis(redisClient, cfg.Redis.Prefix)
		geoIndex = fleet.NewRedisGeoIndex(redisClient, cfg.Redis.GeoKey)
	} else {
		store = docstore.NewMemory()
		geoIndex = fleet.NewMemoryGeoIndex()
	}

	notifier := notify.NewPublisher(natsConn, cfg.NATS.EventSubject, cfg.NATS.NotifySubject)
	events, outboxWorker := buildEventPath(ctx, db, natsConn, notifier, logger, cfg)

	registry := fleet.NewRegistry(geoIndex, store, domain.SystemClock{}, logger.Named("fleet"), fleet.Config{
		HeartbeatStaleAfter: cfg.Fleet.HeartbeatStaleAfter,
	})
	rides := ride.NewMachine(store, events, notifier, domain.SystemClock{}, logger.Named("ride"))
	queue := dispatch.NewQueue()
	engine := dispatch.NewEngine(registry, rides, queue, domain.SystemClock{}, logger.Named("dispatch"), dispatch.Config{
		InitialRadiusKM: cfg.Dispatch.InitialRadiusKM,
		MaxRadiusKM:     cfg.Dispatch.MaxRadiusKM,
		ReserveTTL:      cfg.Dispatch.ReserveTTL,
		ConflictRetries: cfg.Dispatch.ConflictRetries,
		Backoff:         cfg.Dispatch.Backoff,
		AverageSpeedKMH: cfg.Dispatch.AverageSpeedKMH,
	})
	supervisor := supervise.New(registry, rides, queue, domain.SystemClock{}, logger.Named("supervise"), supervise.Config{
		SweepInterval:   cfg.Supervise.SweepInterval,
		MaxRedispatches: cfg.Supervise.MaxRedispatches,
		RequeueAfter:    cfg.Supervise.RequeueAfter,
	})

	if outboxWorker != nil {
		go func() {
			if err := outboxWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	}
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch loop stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor stopped", zap.Error(err))
		}
	}()

	limiter := middleware.NewRateLimiter(redisClient,
		middleware.RateConfig{Rate: 50, Burst: 100},
		middleware.RateConfig{Rate: 10, Burst: 20})
	handler := httpapi.NewHandler(engine, rides, registry, ride.NewMemoryIdempotencyStore(), logger.Named("http"), httpapi.Options{
		JWTSecret:   cfg.Auth.JWTSecret,
		RateLimiter: limiter,
	})

	r := chi.NewRouter()
	r.Mount("/", handler.Router())
	r.Mount("/observability", observability.MetricsRouter(readyChecks(redisClient, db)...))

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildEventPath decides how transition events leave the process. With
// Postgres and NATS both up, events go through the durable outbox; with NATS
// only, they publish directly; otherwise they are dropped.
func buildEventPath(ctx context.Context, db *sql.DB, natsConn *nats.Conn, direct *notify.Publisher, logger *zap.Logger, cfg *config.Config) (domain.EventPublisher, *outbox.Worker) {
	if db != nil && natsConn != nil {
		store := outbox.NewStore(db, cfg.NATS.EventSubject)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("outbox migrate", zap.Error(err))
		}
		worker := outbox.NewWorker(db, natsConn, logger.Named("outbox"), outbox.WorkerConfig{})
		return store, worker
	}
	if natsConn == nil {
		logger.Warn("event publishing disabled", zap.Bool("db", db != nil))
	}
	return direct, nil
}

func readyChecks(redisClient *redis.Client, db *sql.DB) []observability.ReadyCheck {
	var checks []observability.ReadyCheck
	if redisClient != nil {
		checks = append(checks, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	if db != nil {
		checks = append(checks, func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
	}
	return checks
}
