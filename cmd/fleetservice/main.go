package main

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/mella/internal/config"
	"github.com/example/mella/internal/docstore"
	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/geo"
	"github.com/example/mella/internal/heartbeat"
	"github.com/example/mella/pkg/observability"
)

// fleetservice runs the gRPC heartbeat ingest on its own listener. It shares
// the Redis geo index and document store with the dispatch service, so
// location updates ingested here are visible to candidate queries there.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("fleet-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "fleet-service")
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
	var store docstore.Store
	var geoIndex fleet.GeoIndex
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
		store = docstore.NewRedis(redisClient, cfg.Redis.Prefix)
		geoIndex = fleet.NewRedisGeoIndex(redisClient, cfg.Redis.GeoKey)
	} else {
		store = docstore.NewMemory()
		geoIndex = fleet.NewMemoryGeoIndex()
	}

	registry := fleet.NewRegistry(geoIndex, store, domain.SystemClock{}, logger.Named("fleet"), fleet.Config{
		HeartbeatStaleAfter: cfg.Fleet.HeartbeatStaleAfter,
	})

	go runMetrics(logger, cfg, redisClient)
	go runGRPC(logger, cfg, registry)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func runMetrics(logger *zap.Logger, cfg *config.Config, redisClient *redis.Client) {
	var checks []observability.ReadyCheck
	if redisClient != nil {
		checks = append(checks, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	r := chi.NewRouter()
	r.Get("/v1/eta", etaHandler)
	r.Mount("/observability", observability.MetricsRouter(checks...))

	srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("fleet metrics listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("metrics server", zap.Error(err))
	}
}

// etaHandler estimates travel time between two points at the configured
// average speed. Serves dashboards; assignment ETAs come from the dispatcher.
func etaHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := domain.GeoPoint{Lat: parseFloat(q.Get("from_lat")), Lng: parseFloat(q.Get("from_lng"))}
	to := domain.GeoPoint{Lat: parseFloat(q.Get("to_lat")), Lng: parseFloat(q.Get("to_lng"))}
	if !from.Valid() || !to.Valid() {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return
	}
	distance := geo.DistanceKM(from, to)
	eta := geo.EstimateETA(distance, 0)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"distance_km": distance,
		"eta_seconds": int(eta.Seconds()),
	})
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func runGRPC(logger *zap.Logger, cfg *config.Config, registry *fleet.Registry) {
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	heartbeat.RegisterHeartbeatServer(srv, heartbeat.NewServer(registry, logger.Named("heartbeat")))
	logger.Info("heartbeat grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}
