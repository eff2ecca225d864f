// Package config loads service configuration from environment variables,
// with an optional .env file for local runs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch service.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	NATS      NATSConfig
	Auth      AuthConfig
	Dispatch  DispatchConfig
	Supervise SuperviseConfig
	Fleet     FleetConfig
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	GRPCAddr        string        `mapstructure:"GRPC_ADDR"`
	MetricsAddr     string        `mapstructure:"METRICS_ADDR"`
	ReadTimeout     time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`
}

// RedisConfig holds Redis connection settings. Redis backs the geo index,
// the rate limiter and the versioned document store.
type RedisConfig struct {
	Addr     string `mapstructure:"REDIS_ADDR"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	GeoKey   string `mapstructure:"REDIS_GEO_KEY"`
	Prefix   string `mapstructure:"REDIS_PREFIX"`
}

// PostgresConfig holds the outbox database settings. An empty DSN disables
// the outbox; events then go straight to NATS.
type PostgresConfig struct {
	DSN string `mapstructure:"PG_DSN"`
}

// NATSConfig holds broker settings. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `mapstructure:"NATS_URL"`
	EventSubject  string `mapstructure:"NATS_EVENT_SUBJECT"`
	NotifySubject string `mapstructure:"NATS_NOTIFY_SUBJECT"`
}

// AuthConfig holds token verification settings. An empty secret disables
// authentication, for local runs only.
type AuthConfig struct {
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

// DispatchConfig holds matching policy knobs.
type DispatchConfig struct {
	InitialRadiusKM float64       `mapstructure:"DISPATCH_INITIAL_RADIUS_KM"`
	MaxRadiusKM     float64       `mapstructure:"DISPATCH_MAX_RADIUS_KM"`
	ReserveTTL      time.Duration `mapstructure:"DISPATCH_RESERVE_TTL"`
	ConflictRetries int           `mapstructure:"DISPATCH_CONFLICT_RETRIES"`
	Backoff         time.Duration `mapstructure:"DISPATCH_BACKOFF"`
	AverageSpeedKMH float64       `mapstructure:"DISPATCH_AVG_SPEED_KMH"`
}

// SuperviseConfig holds sweep policy knobs.
type SuperviseConfig struct {
	SweepInterval   time.Duration `mapstructure:"SUPERVISE_SWEEP_INTERVAL"`
	MaxRedispatches int           `mapstructure:"SUPERVISE_MAX_REDISPATCHES"`
	RequeueAfter    time.Duration `mapstructure:"SUPERVISE_REQUEUE_AFTER"`
}

// FleetConfig holds registry liveness settings.
type FleetConfig struct {
	HeartbeatStaleAfter time.Duration `mapstructure:"FLEET_HEARTBEAT_STALE_AFTER"`
}

// Load reads configuration from environment variables and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("GRPC_ADDR", ":9090")
	viper.SetDefault("METRICS_ADDR", ":9100")
	viper.SetDefault("HTTP_READ_TIMEOUT", "5s")
	viper.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	viper.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	viper.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")

	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_GEO_KEY", "fleet:locs")
	viper.SetDefault("REDIS_PREFIX", "mella")

	viper.SetDefault("PG_DSN", "")
	viper.SetDefault("NATS_URL", "")
	viper.SetDefault("NATS_EVENT_SUBJECT", "mella.ride.events")
	viper.SetDefault("NATS_NOTIFY_SUBJECT", "mella.ride.notify")
	viper.SetDefault("JWT_SECRET", "")

	viper.SetDefault("DISPATCH_INITIAL_RADIUS_KM", 5.0)
	viper.SetDefault("DISPATCH_MAX_RADIUS_KM", 20.0)
	viper.SetDefault("DISPATCH_RESERVE_TTL", "15s")
	viper.SetDefault("DISPATCH_CONFLICT_RETRIES", 1)
	viper.SetDefault("DISPATCH_BACKOFF", "50ms")
	viper.SetDefault("DISPATCH_AVG_SPEED_KMH", 40.0)

	viper.SetDefault("SUPERVISE_SWEEP_INTERVAL", "5s")
	viper.SetDefault("SUPERVISE_MAX_REDISPATCHES", 3)
	viper.SetDefault("SUPERVISE_REQUEUE_AFTER", "10s")

	viper.SetDefault("FLEET_HEARTBEAT_STALE_AFTER", "30s")

	// Missing .env is fine; docker-compose style env injection covers it.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        viper.GetString("HTTP_ADDR"),
			GRPCAddr:        viper.GetString("GRPC_ADDR"),
			MetricsAddr:     viper.GetString("METRICS_ADDR"),
			ReadTimeout:     viper.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout:    viper.GetDuration("HTTP_WRITE_TIMEOUT"),
			IdleTimeout:     viper.GetDuration("HTTP_IDLE_TIMEOUT"),
			ShutdownTimeout: viper.GetDuration("HTTP_SHUTDOWN_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("REDIS_ADDR"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
			GeoKey:   viper.GetString("REDIS_GEO_KEY"),
			Prefix:   viper.GetString("REDIS_PREFIX"),
		},
		Postgres: PostgresConfig{
			DSN: viper.GetString("PG_DSN"),
		},
		NATS: NATSConfig{
			URL:           viper.GetString("NATS_URL"),
			EventSubject:  viper.GetString("NATS_EVENT_SUBJECT"),
			NotifySubject: viper.GetString("NATS_NOTIFY_SUBJECT"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("JWT_SECRET"),
		},
		Dispatch: DispatchConfig{
			InitialRadiusKM: viper.GetFloat64("DISPATCH_INITIAL_RADIUS_KM"),
			MaxRadiusKM:     viper.GetFloat64("DISPATCH_MAX_RADIUS_KM"),
			ReserveTTL:      viper.GetDuration("DISPATCH_RESERVE_TTL"),
			ConflictRetries: viper.GetInt("DISPATCH_CONFLICT_RETRIES"),
			Backoff:         viper.GetDuration("DISPATCH_BACKOFF"),
			AverageSpeedKMH: viper.GetFloat64("DISPATCH_AVG_SPEED_KMH"),
		},
		Supervise: SuperviseConfig{
			SweepInterval:   viper.GetDuration("SUPERVISE_SWEEP_INTERVAL"),
			MaxRedispatches: viper.GetInt("SUPERVISE_MAX_REDISPATCHES"),
			RequeueAfter:    viper.GetDuration("SUPERVISE_REQUEUE_AFTER"),
		},
		Fleet: FleetConfig{
			HeartbeatStaleAfter: viper.GetDuration("FLEET_HEARTBEAT_STALE_AFTER"),
		},
	}

	if cfg.Dispatch.MaxRadiusKM < cfg.Dispatch.InitialRadiusKM {
		return nil, fmt.Errorf("DISPATCH_MAX_RADIUS_KM %.1f below DISPATCH_INITIAL_RADIUS_KM %.1f",
			cfg.Dispatch.MaxRadiusKM, cfg.Dispatch.InitialRadiusKM)
	}
	return cfg, nil
}
