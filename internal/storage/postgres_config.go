package storage

import (
	"log/slog"
	"time"
)

const defaultPostgresOpTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ApplicationName     string
	OperationTimeout    time.Duration
	Logger              *slog.Logger
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:              dsn,
		OperationTimeout: defaultPostgresOpTimeout,
		Clock:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultPostgresOpTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
