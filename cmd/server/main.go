// Command server starts the streamcast orchestration service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamcast/internal/backup"
	"streamcast/internal/config"
	"streamcast/internal/history"
	"streamcast/internal/observability/logging"
	"streamcast/internal/recurrence"
	"streamcast/internal/scheduler"
	"streamcast/internal/server"
	"streamcast/internal/serverutil"
	"streamcast/internal/storage"
	"streamcast/internal/supervisor"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	configPath := flag.String("config", "", "path to YAML tuning file")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresOpTimeout := flag.Duration("postgres-op-timeout", 0, "timeout for individual Postgres operations")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	historyDriver := flag.String("history-driver", "", "broadcast history driver (memory or redis)")
	historyRedisAddr := flag.String("history-redis-addr", "", "Redis address for broadcast history")
	historyRedisAddrs := flag.String("history-redis-addrs", "", "comma separated Redis addresses for broadcast history")
	historyRedisUsername := flag.String("history-redis-username", "", "Redis username for broadcast history")
	historyRedisPassword := flag.String("history-redis-password", "", "Redis password for broadcast history")
	historyRedisPrefix := flag.String("history-redis-prefix", "", "Redis key prefix for broadcast history")
	historyRedisMasterName := flag.String("history-redis-sentinel-master", "", "Redis sentinel master name for broadcast history")
	historyRedisPoolSize := flag.Int("history-redis-pool-size", 0, "maximum Redis connections for broadcast history")
	historyRedisTimeout := flag.Duration("history-redis-timeout", 0, "timeout for Redis operations")
	historyRedisTLSCA := flag.String("history-redis-tls-ca", "", "path to Redis TLS CA certificate for broadcast history")
	historyRedisTLSCert := flag.String("history-redis-tls-cert", "", "path to Redis TLS client certificate for broadcast history")
	historyRedisTLSKey := flag.String("history-redis-tls-key", "", "path to Redis TLS client key for broadcast history")
	historyRedisTLSServerName := flag.String("history-redis-tls-server-name", "", "override Redis TLS server name for broadcast history")
	historyRedisTLSSkipVerify := flag.Bool("history-redis-tls-skip-verify", false, "skip Redis TLS verification for broadcast history")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg executable used for relay processes")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	flag.Parse()

	tuning, tuningErr := config.Load(firstNonEmpty(*configPath, os.Getenv("STREAMCAST_CONFIG")))

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})
	if tuningErr != nil {
		logger.Error("invalid configuration", "error", tuningErr)
		os.Exit(1)
	}

	serverMode := modeValue(*mode, os.Getenv("STREAMCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("STREAMCAST_ADDR"))
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("STREAMCAST_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("STREAMCAST_TLS_KEY"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, _, err := resolveStorageDriver(*storageDriver, os.Getenv("STREAMCAST_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("STREAMCAST_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var (
		store              storage.Repository
		storagePostgresDSN string
		dataFile           string
	)
	switch driver {
	case "json":
		dataFile = resolveDataPath(*dataPath, os.Getenv("STREAMCAST_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "STREAMCAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STREAMCAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "STREAMCAST_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "STREAMCAST_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "STREAMCAST_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if opTimeout := resolveDuration(*postgresOpTimeout, "STREAMCAST_POSTGRES_OP_TIMEOUT", 0); opTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresOperationTimeout(opTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMCAST_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		pgOptions = append(pgOptions, storage.WithPostgresLogger(logging.WithComponent(logger, "storage")))
		store, err = storage.NewPostgresRepository(storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	historyCfg := history.RedisSinkConfig{
		Addr:         firstNonEmpty(*historyRedisAddr, os.Getenv("STREAMCAST_HISTORY_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*historyRedisAddrs, os.Getenv("STREAMCAST_HISTORY_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*historyRedisUsername, os.Getenv("STREAMCAST_HISTORY_REDIS_USERNAME")),
		Password:     firstNonEmpty(*historyRedisPassword, os.Getenv("STREAMCAST_HISTORY_REDIS_PASSWORD")),
		KeyPrefix:    firstNonEmpty(*historyRedisPrefix, os.Getenv("STREAMCAST_HISTORY_REDIS_PREFIX")),
		MasterName:   firstNonEmpty(*historyRedisMasterName, os.Getenv("STREAMCAST_HISTORY_REDIS_SENTINEL_MASTER")),
		PoolSize:     resolveInt(*historyRedisPoolSize, "STREAMCAST_HISTORY_REDIS_POOL_SIZE"),
		DialTimeout:  resolveDuration(*historyRedisTimeout, "STREAMCAST_HISTORY_REDIS_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*historyRedisTimeout, "STREAMCAST_HISTORY_REDIS_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*historyRedisTimeout, "STREAMCAST_HISTORY_REDIS_TIMEOUT", 0),
		TLS: history.RedisTLSConfig{
			CAFile:             firstNonEmpty(*historyRedisTLSCA, os.Getenv("STREAMCAST_HISTORY_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*historyRedisTLSCert, os.Getenv("STREAMCAST_HISTORY_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*historyRedisTLSKey, os.Getenv("STREAMCAST_HISTORY_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*historyRedisTLSServerName, os.Getenv("STREAMCAST_HISTORY_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*historyRedisTLSSkipVerify, "STREAMCAST_HISTORY_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	historyDriverValue := firstNonEmpty(*historyDriver, os.Getenv("STREAMCAST_HISTORY_DRIVER"))
	sink, err := configureHistorySink(historyDriverValue, historyCfg, logger)
	if err != nil {
		logger.Error("failed to configure history sink", "error", err)
		os.Exit(1)
	}

	ledger, err := backup.NewLedger(backup.Config{
		Repo:      store,
		Logger:    logging.WithComponent(logger, "backups"),
		Retention: tuning.BackupRetention,
		TrashTTL:  tuning.TrashTTL,
	})
	if err != nil {
		logger.Error("failed to initialise backup ledger", "error", err)
		os.Exit(1)
	}

	var guard *scheduler.DurationGuard
	sup, err := supervisor.New(supervisor.Config{
		Repo:        store,
		History:     sink,
		Runner:      supervisor.FFmpegRunner{Binary: firstNonEmpty(*ffmpegBinary, tuning.FFmpegBinary)},
		Logger:      logging.WithComponent(logger, "supervisor"),
		LogLines:    tuning.LogLines,
		StopTimeout: tuning.StopTimeout,
		OnExit: func(info supervisor.ExitInfo) {
			if guard != nil {
				guard.HandleStreamStopped(info.StreamID)
			}
		},
	})
	if err != nil {
		logger.Error("failed to initialise supervisor", "error", err)
		os.Exit(1)
	}

	guard, err = scheduler.NewDurationGuard(scheduler.DurationGuardConfig{
		Repo:         store,
		Stopper:      sup,
		Logger:       logging.WithComponent(logger, "duration-guard"),
		ScanInterval: tuning.DurationScanInterval,
		StopTimeout:  tuning.StopTimeout,
	})
	if err != nil {
		logger.Error("failed to initialise duration guard", "error", err)
		os.Exit(1)
	}

	poller, err := scheduler.NewPoller(scheduler.PollerConfig{
		Repo:           store,
		Starter:        sup,
		Guard:          guard,
		Logger:         logging.WithComponent(logger, "poller"),
		PollInterval:   tuning.PollInterval,
		Lookahead:      tuning.Lookahead,
		ImmediateSlack: tuning.ImmediateSlack,
		MissedGrace:    tuning.MissedGrace,
	})
	if err != nil {
		logger.Error("failed to initialise lookahead poller", "error", err)
		os.Exit(1)
	}

	location, err := tuning.Location()
	if err != nil {
		logger.Error("invalid timezone", "error", err)
		os.Exit(1)
	}
	engine, err := recurrence.NewEngine(recurrence.Config{
		Repo:     store,
		Logger:   logging.WithComponent(logger, "recurrence"),
		Interval: tuning.MaterializeInterval,
		Location: location,
	})
	if err != nil {
		logger.Error("failed to initialise recurrence engine", "error", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if repaired := sup.ReconcileStartup(startupCtx); repaired > 0 {
		logger.Warn("repaired orphaned broadcasts after restart", "count", repaired)
	}
	startupCancel()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go func() {
		if err := poller.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("poller stopped", "error", err)
		}
	}()
	go func() {
		if err := guard.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("duration guard stopped", "error", err)
		}
	}()
	go func() {
		if err := engine.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("recurrence engine stopped", "error", err)
		}
	}()
	trashPurgeStop := startTrashPurgeWorker(workerCtx, logging.WithComponent(logger, "trash-purger"), ledger, tuning.TrashPurgeInterval)
	defer trashPurgeStop()

	srv, err := server.New(server.Config{
		Repo:       store,
		Supervisor: sup,
		Schedules:  engine,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	summary := newStartupSummary(startupSummaryInput{
		StorageDriver: driver,
		StorageDSN:    storagePostgresDSN,
		DataPath:      dataFile,
		HistoryDriver: historyDriverValue,
		HistoryConfig: historyCfg,
	})
	logger.Info("streamcast listening", append([]any{"addr", listenAddr, "mode", serverMode}, summary.LogArgs()...)...)
	if tlsCertPath != "" && tlsKeyPath != "" {
		logger.Info("TLS enabled", "cert_file", tlsCertPath)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	errs := make(chan error, 1)
	go func() {
		errs <- serverutil.Run(runCtx, serverutil.Config{
			Server:          httpServer,
			TLS:             serverutil.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
			ShutdownTimeout: 10 * time.Second,
		})
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
		runCancel()
		if err := <-errs; err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	case err := <-errs:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	workerCancel()
	trashPurgeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sup.StopAll(ctx); err != nil {
		logger.Warn("failed to stop active broadcasts", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if err := sink.Close(); err != nil {
		logger.Warn("failed to close history sink", "error", err)
	}

	logger.Info("server stopped")
}

func configureHistorySink(driver string, cfg history.RedisSinkConfig, logger *slog.Logger) (history.Sink, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for history sink")
		}
		cfg.Logger = logging.WithComponent(logger, "history")
		return history.NewRedisSink(cfg)
	case "", "memory":
		return history.NewMemorySink(0), nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, bool, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, true, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via STREAMCAST_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires STREAMCAST_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STREAMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
