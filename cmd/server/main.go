// Command server starts the dropgate session broker HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dropgate/internal/api"
	"dropgate/internal/backend"
	"dropgate/internal/observability/logging"
	"dropgate/internal/observability/metrics"
	"dropgate/internal/server"
	"dropgate/internal/session"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	storeDriver := flag.String("store", "", "coordination store driver (redis, postgres or memory)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the coordination store")
	redisUsername := flag.String("redis-username", "", "Redis username for the coordination store")
	redisPassword := flag.String("redis-password", "", "Redis password for the coordination store")
	redisDB := flag.Int("redis-db", 0, "Redis database index for the coordination store")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the coordination store")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the coordination store")
	backendURL := flag.String("backend", "", "base URL of the storage backend (e.g. http://storage:9000)")
	backendTimeout := flag.Duration("backend-timeout", 0, "timeout for backend provisioning requests")
	backendMaxConcurrent := flag.Int("backend-max-concurrent", 0, "maximum in-flight backend provisioning requests")
	sessionTTL := flag.Duration("session-ttl", 0, "expiry window for unconsumed sessions")
	retryLengths := flag.String("id-retry-lengths", "", "comma separated identifier lengths tried on collision (e.g. 6,7,8)")
	purgeInterval := flag.Duration("purge-interval", 0, "interval between expired session sweeps (postgres store only)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DROPGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DROPGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("DROPGATE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("DROPGATE_ADDR"))

	backendBase := firstNonEmpty(*backendURL, os.Getenv("DROPGATE_BACKEND"))
	if backendBase == "" {
		logger.Error("no storage backend configured: provide --backend or DROPGATE_BACKEND")
		os.Exit(1)
	}
	backendClient, err := backend.New(backend.Config{
		BaseURL:       backendBase,
		Timeout:       resolveDuration(*backendTimeout, "DROPGATE_BACKEND_TIMEOUT", 0),
		MaxConcurrent: int64(resolveInt(*backendMaxConcurrent, "DROPGATE_BACKEND_MAX_CONCURRENT")),
	})
	if err != nil {
		logger.Error("failed to configure backend client", "error", err)
		os.Exit(1)
	}

	storeConfig, err := resolveStoreConfig(
		*storeDriver,
		os.Getenv("DROPGATE_STORE"),
		firstNonEmpty(*redisAddr, os.Getenv("DROPGATE_REDIS_ADDR")),
		firstNonEmpty(*postgresDSN, os.Getenv("DROPGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
	)
	if err != nil {
		logger.Error("failed to resolve coordination store", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && storeConfig.Driver == "memory" {
		logger.Error("production mode requires a redis or postgres coordination store")
		os.Exit(1)
	}

	var (
		store         session.Store
		postgresStore *session.PostgresStore
	)
	switch storeConfig.Driver {
	case "redis":
		redisStore, err := session.NewRedisStore(session.RedisConfig{
			Addr:         storeConfig.RedisAddr,
			Username:     firstNonEmpty(*redisUsername, os.Getenv("DROPGATE_REDIS_USERNAME")),
			Password:     firstNonEmpty(*redisPassword, os.Getenv("DROPGATE_REDIS_PASSWORD")),
			DB:           resolveInt(*redisDB, "DROPGATE_REDIS_DB"),
			DialTimeout:  resolveDuration(*redisTimeout, "DROPGATE_REDIS_TIMEOUT", 0),
			ReadTimeout:  resolveDuration(*redisTimeout, "DROPGATE_REDIS_TIMEOUT", 0),
			WriteTimeout: resolveDuration(*redisTimeout, "DROPGATE_REDIS_TIMEOUT", 0),
			PoolSize:     resolveInt(*redisPoolSize, "DROPGATE_REDIS_POOL_SIZE"),
		})
		if err != nil {
			logger.Error("failed to open redis store", "error", err)
			os.Exit(1)
		}
		store = redisStore
	case "postgres":
		pgStore, err := session.NewPostgresStore(storeConfig.PostgresDSN)
		if err != nil {
			logger.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		store = pgStore
		postgresStore = pgStore
	case "memory":
		logger.Warn("memory store selected; sessions are not shared across processes")
		store = session.NewMemoryStore()
	default:
		logger.Error("unsupported store driver", "driver", storeConfig.Driver)
		os.Exit(1)
	}

	managerOpts := []session.Option{
		session.WithLogger(logging.WithComponent(logger, "sessions")),
	}
	if ttl := resolveDuration(*sessionTTL, "DROPGATE_SESSION_TTL", 0); ttl > 0 {
		managerOpts = append(managerOpts, session.WithTTL(ttl))
	}
	lengths, err := parseRetryLengths(firstNonEmpty(*retryLengths, os.Getenv("DROPGATE_ID_RETRY_LENGTHS")))
	if err != nil {
		logger.Error("invalid identifier retry lengths", "error", err)
		os.Exit(1)
	}
	if len(lengths) > 0 {
		managerOpts = append(managerOpts, session.WithRetryLengths(lengths))
	}
	sessions := session.NewManager(store, backendClient, managerOpts...)

	handler := api.NewHandler(sessions)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder

	srv := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DROPGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DROPGATE_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var purgeStop func()
	if postgresStore != nil {
		interval := resolveDuration(*purgeInterval, "DROPGATE_PURGE_INTERVAL", 15*time.Minute)
		purgeStop = startPurgeWorker(ctx, logging.WithComponent(logger, "purger"), postgresStore, interval)
	}

	logger.Info("dropgate listening", "addr", listenAddr, "mode", serverMode, "store", storeConfig.Driver, "backend", backendClient.Address())
	logger.Info("metrics endpoint available", "path", "/metrics")

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}

	if purgeStop != nil {
		purgeStop()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close coordination store", "error", err)
	}

	logger.Info("server stopped")
}

type storeConfig struct {
	Driver      string
	RedisAddr   string
	PostgresDSN string
}

// resolveStoreConfig picks the coordination store driver. An explicit driver
// wins; otherwise whichever connection setting is present selects it, and a
// bare invocation falls back to the in-process memory store.
func resolveStoreConfig(flagDriver, envDriver, redisAddr, postgresDSN string) (storeConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}
	if driver == "" {
		switch {
		case redisAddr != "":
			driver = "redis"
		case postgresDSN != "":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "redis":
		if redisAddr == "" {
			return storeConfig{}, fmt.Errorf("redis store selected without --redis-addr or DROPGATE_REDIS_ADDR")
		}
		return storeConfig{Driver: "redis", RedisAddr: redisAddr}, nil
	case "postgres":
		if postgresDSN == "" {
			return storeConfig{}, fmt.Errorf("postgres store selected without DSN")
		}
		return storeConfig{Driver: "postgres", PostgresDSN: postgresDSN}, nil
	case "memory":
		return storeConfig{Driver: "memory"}, nil
	default:
		return storeConfig{}, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func parseRetryLengths(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	lengths := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse length %q: %w", part, err)
		}
		if value <= 0 {
			return nil, fmt.Errorf("length must be positive, got %d", value)
		}
		lengths = append(lengths, value)
	}
	return lengths, nil
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

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
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
