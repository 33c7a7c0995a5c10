// Command server starts the redisplay rotation HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"redisplay/internal/api"
	"redisplay/internal/hub"
	"redisplay/internal/observability/logging"
	"redisplay/internal/observability/metrics"
	"redisplay/internal/rotation"
	"redisplay/internal/server"
	"redisplay/internal/serverutil"
	"redisplay/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json, redis or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	storageRedisAddr := flag.String("storage-redis-addr", "", "Redis address for the datastore")
	storageRedisAddrs := flag.String("storage-redis-addrs", "", "comma separated Redis addresses for the datastore")
	storageRedisUsername := flag.String("storage-redis-username", "", "Redis username for the datastore")
	storageRedisPassword := flag.String("storage-redis-password", "", "Redis password for the datastore")
	storageRedisDB := flag.Int("storage-redis-db", 0, "Redis database index for the datastore")
	storageRedisPrefix := flag.String("storage-redis-prefix", "", "key prefix for datastore Redis keys")
	storageRedisMasterName := flag.String("storage-redis-sentinel-master", "", "Redis sentinel master name for the datastore")
	storageRedisPoolSize := flag.Int("storage-redis-pool-size", 0, "maximum Redis connections for the datastore")
	storageRedisTLSCA := flag.String("storage-redis-tls-ca", "", "path to Redis TLS CA certificate for the datastore")
	storageRedisTLSCert := flag.String("storage-redis-tls-cert", "", "path to Redis TLS client certificate for the datastore")
	storageRedisTLSKey := flag.String("storage-redis-tls-key", "", "path to Redis TLS client key for the datastore")
	storageRedisTLSServerName := flag.String("storage-redis-tls-server-name", "", "override Redis TLS server name for the datastore")
	storageRedisTLSSkipVerify := flag.Bool("storage-redis-tls-skip-verify", false, "skip Redis TLS verification for the datastore")
	relayDriver := flag.String("relay-driver", "", "event relay driver (none or redis)")
	relayRedisAddr := flag.String("relay-redis-addr", "", "Redis address for the event relay")
	relayRedisAddrs := flag.String("relay-redis-addrs", "", "comma separated Redis addresses for the event relay")
	relayRedisUsername := flag.String("relay-redis-username", "", "Redis username for the event relay")
	relayRedisPassword := flag.String("relay-redis-password", "", "Redis password for the event relay")
	relayRedisStream := flag.String("relay-redis-stream", "", "Redis stream key for relayed view changes")
	relayRedisGroup := flag.String("relay-redis-group", "", "Redis consumer group for the event relay")
	relayRedisMasterName := flag.String("relay-redis-sentinel-master", "", "Redis sentinel master name for the event relay")
	relayRedisPoolSize := flag.Int("relay-redis-pool-size", 0, "maximum Redis connections for the event relay")
	relayRedisTLSCA := flag.String("relay-redis-tls-ca", "", "path to Redis TLS CA certificate for the event relay")
	relayRedisTLSCert := flag.String("relay-redis-tls-cert", "", "path to Redis TLS client certificate for the event relay")
	relayRedisTLSKey := flag.String("relay-redis-tls-key", "", "path to Redis TLS client key for the event relay")
	relayRedisTLSServerName := flag.String("relay-redis-tls-server-name", "", "override Redis TLS server name for the event relay")
	relayRedisTLSSkipVerify := flag.Bool("relay-redis-tls-skip-verify", false, "skip Redis TLS verification for the event relay")
	controlOrigins := flag.String("control-origins", "", "comma separated origins allowed for the control API")
	displayOrigins := flag.String("display-origins", "", "comma separated origins allowed for display clients")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("REDISPLAY_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("REDISPLAY_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("REDISPLAY_ADDR"), ":8080")

	store, err := openRepository(repositorySettings{
		driver:    firstNonEmpty(*storageDriver, os.Getenv("REDISPLAY_STORAGE_DRIVER"), "json"),
		dataPath:  firstNonEmpty(*dataPath, os.Getenv("REDISPLAY_DATA"), "data/state.json"),
		postgres:  resolvePostgres(*postgresDSN, *postgresMaxConns, *postgresMinConns, *postgresConnectTimeout, *postgresAppName),
		redis:     resolveStorageRedis(storageRedisSettings{
			addr:          *storageRedisAddr,
			addrs:         *storageRedisAddrs,
			username:      *storageRedisUsername,
			password:      *storageRedisPassword,
			db:            *storageRedisDB,
			prefix:        *storageRedisPrefix,
			masterName:    *storageRedisMasterName,
			poolSize:      *storageRedisPoolSize,
			tlsCA:         *storageRedisTLSCA,
			tlsCert:       *storageRedisTLSCert,
			tlsKey:        *storageRedisTLSKey,
			tlsServerName: *storageRedisTLSServerName,
			tlsSkipVerify: *storageRedisTLSSkipVerify,
		}),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	relay, err := configureRelay(
		firstNonEmpty(*relayDriver, os.Getenv("REDISPLAY_RELAY_DRIVER")),
		hub.RedisRelayConfig{
			Addr:       firstNonEmpty(*relayRedisAddr, os.Getenv("REDISPLAY_RELAY_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*relayRedisAddrs, os.Getenv("REDISPLAY_RELAY_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*relayRedisUsername, os.Getenv("REDISPLAY_RELAY_REDIS_USERNAME")),
			Password:   firstNonEmpty(*relayRedisPassword, os.Getenv("REDISPLAY_RELAY_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*relayRedisStream, os.Getenv("REDISPLAY_RELAY_REDIS_STREAM")),
			Group:      firstNonEmpty(*relayRedisGroup, os.Getenv("REDISPLAY_RELAY_REDIS_GROUP")),
			MasterName: firstNonEmpty(*relayRedisMasterName, os.Getenv("REDISPLAY_RELAY_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*relayRedisPoolSize, "REDISPLAY_RELAY_REDIS_POOL_SIZE"),
			TLS: hub.RedisTLSConfig{
				CAFile:             firstNonEmpty(*relayRedisTLSCA, os.Getenv("REDISPLAY_RELAY_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*relayRedisTLSCert, os.Getenv("REDISPLAY_RELAY_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*relayRedisTLSKey, os.Getenv("REDISPLAY_RELAY_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*relayRedisTLSServerName, os.Getenv("REDISPLAY_RELAY_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*relayRedisTLSSkipVerify, "REDISPLAY_RELAY_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to configure event relay", "error", err)
		os.Exit(1)
	}

	eventHub := hub.New(hub.Config{
		Relay:   relay,
		Logger:  logging.WithComponent(logger, "hub"),
		Metrics: recorder,
	})

	engine := rotation.NewEngine(rotation.Config{
		Store:     store,
		Publisher: eventHub,
		Logger:    logging.WithComponent(logger, "rotation"),
		Metrics:   recorder,
	})
	engine.Restore()

	handler := api.NewHandler(store, engine, eventHub, logging.WithComponent(logger, "api"))

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		CORS: server.CORSConfig{
			ControlOrigins: splitAndTrim(firstNonEmpty(*controlOrigins, os.Getenv("REDISPLAY_CONTROL_ORIGINS"))),
			DisplayOrigins: splitAndTrim(firstNonEmpty(*displayOrigins, os.Getenv("REDISPLAY_DISPLAY_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("redisplay listening", "addr", listenAddr)
	if relay != nil {
		logger.Info("event relay enabled", "driver", "redis")
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	err = serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("REDISPLAY_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("REDISPLAY_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "REDISPLAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		Background: []func(context.Context) error{
			eventHub.Run,
		},
	})

	engine.Stop()
	closeRepository(store, logger)
	if closer, ok := relay.(interface{ Close() error }); ok {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Warn("failed to close event relay", "error", closeErr)
		}
	}

	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type postgresSettings struct {
	dsn            string
	maxConns       int
	minConns       int
	connectTimeout time.Duration
	appName        string
}

type storageRedisSettings struct {
	addr          string
	addrs         string
	username      string
	password      string
	db            int
	prefix        string
	masterName    string
	poolSize      int
	tlsCA         string
	tlsCert       string
	tlsKey        string
	tlsServerName string
	tlsSkipVerify bool
}

type repositorySettings struct {
	driver   string
	dataPath string
	postgres storage.PostgresConfig
	redis    storage.RedisConfig
}

func openRepository(cfg repositorySettings) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.driver)) {
	case "", "json":
		return storage.NewJSONRepository(cfg.dataPath)
	case "redis":
		if len(cfg.redis.Addrs) == 0 && strings.TrimSpace(cfg.redis.Addr) == "" {
			return nil, fmt.Errorf("redis storage selected without an address")
		}
		return storage.NewRedisRepository(cfg.redis)
	case "postgres":
		if strings.TrimSpace(cfg.postgres.DSN) == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(cfg.postgres)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.driver)
	}
}

func resolvePostgres(dsn string, maxConns, minConns int, connectTimeout time.Duration, appName string) storage.PostgresConfig {
	return storage.PostgresConfig{
		DSN:             strings.TrimSpace(firstNonEmpty(dsn, os.Getenv("REDISPLAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))),
		MaxConnections:  int32(resolveInt(maxConns, "REDISPLAY_POSTGRES_MAX_CONNS")),
		MinConnections:  int32(resolveInt(minConns, "REDISPLAY_POSTGRES_MIN_CONNS")),
		ConnectTimeout:  resolveDuration(connectTimeout, "REDISPLAY_POSTGRES_CONNECT_TIMEOUT", 0),
		ApplicationName: firstNonEmpty(appName, os.Getenv("REDISPLAY_POSTGRES_APP_NAME")),
	}
}

func resolveStorageRedis(s storageRedisSettings) storage.RedisConfig {
	return storage.RedisConfig{
		Addr:       firstNonEmpty(s.addr, os.Getenv("REDISPLAY_STORAGE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(s.addrs, os.Getenv("REDISPLAY_STORAGE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(s.username, os.Getenv("REDISPLAY_STORAGE_REDIS_USERNAME")),
		Password:   firstNonEmpty(s.password, os.Getenv("REDISPLAY_STORAGE_REDIS_PASSWORD")),
		DB:         resolveInt(s.db, "REDISPLAY_STORAGE_REDIS_DB"),
		Prefix:     firstNonEmpty(s.prefix, os.Getenv("REDISPLAY_STORAGE_REDIS_PREFIX")),
		MasterName: firstNonEmpty(s.masterName, os.Getenv("REDISPLAY_STORAGE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(s.poolSize, "REDISPLAY_STORAGE_REDIS_POOL_SIZE"),
		TLS: storage.RedisTLSConfig{
			CAFile:             firstNonEmpty(s.tlsCA, os.Getenv("REDISPLAY_STORAGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(s.tlsCert, os.Getenv("REDISPLAY_STORAGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(s.tlsKey, os.Getenv("REDISPLAY_STORAGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(s.tlsServerName, os.Getenv("REDISPLAY_STORAGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(s.tlsSkipVerify, "REDISPLAY_STORAGE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
}

func configureRelay(driver string, cfg hub.RedisRelayConfig, logger *slog.Logger) (hub.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none":
		return nil, nil
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event relay")
		}
		cfg.Logger = logging.WithComponent(logger, "relay")
		return hub.NewRedisRelay(cfg)
	default:
		return nil, fmt.Errorf("unsupported relay driver %q", driver)
	}
}

func closeRepository(store storage.Repository, logger *slog.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
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
	return fallback
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
