// Command migrate copies the full dataset from a JSON datastore into a Redis
// or Postgres deployment, for example when promoting a single-node setup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"redisplay/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/state.json", "path to the JSON datastore to migrate")
	targetDriver := flag.String("target", "", "target datastore driver (redis or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database index")
	redisPrefix := flag.String("redis-prefix", "", "key prefix for Redis keys")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON snapshot", "path", *jsonPath,
		"views", len(snapshot.Views), "channels", len(snapshot.Channels))

	repo, err := openTarget(*targetDriver, *postgresDSN, storage.RedisConfig{
		Addr:     strings.TrimSpace(*redisAddr),
		Username: strings.TrimSpace(*redisUsername),
		Password: *redisPassword,
		DB:       *redisDB,
		Prefix:   strings.TrimSpace(*redisPrefix),
	})
	if err != nil {
		logger.Error("failed to open target datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Warn("failed to close target datastore", "error", closeErr)
		}
	}()

	if err := storage.ImportSnapshot(repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verify(repo, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed",
		"views", len(snapshot.Views), "channels", len(snapshot.Channels))
}

func openTarget(driver, dsn string, redisCfg storage.RedisConfig) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("REDISPLAY_POSTGRES_DSN"))
		}
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres DSN required: set --postgres-dsn, REDISPLAY_POSTGRES_DSN, or DATABASE_URL")
		}
		return storage.NewPostgresRepository(storage.PostgresConfig{DSN: dsn})
	case "redis":
		if redisCfg.Addr == "" {
			redisCfg.Addr = strings.TrimSpace(os.Getenv("REDISPLAY_STORAGE_REDIS_ADDR"))
		}
		if redisCfg.Addr == "" {
			return nil, fmt.Errorf("redis address required: set --redis-addr or REDISPLAY_STORAGE_REDIS_ADDR")
		}
		return storage.NewRedisRepository(redisCfg)
	default:
		return nil, fmt.Errorf("unsupported target driver %q, expected redis or postgres", driver)
	}
}

// verify re-reads the target and compares it against the snapshot so a
// half-applied import never reports success.
func verify(repo storage.Repository, snapshot *storage.Snapshot) error {
	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping target: %w", err)
	}
	imported := storage.ExportSnapshot(repo)
	if len(imported.Views) != len(snapshot.Views) {
		return fmt.Errorf("view count mismatch: expected %d, got %d", len(snapshot.Views), len(imported.Views))
	}
	for id, view := range snapshot.Views {
		got, ok := imported.Views[id]
		if !ok {
			return fmt.Errorf("view %s missing from target", id)
		}
		if got.Enabled != view.Enabled {
			return fmt.Errorf("enabled flag mismatch for view %s", id)
		}
	}
	for name, cfg := range snapshot.Channels {
		got, ok := imported.Channels[name]
		if !ok {
			return fmt.Errorf("channel %s missing from target", name)
		}
		if len(got.Views) != len(cfg.Views) {
			return fmt.Errorf("playlist length mismatch for channel %s", name)
		}
	}
	for channel, viewID := range snapshot.CurrentViews {
		if got, ok := imported.CurrentViews[channel]; !ok || got != viewID {
			return fmt.Errorf("current view mismatch for channel %s", channel)
		}
	}
	return nil
}
