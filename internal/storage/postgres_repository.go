package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"redisplay/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	OperationTimeout    time.Duration
}

const defaultPostgresOperationTimeout = 5 * time.Second

type postgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultPostgresOperationTimeout
	}
	repo := &postgresRepository{pool: pool, timeout: timeout}
	if err := repo.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) migrate() error {
	ctx, cancel := r.opContext()
	defer cancel()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS views (
			id TEXT PRIMARY KEY,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			data JSONB,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS channel_configs (
			name TEXT PRIMARY KEY,
			playlist JSONB NOT NULL DEFAULT '[]'::jsonb,
			quadrants JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS current_views (
			channel TEXT PRIMARY KEY,
			view_id TEXT NOT NULL REFERENCES views(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres migration: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func persistErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPersist, err)
}

func (r *postgresRepository) UpsertView(view models.View) (models.View, error) {
	id := strings.TrimSpace(view.ID)
	if id == "" {
		return models.View{}, fmt.Errorf("view id is required")
	}
	metadata, err := json.Marshal(view.Metadata)
	if err != nil {
		return models.View{}, fmt.Errorf("encode view metadata: %w", err)
	}
	var data []byte
	if len(view.Data) > 0 {
		data = view.Data
	}
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO views (id, metadata, data, enabled)
		 VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (id) DO UPDATE SET metadata = EXCLUDED.metadata, data = EXCLUDED.data
		 RETURNING enabled`, id, metadata, data)
	var enabled bool
	if err := row.Scan(&enabled); err != nil {
		return models.View{}, persistErr(err)
	}
	view.ID = id
	view.Enabled = enabled
	return view, nil
}

func (r *postgresRepository) RemoveView(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return persistErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The current_views row cascades; playlist and quadrant references are
	// pruned here so the removal stays a single transaction.
	if _, err := tx.Exec(ctx, `DELETE FROM views WHERE id = $1`, id); err != nil {
		return persistErr(err)
	}
	rows, err := tx.Query(ctx, `SELECT name, playlist, quadrants FROM channel_configs`)
	if err != nil {
		return persistErr(err)
	}
	type channelRow struct {
		name      string
		playlist  []string
		quadrants map[string]string
	}
	var updates []channelRow
	for rows.Next() {
		var (
			name          string
			playlistRaw   []byte
			quadrantsRaw  []byte
			playlist      []string
			quadrants     map[string]string
			touchedList   bool
			touchedQuadra bool
		)
		if err := rows.Scan(&name, &playlistRaw, &quadrantsRaw); err != nil {
			rows.Close()
			return persistErr(err)
		}
		if err := json.Unmarshal(playlistRaw, &playlist); err != nil {
			rows.Close()
			return fmt.Errorf("decode playlist for %s: %w", name, err)
		}
		if err := json.Unmarshal(quadrantsRaw, &quadrants); err != nil {
			rows.Close()
			return fmt.Errorf("decode quadrants for %s: %w", name, err)
		}
		pruned := playlist[:0]
		for _, viewID := range playlist {
			if viewID == id {
				touchedList = true
				continue
			}
			pruned = append(pruned, viewID)
		}
		for zone, target := range quadrants {
			if target == id {
				delete(quadrants, zone)
				touchedQuadra = true
			}
		}
		if touchedList || touchedQuadra {
			updates = append(updates, channelRow{name: name, playlist: pruned, quadrants: quadrants})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return persistErr(err)
	}
	for _, update := range updates {
		playlistRaw, err := json.Marshal(update.playlist)
		if err != nil {
			return fmt.Errorf("encode playlist for %s: %w", update.name, err)
		}
		quadrantsRaw, err := json.Marshal(update.quadrants)
		if err != nil {
			return fmt.Errorf("encode quadrants for %s: %w", update.name, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE channel_configs SET playlist = $2, quadrants = $3 WHERE name = $1`,
			update.name, playlistRaw, quadrantsRaw); err != nil {
			return persistErr(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr(err)
	}
	return nil
}

func (r *postgresRepository) SetViewEnabled(id string, enabled bool) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE views SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return persistErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("view %s not found", id)
	}
	return nil
}

func scanView(row pgx.Row) (models.View, error) {
	var (
		view        models.View
		metadataRaw []byte
		dataRaw     []byte
	)
	if err := row.Scan(&view.ID, &metadataRaw, &dataRaw, &view.Enabled); err != nil {
		return models.View{}, err
	}
	if err := json.Unmarshal(metadataRaw, &view.Metadata); err != nil {
		return models.View{}, fmt.Errorf("decode view metadata: %w", err)
	}
	if len(dataRaw) > 0 {
		view.Data = append(json.RawMessage(nil), dataRaw...)
	}
	return view, nil
}

func (r *postgresRepository) GetView(id string) (models.View, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	view, err := scanView(r.pool.QueryRow(ctx,
		`SELECT id, metadata, data, enabled FROM views WHERE id = $1`, id))
	if err != nil {
		return models.View{}, false
	}
	return view, true
}

func (r *postgresRepository) listViews(onlyEnabled bool) []models.View {
	ctx, cancel := r.opContext()
	defer cancel()
	query := `SELECT id, metadata, data, enabled FROM views ORDER BY id`
	if onlyEnabled {
		query = `SELECT id, metadata, data, enabled FROM views WHERE enabled ORDER BY id`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var views []models.View
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			return views
		}
		views = append(views, view)
	}
	return views
}

func (r *postgresRepository) ListViews() []models.View {
	return r.listViews(false)
}

func (r *postgresRepository) EnabledViews() []models.View {
	return r.listViews(true)
}

func (r *postgresRepository) channelConfig(ctx context.Context, channel string) (models.ChannelConfig, error) {
	var (
		playlistRaw  []byte
		quadrantsRaw []byte
		cfg          models.ChannelConfig
	)
	err := r.pool.QueryRow(ctx,
		`SELECT playlist, quadrants FROM channel_configs WHERE name = $1`, channel).
		Scan(&playlistRaw, &quadrantsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(playlistRaw, &cfg.Views); err != nil {
		return cfg, fmt.Errorf("decode playlist for %s: %w", channel, err)
	}
	if err := json.Unmarshal(quadrantsRaw, &cfg.Quadrants); err != nil {
		return cfg, fmt.Errorf("decode quadrants for %s: %w", channel, err)
	}
	return cfg, nil
}

func (r *postgresRepository) Playlist(channel string) []string {
	ctx, cancel := r.opContext()
	defer cancel()
	cfg, err := r.channelConfig(ctx, channel)
	if err != nil {
		return nil
	}
	return cfg.Views
}

func (r *postgresRepository) SetPlaylist(channel string, viewIDs []string) error {
	playlist := make([]string, 0, len(viewIDs))
	for _, id := range viewIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			playlist = append(playlist, trimmed)
		}
	}
	raw, err := json.Marshal(playlist)
	if err != nil {
		return fmt.Errorf("encode playlist: %w", err)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO channel_configs (name, playlist)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET playlist = EXCLUDED.playlist`, channel, raw)
	return persistErr(err)
}

func (r *postgresRepository) QuadrantMap(channel string) map[string]string {
	ctx, cancel := r.opContext()
	defer cancel()
	cfg, err := r.channelConfig(ctx, channel)
	if err != nil || cfg.Quadrants == nil {
		return map[string]string{}
	}
	return cfg.Quadrants
}

func (r *postgresRepository) SetQuadrantMap(channel string, quadrants map[string]string) error {
	filtered := make(map[string]string, len(quadrants))
	for zone, target := range quadrants {
		if zone == models.QuadrantCenter {
			continue
		}
		filtered[zone] = strings.TrimSpace(target)
	}
	raw, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("encode quadrants: %w", err)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO channel_configs (name, quadrants)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET quadrants = EXCLUDED.quadrants`, channel, raw)
	return persistErr(err)
}

func (r *postgresRepository) ChannelNames() []string {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT name FROM channel_configs UNION SELECT channel FROM current_views`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *postgresRepository) CurrentView(channel string) (string, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	var viewID string
	err := r.pool.QueryRow(ctx,
		`SELECT view_id FROM current_views WHERE channel = $1`, channel).Scan(&viewID)
	if err != nil {
		return "", false
	}
	return viewID, true
}

func (r *postgresRepository) SetCurrentView(channel, viewID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	if viewID == "" {
		_, err := r.pool.Exec(ctx, `DELETE FROM current_views WHERE channel = $1`, channel)
		return persistErr(err)
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO current_views (channel, view_id)
		 SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM views WHERE id = $2)
		 ON CONFLICT (channel) DO UPDATE SET view_id = EXCLUDED.view_id`, channel, viewID)
	if err != nil {
		return persistErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("view %s not found", viewID)
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
