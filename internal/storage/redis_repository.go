package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"redisplay/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed datastore driver.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// redisRepository keeps the authoritative dataset in memory, identical to the
// JSON driver, and writes through to Redis hashes on every mutation. All four
// collections for one operation are flushed inside a single transactional
// pipeline so readers of Redis never observe a half-applied operation.
type redisRepository struct {
	mu      sync.RWMutex
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	data    dataset
}

// NewRedisRepository connects to Redis, loads any existing dataset, and
// returns the driver as a Repository.
func NewRedisRepository(cfg RedisConfig) (Repository, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "redisplay"
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	repo := &redisRepository{client: client, prefix: prefix, timeout: timeout, data: newDataset()}
	if err := repo.loadAll(); err != nil {
		client.Close()
		return nil, err
	}
	return repo, nil
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func (r *redisRepository) key(collection string) string {
	return r.prefix + ":" + collection
}

func (r *redisRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *redisRepository) loadAll() error {
	ctx, cancel := r.opContext()
	defer cancel()

	views, err := r.client.HGetAll(ctx, r.key("views")).Result()
	if err != nil {
		return fmt.Errorf("load views: %w", err)
	}
	for id, raw := range views {
		var view storedView
		if err := json.Unmarshal([]byte(raw), &view); err != nil {
			return fmt.Errorf("decode view %s: %w", id, err)
		}
		r.data.Views[id] = view
	}
	enabled, err := r.client.HGetAll(ctx, r.key("enabled")).Result()
	if err != nil {
		return fmt.Errorf("load enabled flags: %w", err)
	}
	for id, raw := range enabled {
		r.data.Enabled[id] = raw == "1"
	}
	channels, err := r.client.HGetAll(ctx, r.key("channels")).Result()
	if err != nil {
		return fmt.Errorf("load channel configs: %w", err)
	}
	for name, raw := range channels {
		var cfg models.ChannelConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("decode channel %s: %w", name, err)
		}
		r.data.Channels[name] = cfg
	}
	current, err := r.client.HGetAll(ctx, r.key("current")).Result()
	if err != nil {
		return fmt.Errorf("load current views: %w", err)
	}
	for channel, viewID := range current {
		r.data.CurrentViews[channel] = viewID
	}
	return nil
}

// flushLocked rewrites every collection in one transactional pipeline. The
// dataset is small (a display catalog, not a media library) so whole-state
// writes keep the crash-consistency story identical to the JSON driver.
func (r *redisRepository) flushLocked() error {
	ctx, cancel := r.opContext()
	defer cancel()

	viewFields := make(map[string]interface{}, len(r.data.Views))
	for id, view := range r.data.Views {
		raw, err := json.Marshal(view)
		if err != nil {
			return fmt.Errorf("%w: encode view %s: %v", ErrPersist, id, err)
		}
		viewFields[id] = string(raw)
	}
	enabledFields := make(map[string]interface{}, len(r.data.Enabled))
	for id, enabled := range r.data.Enabled {
		value := "0"
		if enabled {
			value = "1"
		}
		enabledFields[id] = value
	}
	channelFields := make(map[string]interface{}, len(r.data.Channels))
	for name, cfg := range r.data.Channels {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("%w: encode channel %s: %v", ErrPersist, name, err)
		}
		channelFields[name] = string(raw)
	}
	currentFields := make(map[string]interface{}, len(r.data.CurrentViews))
	for channel, viewID := range r.data.CurrentViews {
		currentFields[channel] = viewID
	}

	pipe := r.client.TxPipeline()
	for _, collection := range []struct {
		key    string
		fields map[string]interface{}
	}{
		{r.key("views"), viewFields},
		{r.key("enabled"), enabledFields},
		{r.key("channels"), channelFields},
		{r.key("current"), currentFields},
	} {
		pipe.Del(ctx, collection.key)
		if len(collection.fields) > 0 {
			pipe.HSet(ctx, collection.key, collection.fields)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (r *redisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisRepository) Close() error {
	return r.client.Close()
}

func (r *redisRepository) UpsertView(view models.View) (models.View, error) {
	id := strings.TrimSpace(view.ID)
	if id == "" {
		return models.View{}, fmt.Errorf("view id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Views[id]; !exists {
		r.data.Enabled[id] = true
	}
	r.data.Views[id] = storedView{ID: id, Metadata: view.Metadata, Data: append(json.RawMessage(nil), view.Data...)}
	stored := r.viewLocked(id)
	if err := r.flushLocked(); err != nil {
		return stored, err
	}
	return stored, nil
}

func (r *redisRepository) RemoveView(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Views[id]; !exists {
		return nil
	}
	delete(r.data.Views, id)
	delete(r.data.Enabled, id)
	for name, cfg := range r.data.Channels {
		r.data.Channels[name] = pruneViewFromConfig(cfg, id)
	}
	for channel, current := range r.data.CurrentViews {
		if current == id {
			delete(r.data.CurrentViews, channel)
		}
	}
	return r.flushLocked()
}

func (r *redisRepository) SetViewEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Views[id]; !exists {
		return fmt.Errorf("view %s not found", id)
	}
	r.data.Enabled[id] = enabled
	return r.flushLocked()
}

func (r *redisRepository) viewLocked(id string) models.View {
	stored := r.data.Views[id]
	return models.View{
		ID:       stored.ID,
		Metadata: stored.Metadata,
		Data:     append(json.RawMessage(nil), stored.Data...),
		Enabled:  r.data.Enabled[id],
	}
}

func (r *redisRepository) GetView(id string) (models.View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, exists := r.data.Views[id]; !exists {
		return models.View{}, false
	}
	return r.viewLocked(id), true
}

func (r *redisRepository) ListViews() []models.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]models.View, 0, len(r.data.Views))
	for id := range r.data.Views {
		views = append(views, r.viewLocked(id))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func (r *redisRepository) EnabledViews() []models.View {
	all := r.ListViews()
	enabled := all[:0]
	for _, view := range all {
		if view.Enabled {
			enabled = append(enabled, view)
		}
	}
	return enabled
}

func (r *redisRepository) Playlist(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.data.Channels[channel]
	if !ok || len(cfg.Views) == 0 {
		return nil
	}
	return append([]string(nil), cfg.Views...)
}

func (r *redisRepository) SetPlaylist(channel string, viewIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.data.Channels[channel]
	cfg.Views = nil
	for _, id := range viewIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			cfg.Views = append(cfg.Views, trimmed)
		}
	}
	r.data.Channels[channel] = cfg
	return r.flushLocked()
}

func (r *redisRepository) QuadrantMap(channel string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.data.Channels[channel]
	if !ok {
		return map[string]string{}
	}
	quadrants := make(map[string]string, len(cfg.Quadrants))
	for zone, target := range cfg.Quadrants {
		quadrants[zone] = target
	}
	return quadrants
}

func (r *redisRepository) SetQuadrantMap(channel string, quadrants map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.data.Channels[channel]
	cfg.Quadrants = make(map[string]string, len(quadrants))
	for zone, target := range quadrants {
		if zone == models.QuadrantCenter {
			continue
		}
		cfg.Quadrants[zone] = strings.TrimSpace(target)
	}
	r.data.Channels[channel] = cfg
	return r.flushLocked()
}

func (r *redisRepository) ChannelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.data.Channels))
	for name := range r.data.Channels {
		seen[name] = struct{}{}
	}
	for name := range r.data.CurrentViews {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *redisRepository) CurrentView(channel string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.data.CurrentViews[channel]
	return id, ok
}

func (r *redisRepository) SetCurrentView(channel, viewID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if viewID == "" {
		delete(r.data.CurrentViews, channel)
	} else {
		if _, exists := r.data.Views[viewID]; !exists {
			return fmt.Errorf("view %s not found", viewID)
		}
		r.data.CurrentViews[channel] = viewID
	}
	return r.flushLocked()
}

var _ Repository = (*redisRepository)(nil)
