// Package sync parses sync command flags and composes the service runtime.
package sync

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/tablesync/internal/platform/cmd"
	server "github.com/louisbranch/tablesync/internal/services/sync/app"
	"github.com/louisbranch/tablesync/internal/services/sync/engine"
	"github.com/louisbranch/tablesync/internal/services/sync/persist"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
	"github.com/louisbranch/tablesync/internal/services/sync/storage/memory"
	"github.com/louisbranch/tablesync/internal/services/sync/storage/redis"
	"github.com/louisbranch/tablesync/internal/services/sync/storage/sqlite"
)

// Store backends accepted by -store.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr   string `env:"TABLESYNC_HTTP_ADDR"   envDefault:":8090"`
	HealthAddr string `env:"TABLESYNC_HEALTH_ADDR" envDefault:":8091"`

	Store    string `env:"TABLESYNC_STORE"     envDefault:"sqlite"`
	DBPath   string `env:"TABLESYNC_DB_PATH"   envDefault:"data/sync.db"`
	RedisURL string `env:"TABLESYNC_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	IdleTimeout      time.Duration `env:"TABLESYNC_IDLE_TIMEOUT"      envDefault:"30m"`
	SweepInterval    time.Duration `env:"TABLESYNC_SWEEP_INTERVAL"    envDefault:"1m"`
	SnapshotEvery    int           `env:"TABLESYNC_SNAPSHOT_EVERY"    envDefault:"100"`
	SnapshotInterval time.Duration `env:"TABLESYNC_SNAPSHOT_INTERVAL" envDefault:"30s"`
	MaxSequenceLag   uint64        `env:"TABLESYNC_MAX_SEQUENCE_LAG"  envDefault:"1000"`

	ChatRate  float64 `env:"TABLESYNC_CHAT_RATE"  envDefault:"2"`
	ChatBurst int     `env:"TABLESYNC_CHAT_BURST" envDefault:"5"`

	PersistShards   int           `env:"TABLESYNC_PERSIST_SHARDS"    envDefault:"4"`
	PersistMaxRetry time.Duration `env:"TABLESYNC_PERSIST_MAX_RETRY" envDefault:"2m"`

	GrantIssuer    string `env:"TABLESYNC_GRANT_ISSUER"`
	GrantAudience  string `env:"TABLESYNC_GRANT_AUDIENCE"`
	GrantPublicKey string `env:"TABLESYNC_GRANT_PUBLIC_KEY"`
	DevIdentity    bool   `env:"TABLESYNC_DEV_IDENTITY" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "durable store backend: sqlite, redis or memory")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis connection URL")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "evict sessions without members after this long")
	fs.IntVar(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "snapshot after this many deltas")
	fs.Uint64Var(&cfg.MaxSequenceLag, "max-sequence-lag", cfg.MaxSequenceLag, "reject submissions whose sequence hint lags further than this")
	fs.BoolVar(&cfg.DevIdentity, "dev-identity", cfg.DevIdentity, "accept user:role tokens (development only)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	return cfg, nil
}

// Run opens the configured store and serves the sync transport.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(ctx context.Context) error {
		auth, err := authenticator(cfg)
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if err := server.Run(ctx, serverConfig(cfg, auth), store); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config, auth server.Authenticator) server.Config {
	return server.Config{
		HTTPAddr:   cfg.HTTPAddr,
		HealthAddr: cfg.HealthAddr,
		Engine: engine.Config{
			IdleTimeout:    cfg.IdleTimeout,
			SweepInterval:  cfg.SweepInterval,
			MaxSequenceLag: cfg.MaxSequenceLag,
			Snapshots: persist.SnapshotPolicy{
				EveryDeltas: cfg.SnapshotEvery,
				Interval:    cfg.SnapshotInterval,
			},
		},
		Persist: persist.Options{
			Shards:     cfg.PersistShards,
			MaxElapsed: cfg.PersistMaxRetry,
		},
		ChatRate:      cfg.ChatRate,
		ChatBurst:     cfg.ChatBurst,
		Authenticator: auth,
	}
}

func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	switch cfg.Store {
	case StoreSQLite:
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case StoreRedis:
		store, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	case StoreMemory:
		log.Printf("sync: using in-memory store; sessions do not survive restarts")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func authenticator(cfg Config) (server.Authenticator, error) {
	if strings.TrimSpace(cfg.GrantPublicKey) == "" {
		if cfg.DevIdentity {
			log.Printf("sync: development identities enabled")
			return server.DevAuthenticator{}, nil
		}
		return nil, errors.New("grant public key is required unless dev identity is enabled")
	}
	key, err := server.ParseGrantKey(cfg.GrantPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse grant public key: %w", err)
	}
	return server.NewGrantAuthenticator(server.GrantConfig{
		Issuer:   cfg.GrantIssuer,
		Audience: cfg.GrantAudience,
		Key:      key,
	})
}
