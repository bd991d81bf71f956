package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/config"
	"github.com/Mindburn-Labs/helm-timelock/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// backend pairs the timelock tables with the idempotency keyspace living
// next to them.
type backend struct {
	store       store.Store
	idempotency api.IdempotencyStore
}

func (b *backend) Close() error {
	return b.store.Close()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("memory store: announcements do not survive restarts")
		return &backend{
			store:       store.NewMemoryStore(),
			idempotency: api.NewMemoryIdempotencyStore(cfg.IdempotencyTTL),
		}, nil

	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		logger.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
		db, err := sql.Open("sqlite", sqliteDSN(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// A single connection serializes writers instead of surfacing SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return openSQL(ctx, cfg, db, store.DialectSQLite)

	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("using postgres store")
		return openSQL(ctx, cfg, db, store.DialectPostgres)

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := store.NewRedisStoreWithClient(rdb, strings.TrimSuffix(cfg.RedisPrefix, ":")).WithLease(cfg.RedisLease)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("using redis store", "addr", cfg.RedisAddr, "lease", rs.Lease())
		return &backend{
			store:       rs,
			idempotency: api.NewRedisIdempotencyStore(rs.Client(), rs.Prefix()+":", cfg.IdempotencyTTL),
		}, nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func openSQL(ctx context.Context, cfg *config.Config, db *sql.DB, dialect store.Dialect) (*backend, error) {
	st := store.NewSQLStore(db, dialect)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	idem := api.NewSQLIdempotencyStore(st.DB(), st.Dialect(), cfg.IdempotencyTTL)
	if err := idem.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idem.Cleanup(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &backend{store: st, idempotency: idem}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}
