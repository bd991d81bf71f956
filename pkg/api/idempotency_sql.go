package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/store"
)

// SQLIdempotencyStore keeps idempotent responses in a SQL table so replays
// survive restarts. It shares the database of the timelock store.
type SQLIdempotencyStore struct {
	db      *sql.DB
	dialect store.Dialect
	ttl     time.Duration
	logger  *slog.Logger
}

// NewSQLIdempotencyStore creates the store. Call Init before first use.
func NewSQLIdempotencyStore(db *sql.DB, dialect store.Dialect, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{
		db:      db,
		dialect: dialect,
		ttl:     ttl,
		logger:  slog.Default().With("component", "idempotency"),
	}
}

// Init creates the table when missing.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == store.DialectPostgres {
		blob = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS timelock_idempotency_keys (
	idem_key TEXT PRIMARY KEY,
	request_digest TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	body `+blob+` NOT NULL,
	cached_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("idempotency: init schema: %w", err)
	}
	return nil
}

// Check implements IdempotencyStore.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		resp     CachedResponse
		cachedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		store.Rebind(s.dialect, `SELECT request_digest, status_code, content_type, body, cached_at FROM timelock_idempotency_keys WHERE idem_key = ?`),
		key,
	).Scan(&resp.RequestDigest, &resp.StatusCode, &resp.ContentType, &resp.Body, &cachedAt)
	if err != nil {
		return nil, false
	}

	resp.CachedAt = time.Unix(0, cachedAt)
	if time.Since(resp.CachedAt) >= s.ttl {
		_, _ = s.db.ExecContext(ctx, store.Rebind(s.dialect, `DELETE FROM timelock_idempotency_keys WHERE idem_key = ?`), key)
		return nil, false
	}
	return &resp, true
}

// Set implements IdempotencyStore. Failures are logged; the request itself
// already succeeded.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, store.Rebind(s.dialect, `
		INSERT INTO timelock_idempotency_keys (idem_key, request_digest, status_code, content_type, body, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO UPDATE SET
			request_digest = excluded.request_digest,
			status_code = excluded.status_code,
			content_type = excluded.content_type,
			body = excluded.body,
			cached_at = excluded.cached_at`),
		key, resp.RequestDigest, resp.StatusCode, resp.ContentType, resp.Body, resp.CachedAt.UnixNano(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to store idempotency key", "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		store.Rebind(s.dialect, `DELETE FROM timelock_idempotency_keys WHERE cached_at < ?`),
		time.Now().Add(-s.ttl).UnixNano(),
	)
	return err
}
