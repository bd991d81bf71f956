package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// Dialect selects placeholder syntax and schema types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
//
// Several processes may share one database. On Postgres, announcement reads
// take row locks (SELECT ... FOR UPDATE) and creates never overwrite, so a
// racing announce or execute either waits for the first unit or fails with
// ErrConflict. SQLite files should be opened with _txlock=immediate so that
// every unit holds the write lock from its start.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS timelock_configs (
	executor TEXT NOT NULL,
	announcer TEXT NOT NULL,
	delay_seconds BIGINT NOT NULL,
	validity_minutes INTEGER NOT NULL,
	require_announcer BOOLEAN NOT NULL,
	notify_executor BOOLEAN NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (executor, announcer)
);
CREATE TABLE IF NOT EXISTS timelock_announcements (
	fingerprint TEXT PRIMARY KEY,
	executor TEXT NOT NULL DEFAULT '',
	announcer TEXT NOT NULL,
	exec_time BIGINT NOT NULL,
	validity_minutes INTEGER NOT NULL,
	require_announcer BOOLEAN NOT NULL,
	executed BOOLEAN NOT NULL
);
`

// Init creates the tables when missing.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Atomic implements Store with a database transaction.
func (s *SQLStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(ctx, &sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle so other tables can share it.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Rebind rewrites ? placeholders to $n for Postgres.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) rebind(query string) string {
	return Rebind(t.dialect, query)
}

func (t *sqlTx) GetConfig(ctx context.Context, executor, announcer contracts.Principal) (contracts.Config, error) {
	query := t.rebind(`SELECT delay_seconds, validity_minutes, require_announcer, notify_executor FROM timelock_configs WHERE executor = ? AND announcer = ?`)

	var (
		cfg      contracts.Config
		delay    int64
		validity int64
	)
	err := t.tx.QueryRowContext(ctx, query, string(executor), string(announcer)).
		Scan(&delay, &validity, &cfg.RequireAnnouncerAtExecution, &cfg.NotifyExecutorOnAnnounce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Config{}, nil
		}
		return contracts.Config{}, fmt.Errorf("store: get config: %w", err)
	}
	cfg.DelaySeconds = uint64(delay)
	cfg.ValidityDurationMinutes = uint16(validity)
	return cfg, nil
}

func (t *sqlTx) PutConfig(ctx context.Context, executor, announcer contracts.Principal, cfg contracts.Config) error {
	query := t.rebind(`
		INSERT INTO timelock_configs (executor, announcer, delay_seconds, validity_minutes, require_announcer, notify_executor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (executor, announcer) DO UPDATE SET
			delay_seconds = excluded.delay_seconds,
			validity_minutes = excluded.validity_minutes,
			require_announcer = excluded.require_announcer,
			notify_executor = excluded.notify_executor,
			updated_at = excluded.updated_at
	`)
	_, err := t.tx.ExecContext(ctx, query,
		string(executor), string(announcer), int64(cfg.DelaySeconds), int64(cfg.ValidityDurationMinutes),
		cfg.RequireAnnouncerAtExecution, cfg.NotifyExecutorOnAnnounce, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: put config: %w", err)
	}
	return nil
}

const announcementColumns = `executor, announcer, exec_time, validity_minutes, require_announcer, executed`

func (t *sqlTx) GetAnnouncement(ctx context.Context, fp contracts.Fingerprint) (contracts.Announcement, error) {
	query := t.rebind(`SELECT ` + announcementColumns + ` FROM timelock_announcements WHERE fingerprint = ?`)
	if t.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	a, err := scanAnnouncement(t.tx.QueryRowContext(ctx, query, fp.Hex()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Announcement{}, nil
		}
		return contracts.Announcement{}, fmt.Errorf("store: get announcement: %w", err)
	}
	return a, nil
}

// CreateAnnouncement relies on the primary key: a concurrent insert of the
// same fingerprint, committed or not, leaves this one with no row.
func (t *sqlTx) CreateAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	query := t.rebind(`
		INSERT INTO timelock_announcements (fingerprint, ` + announcementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`)
	res, err := t.tx.ExecContext(ctx, query, announcementArgs(fp, a)...)
	if err != nil {
		return fmt.Errorf("store: create announcement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: create announcement: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func announcementArgs(fp contracts.Fingerprint, a contracts.Announcement) []any {
	return []any{
		fp.Hex(), string(a.Executor), string(a.Announcer), int64(a.ExecTime), int64(a.ValidityDurationMinutes),
		a.RequireAnnouncerAtExecution, a.Executed,
	}
}

func (t *sqlTx) PutAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	query := t.rebind(`
		INSERT INTO timelock_announcements (fingerprint, ` + announcementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			executor = excluded.executor,
			announcer = excluded.announcer,
			exec_time = excluded.exec_time,
			validity_minutes = excluded.validity_minutes,
			require_announcer = excluded.require_announcer,
			executed = excluded.executed
	`)
	if _, err := t.tx.ExecContext(ctx, query, announcementArgs(fp, a)...); err != nil {
		return fmt.Errorf("store: put announcement: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteAnnouncement(ctx context.Context, fp contracts.Fingerprint) error {
	query := t.rebind(`DELETE FROM timelock_announcements WHERE fingerprint = ?`)
	if _, err := t.tx.ExecContext(ctx, query, fp.Hex()); err != nil {
		return fmt.Errorf("store: delete announcement: %w", err)
	}
	return nil
}

func (t *sqlTx) ScanAnnouncements(ctx context.Context, fn func(fp contracts.Fingerprint, a contracts.Announcement) error) error {
	query := `SELECT fingerprint, ` + announcementColumns + ` FROM timelock_announcements ORDER BY fingerprint`
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("store: scan announcements: %w", err)
	}

	// Rows are drained before fn runs so that fn may write through the same transaction.
	type row struct {
		fp contracts.Fingerprint
		a  contracts.Announcement
	}
	var all []row
	for rows.Next() {
		var fpHex string
		a, err := scanAnnouncement(rows, &fpHex)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: scan announcements: %w", err)
		}
		fp, err := contracts.ParseFingerprint(fpHex)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: corrupt fingerprint %q: %w", fpHex, err)
		}
		all = append(all, row{fp: fp, a: a})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range all {
		if err := fn(r.fp, r.a); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanAnnouncement reads the announcement columns, preceded by any extra
// destinations in prefix.
func scanAnnouncement(s scanner, prefix ...any) (contracts.Announcement, error) {
	var (
		a         contracts.Announcement
		executor  string
		announcer string
		execTime  int64
		validity  int64
	)
	dest := append(prefix, &executor, &announcer, &execTime, &validity, &a.RequireAnnouncerAtExecution, &a.Executed)
	if err := s.Scan(dest...); err != nil {
		return contracts.Announcement{}, err
	}
	a.Executor = contracts.Principal(executor)
	a.Announcer = contracts.Principal(announcer)
	a.ExecTime = uint64(execTime)
	a.ValidityDurationMinutes = uint16(validity)
	return a, nil
}
