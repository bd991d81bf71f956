package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreSuite(t, newSQLiteStore(t))
}

func TestSQLStore_SQLiteLargeValues(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	cfg := contracts.Config{DelaySeconds: ^uint64(0), ValidityDurationMinutes: ^uint16(0)}
	rec := contracts.Announcement{Announcer: "ann", ExecTime: ^uint64(0) - 1, ValidityDurationMinutes: ^uint16(0)}

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutConfig(ctx, "exec", "ann", cfg))
		return tx.PutAnnouncement(ctx, fp(9), rec)
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		gotCfg, err := tx.GetConfig(ctx, "exec", "ann")
		require.NoError(t, err)
		assert.Equal(t, cfg, gotCfg)

		gotRec, err := tx.GetAnnouncement(ctx, fp(9))
		require.NoError(t, err)
		assert.Equal(t, rec, gotRec)
		return nil
	}))
}

func TestSQLStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT delay_seconds, validity_minutes, require_announcer, notify_executor FROM timelock_configs WHERE executor = \$1 AND announcer = \$2`).
		WithArgs("exec", "ann").
		WillReturnRows(sqlmock.NewRows([]string{"delay_seconds", "validity_minutes", "require_announcer", "notify_executor"}).
			AddRow(int64(100), int64(10), true, false))
	mock.ExpectExec(`INSERT INTO timelock_announcements`).
		WithArgs(fp(1).Hex(), "exec", "ann", int64(1100), int64(10), true, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cfg, err := tx.GetConfig(ctx, "exec", "ann")
		require.NoError(t, err)
		assert.Equal(t, contracts.Config{DelaySeconds: 100, ValidityDurationMinutes: 10, RequireAnnouncerAtExecution: true}, cfg)
		return tx.PutAnnouncement(ctx, fp(1), contracts.Announcement{
			Executor: "exec", Announcer: "ann", ExecTime: 1100, ValidityDurationMinutes: 10, RequireAnnouncerAtExecution: true,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM timelock_announcements WHERE fingerprint = \$1`).
		WithArgs(fp(2).Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err = s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.DeleteAnnouncement(ctx, fp(2)))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MissingRowsAreZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT executor, announcer, exec_time, validity_minutes, require_announcer, executed FROM timelock_announcements WHERE fingerprint = \$1 FOR UPDATE`).
		WithArgs(fp(3).Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"executor", "announcer", "exec_time", "validity_minutes", "require_announcer", "executed"}))
	mock.ExpectCommit()

	err = s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAnnouncement(ctx, fp(3))
		require.NoError(t, err)
		assert.False(t, a.Exists())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateLosesToConcurrentInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	// Another process inserted the row after this unit read it as absent.
	mock.ExpectExec(`(?s)INSERT INTO timelock_announcements.*ON CONFLICT \(fingerprint\) DO NOTHING`).
		WithArgs(fp(4).Hex(), "exec", "ann", int64(1100), int64(0), false, false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateAnnouncement(ctx, fp(4), contracts.Announcement{Executor: "exec", Announcer: "ann", ExecTime: 1100})
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLiteCreateConflict(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	rec := contracts.Announcement{Executor: "exec", Announcer: "ann", ExecTime: 10}

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateAnnouncement(ctx, fp(8), rec)
	}))
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateAnnouncement(ctx, fp(8), rec)
	})
	require.ErrorIs(t, err, ErrConflict)
}
