// Package store persists timelock policies and announcements.
//
// Two logical tables are kept: configs keyed by (executor, announcer) and
// announcements keyed by fingerprint. Every access happens inside an atomic
// unit opened with Store.Atomic; writes made in a unit become visible only
// when the unit's function returns nil. Nothing is ever evicted automatically.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// ErrConflict is returned when a concurrent writer invalidated the unit or
// a create found an existing record. The unit had no effect.
var ErrConflict = errors.New("store: concurrent modification")

// Store opens atomic units over the two tables.
type Store interface {
	// Atomic runs fn in a single all-or-nothing unit. If fn returns an error
	// every write made through tx is discarded and the error is returned.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Close releases the underlying resources.
	Close() error
}

// Tx is the view of the tables inside one atomic unit.
type Tx interface {
	// GetConfig returns the zero Config when none was set.
	GetConfig(ctx context.Context, executor, announcer contracts.Principal) (contracts.Config, error)
	PutConfig(ctx context.Context, executor, announcer contracts.Principal, cfg contracts.Config) error

	// GetAnnouncement returns the zero Announcement when none exists. SQL
	// backends lock the row until the unit ends.
	GetAnnouncement(ctx context.Context, fp contracts.Fingerprint) (contracts.Announcement, error)
	// CreateAnnouncement inserts a record and fails with ErrConflict when one
	// already exists under fp, including one committed by another process.
	CreateAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error
	PutAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error
	DeleteAnnouncement(ctx context.Context, fp contracts.Fingerprint) error

	// ScanAnnouncements calls fn for every stored announcement. Writes made
	// earlier in the same unit are reflected.
	ScanAnnouncements(ctx context.Context, fn func(fp contracts.Fingerprint, a contracts.Announcement) error) error
}

type configKey struct {
	executor  contracts.Principal
	announcer contracts.Principal
}
