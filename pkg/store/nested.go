package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// Nested is a unit opened inside another unit's Tx. Its writes are visible
// through it at once but reach the parent only on Commit; dropping it
// discards them.
type Nested struct {
	parent        Tx
	configs       map[configKey]contracts.Config
	announcements map[contracts.Fingerprint]*contracts.Announcement
	log           []nestedOp
}

type opKind int

const (
	opPutConfig opKind = iota
	opCreate
	opPut
	opDelete
)

type nestedOp struct {
	kind   opKind
	key    configKey
	config contracts.Config
	fp     contracts.Fingerprint
	rec    contracts.Announcement
}

// NewNested opens a nested unit over parent.
func NewNested(parent Tx) *Nested {
	return &Nested{
		parent:        parent,
		configs:       make(map[configKey]contracts.Config),
		announcements: make(map[contracts.Fingerprint]*contracts.Announcement),
	}
}

// Commit replays the buffered writes onto the parent in order.
func (n *Nested) Commit(ctx context.Context) error {
	for _, op := range n.log {
		var err error
		switch op.kind {
		case opPutConfig:
			err = n.parent.PutConfig(ctx, op.key.executor, op.key.announcer, op.config)
		case opCreate:
			err = n.parent.CreateAnnouncement(ctx, op.fp, op.rec)
		case opPut:
			err = n.parent.PutAnnouncement(ctx, op.fp, op.rec)
		case opDelete:
			err = n.parent.DeleteAnnouncement(ctx, op.fp)
		}
		if err != nil {
			return fmt.Errorf("store: merge nested unit: %w", err)
		}
	}
	n.log = nil
	return nil
}

func (n *Nested) GetConfig(ctx context.Context, executor, announcer contracts.Principal) (contracts.Config, error) {
	if cfg, ok := n.configs[configKey{executor: executor, announcer: announcer}]; ok {
		return cfg, nil
	}
	return n.parent.GetConfig(ctx, executor, announcer)
}

func (n *Nested) PutConfig(_ context.Context, executor, announcer contracts.Principal, cfg contracts.Config) error {
	key := configKey{executor: executor, announcer: announcer}
	n.configs[key] = cfg
	n.log = append(n.log, nestedOp{kind: opPutConfig, key: key, config: cfg})
	return nil
}

func (n *Nested) GetAnnouncement(ctx context.Context, fp contracts.Fingerprint) (contracts.Announcement, error) {
	if a, ok := n.announcements[fp]; ok {
		if a == nil {
			return contracts.Announcement{}, nil
		}
		return *a, nil
	}
	return n.parent.GetAnnouncement(ctx, fp)
}

func (n *Nested) CreateAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	existing, err := n.GetAnnouncement(ctx, fp)
	if err != nil {
		return err
	}
	if existing.Exists() {
		return ErrConflict
	}
	n.announcements[fp] = &a
	n.log = append(n.log, nestedOp{kind: opCreate, fp: fp, rec: a})
	return nil
}

func (n *Nested) PutAnnouncement(_ context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	n.announcements[fp] = &a
	n.log = append(n.log, nestedOp{kind: opPut, fp: fp, rec: a})
	return nil
}

func (n *Nested) DeleteAnnouncement(_ context.Context, fp contracts.Fingerprint) error {
	n.announcements[fp] = nil
	n.log = append(n.log, nestedOp{kind: opDelete, fp: fp})
	return nil
}

func (n *Nested) ScanAnnouncements(ctx context.Context, fn func(fp contracts.Fingerprint, a contracts.Announcement) error) error {
	err := n.parent.ScanAnnouncements(ctx, func(fp contracts.Fingerprint, a contracts.Announcement) error {
		if _, shadowed := n.announcements[fp]; shadowed {
			return nil
		}
		return fn(fp, a)
	})
	if err != nil {
		return err
	}
	for fp, a := range n.announcements {
		if a == nil || !a.Exists() {
			continue
		}
		if err := fn(fp, *a); err != nil {
			return err
		}
	}
	return nil
}
