package store

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// MemoryStore keeps both tables in process memory. Units are serialized and
// buffered: writes are applied to the maps only when the unit commits.
type MemoryStore struct {
	mu            sync.Mutex
	configs       map[configKey]contracts.Config
	announcements map[contracts.Fingerprint]contracts.Announcement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:       make(map[configKey]contracts.Config),
		announcements: make(map[contracts.Fingerprint]contracts.Announcement),
	}
}

// Atomic implements Store.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:         s,
		configs:       make(map[configKey]contracts.Config),
		announcements: make(map[contracts.Fingerprint]*contracts.Announcement),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored announcements.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.announcements)
}

type memoryTx struct {
	store   *MemoryStore
	configs map[configKey]contracts.Config
	// A nil entry marks a pending delete.
	announcements map[contracts.Fingerprint]*contracts.Announcement
}

func (t *memoryTx) GetConfig(_ context.Context, executor, announcer contracts.Principal) (contracts.Config, error) {
	key := configKey{executor: executor, announcer: announcer}
	if cfg, ok := t.configs[key]; ok {
		return cfg, nil
	}
	return t.store.configs[key], nil
}

func (t *memoryTx) PutConfig(_ context.Context, executor, announcer contracts.Principal, cfg contracts.Config) error {
	t.configs[configKey{executor: executor, announcer: announcer}] = cfg
	return nil
}

func (t *memoryTx) GetAnnouncement(_ context.Context, fp contracts.Fingerprint) (contracts.Announcement, error) {
	if a, ok := t.announcements[fp]; ok {
		if a == nil {
			return contracts.Announcement{}, nil
		}
		return *a, nil
	}
	return t.store.announcements[fp], nil
}

func (t *memoryTx) CreateAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	if existing, _ := t.GetAnnouncement(ctx, fp); existing.Exists() {
		return ErrConflict
	}
	return t.PutAnnouncement(ctx, fp, a)
}

func (t *memoryTx) PutAnnouncement(_ context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	t.announcements[fp] = &a
	return nil
}

func (t *memoryTx) DeleteAnnouncement(_ context.Context, fp contracts.Fingerprint) error {
	t.announcements[fp] = nil
	return nil
}

func (t *memoryTx) ScanAnnouncements(ctx context.Context, fn func(fp contracts.Fingerprint, a contracts.Announcement) error) error {
	seen := make(map[contracts.Fingerprint]struct{}, len(t.store.announcements))
	for fp := range t.store.announcements {
		seen[fp] = struct{}{}
	}
	for fp := range t.announcements {
		seen[fp] = struct{}{}
	}
	for fp := range seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, _ := t.GetAnnouncement(ctx, fp)
		if !a.Exists() {
			continue
		}
		if err := fn(fp, a); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) commit() {
	for key, cfg := range t.configs {
		t.store.configs[key] = cfg
	}
	for fp, a := range t.announcements {
		if a == nil {
			delete(t.store.announcements, fp)
			continue
		}
		t.store.announcements[fp] = *a
	}
}
