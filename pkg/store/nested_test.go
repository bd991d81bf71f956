package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

func TestNested_CommitMergesIntoParent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutAnnouncement(ctx, fp(1), contracts.Announcement{Announcer: "a", ExecTime: 10})
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		n := NewNested(tx)
		got, err := n.GetAnnouncement(ctx, fp(1))
		require.NoError(t, err)
		got.Executed = true
		require.NoError(t, n.PutAnnouncement(ctx, fp(1), got))
		require.NoError(t, n.CreateAnnouncement(ctx, fp(2), contracts.Announcement{Announcer: "b", ExecTime: 20}))
		require.NoError(t, n.PutConfig(ctx, "exec", "b", contracts.Config{DelaySeconds: 7}))

		// Nothing reaches the parent before Commit.
		parent, err := tx.GetAnnouncement(ctx, fp(1))
		require.NoError(t, err)
		assert.False(t, parent.Executed)

		return n.Commit(ctx)
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAnnouncement(ctx, fp(1))
		require.NoError(t, err)
		assert.True(t, a.Executed)

		b, err := tx.GetAnnouncement(ctx, fp(2))
		require.NoError(t, err)
		assert.Equal(t, contracts.Principal("b"), b.Announcer)

		cfg, err := tx.GetConfig(ctx, "exec", "b")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), cfg.DelaySeconds)
		return nil
	}))
}

func TestNested_DroppedUnitLeavesParentUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := contracts.Announcement{Announcer: "a", ExecTime: 10}
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutAnnouncement(ctx, fp(1), rec)
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		n := NewNested(tx)
		marked := rec
		marked.Executed = true
		require.NoError(t, n.PutAnnouncement(ctx, fp(1), marked))

		got, err := n.GetAnnouncement(ctx, fp(1))
		require.NoError(t, err)
		assert.True(t, got.Executed)
		return nil
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetAnnouncement(ctx, fp(1))
		require.NoError(t, err)
		assert.Equal(t, rec, got)
		return nil
	}))
}

func TestNested_CreateThenDeleteReplays(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		n := NewNested(tx)
		require.NoError(t, n.CreateAnnouncement(ctx, fp(3), contracts.Announcement{Announcer: "a", ExecTime: 1}))
		require.ErrorIs(t, n.CreateAnnouncement(ctx, fp(3), contracts.Announcement{Announcer: "b", ExecTime: 2}), ErrConflict)
		require.NoError(t, n.DeleteAnnouncement(ctx, fp(3)))
		return n.Commit(ctx)
	}))
	assert.Equal(t, 0, s.Len())
}

func TestNested_ScanHonoursShadowing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutAnnouncement(ctx, fp(1), contracts.Announcement{Announcer: "a", ExecTime: 10}))
		return tx.PutAnnouncement(ctx, fp(2), contracts.Announcement{Announcer: "b", ExecTime: 20})
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		n := NewNested(tx)
		require.NoError(t, n.DeleteAnnouncement(ctx, fp(1)))
		require.NoError(t, n.PutAnnouncement(ctx, fp(2), contracts.Announcement{Announcer: "b2", ExecTime: 20}))
		require.NoError(t, n.CreateAnnouncement(ctx, fp(3), contracts.Announcement{Announcer: "c", ExecTime: 30}))

		found := map[contracts.Fingerprint]contracts.Principal{}
		require.NoError(t, n.ScanAnnouncements(ctx, func(f contracts.Fingerprint, a contracts.Announcement) error {
			found[f] = a.Announcer
			return nil
		}))
		assert.Equal(t, map[contracts.Fingerprint]contracts.Principal{fp(2): "b2", fp(3): "c"}, found)
		return nil
	}))
}
