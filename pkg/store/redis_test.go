package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// newRedisStore requires a running Redis; the test is skipped otherwise.
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}

	prefix := fmt.Sprintf("timelock-test-%d", time.Now().UnixNano())
	s := NewRedisStoreWithClient(client, prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore_Integration(t *testing.T) {
	runStoreSuite(t, newRedisStore(t))
}

func TestRedisStore_ConflictingWriter(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetAnnouncement(ctx, fp(7))
		require.NoError(t, err)

		// A second client writes the watched key before this unit commits.
		require.NoError(t, s.client.HSet(ctx, s.announcementKey(fp(7)), "announcer", "intruder", "exec_time", "1").Err())

		return tx.PutAnnouncement(ctx, fp(7), contracts.Announcement{Announcer: "ann", ExecTime: 10})
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestRedisStore_LeaseSerializesProcesses(t *testing.T) {
	s := newRedisStore(t)
	// A second process sharing the keyspace.
	other := NewRedisStoreWithClient(s.client, s.prefix)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			close(held)
			<-done
			return tx.PutAnnouncement(ctx, fp(8), contracts.Announcement{Announcer: "first", ExecTime: 10})
		})
	}()
	<-held

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	ran := false
	err := other.Atomic(waitCtx, func(context.Context, Tx) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	require.False(t, ran, "a unit must not start while another process holds the lease")

	close(done)
	require.NoError(t, <-errCh)

	err = other.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateAnnouncement(ctx, fp(8), contracts.Announcement{Announcer: "second", ExecTime: 20})
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestRedisStore_WithLease(t *testing.T) {
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "p")
	defer func() { _ = s.Close() }()
	require.Equal(t, DefaultLease, s.Lease())
	require.Equal(t, DefaultLease, s.WithLease(0).Lease())
	require.Equal(t, 5*time.Second, s.WithLease(5*time.Second).Lease())
}

func TestEscapeKeyPart(t *testing.T) {
	require.Equal(t, "a%3Ab%25c", escapeKeyPart("a:b%c"))
}
