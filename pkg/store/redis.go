package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// DefaultLease bounds how long one unit may hold the keyspace lock.
const DefaultLease = 30 * time.Second

// RedisStore implements Store on Redis hashes.
//
// Units hold a lease lock on the keyspace for their whole duration, so
// processes sharing the keyspace run units one at a time and a dispatch made
// inside a unit is never raced. Every key read is also WATCHed and writes are
// flushed in a single MULTI/EXEC; a unit that outlived its lease and lost a
// key to another writer fails with ErrConflict. The lease must exceed the
// longest executor dispatch.
type RedisStore struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, "timelock")
}

// NewRedisStoreWithClient wraps an existing client. Keys are namespaced by prefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, lease: DefaultLease}
}

// WithLease sets the unit lock lease. Non-positive values keep the default.
func (s *RedisStore) WithLease(d time.Duration) *RedisStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// Lease returns the unit lock lease.
func (s *RedisStore) Lease() time.Duration {
	return s.lease
}

func (s *RedisStore) lockKey() string {
	return s.prefix + ":lock"
}

// acquire blocks until this process holds the keyspace lock or ctx ends.
func (s *RedisStore) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	wait := 5 * time.Millisecond
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.lease).Result()
		if err != nil {
			return "", fmt.Errorf("store: acquire lock: %w", err)
		}
		if ok {
			return token, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("store: acquire lock: %w", ctx.Err())
		case <-timer.C:
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

func (s *RedisStore) release(ctx context.Context, token string) error {
	return releaseLease.Run(context.WithoutCancel(ctx), s.client, []string{s.lockKey()}, token).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying client so other keyspaces can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Prefix returns the key namespace of the store.
func (s *RedisStore) Prefix() string {
	return s.prefix
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) configKey(executor, announcer contracts.Principal) string {
	return fmt.Sprintf("%s:config:%s:%s", s.prefix, escapeKeyPart(executor), escapeKeyPart(announcer))
}

func (s *RedisStore) announcementKey(fp contracts.Fingerprint) string {
	return fmt.Sprintf("%s:announcement:%s", s.prefix, fp.Hex())
}

// escapeKeyPart keeps ':' inside principals from splitting the key namespace.
func escapeKeyPart(p contracts.Principal) string {
	return strings.NewReplacer("%", "%25", ":", "%3A").Replace(string(p))
}

// Atomic implements Store.
func (s *RedisStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	token, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.release(ctx, token); rerr != nil && err == nil {
			err = fmt.Errorf("store: release lock: %w", rerr)
		}
	}()

	err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
		t := &redisTx{
			store:  s,
			rtx:    rtx,
			writes: make(map[string]map[string]any),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if len(t.order) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range t.order {
				fields := t.writes[key]
				if fields == nil {
					pipe.Del(ctx, key)
					continue
				}
				pipe.Del(ctx, key)
				pipe.HSet(ctx, key, fields)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

type redisTx struct {
	store *RedisStore
	rtx   *redis.Tx
	// writes maps key to its new hash fields; nil marks a delete.
	writes map[string]map[string]any
	order  []string
}

func (t *redisTx) buffer(key string, fields map[string]any) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = fields
}

// read returns the hash at key, honouring buffered writes.
func (t *redisTx) read(ctx context.Context, key string) (map[string]string, error) {
	if fields, ok := t.writes[key]; ok {
		if fields == nil {
			return nil, nil
		}
		out := make(map[string]string, len(fields))
		for k, v := range fields {
			out[k] = fmt.Sprint(v)
		}
		return out, nil
	}
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("store: watch %s: %w", key, err)
	}
	m, err := t.rtx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (t *redisTx) GetConfig(ctx context.Context, executor, announcer contracts.Principal) (contracts.Config, error) {
	m, err := t.read(ctx, t.store.configKey(executor, announcer))
	if err != nil || m == nil {
		return contracts.Config{}, err
	}
	return decodeConfig(m)
}

func (t *redisTx) PutConfig(_ context.Context, executor, announcer contracts.Principal, cfg contracts.Config) error {
	t.buffer(t.store.configKey(executor, announcer), map[string]any{
		"delay_seconds":     strconv.FormatUint(cfg.DelaySeconds, 10),
		"validity_minutes":  strconv.FormatUint(uint64(cfg.ValidityDurationMinutes), 10),
		"require_announcer": strconv.FormatBool(cfg.RequireAnnouncerAtExecution),
		"notify_executor":   strconv.FormatBool(cfg.NotifyExecutorOnAnnounce),
	})
	return nil
}

func (t *redisTx) GetAnnouncement(ctx context.Context, fp contracts.Fingerprint) (contracts.Announcement, error) {
	m, err := t.read(ctx, t.store.announcementKey(fp))
	if err != nil || m == nil {
		return contracts.Announcement{}, err
	}
	return decodeAnnouncement(m)
}

func (t *redisTx) CreateAnnouncement(ctx context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	existing, err := t.GetAnnouncement(ctx, fp)
	if err != nil {
		return err
	}
	if existing.Exists() {
		return ErrConflict
	}
	return t.PutAnnouncement(ctx, fp, a)
}

func (t *redisTx) PutAnnouncement(_ context.Context, fp contracts.Fingerprint, a contracts.Announcement) error {
	t.buffer(t.store.announcementKey(fp), map[string]any{
		"executor":          string(a.Executor),
		"announcer":         string(a.Announcer),
		"exec_time":         strconv.FormatUint(a.ExecTime, 10),
		"validity_minutes":  strconv.FormatUint(uint64(a.ValidityDurationMinutes), 10),
		"require_announcer": strconv.FormatBool(a.RequireAnnouncerAtExecution),
		"executed":          strconv.FormatBool(a.Executed),
	})
	return nil
}

func (t *redisTx) DeleteAnnouncement(ctx context.Context, fp contracts.Fingerprint) error {
	key := t.store.announcementKey(fp)
	if _, ok := t.writes[key]; !ok {
		// Watch the key so a concurrent re-announce conflicts with this delete.
		if err := t.rtx.Watch(ctx, key).Err(); err != nil {
			return fmt.Errorf("store: watch %s: %w", key, err)
		}
	}
	t.buffer(key, nil)
	return nil
}

func (t *redisTx) ScanAnnouncements(ctx context.Context, fn func(fp contracts.Fingerprint, a contracts.Announcement) error) error {
	pattern := t.store.prefix + ":announcement:*"
	seen := make(map[string]struct{})
	var keys []string

	var cursor uint64
	for {
		batch, next, err := t.rtx.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("store: scan announcements: %w", err)
		}
		for _, k := range batch {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	for _, k := range t.order {
		if strings.HasPrefix(k, t.store.prefix+":announcement:") {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	for _, key := range keys {
		fp, err := contracts.ParseFingerprint(strings.TrimPrefix(key, t.store.prefix+":announcement:"))
		if err != nil {
			return fmt.Errorf("store: corrupt announcement key %q: %w", key, err)
		}
		a, err := t.GetAnnouncement(ctx, fp)
		if err != nil {
			return err
		}
		if !a.Exists() {
			continue
		}
		if err := fn(fp, a); err != nil {
			return err
		}
	}
	return nil
}

func decodeConfig(m map[string]string) (contracts.Config, error) {
	var cfg contracts.Config
	var err error
	if cfg.DelaySeconds, err = strconv.ParseUint(m["delay_seconds"], 10, 64); err != nil {
		return cfg, fmt.Errorf("store: corrupt config delay: %w", err)
	}
	validity, err := strconv.ParseUint(m["validity_minutes"], 10, 16)
	if err != nil {
		return cfg, fmt.Errorf("store: corrupt config validity: %w", err)
	}
	cfg.ValidityDurationMinutes = uint16(validity)
	cfg.RequireAnnouncerAtExecution = m["require_announcer"] == "true"
	cfg.NotifyExecutorOnAnnounce = m["notify_executor"] == "true"
	return cfg, nil
}

func decodeAnnouncement(m map[string]string) (contracts.Announcement, error) {
	var a contracts.Announcement
	var err error
	a.Executor = contracts.Principal(m["executor"])
	a.Announcer = contracts.Principal(m["announcer"])
	if a.ExecTime, err = strconv.ParseUint(m["exec_time"], 10, 64); err != nil {
		return a, fmt.Errorf("store: corrupt exec time: %w", err)
	}
	validity, err := strconv.ParseUint(m["validity_minutes"], 10, 16)
	if err != nil {
		return a, fmt.Errorf("store: corrupt announcement validity: %w", err)
	}
	a.ValidityDurationMinutes = uint16(validity)
	a.RequireAnnouncerAtExecution = m["require_announcer"] == "true"
	a.Executed = m["executed"] == "true"
	return a, nil
}
