package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// CodeIdempotencyKeyReused is returned when an Idempotency-Key is sent again
// with a different request body.
const CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"

// maxReplayBody bounds the request body read for digesting.
const maxReplayBody = 1 << 20

// CachedResponse is the first successful response to an idempotent request.
type CachedResponse struct {
	RequestDigest string    `json:"request_digest"`
	StatusCode    int       `json:"status_code"`
	ContentType   string    `json:"content_type"`
	Body          []byte    `json:"body"`
	CachedAt      time.Time `json:"cached_at"`
}

// IdempotencyStore keeps responses by idempotency key. Lookups that fail are
// treated as misses.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp CachedResponse)
}

// Idempotency replays the first successful response to a mutating request
// that carries an Idempotency-Key header. A retried announce or execute
// therefore returns its original result instead of ALREADY_ANNOUNCED or
// ALREADY_EXECUTED.
type Idempotency struct {
	store IdempotencyStore
	scope KeyFunc
}

// NewIdempotency creates the replay layer. Keys are scoped by scope(r), the
// method and the path, so one caller cannot replay another's response.
func NewIdempotency(store IdempotencyStore, scope KeyFunc) *Idempotency {
	return &Idempotency{store: store, scope: scope}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Middleware wraps next with replay.
func (m *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
		if err != nil {
			WriteCodedError(w, r, "INVALID_REQUEST", "unreadable request body")
			return
		}
		if len(body) > maxReplayBody {
			WriteCodedError(w, r, "INVALID_REQUEST", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha3.Sum256(body)
		digest := hex.EncodeToString(sum[:])
		key := m.scope(r) + "|" + r.Method + "|" + r.URL.Path + "|" + header

		if cached, ok := m.store.Check(r.Context(), key); ok {
			if cached.RequestDigest != "" && cached.RequestDigest != digest {
				WriteCodedError(w, r, CodeIdempotencyKeyReused,
					"Idempotency-Key was already used with a different request body")
				return
			}
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.statusCode >= 200 && capture.statusCode < 300 {
			m.store.Set(r.Context(), key, CachedResponse{
				RequestDigest: digest,
				StatusCode:    capture.statusCode,
				ContentType:   w.Header().Get("Content-Type"),
				Body:          capture.body.Bytes(),
			})
		}
	})
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// MemoryIdempotencyStore holds cached responses in process memory. It is the
// replay store of the memory backend.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store. Entries older than
// ttl are ignored and swept on the next write.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) expired(resp CachedResponse, now time.Time) bool {
	return now.Sub(resp.CachedAt) >= s.ttl
}

// Check implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.entries[key]
	if !ok || s.expired(cached, s.now()) {
		return nil, false
	}
	return &cached, true
}

// Set implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.entries {
		if s.expired(v, now) {
			delete(s.entries, k)
		}
	}
	if resp.CachedAt.IsZero() {
		resp.CachedAt = now
	}
	s.entries[key] = resp
}
