// Package identity issues and verifies the EdDSA bearer tokens that bind an
// HTTP request to a timelock principal.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// maxKeys bounds how many retired keys still verify after rotation.
const maxKeys = 10

var (
	// ErrNoActiveKey is returned when signing with an empty key set.
	ErrNoActiveKey = errors.New("identity: no active signing key")
	// ErrUnknownKey is returned for tokens not signed by a retained key.
	ErrUnknownKey = errors.New("identity: token not signed by a known key")
)

// KeySet manages the active signing key and verification of past keys.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	order      []string
	keys       map[string]ed25519.PrivateKey
}

// NewInMemoryKeySet creates a key set with one random key.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeySetFromSecret derives the signing key from secret with HKDF, so every
// replica and the CLI sharing the secret sign and verify the same tokens.
func NewKeySetFromSecret(secret []byte) (*InMemoryKeySet, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("identity: secret must be at least 16 bytes, got %d", len(secret))
	}
	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha3.New256, secret, nil, []byte("helm-timelock/identity/ed25519"))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("identity: derive key: %w", err)
	}
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	ks.install(ed25519.NewKeyFromSeed(seed))
	return ks, nil
}

// Rotate makes a fresh random key current. Older keys keep verifying until
// evicted.
func (ks *InMemoryKeySet) Rotate() error {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ks.install(privateKey)
	return nil
}

func (ks *InMemoryKeySet) install(key ed25519.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := keyID(key.Public().(ed25519.PublicKey))
	if _, exists := ks.keys[kid]; !exists {
		ks.order = append(ks.order, kid)
	}
	ks.keys[kid] = key
	ks.currentKID = kid

	for len(ks.order) > maxKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
}

func keyID(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return "key-" + hex.EncodeToString(sum[:8])
}

// CurrentKeyID returns the kid new tokens are signed with.
func (ks *InMemoryKeySet) CurrentKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

// Sign implements KeySet.
func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()
	if key == nil {
		return "", ErrNoActiveKey
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc implements KeySet. Only EdDSA tokens naming a retained kid verify.
func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return ks.verificationKey
}

func (ks *InMemoryKeySet) verificationKey(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodEdDSA {
		return nil, fmt.Errorf("%w: alg %v", ErrUnknownKey, token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key.Public(), nil
}
