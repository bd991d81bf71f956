// Package archive is content-addressed blob storage for journal segments.
// Blobs are keyed by "sha256:<hex>" and written at most once.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get for an unknown digest.
	ErrNotFound = errors.New("archive: blob not found")
	// ErrCorrupt is returned by Get when stored content does not match its
	// digest.
	ErrCorrupt = errors.New("archive: blob content does not match digest")
)

// Store persists immutable blobs by content digest.
type Store interface {
	// Put stores data and returns its digest. Storing existing content is a
	// no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob with digest, or ErrNotFound.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
	Close() error
}

const digestPrefix = "sha256:"

// Digest returns the content digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// objectName validates digest and returns the blob name it is stored under.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("archive: invalid digest format: %s", digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("archive: invalid digest hex: %s", digest)
	}
	return raw + ".blob", nil
}

// verified returns data if it hashes to digest.
func verified(digest string, data []byte) ([]byte, error) {
	if Digest(data) != digest {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, digest)
	}
	return data, nil
}
