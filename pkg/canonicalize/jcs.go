// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme) bytes
// so that approval payloads and journal entries hash the same everywhere.
//
// Numbers are canonicalized as IEEE-754 doubles. Values that need more than
// 53 bits, such as Uint256 amounts, are encoded as JSON strings by their
// marshalers and are unaffected.
package canonicalize

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// JCS returns the canonical JSON form of v. v is marshalled with
// encoding/json first, so struct tags and custom marshalers apply.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal %T: %w", v, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: canonicalize %T: %w", v, err)
	}
	return out, nil
}

// Digest returns the SHA3-256 digest of the canonical form of v.
func Digest(v any) ([32]byte, error) {
	b, err := JCS(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha3.Sum256(b), nil
}

// DigestHex is Digest encoded as lowercase hex.
func DigestHex(v any) (string, error) {
	d, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d[:]), nil
}
