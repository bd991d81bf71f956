package contracts

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
)

// Uint256 is an unsigned 256-bit integer stored big-endian.
// The zero value is 0. It is comparable and safe to copy.
type Uint256 [32]byte

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// NewUint256 returns v as a Uint256.
func NewUint256(v uint64) Uint256 {
	var u Uint256
	binary.BigEndian.PutUint64(u[24:], v)
	return u
}

// Uint256FromBig converts b, rejecting negative values and values wider than 256 bits.
func Uint256FromBig(b *big.Int) (Uint256, error) {
	var u Uint256
	if b == nil {
		return u, nil
	}
	if b.Sign() < 0 || b.Cmp(maxUint256) > 0 {
		return u, fmt.Errorf("value %s out of uint256 range", b.String())
	}
	b.FillBytes(u[:])
	return u, nil
}

// ParseUint256 parses a decimal or 0x-prefixed hexadecimal string.
func ParseUint256(s string) (Uint256, error) {
	if s == "" {
		return Uint256{}, nil
	}
	b, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return Uint256{}, fmt.Errorf("invalid uint256 %q", s)
	}
	return Uint256FromBig(b)
}

// Big returns u as a new big.Int.
func (u Uint256) Big() *big.Int {
	return new(big.Int).SetBytes(u[:])
}

// IsZero reports whether u == 0.
func (u Uint256) IsZero() bool {
	return u == Uint256{}
}

// Uint64 returns u when it fits in 64 bits.
func (u Uint256) Uint64() (uint64, bool) {
	for _, b := range u[:24] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(u[24:]), true
}

// String returns the decimal representation.
func (u Uint256) String() string {
	return u.Big().String()
}

// MarshalText implements encoding.TextMarshaler.
func (u Uint256) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Uint256) UnmarshalText(text []byte) error {
	v, err := ParseUint256(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// UnmarshalJSON accepts both JSON strings and bare JSON numbers.
func (u *Uint256) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return u.UnmarshalText([]byte(s))
	}
	if string(data) == "null" {
		*u = Uint256{}
		return nil
	}
	return u.UnmarshalText(data)
}
