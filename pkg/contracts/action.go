package contracts

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Principal identifies a calling entity (announcer, executor, action target).
// The timelock never interprets it beyond equality.
type Principal string

// String implements fmt.Stringer.
func (p Principal) String() string { return string(p) }

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool { return p == "" }

// Operation distinguishes a plain call from one that runs in the target's own context.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

// String implements fmt.Stringer.
func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "call"
	case OperationDelegateCall:
		return "delegatecall"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation kind.
func (o Operation) Valid() bool {
	return o == OperationCall || o == OperationDelegateCall
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown operation %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "call", "0":
		*o = OperationCall
	case "delegatecall", "delegate_call", "1":
		*o = OperationDelegateCall
	default:
		return fmt.Errorf("unknown operation %q", string(text))
	}
	return nil
}

// Bytes is an opaque payload, encoded as 0x-prefixed hex in text form.
type Bytes []byte

// MarshalText implements encoding.TextMarshaler.
func (b Bytes) MarshalText() ([]byte, error) {
	return []byte("0x" + hex.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	*b = raw
	return nil
}

// Action describes what an executor should eventually perform.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Action struct {
	Target    Principal `json:"target"`
	Value     Uint256   `json:"value"`
	Payload   Bytes     `json:"payload"`
	Operation Operation `json:"operation"`
	Nonce     Uint256   `json:"nonce"`
	GasLimit  Uint256   `json:"gas_limit"`
}

// Validate checks the fields the timelock relies on.
func (a Action) Validate() error {
	if a.Target.IsZero() {
		return fmt.Errorf("action target is required")
	}
	if !a.Operation.Valid() {
		return fmt.Errorf("action operation %d is not supported", uint8(a.Operation))
	}
	return nil
}

// Call is what the timelock hands to an executor collaborator.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Call struct {
	Target    Principal `json:"target"`
	Value     Uint256   `json:"value"`
	Payload   Bytes     `json:"payload"`
	Operation Operation `json:"operation"`
	// GasLimit bounds the dispatch; zero means unrestricted.
	GasLimit Uint256 `json:"gas_limit"`
}

// Call returns the dispatch form of the action.
func (a Action) Call() Call {
	return Call{
		Target:    a.Target,
		Value:     a.Value,
		Payload:   a.Payload,
		Operation: a.Operation,
		GasLimit:  a.GasLimit,
	}
}
