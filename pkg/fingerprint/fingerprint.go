// Package fingerprint derives the key under which an announcement is stored.
//
// A fingerprint binds an executor and an action to a deployment domain. The
// encoding is versioned: every generator carries a fixed version tag that is
// folded into both the domain and the action hash, so a future encoding can
// never produce a fingerprint that collides with a V1 one.
package fingerprint

import (
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// VersionV1 is the domain tag of the first fingerprint encoding.
const VersionV1 = "helm-timelock/fingerprint/v1"

// Generator computes fingerprints.
type Generator interface {
	// Version returns the fixed domain tag of the encoding.
	Version() string
	// Compute returns the fingerprint of action scheduled for executor.
	Compute(executor contracts.Principal, action contracts.Action) (contracts.Fingerprint, error)
}

// Domain separates fingerprints of different deployments of the timelock.
type Domain struct {
	// ChainContext identifies the network or environment the timelock runs in.
	ChainContext string `json:"chain_context" yaml:"chain_context"`
	// Module is the identity of this timelock instance.
	Module contracts.Principal `json:"module" yaml:"module"`
}

// V1 is the SHA3-256 structured-data encoding.
//
//	fp = H(0x19 0x01 ‖ domainHash ‖ actionHash)
//	domainHash = H(H(tag":domain") ‖ H(chainContext) ‖ H(module))
//	actionHash = H(H(tag":action") ‖ H(executor) ‖ H(target) ‖ value ‖ H(payload) ‖ op ‖ nonce ‖ gasLimit)
//
// Every field occupies one 32-byte word.
type V1 struct {
	domain     Domain
	domainHash [32]byte
}

var (
	domainTypeHashV1 = sha3.Sum256([]byte(VersionV1 + ":domain(string chainContext,string module)"))
	actionTypeHashV1 = sha3.Sum256([]byte(VersionV1 + ":action(string executor,string target,uint256 value,bytes payload,uint8 operation,uint256 nonce,uint256 gasLimit)"))
)

// NewV1 returns a V1 generator bound to d.
func NewV1(d Domain) *V1 {
	return &V1{domain: d, domainHash: DomainHash(d)}
}

// Version implements Generator.
func (g *V1) Version() string { return VersionV1 }

// Domain returns the bound domain.
func (g *V1) Domain() Domain { return g.domain }

// Compute implements Generator.
func (g *V1) Compute(executor contracts.Principal, action contracts.Action) (contracts.Fingerprint, error) {
	if !action.Operation.Valid() {
		return contracts.Fingerprint{}, fmt.Errorf("fingerprint: unsupported operation %d", uint8(action.Operation))
	}
	actionHash := ActionHash(executor, action)

	h := sha3.New256()
	h.Write([]byte{0x19, 0x01})
	h.Write(g.domainHash[:])
	h.Write(actionHash[:])

	var fp contracts.Fingerprint
	h.Sum(fp[:0])
	return fp, nil
}

// DomainHash returns the V1 hash of d.
func DomainHash(d Domain) [32]byte {
	h := sha3.New256()
	h.Write(domainTypeHashV1[:])
	writeString(h, d.ChainContext)
	writeString(h, string(d.Module))

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ActionHash returns the V1 hash of the (executor, action) pair. The payload
// is reduced to its own hash first.
func ActionHash(executor contracts.Principal, action contracts.Action) [32]byte {
	payloadHash := sha3.Sum256(action.Payload)

	var op [32]byte
	op[31] = byte(action.Operation)

	h := sha3.New256()
	h.Write(actionTypeHashV1[:])
	writeString(h, string(executor))
	writeString(h, string(action.Target))
	h.Write(action.Value[:])
	h.Write(payloadHash[:])
	h.Write(op[:])
	h.Write(action.Nonce[:])
	h.Write(action.GasLimit[:])

	var out [32]byte
	h.Sum(out[:0])
	return out
}

func writeString(w io.Writer, s string) {
	sum := sha3.Sum256([]byte(s))
	_, _ = w.Write(sum[:])
}
