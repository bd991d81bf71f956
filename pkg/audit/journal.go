package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-timelock/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// ErrChainBroken is returned by VerifyChain when an entry was altered.
var ErrChainBroken = errors.New("audit: hash chain is broken")

const genesis = "genesis"

// Entry is one event in the journal, linked to its predecessor.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	Event        contracts.Event `json:"event"`
	EventHash    string          `json:"event_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Filter selects journal entries. Zero fields match everything.
type Filter struct {
	Fingerprint *contracts.Fingerprint
	Type        contracts.EventType
	// AfterSeq skips entries with a sequence at or below it.
	AfterSeq uint64
	Limit    int
}

func (f Filter) matches(e *Entry) bool {
	if e.Sequence <= f.AfterSeq {
		return false
	}
	if f.Type != "" && e.Event.Type != f.Type {
		return false
	}
	if f.Fingerprint != nil && e.Event.Fingerprint != *f.Fingerprint {
		return false
	}
	return true
}

// Journal is an append-only, hash-chained event log held in memory.
// Every entry hash covers the canonical JSON of its event and the hash of
// the previous entry.
type Journal struct {
	mu      sync.RWMutex
	entries []*Entry
	head    string
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{head: genesis}
}

// Notify implements Sink by appending ev.
func (j *Journal) Notify(_ context.Context, ev contracts.Event) error {
	_, err := j.Append(ev)
	return err
}

// Append adds ev to the chain.
func (j *Journal) Append(ev contracts.Event) (*Entry, error) {
	eventHash, err := canonicalize.DigestHex(ev)
	if err != nil {
		return nil, fmt.Errorf("audit: hash event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		Sequence:     uint64(len(j.entries)) + 1,
		Event:        ev,
		EventHash:    eventHash,
		PreviousHash: j.head,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}
	j.entries = append(j.entries, entry)
	j.head = entry.EntryHash
	return entry, nil
}

func entryHash(e *Entry) (string, error) {
	h, err := canonicalize.DigestHex(struct {
		Sequence     uint64 `json:"sequence"`
		EventHash    string `json:"event_hash"`
		PreviousHash string `json:"previous_hash"`
	}{e.Sequence, e.EventHash, e.PreviousHash})
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	return h, nil
}

// Head returns the hash of the latest entry, or "genesis" when empty.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Query returns copies of the entries matching f, oldest first.
func (j *Journal) Query(f Filter) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range j.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// VerifyChain recomputes every hash and checks the links.
func (j *Journal) VerifyChain() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := genesis
	for _, e := range j.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		if err := verifyEntry(e); err != nil {
			return err
		}
		prev = e.EntryHash
	}
	return nil
}

// verifyEntry recomputes the event and entry hashes of e.
func verifyEntry(e *Entry) error {
	evHash, err := canonicalize.DigestHex(e.Event)
	if err != nil {
		return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, e.Sequence, err)
	}
	if evHash != e.EventHash {
		return fmt.Errorf("%w: entry %d event hash mismatch", ErrChainBroken, e.Sequence)
	}
	computed, err := entryHash(e)
	if err != nil {
		return err
	}
	if computed != e.EntryHash {
		return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
	}
	return nil
}
