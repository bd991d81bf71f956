package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/archive"
)

// Segment is a contiguous run of journal entries, stored as one blob.
// Segments link to their predecessor by digest.
type Segment struct {
	FirstSequence uint64  `json:"first_sequence"`
	LastSequence  uint64  `json:"last_sequence"`
	Head          string  `json:"head"`
	Previous      string  `json:"previous,omitempty"`
	Entries       []Entry `json:"entries"`
}

// Archiver copies new journal entries to a blob store.
type Archiver struct {
	journal *Journal
	store   archive.Store
	logger  *slog.Logger

	mu       sync.Mutex
	last     uint64
	previous string
}

// NewArchiver creates an archiver that starts at the beginning of j.
func NewArchiver(j *Journal, st archive.Store) *Archiver {
	return &Archiver{
		journal: j,
		store:   st,
		logger:  slog.Default().With("component", "audit.archive"),
	}
}

// Flush stores every entry appended since the last flush as one segment and
// returns its digest. It returns "" when there is nothing new.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.journal.Query(Filter{AfterSeq: a.last})
	if len(entries) == 0 {
		return "", nil
	}
	seg := Segment{
		FirstSequence: entries[0].Sequence,
		LastSequence:  entries[len(entries)-1].Sequence,
		Head:          entries[len(entries)-1].EntryHash,
		Previous:      a.previous,
		Entries:       entries,
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return "", fmt.Errorf("audit: encode segment: %w", err)
	}
	digest, err := a.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("audit: archive segment: %w", err)
	}

	a.last = seg.LastSequence
	a.previous = digest
	a.logger.InfoContext(ctx, "journal segment archived",
		"digest", digest, "first", seg.FirstSequence, "last", seg.LastSequence)
	return digest, nil
}

// Latest returns the digest of the last archived segment.
func (a *Archiver) Latest() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.previous
}

// Run flushes every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.ErrorContext(ctx, "journal archive failed", "error", err)
			}
		}
	}
}

// LoadSegment fetches and decodes a segment.
func LoadSegment(ctx context.Context, st archive.Store, digest string) (*Segment, error) {
	data, err := st.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("audit: decode segment %s: %w", digest, err)
	}
	return &seg, nil
}

// VerifyArchive walks the segment chain back from digest and checks that
// the entries of every segment link up. It returns the number of entries
// verified.
func VerifyArchive(ctx context.Context, st archive.Store, digest string) (int, error) {
	var (
		total int
		next  *Segment
	)
	for digest != "" {
		seg, err := LoadSegment(ctx, st, digest)
		if err != nil {
			return total, err
		}
		if err := seg.verify(); err != nil {
			return total, fmt.Errorf("segment %s: %w", digest, err)
		}
		if next != nil && next.Entries[0].PreviousHash != seg.Head {
			return total, fmt.Errorf("%w: segment %s does not continue into its successor", ErrChainBroken, digest)
		}
		total += len(seg.Entries)
		next = seg
		digest = seg.Previous
	}
	if next != nil && next.Entries[0].PreviousHash != genesis {
		return total, fmt.Errorf("%w: oldest segment does not start at genesis", ErrChainBroken)
	}
	return total, nil
}

func (s *Segment) verify() error {
	if len(s.Entries) == 0 {
		return fmt.Errorf("%w: empty segment", ErrChainBroken)
	}
	prev := s.Entries[0].PreviousHash
	for i := range s.Entries {
		e := &s.Entries[i]
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		if err := verifyEntry(e); err != nil {
			return err
		}
		prev = e.EntryHash
	}
	if prev != s.Head {
		return fmt.Errorf("%w: segment head mismatch", ErrChainBroken)
	}
	return nil
}
