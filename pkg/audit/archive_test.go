package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/archive"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

func TestArchiver_FlushesSegmentsInChain(t *testing.T) {
	ctx := context.Background()
	st, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	j := NewJournal()
	a := NewArchiver(j, st)

	digest, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, digest, "empty journal archives nothing")

	_, err = j.Append(event(contracts.EventAnnouncementCreated, 1))
	require.NoError(t, err)
	_, err = j.Append(event(contracts.EventActionExecuted, 1))
	require.NoError(t, err)
	first, err := a.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, err = j.Append(event(contracts.EventAnnouncementRevoked, 2))
	require.NoError(t, err)
	second, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, a.Latest())

	seg, err := LoadSegment(ctx, st, second)
	require.NoError(t, err)
	assert.Equal(t, first, seg.Previous)
	assert.Equal(t, uint64(3), seg.FirstSequence)
	assert.Equal(t, j.Head(), seg.Head)

	n, err := VerifyArchive(ctx, st, second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

type memBlobs map[string][]byte

func (m memBlobs) Put(_ context.Context, data []byte) (string, error) {
	d := archive.Digest(data)
	m[d] = data
	return d, nil
}

func (m memBlobs) Get(_ context.Context, digest string) ([]byte, error) {
	data, ok := m[digest]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return data, nil
}

func (m memBlobs) Exists(_ context.Context, digest string) (bool, error) {
	_, ok := m[digest]
	return ok, nil
}

func (m memBlobs) Close() error { return nil }

func TestVerifyArchive_DetectsTamperedSegment(t *testing.T) {
	ctx := context.Background()
	st := memBlobs{}
	j := NewJournal()
	a := NewArchiver(j, st)
	for i := byte(1); i <= 2; i++ {
		_, err := j.Append(event(contracts.EventAnnouncementCreated, i))
		require.NoError(t, err)
	}
	digest, err := a.Flush(ctx)
	require.NoError(t, err)

	seg, err := LoadSegment(ctx, st, digest)
	require.NoError(t, err)
	seg.Entries[0].Event.Announcer = "mallory"
	forged, err := json.Marshal(seg)
	require.NoError(t, err)
	forgedDigest, err := st.Put(ctx, forged)
	require.NoError(t, err)

	_, err = VerifyArchive(ctx, st, forgedDigest)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyArchive_MissingSegment(t *testing.T) {
	_, err := VerifyArchive(context.Background(), memBlobs{}, archive.Digest([]byte("gone")))
	assert.ErrorIs(t, err, archive.ErrNotFound)
}
