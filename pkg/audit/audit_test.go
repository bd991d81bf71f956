package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

func event(typ contracts.EventType, fpByte byte) contracts.Event {
	var fp contracts.Fingerprint
	fp[0] = fpByte
	return contracts.Event{
		ID:          "ev-" + string(typ),
		Type:        typ,
		Actor:       "alice",
		Executor:    "vault",
		Announcer:   "alice",
		Fingerprint: fp,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestLogger_WritesPrefixedJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Notify(context.Background(), event(contracts.EventAnnouncementCreated, 1)))
	require.NoError(t, l.Notify(context.Background(), event(contracts.EventActionExecuted, 1)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "AUDIT: "))
	}

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "AUDIT: ")), &rec))
	assert.Equal(t, contracts.EventActionExecuted, rec.Type)
	assert.Equal(t, contracts.Principal("vault"), rec.Executor)
	assert.Empty(t, rec.RequestID)
}

func TestLogger_CarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, l.Notify(r.Context(), event(contracts.EventConfigSet, 0)))
	}))
	req := httptest.NewRequest(http.MethodPut, "/v1/configs/alice", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))), &rec))
	assert.Equal(t, "req-42", rec.RequestID)
}

type failingSink struct{ calls int }

func (f *failingSink) Notify(context.Context, contracts.Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	j := NewJournal()
	bad := &failingSink{}
	var buf bytes.Buffer

	err := Fanout{bad, j, nil, NewLoggerWithWriter(&buf)}.Notify(context.Background(), event(contracts.EventAnnouncementRevoked, 2))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, j.Len())
	assert.NotEmpty(t, buf.String())
}

func TestJournal_ChainsEntries(t *testing.T) {
	j := NewJournal()
	assert.Equal(t, "genesis", j.Head())

	first, err := j.Append(event(contracts.EventAnnouncementCreated, 1))
	require.NoError(t, err)
	second, err := j.Append(event(contracts.EventActionExecuted, 1))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "genesis", first.PreviousHash)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, second.EntryHash, j.Head())
	assert.Len(t, first.EntryHash, 64)
	require.NoError(t, j.VerifyChain())
}

func TestJournal_DetectsTampering(t *testing.T) {
	j := NewJournal()
	for i := byte(1); i <= 3; i++ {
		_, err := j.Append(event(contracts.EventAnnouncementCreated, i))
		require.NoError(t, err)
	}

	j.entries[1].Event.Announcer = "mallory"

	err := j.VerifyChain()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestJournal_Query(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	require.NoError(t, j.Notify(ctx, event(contracts.EventAnnouncementCreated, 1)))
	require.NoError(t, j.Notify(ctx, event(contracts.EventAnnouncementCreated, 2)))
	require.NoError(t, j.Notify(ctx, event(contracts.EventActionExecuted, 1)))

	var fp contracts.Fingerprint
	fp[0] = 1
	byFP := j.Query(Filter{Fingerprint: &fp})
	require.Len(t, byFP, 2)
	assert.Equal(t, contracts.EventActionExecuted, byFP[1].Event.Type)

	assert.Len(t, j.Query(Filter{Type: contracts.EventAnnouncementCreated}), 2)
	assert.Len(t, j.Query(Filter{AfterSeq: 2}), 1)
	assert.Len(t, j.Query(Filter{Limit: 1}), 1)
	assert.Len(t, j.Query(Filter{}), 3)
}
