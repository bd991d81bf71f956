package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/audit"
	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
	"github.com/Mindburn-Labs/helm-timelock/pkg/fingerprint"
	"github.com/Mindburn-Labs/helm-timelock/pkg/identity"
	"github.com/Mindburn-Labs/helm-timelock/pkg/store"
)

type nopExecutor struct {
	mu    sync.Mutex
	calls int
}

func (n *nopExecutor) Dispatch(context.Context, contracts.Principal, contracts.Call) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

type fixture struct {
	srv     *Server
	now     time.Time
	exec    *nopExecutor
	journal *audit.Journal
	tokens  *identity.TokenManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)

	f := &fixture{
		now:     time.Unix(1000, 0),
		exec:    &nopExecutor{},
		journal: audit.NewJournal(),
		tokens:  identity.NewTokenManager(ks),
	}
	gen := fingerprint.NewV1(fingerprint.Domain{ChainContext: "test-chain", Module: "timelock"})
	eng := engine.NewEngine(store.NewMemoryStore(), gen, f.exec).
		WithClock(func() time.Time { return f.now }).
		WithNotifier(f.journal).
		WithModule("timelock")

	f.srv = New(eng, Options{
		Validator:   auth.NewJWTValidator(ks),
		Idempotency: api.NewMemoryIdempotencyStore(time.Hour),
		Journal:     f.journal,
	})
	return f
}

func (f *fixture) do(t *testing.T, as contracts.Principal, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != "" {
		roles := []string{}
		if as == "ops" {
			roles = append(roles, identity.RoleOperator)
		}
		tok, err := f.tokens.Issue(context.Background(), as, time.Hour, roles...)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func transfer(nonce uint64) contracts.Action {
	return contracts.Action{
		Target:  "treasury",
		Value:   contracts.NewUint256(5),
		Payload: contracts.Bytes{0xde, 0xad},
		Nonce:   contracts.NewUint256(nonce),
	}
}

func assertProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	p := decodeBody[api.ProblemDetail](t, rec)
	assert.Equal(t, code, p.Code)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	h := decodeBody[api.HealthResponse](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, contracts.Principal("timelock"), h.Module)
	assert.Equal(t, fingerprint.VersionV1, h.FingerprintVersion)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "vault", http.MethodPut, "/v1/configs/alice", contracts.Config{DelaySeconds: 100, ValidityDurationMinutes: 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[api.ConfigResponse](t, rec).Configured)

	rec = f.do(t, "keeper", http.MethodGet, "/v1/configs/vault/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(100), decodeBody[api.ConfigResponse](t, rec).Config.DelaySeconds)

	rec = f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ann := decodeBody[api.AnnounceResponse](t, rec)
	assert.Equal(t, uint64(1100), ann.ExecTime)
	assert.Equal(t, uint16(10), ann.ValidityDurationMinutes)

	rec = f.do(t, "keeper", http.MethodPost, "/v1/fingerprints", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ann.Fingerprint, decodeBody[api.FingerprintResponse](t, rec).Fingerprint)

	statusPath := "/v1/announcements/" + ann.Fingerprint.Hex()
	rec = f.do(t, "keeper", http.MethodGet, statusPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contracts.PhaseWaiting, decodeBody[api.StatusResponse](t, rec).Phase)

	rec = f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusUnprocessableEntity, "NOT_YET_EXECUTABLE")

	f.now = time.Unix(1100, 0)
	rec = f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[api.ExecuteResponse](t, rec)
	assert.Equal(t, contracts.Principal("alice"), res.Announcer)
	assert.Equal(t, 1, f.exec.calls)

	rec = f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusConflict, "ALREADY_EXECUTED")

	rec = f.do(t, "keeper", http.MethodGet, statusPath, nil)
	assert.Equal(t, contracts.PhaseExecuted, decodeBody[api.StatusResponse](t, rec).Phase)
}

func TestAnnounceErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusNotFound, "CONFIG_NOT_FOUND")

	f.do(t, "vault", http.MethodPut, "/v1/configs/alice", contracts.Config{DelaySeconds: 100, ValidityDurationMinutes: 10})

	rec = f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1), ValidityDurationMinutes: 11})
	assertProblem(t, rec, http.StatusBadRequest, "VALIDITY_DURATION_TOO_LONG")

	rec = f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: contracts.Action{}})
	assertProblem(t, rec, http.StatusBadRequest, "INVALID_REQUEST")

	f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	rec = f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusConflict, "ALREADY_ANNOUNCED")
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "vault", http.MethodPut, "/v1/configs/alice", map[string]any{"delay": 5})
	assertProblem(t, rec, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestRevokeOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.do(t, "vault", http.MethodPut, "/v1/configs/alice", contracts.Config{DelaySeconds: 100})
	f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})

	rec := f.do(t, "mallory", http.MethodPost, "/v1/revocations", api.ActionRequest{Action: transfer(1)})
	assertProblem(t, rec, http.StatusNotFound, "NOT_ANNOUNCED")

	rec = f.do(t, "mallory", http.MethodPost, "/v1/revocations", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusBadRequest, "INVALID_REQUEST")

	rec = f.do(t, "vault", http.MethodPost, "/v1/revocations", api.ActionRequest{Action: transfer(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.now = time.Unix(2000, 0)
	rec = f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)})
	assertProblem(t, rec, http.StatusNotFound, "NOT_ANNOUNCED")
}

func TestApproveOverHTTP(t *testing.T) {
	f := newFixture(t)
	req := contracts.ApprovalRequest{Announcer: "alice", Action: transfer(7), ExecTime: 1500}

	rec := f.do(t, "vault", http.MethodPost, "/v1/approvals", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fp := decodeBody[api.FingerprintResponse](t, rec).Fingerprint

	rec = f.do(t, "keeper", http.MethodGet, "/v1/announcements/"+fp.Hex(), nil)
	st := decodeBody[api.StatusResponse](t, rec)
	assert.Equal(t, uint64(1500), st.Announcement.ExecTime)
	assert.Equal(t, contracts.Principal("alice"), st.Announcement.Announcer)
}

func TestIdempotentExecutionReplays(t *testing.T) {
	f := newFixture(t)
	f.do(t, "vault", http.MethodPut, "/v1/configs/alice", contracts.Config{DelaySeconds: 100})
	f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	f.now = time.Unix(1100, 0)

	first := f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)}, "Idempotency-Key", "exec-1")
	second := f.do(t, "keeper", http.MethodPost, "/v1/executions", api.ActionRequest{Executor: "vault", Action: transfer(1)}, "Idempotency-Key", "exec-1")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, f.exec.calls)
}

func TestOperatorRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, "vault", http.MethodPut, "/v1/configs/alice", contracts.Config{DelaySeconds: 100, ValidityDurationMinutes: 1})
	rec := f.do(t, "alice", http.MethodPost, "/v1/announcements", api.AnnounceRequest{Executor: "vault", Action: transfer(1)})
	fp := decodeBody[api.AnnounceResponse](t, rec).Fingerprint

	assert.Equal(t, http.StatusForbidden, f.do(t, "alice", http.MethodPost, "/v1/prune", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "alice", http.MethodGet, "/v1/events", nil).Code)

	f.now = time.Unix(1160, 0)
	rec = f.do(t, "ops", http.MethodPost, "/v1/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[api.PruneResponse](t, rec).Pruned)

	rec = f.do(t, "ops", http.MethodGet, "/v1/events?fingerprint="+fp.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := decodeBody[api.EventsResponse](t, rec)
	require.Len(t, events.Entries, 2)
	assert.Equal(t, contracts.EventAnnouncementCreated, events.Entries[0].Event.Type)
	assert.Equal(t, contracts.EventAnnouncementPruned, events.Entries[1].Event.Type)
	assert.Equal(t, f.journal.Head(), events.Head)

	rec = f.do(t, "ops", http.MethodGet, "/v1/events?after=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[api.EventsResponse](t, rec)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, uint64(2), page.Entries[0].Sequence)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "ops", http.MethodGet, "/v1/events?limit=0", nil).Code)
	require.NoError(t, f.journal.VerifyChain())
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/nope", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, "alice", http.MethodDelete, "/v1/announcements", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{engine.ErrConfigNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: detail", engine.ErrNotYetExecutable), http.StatusUnprocessableEntity},
		{engine.ErrAnnouncerRevoked, http.StatusUnprocessableEntity},
		{engine.ErrCannotRevokeExecuted, http.StatusConflict},
		{fmt.Errorf("%w: boom", engine.ErrEnforcedGasLimitFailure), http.StatusBadGateway},
		{engine.ErrAnnouncementNotApproved, http.StatusBadGateway},
		{fmt.Errorf("commit: %w", store.ErrConflict), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}
