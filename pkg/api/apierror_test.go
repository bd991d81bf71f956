package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var p api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Status != w.Code {
		t.Errorf("problem status %d != response status %d", p.Status, w.Code)
	}
	return p
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		"INVALID_REQUEST":            http.StatusBadRequest,
		"VALIDITY_DURATION_TOO_LONG": http.StatusBadRequest,
		"CONFIG_NOT_FOUND":           http.StatusNotFound,
		"NOT_ANNOUNCED":              http.StatusNotFound,
		"ALREADY_ANNOUNCED":          http.StatusConflict,
		"ALREADY_EXECUTED":           http.StatusConflict,
		"CANNOT_REVOKE_EXECUTED":     http.StatusConflict,
		"APPROVAL_IN_FLIGHT":         http.StatusConflict,
		api.CodeConflict:             http.StatusConflict,
		"NOT_YET_EXECUTABLE":         http.StatusUnprocessableEntity,
		"EXPIRED":                    http.StatusUnprocessableEntity,
		"ANNOUNCER_REVOKED":          http.StatusUnprocessableEntity,
		"ANNOUNCEMENT_NOT_APPROVED":  http.StatusBadGateway,
		"ENFORCED_GAS_LIMIT_FAILURE": http.StatusBadGateway,
		api.CodeRateLimited:          http.StatusTooManyRequests,
		"SOMETHING_NEW":              http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := api.StatusForCode(code); got != want {
			t.Errorf("StatusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteCodedError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/executions", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteCodedError(w, req, "NOT_YET_EXECUTABLE", "executable at 1100")

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Instance != "/v1/executions" || p.TraceID != "req-123" {
		t.Errorf("instance/trace = %q/%q", p.Instance, p.TraceID)
	}
	if p.Code != "NOT_YET_EXECUTABLE" || p.Type != "https://helm.mindburn.org/timelock/errors/NOT_YET_EXECUTABLE" {
		t.Errorf("code/type = %q/%q", p.Code, p.Type)
	}
	if p.Title != "Unprocessable Entity" {
		t.Errorf("title = %q", p.Title)
	}
	if !strings.Contains(p.Error(), "NOT_YET_EXECUTABLE") || p.ErrorCode() != "NOT_YET_EXECUTABLE" {
		t.Errorf("Error() = %q", p.Error())
	}
}

func TestWriteError_ExplicitTitle(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusServiceUnavailable, "Warming Up", "store not ready")

	p := decodeProblem(t, w)
	if p.Title != "Warming Up" || p.Detail != "store not ready" || p.Code != "" {
		t.Errorf("problem = %+v", p)
	}
	if p.Type != "https://helm.mindburn.org/timelock/errors/503" {
		t.Errorf("type = %q", p.Type)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if p := decodeProblem(t, w); strings.Contains(p.Detail, "10.0.0.1") {
		t.Error("internal error details leaked to client")
	}
}

func TestWriteUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected a bearer challenge")
	}
	p := decodeProblem(t, w)
	if p.Detail != "Authentication required" || p.Code != api.CodeUnauthorized {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("Retry-After = %q", ra)
	}
	if p := decodeProblem(t, w); p.Code != api.CodeRateLimited {
		t.Errorf("code = %q", p.Code)
	}
}

func TestWriteForbiddenAndMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteForbidden(w, "The operator role is required")
	if w.Code != http.StatusForbidden {
		t.Errorf("forbidden status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	api.WriteMethodNotAllowed(w)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("method status = %d", w.Code)
	}
}
