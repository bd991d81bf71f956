// Package api provides the HTTP building blocks shared by the timelock
// server and client: RFC 7807 problem responses, the wire types, rate
// limiting and idempotent replay.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemTypeBase = "https://helm.mindburn.org/timelock/errors/"

// Wire codes that are not engine codes.
const (
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL"
)

// StatusForCode returns the HTTP status a timelock error code is served
// with. Unknown codes map to 500.
func StatusForCode(code string) int {
	switch code {
	case "INVALID_REQUEST", "VALIDITY_DURATION_TOO_LONG":
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case "CONFIG_NOT_FOUND", "NOT_ANNOUNCED":
		return http.StatusNotFound
	case "ALREADY_ANNOUNCED", "ALREADY_EXECUTED", "CANNOT_REVOKE_EXECUTED", "APPROVAL_IN_FLIGHT", CodeConflict:
		return http.StatusConflict
	case "NOT_YET_EXECUTABLE", "EXPIRED", "ANNOUNCER_REVOKED", CodeIdempotencyKeyReused:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case "ANNOUNCEMENT_NOT_APPROVED", "ENFORCED_GAS_LIMIT_FAILURE":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ProblemDetail is an RFC 7807 problem document. Every API error response
// carries one.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"` // request path
	Code     string `json:"code,omitempty"`     // timelock error code
	TraceID  string `json:"trace_id,omitempty"` // X-Request-ID of the request
}

// Problem starts a problem document for status. The title defaults to the
// status text.
func Problem(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   problemTypeBase + strconv.Itoa(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// CodedProblem starts a problem document for a timelock error code, served
// with the code's status.
func CodedProblem(code, detail string) *ProblemDetail {
	return Problem(StatusForCode(code), detail).WithCode(code)
}

// WithCode tags the problem with a machine-readable code.
func (p *ProblemDetail) WithCode(code string) *ProblemDetail {
	p.Code = code
	p.Type = problemTypeBase + code
	return p
}

// At records the request the problem occurred on.
func (p *ProblemDetail) At(r *http.Request) *ProblemDetail {
	p.Instance = r.URL.Path
	return p
}

// Write sends the problem, linking it to the response's request ID.
func (p *ProblemDetail) Write(w http.ResponseWriter) {
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
	}
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// ErrorCode returns the timelock code of the problem.
func (p *ProblemDetail) ErrorCode() string { return p.Code }

// WriteError writes a problem with an explicit title.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	p := Problem(status, detail)
	p.Title = title
	p.Write(w)
}

// WriteCodedError writes the problem for a timelock error code raised while
// serving r.
func WriteCodedError(w http.ResponseWriter, r *http.Request, code, detail string) {
	CodedProblem(code, detail).At(r).Write(w)
}

// WriteUnauthorized writes a 401 with a bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="helm-timelock"`)
	CodedProblem(CodeUnauthorized, detail).Write(w)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, detail string) {
	CodedProblem(CodeForbidden, detail).Write(w)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, detail string) {
	Problem(http.StatusNotFound, detail).Write(w)
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	Problem(http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint").Write(w)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	CodedProblem(CodeRateLimited, "Rate limit exceeded. Retry after the specified interval.").Write(w)
}

// WriteInternal writes a 500. err is logged and never sent to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	CodedProblem(CodeInternal, "An unexpected error occurred. Please try again later.").Write(w)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
