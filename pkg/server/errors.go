package server

import (
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
	"github.com/Mindburn-Labs/helm-timelock/pkg/store"
)

// wireCode returns the API error code for an engine or store failure, or ""
// for an unexpected error.
func wireCode(err error) string {
	if code, ok := engine.CodeOf(err); ok {
		return string(code)
	}
	if errors.Is(err, store.ErrConflict) {
		return api.CodeConflict
	}
	return ""
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	if code := wireCode(err); code != "" {
		return api.StatusForCode(code)
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch code := wireCode(err); code {
	case "":
		api.WriteInternal(w, err)
	case api.CodeConflict:
		api.WriteCodedError(w, r, code, "Concurrent modification, retry the request")
	default:
		api.WriteCodedError(w, r, code, err.Error())
	}
}

func writeInvalid(w http.ResponseWriter, r *http.Request, detail string) {
	api.WriteCodedError(w, r, string(engine.CodeInvalidRequest), detail)
}
