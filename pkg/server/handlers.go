package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/audit"
	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// caller returns the authenticated principal or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (contracts.Principal, bool) {
	p, err := auth.Caller(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return "", false
	}
	return p, true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:             "ok",
		Module:             s.engine.Module(),
		FingerprintVersion: s.engine.FingerprintVersion(),
	})
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	executor, ok := caller(w, r)
	if !ok {
		return
	}
	announcer := contracts.Principal(chi.URLParam(r, "announcer"))

	var cfg contracts.Config
	if err := decode(w, r, &cfg); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}
	if err := s.engine.SetConfig(r.Context(), executor, announcer, cfg); err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ConfigResponse{
		Executor:   executor,
		Announcer:  announcer,
		Config:     cfg,
		Configured: cfg.Configured(),
	})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	executor := contracts.Principal(chi.URLParam(r, "executor"))
	announcer := contracts.Principal(chi.URLParam(r, "announcer"))

	cfg, err := s.engine.GetConfig(r.Context(), executor, announcer)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ConfigResponse{
		Executor:   executor,
		Announcer:  announcer,
		Config:     cfg,
		Configured: cfg.Configured(),
	})
}

func (s *Server) announce(w http.ResponseWriter, r *http.Request) {
	announcer, ok := caller(w, r)
	if !ok {
		return
	}
	var req api.AnnounceRequest
	if err := decode(w, r, &req); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}

	res, err := s.engine.Announce(r.Context(), announcer, req.Executor, req.Action, req.ValidityDurationMinutes)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	api.WriteJSON(w, status, api.AnnounceResponse{
		Fingerprint:             res.Fingerprint,
		ExecTime:                res.ExecTime,
		ValidityDurationMinutes: res.ValidityDurationMinutes,
		Pending:                 res.Pending,
	})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	executor, ok := caller(w, r)
	if !ok {
		return
	}
	var req contracts.ApprovalRequest
	if err := decode(w, r, &req); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}

	fp, err := s.engine.Approve(r.Context(), executor, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, api.FingerprintResponse{Fingerprint: fp})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	executor, ok := caller(w, r)
	if !ok {
		return
	}
	var req api.ActionRequest
	if err := decode(w, r, &req); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}
	if !req.Executor.IsZero() && req.Executor != executor {
		writeInvalid(w, r, "only the executor may revoke its announcements")
		return
	}

	fp, err := s.engine.Revoke(r.Context(), executor, req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.FingerprintResponse{Fingerprint: fp})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req api.ActionRequest
	if err := decode(w, r, &req); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}

	res, err := s.engine.Execute(r.Context(), who, req.Executor, req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ExecuteResponse{
		Fingerprint:   res.Fingerprint,
		Announcer:     res.Announcer,
		DispatchError: res.DispatchError,
	})
}

func (s *Server) fingerprint(w http.ResponseWriter, r *http.Request) {
	var req api.ActionRequest
	if err := decode(w, r, &req); err != nil {
		writeInvalid(w, r, err.Error())
		return
	}
	fp, err := s.engine.Fingerprint(req.Executor, req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.FingerprintResponse{
		Fingerprint: fp,
		Version:     s.engine.FingerprintVersion(),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	fp, err := contracts.ParseFingerprint(chi.URLParam(r, "fingerprint"))
	if err != nil {
		writeInvalid(w, r, err.Error())
		return
	}
	st, err := s.engine.Status(r.Context(), fp)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{
		Fingerprint:  st.Fingerprint,
		Phase:        st.Phase,
		Now:          st.Now,
		Announcement: st.Announcement,
		ExpiresAt:    st.ExpiresAt,
	})
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Prune(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.PruneResponse{Pruned: n})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		api.WriteNotFound(w, "The event journal is not enabled")
		return
	}

	q := r.URL.Query()
	var f audit.Filter
	if v := q.Get("fingerprint"); v != "" {
		fp, err := contracts.ParseFingerprint(v)
		if err != nil {
			writeInvalid(w, r, err.Error())
			return
		}
		f.Fingerprint = &fp
	}
	f.Type = contracts.EventType(q.Get("type"))
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeInvalid(w, r, "after must be a sequence number")
			return
		}
		f.AfterSeq = after
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			writeInvalid(w, r, "limit must be between 1 and 1000")
			return
		}
		f.Limit = limit
	}

	entries := s.opts.Journal.Query(f)
	resp := api.EventsResponse{
		Head:    s.opts.Journal.Head(),
		Entries: make([]api.JournalEntry, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, api.JournalEntry{
			Sequence:     e.Sequence,
			Event:        e.Event,
			EventHash:    e.EventHash,
			PreviousHash: e.PreviousHash,
			EntryHash:    e.EntryHash,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
