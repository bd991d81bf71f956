package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/helm-timelock/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/store"
)

// AnnounceResult describes an accepted announcement.
type AnnounceResult struct {
	Fingerprint             contracts.Fingerprint `json:"fingerprint"`
	ExecTime                uint64                `json:"exec_time"`
	ValidityDurationMinutes uint16                `json:"validity_duration_minutes"`
	// Pending is set when the executor accepted the approval request but has
	// not committed the announcement yet.
	Pending bool `json:"pending"`
}

// Announce schedules action on behalf of executor. The caller is the
// announcer. requestedValidity is in minutes; 0 takes the configured value.
//
// When the executor asked to be notified, the announcement is not stored
// here: an approval request is dispatched to the executor, which commits it
// through Approve. A failed dispatch returns ErrAnnouncementNotApproved.
// While the request is in flight, an Approve for the same fingerprint that
// does not come from inside the dispatch fails with ErrApprovalInFlight.
func (e *Engine) Announce(ctx context.Context, caller, executor contracts.Principal, action contracts.Action, requestedValidity uint16) (res AnnounceResult, err error) {
	ctx, finish := e.track(ctx, "announce", caller, executor)
	defer func() { finish(err) }()

	if caller.IsZero() {
		return res, invalid("announcer is required")
	}
	fp, err := e.fingerprintOf(executor, action)
	if err != nil {
		return res, err
	}
	spanFingerprint(ctx, fp)

	var claimed bool
	defer func() {
		if claimed {
			e.settle(fp)
		}
	}()

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		cfg, err := u.tx.GetConfig(ctx, executor, caller)
		if err != nil {
			return err
		}
		if !cfg.Configured() {
			return ErrConfigNotFound
		}

		now := e.now()
		if cfg.DelaySeconds > math.MaxUint64-now {
			return invalid("delay of %d seconds overflows the clock", cfg.DelaySeconds)
		}
		execTime := now + cfg.DelaySeconds

		validity, err := effectiveValidity(cfg.ValidityDurationMinutes, requestedValidity)
		if err != nil {
			return err
		}

		req := contracts.ApprovalRequest{
			Announcer:                   caller,
			Action:                      action,
			ExecTime:                    execTime,
			ValidityDurationMinutes:     validity,
			RequireAnnouncerAtExecution: cfg.RequireAnnouncerAtExecution,
		}
		res = AnnounceResult{Fingerprint: fp, ExecTime: execTime, ValidityDurationMinutes: validity}

		existing, err := u.tx.GetAnnouncement(ctx, fp)
		if err != nil {
			return err
		}
		if err := occupied(existing); err != nil {
			return err
		}

		if !cfg.NotifyExecutorOnAnnounce {
			return e.commitAnnouncement(ctx, u, caller, executor, fp, req)
		}

		if !e.claim(fp) {
			return ErrApprovalInFlight
		}
		claimed = true

		if err := e.requestApproval(ctx, executor, req); err != nil {
			e.logger.WarnContext(ctx, "announcement not approved",
				"executor", executor, "announcer", caller, "fingerprint", fp.Hex(), "error", err)
			return fmt.Errorf("%w: %w", ErrAnnouncementNotApproved, err)
		}

		stored, err := u.tx.GetAnnouncement(ctx, fp)
		if err != nil {
			return err
		}
		res.Pending = !(stored.Live() && stored.Announcer == caller && stored.ExecTime == execTime)
		return nil
	})
	if err != nil {
		return AnnounceResult{}, err
	}
	return res, nil
}

// Approve commits an announcement on behalf of the calling executor. It is
// how an executor that asked to be notified accepts an approval request,
// either from inside the dispatch, with the ctx it was given, or after the
// dispatch returned. Approving from elsewhere while the dispatch is still
// running fails with ErrApprovalInFlight.
func (e *Engine) Approve(ctx context.Context, caller contracts.Principal, req contracts.ApprovalRequest) (fp contracts.Fingerprint, err error) {
	ctx, finish := e.track(ctx, "approve", caller, caller)
	defer func() { finish(err) }()

	if req.Announcer.IsZero() {
		return fp, invalid("announcer is required")
	}
	if req.ExecTime == 0 {
		return fp, invalid("exec time is required")
	}
	fp, err = e.fingerprintOf(caller, req.Action)
	if err != nil {
		return contracts.Fingerprint{}, err
	}
	spanFingerprint(ctx, fp)

	if _, nested := e.active(ctx); !nested && e.approvalInFlight(fp) {
		return contracts.Fingerprint{}, ErrApprovalInFlight
	}

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		return e.commitAnnouncement(ctx, u, caller, caller, fp, req)
	})
	if err != nil {
		return contracts.Fingerprint{}, err
	}
	return fp, nil
}

// commitAnnouncement stores req under fp unless a record already exists.
func (e *Engine) commitAnnouncement(ctx context.Context, u *unit, actor, executor contracts.Principal, fp contracts.Fingerprint, req contracts.ApprovalRequest) error {
	existing, err := u.tx.GetAnnouncement(ctx, fp)
	if err != nil {
		return err
	}
	if err := occupied(existing); err != nil {
		return err
	}

	rec := req.Announcement(executor)
	if err := u.tx.CreateAnnouncement(ctx, fp, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyAnnounced
		}
		return err
	}

	ev := e.newEvent(contracts.EventAnnouncementCreated, actor)
	ev.Executor = executor
	ev.Announcer = req.Announcer
	ev.Fingerprint = fp
	ev.Announcement = &rec
	action := req.Action
	ev.Action = &action
	u.emit(ev)

	e.logger.InfoContext(ctx, "action announced",
		"executor", executor, "announcer", req.Announcer, "fingerprint", fp.Hex(),
		"exec_time", rec.ExecTime, "validity_minutes", rec.ValidityDurationMinutes)
	return nil
}

// occupied reports why a fingerprint cannot be announced again.
func occupied(existing contracts.Announcement) error {
	switch {
	case existing.Executed:
		return ErrAlreadyExecuted
	case existing.Exists():
		return ErrAlreadyAnnounced
	}
	return nil
}

// requestApproval dispatches req to executor as a call addressed to the
// engine's module identity.
func (e *Engine) requestApproval(ctx context.Context, executor contracts.Principal, req contracts.ApprovalRequest) error {
	if e.executor == nil {
		return fmt.Errorf("no executor collaborator configured")
	}
	payload, err := EncodeApprovalRequest(req)
	if err != nil {
		return err
	}
	return e.executor.Dispatch(ctx, executor, contracts.Call{
		Target:    e.module,
		Payload:   payload,
		Operation: contracts.OperationCall,
	})
}

// effectiveValidity applies the configured bound to a requested validity.
// A zero configured value is unbounded; a zero request takes the configured
// value.
func effectiveValidity(configured, requested uint16) (uint16, error) {
	if configured != 0 && requested > configured {
		return 0, fmt.Errorf("%w: requested %d minutes, configured %d", ErrValidityDurationTooLong, requested, configured)
	}
	if requested != 0 {
		return requested, nil
	}
	return configured, nil
}

// EncodeApprovalRequest returns the canonical payload of an approval request.
func EncodeApprovalRequest(req contracts.ApprovalRequest) ([]byte, error) {
	b, err := canonicalize.JCS(req)
	if err != nil {
		return nil, fmt.Errorf("encode approval request: %w", err)
	}
	return b, nil
}

// DecodeApprovalRequest parses a payload produced by EncodeApprovalRequest.
func DecodeApprovalRequest(payload []byte) (contracts.ApprovalRequest, error) {
	var req contracts.ApprovalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return contracts.ApprovalRequest{}, fmt.Errorf("decode approval request: %w", err)
	}
	return req, nil
}
