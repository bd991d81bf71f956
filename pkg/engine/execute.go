package engine

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/observability"
)

// ExecuteResult describes a completed execution.
type ExecuteResult struct {
	Fingerprint contracts.Fingerprint `json:"fingerprint"`
	Announcer   contracts.Principal   `json:"announcer"`
	// DispatchError is set when the dispatch failed without an enforced gas
	// limit. The execution stands regardless.
	DispatchError string `json:"dispatch_error,omitempty"`
}

// Execute triggers an announced action. Any caller may execute.
//
// The record is marked executed before the action is dispatched, within the
// same atomic unit, so a dispatch that re-enters Execute for the same action
// sees ErrAlreadyExecuted. With a non-zero gas limit a failed dispatch
// returns ErrEnforcedGasLimitFailure and the mark is rolled back. With a
// zero gas limit the failure is recorded in the result and the action stays
// executed.
func (e *Engine) Execute(ctx context.Context, caller, executor contracts.Principal, action contracts.Action) (res ExecuteResult, err error) {
	ctx, finish := e.track(ctx, "execute", caller, executor)
	defer func() { finish(err) }()

	fp, err := e.fingerprintOf(executor, action)
	if err != nil {
		return res, err
	}
	spanFingerprint(ctx, fp)

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		rec, err := u.tx.GetAnnouncement(ctx, fp)
		if err != nil {
			return err
		}
		if err := e.checkExecutable(ctx, u, executor, rec); err != nil {
			return err
		}

		rec.Executed = true
		if err := u.tx.PutAnnouncement(ctx, fp, rec); err != nil {
			return err
		}

		res = ExecuteResult{Fingerprint: fp, Announcer: rec.Announcer}
		if derr := e.dispatch(ctx, executor, action); derr != nil {
			if !action.GasLimit.IsZero() {
				e.recordDispatch(ctx, executor, observability.DispatchRolledBack)
				return fmt.Errorf("%w: %w", ErrEnforcedGasLimitFailure, derr)
			}
			e.recordDispatch(ctx, executor, observability.DispatchKept)
			e.logger.WarnContext(ctx, "dispatch failed, execution kept",
				"executor", executor, "fingerprint", fp.Hex(), "error", derr)
			res.DispatchError = derr.Error()
		} else {
			e.recordDispatch(ctx, executor, observability.DispatchOK)
		}

		ev := e.newEvent(contracts.EventActionExecuted, caller)
		ev.Executor = executor
		ev.Announcer = rec.Announcer
		ev.Fingerprint = fp
		a := action
		ev.Action = &a
		ev.DispatchError = res.DispatchError
		u.emit(ev)

		e.logger.InfoContext(ctx, "action executed",
			"executor", executor, "caller", caller, "fingerprint", fp.Hex())
		return nil
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	return res, nil
}

// checkExecutable applies the execution gates in order.
func (e *Engine) checkExecutable(ctx context.Context, u *unit, executor contracts.Principal, rec contracts.Announcement) error {
	if !rec.Exists() {
		return ErrNotAnnounced
	}
	if rec.Executed {
		return ErrAlreadyExecuted
	}
	now := e.now()
	if now < rec.ExecTime {
		return fmt.Errorf("%w: executable at %d, now %d", ErrNotYetExecutable, rec.ExecTime, now)
	}
	if expiry, bounded := rec.Expiry(); bounded && now >= expiry {
		return fmt.Errorf("%w: expired at %d, now %d", ErrExpired, expiry, now)
	}
	if rec.RequireAnnouncerAtExecution {
		cfg, err := u.tx.GetConfig(ctx, executor, rec.Announcer)
		if err != nil {
			return err
		}
		if !cfg.Configured() {
			return ErrAnnouncerRevoked
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, executor contracts.Principal, action contracts.Action) error {
	if e.executor == nil {
		return fmt.Errorf("no executor collaborator configured")
	}
	return e.executor.Dispatch(ctx, executor, action.Call())
}

func (e *Engine) recordDispatch(ctx context.Context, executor contracts.Principal, outcome observability.DispatchOutcome) {
	if e.telemetry != nil {
		e.telemetry.RecordDispatch(ctx, executor.String(), outcome)
	}
}

// Revoke deletes an announcement the calling executor has not executed yet.
func (e *Engine) Revoke(ctx context.Context, caller contracts.Principal, action contracts.Action) (fp contracts.Fingerprint, err error) {
	ctx, finish := e.track(ctx, "revoke", caller, caller)
	defer func() { finish(err) }()

	fp, err = e.fingerprintOf(caller, action)
	if err != nil {
		return contracts.Fingerprint{}, err
	}
	spanFingerprint(ctx, fp)

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		rec, err := u.tx.GetAnnouncement(ctx, fp)
		if err != nil {
			return err
		}
		if !rec.Exists() {
			return ErrNotAnnounced
		}
		if rec.Executed {
			return ErrCannotRevokeExecuted
		}
		if err := u.tx.DeleteAnnouncement(ctx, fp); err != nil {
			return err
		}

		ev := e.newEvent(contracts.EventAnnouncementRevoked, caller)
		ev.Executor = caller
		ev.Announcer = rec.Announcer
		ev.Fingerprint = fp
		u.emit(ev)

		e.logger.InfoContext(ctx, "announcement revoked", "executor", caller, "fingerprint", fp.Hex())
		return nil
	})
	if err != nil {
		return contracts.Fingerprint{}, err
	}
	return fp, nil
}
