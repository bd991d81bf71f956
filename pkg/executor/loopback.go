package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
)

// Approver commits announcements on behalf of an executor.
type Approver interface {
	Approve(ctx context.Context, caller contracts.Principal, req contracts.ApprovalRequest) (contracts.Fingerprint, error)
}

// Policy vets an approval request. A non-nil error rejects it.
type Policy func(ctx context.Context, executor contracts.Principal, req contracts.ApprovalRequest) error

// Loopback is an in-process executor. Calls addressed to the timelock
// module are approval requests and are approved synchronously, subject to
// the policy; every other call is handed to the driver.
type Loopback struct {
	module   contracts.Principal
	approver Approver
	driver   Driver
	policy   Policy
	logger   *slog.Logger
}

// NewLoopback creates a loopback executor. module is the identity approval
// requests are addressed to.
func NewLoopback(module contracts.Principal, approver Approver, driver Driver) *Loopback {
	return &Loopback{
		module:   module,
		approver: approver,
		driver:   driver,
		logger:   slog.Default().With("component", "executor.loopback"),
	}
}

// WithPolicy installs a veto policy for approval requests.
func (l *Loopback) WithPolicy(p Policy) *Loopback {
	l.policy = p
	return l
}

// AllowAnnouncers is a Policy that only approves the listed announcers.
func AllowAnnouncers(announcers ...contracts.Principal) Policy {
	allowed := make(map[contracts.Principal]bool, len(announcers))
	for _, a := range announcers {
		allowed[a] = true
	}
	return func(_ context.Context, executor contracts.Principal, req contracts.ApprovalRequest) error {
		if !allowed[req.Announcer] {
			return fmt.Errorf("executor %s does not accept announcements from %s", executor, req.Announcer)
		}
		return nil
	}
}

// Dispatch implements engine.Executor.
func (l *Loopback) Dispatch(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	if call.Target == l.module {
		return l.approve(ctx, executor, call)
	}
	if l.driver == nil {
		return fmt.Errorf("loopback: no driver for %s", executor)
	}
	if err := l.driver.Perform(ctx, executor, call); err != nil {
		return fmt.Errorf("loopback: perform: %w", err)
	}
	return nil
}

func (l *Loopback) approve(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	req, err := engine.DecodeApprovalRequest(call.Payload)
	if err != nil {
		return err
	}
	if l.policy != nil {
		if err := l.policy(ctx, executor, req); err != nil {
			l.logger.InfoContext(ctx, "approval vetoed",
				"executor", executor, "announcer", req.Announcer, "reason", err)
			return err
		}
	}
	fp, err := l.approver.Approve(ctx, executor, req)
	if err != nil {
		return fmt.Errorf("loopback: approve: %w", err)
	}
	l.logger.DebugContext(ctx, "approved announcement", "executor", executor, "fingerprint", fp.Hex())
	return nil
}
