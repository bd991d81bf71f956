package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// CELPolicy approves an announcement when a CEL expression evaluates to
// true. The expression sees:
//
//	executor, announcer   string
//	action                map: target, operation (string), value, nonce,
//	                      gas_limit (uint), payload_size (int)
//	exec_time             uint, unix seconds
//	validity_minutes      uint, 0 is unbounded
//	require_announcer     bool
//	now                   int, unix seconds
//
// Amounts wider than 64 bits cannot be evaluated and are rejected.
type CELPolicy struct {
	expr string
	prg  cel.Program
	now  func() time.Time
}

// NewCELPolicy compiles expr.
func NewCELPolicy(expr string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("executor", cel.StringType),
		cel.Variable("announcer", cel.StringType),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("exec_time", cel.UintType),
		cel.Variable("validity_minutes", cel.UintType),
		cel.Variable("require_announcer", cel.BoolType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile approval policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program approval policy: %w", err)
	}
	return &CELPolicy{expr: expr, prg: prg, now: time.Now}, nil
}

// Policy returns p as a loopback Policy. Evaluation errors reject.
func (p *CELPolicy) Policy() Policy {
	return func(ctx context.Context, executor contracts.Principal, req contracts.ApprovalRequest) error {
		input, err := p.input(executor, req)
		if err != nil {
			return err
		}
		out, _, err := p.prg.ContextEval(ctx, input)
		if err != nil {
			return fmt.Errorf("approval policy eval: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("approval policy result not bool")
		}
		if !allowed {
			return fmt.Errorf("approval policy denied announcement from %s: %s", req.Announcer, p.expr)
		}
		return nil
	}
}

func (p *CELPolicy) input(executor contracts.Principal, req contracts.ApprovalRequest) (map[string]any, error) {
	value, err := narrow("value", req.Action.Value)
	if err != nil {
		return nil, err
	}
	nonce, err := narrow("nonce", req.Action.Nonce)
	if err != nil {
		return nil, err
	}
	gas, err := narrow("gas_limit", req.Action.GasLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"executor":  executor.String(),
		"announcer": req.Announcer.String(),
		"action": map[string]any{
			"target":       req.Action.Target.String(),
			"operation":    req.Action.Operation.String(),
			"value":        value,
			"nonce":        nonce,
			"gas_limit":    gas,
			"payload_size": int64(len(req.Action.Payload)),
		},
		"exec_time":         req.ExecTime,
		"validity_minutes":  uint64(req.ValidityDurationMinutes),
		"require_announcer": req.RequireAnnouncerAtExecution,
		"now":               p.now().Unix(),
	}, nil
}

func narrow(field string, u contracts.Uint256) (uint64, error) {
	v, ok := u.Uint64()
	if !ok {
		return 0, fmt.Errorf("approval policy: %s %s exceeds 64 bits", field, u)
	}
	return v, nil
}

// AllOf combines policies; the first rejection wins.
func AllOf(policies ...Policy) Policy {
	return func(ctx context.Context, executor contracts.Principal, req contracts.ApprovalRequest) error {
		for _, p := range policies {
			if p == nil {
				continue
			}
			if err := p(ctx, executor, req); err != nil {
				return err
			}
		}
		return nil
	}
}
