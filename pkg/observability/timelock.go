package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Timelock semantic convention attributes.
var (
	AttrOperation   = attribute.Key("timelock.operation")
	AttrCaller      = attribute.Key("timelock.caller")
	AttrExecutor    = attribute.Key("timelock.executor")
	AttrAnnouncer   = attribute.Key("timelock.announcer")
	AttrFingerprint = attribute.Key("timelock.fingerprint")
	AttrErrorCode   = attribute.Key("timelock.error.code")

	AttrDispatchOutcome = attribute.Key("timelock.dispatch.outcome")
)

// DispatchOutcome classifies the dispatch made by an execution.
type DispatchOutcome string

const (
	// DispatchOK means the executor accepted the call.
	DispatchOK DispatchOutcome = "ok"
	// DispatchKept means the call failed without a gas limit and the
	// execution stands.
	DispatchKept DispatchOutcome = "failed_kept"
	// DispatchRolledBack means the call failed under a gas limit and the
	// execution was undone.
	DispatchRolledBack DispatchOutcome = "failed_rolled_back"
)

// coded is implemented by errors that carry a machine-readable code.
type coded interface {
	ErrorCode() string
}

// ErrorCode returns the code of the first coded error in err's chain, or
// "INTERNAL" when there is none.
func ErrorCode(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return "INTERNAL"
}

// TimelockOperation creates attributes for an engine operation.
func TimelockOperation(op, caller, executor string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrOperation.String(op),
		AttrCaller.String(caller),
	}
	if executor != "" {
		attrs = append(attrs, AttrExecutor.String(executor))
	}
	return attrs
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
