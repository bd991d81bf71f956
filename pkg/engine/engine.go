// Package engine implements the two-party delayed action authorization
// engine.
//
// An announcer schedules an action on behalf of an executor. The action can
// be triggered by anyone once the executor's configured delay has elapsed,
// until its validity window closes, unless the executor revokes it first.
// Every operation runs inside one atomic store unit and operations are
// serialized per Engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/fingerprint"
	"github.com/Mindburn-Labs/helm-timelock/pkg/observability"
	"github.com/Mindburn-Labs/helm-timelock/pkg/store"
)

// Executor is the entity that ultimately performs actions and approves
// announcements addressed to it. A nil error is success.
//
// Dispatch may call back into the Engine with the ctx it was given; such
// calls run as nested units of the running operation instead of blocking
// on it. A nested call that fails leaves no writes behind.
type Executor interface {
	Dispatch(ctx context.Context, executor contracts.Principal, call contracts.Call) error
}

// Notifier receives committed events. Delivery failures are logged and do
// not affect the committed state.
type Notifier interface {
	Notify(ctx context.Context, ev contracts.Event) error
}

// Engine is the delayed action engine.
type Engine struct {
	mu        sync.Mutex
	flightMu  sync.Mutex
	inFlight  map[contracts.Fingerprint]struct{}
	store     store.Store
	gen       fingerprint.Generator
	executor  Executor
	notifier  Notifier
	module    contracts.Principal
	clock     func() time.Time
	logger    *slog.Logger
	telemetry *observability.Provider
}

// NewEngine creates an engine over st that fingerprints with gen and
// dispatches through exec.
func NewEngine(st store.Store, gen fingerprint.Generator, exec Executor) *Engine {
	return &Engine{
		store:    st,
		inFlight: make(map[contracts.Fingerprint]struct{}),
		gen:      gen,
		executor: exec,
		module:   "helm-timelock",
		clock:    time.Now,
		logger:   slog.Default().With("component", "timelock"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithNotifier sets the committed-event sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithLogger replaces the component logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithTelemetry instruments every operation with spans and RED metrics.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// WithModule sets the identity approval requests are addressed to.
func (e *Engine) WithModule(module contracts.Principal) *Engine {
	e.module = module
	return e
}

// Module returns the identity approval requests are addressed to.
func (e *Engine) Module() contracts.Principal {
	return e.module
}

// FingerprintVersion returns the domain tag of the fingerprint encoding.
func (e *Engine) FingerprintVersion() string {
	return e.gen.Version()
}

// now returns the clock as unix seconds; pre-epoch clocks read as 0.
func (e *Engine) now() uint64 {
	s := e.clock().Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

type unitKey struct{}

// unit is one atomic operation in flight. A nested unit has a parent and
// buffers its writes in a store.Nested.
type unit struct {
	engine *Engine
	tx     store.Tx
	parent *unit
	events []contracts.Event
	closed bool
}

func (u *unit) emit(ev contracts.Event) {
	u.events = append(u.events, ev)
}

// active returns the open unit of this engine carried by ctx.
func (e *Engine) active(ctx context.Context) (*unit, bool) {
	u, ok := ctx.Value(unitKey{}).(*unit)
	if !ok || u.engine != e || u.closed {
		return nil, false
	}
	return u, true
}

// run executes fn in an atomic unit. A ctx that already carries an open unit
// of this engine runs fn as a nested unit whose writes and events reach the
// parent only if fn succeeds. Events are published only after the outermost
// commit.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	if parent, ok := e.active(ctx); ok {
		return e.runNested(ctx, parent, fn)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var committed []contracts.Event
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		u := &unit{engine: e, tx: tx}
		defer func() { u.closed = true }()
		if err := fn(context.WithValue(ctx, unitKey{}, u), u); err != nil {
			return err
		}
		committed = u.events
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(ctx, committed)
	return nil
}

func (e *Engine) runNested(ctx context.Context, parent *unit, fn func(ctx context.Context, u *unit) error) error {
	nested := store.NewNested(parent.tx)
	u := &unit{engine: e, tx: nested, parent: parent}
	err := fn(context.WithValue(ctx, unitKey{}, u), u)
	u.closed = true
	if err != nil {
		return err
	}
	if err := nested.Commit(ctx); err != nil {
		return err
	}
	parent.events = append(parent.events, u.events...)
	return nil
}

// claim marks fp as having an approval request in flight. It fails when one
// already is.
func (e *Engine) claim(fp contracts.Fingerprint) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if _, busy := e.inFlight[fp]; busy {
		return false
	}
	e.inFlight[fp] = struct{}{}
	return true
}

func (e *Engine) settle(fp contracts.Fingerprint) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	delete(e.inFlight, fp)
}

func (e *Engine) approvalInFlight(fp contracts.Fingerprint) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	_, busy := e.inFlight[fp]
	return busy
}

func (e *Engine) publish(ctx context.Context, events []contracts.Event) {
	if e.notifier == nil {
		return
	}
	for _, ev := range events {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "event delivery failed",
				"event_id", ev.ID, "type", ev.Type, "error", err)
		}
	}
}

func (e *Engine) newEvent(typ contracts.EventType, actor contracts.Principal) contracts.Event {
	return contracts.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Actor:     actor,
		Timestamp: e.clock().UTC(),
	}
}

// track starts telemetry for an operation. The returned func records the
// outcome.
func (e *Engine) track(ctx context.Context, op string, caller, executor contracts.Principal) (context.Context, func(error)) {
	if e.telemetry == nil {
		return ctx, func(error) {}
	}
	return e.telemetry.TrackOperation(ctx, "timelock."+op,
		observability.TimelockOperation(op, caller.String(), executor.String())...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (e *Engine) fingerprintOf(executor contracts.Principal, action contracts.Action) (contracts.Fingerprint, error) {
	if executor.IsZero() {
		return contracts.Fingerprint{}, invalid("executor is required")
	}
	if err := action.Validate(); err != nil {
		return contracts.Fingerprint{}, invalid("%v", err)
	}
	fp, err := e.gen.Compute(executor, action)
	if err != nil {
		return contracts.Fingerprint{}, invalid("fingerprint: %v", err)
	}
	return fp, nil
}

func spanFingerprint(ctx context.Context, fp contracts.Fingerprint) {
	observability.AddSpanEvent(ctx, "fingerprint", observability.AttrFingerprint.String(fp.Hex()))
}
