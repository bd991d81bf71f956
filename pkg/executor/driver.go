// Package executor provides the collaborators that perform timelocked
// actions on behalf of executors: an in-process Loopback that approves
// announcements and hands actions to a Driver, a Webhook that forwards calls
// over HTTP, and a Router that picks one per executor.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// Driver performs the effect of an action call.
type Driver interface {
	Perform(ctx context.Context, executor contracts.Principal, call contracts.Call) error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, executor contracts.Principal, call contracts.Call) error

// Perform implements Driver.
func (f DriverFunc) Perform(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	return f(ctx, executor, call)
}

// Performed is one call a RecordingDriver saw.
type Performed struct {
	Executor contracts.Principal `json:"executor"`
	Call     contracts.Call      `json:"call"`
}

// RecordingDriver keeps every call in memory. It backs executors that only
// need the decision recorded, and tests.
type RecordingDriver struct {
	mu    sync.Mutex
	calls []Performed
	// Fail, when set, makes calls to the named targets fail.
	fail map[contracts.Principal]bool
}

// NewRecordingDriver creates an empty driver.
func NewRecordingDriver() *RecordingDriver {
	return &RecordingDriver{fail: make(map[contracts.Principal]bool)}
}

// FailTarget makes later calls to target fail.
func (d *RecordingDriver) FailTarget(target contracts.Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[target] = true
}

// Perform implements Driver.
func (d *RecordingDriver) Perform(_ context.Context, executor contracts.Principal, call contracts.Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[call.Target] {
		return fmt.Errorf("driver: call to %s failed", call.Target)
	}
	d.calls = append(d.calls, Performed{Executor: executor, Call: call})
	return nil
}

// Calls returns a copy of the recorded calls.
func (d *RecordingDriver) Calls() []Performed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Performed(nil), d.calls...)
}
