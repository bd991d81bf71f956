package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
)

// ErrNotWired is returned for executors with no registered collaborator.
var ErrNotWired = errors.New("executor: no collaborator wired")

// Router dispatches to the collaborator registered for each executor.
type Router struct {
	mu       sync.RWMutex
	routes   map[contracts.Principal]engine.Executor
	fallback engine.Executor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[contracts.Principal]engine.Executor)}
}

// Register routes calls for executor to exec.
func (r *Router) Register(executor contracts.Principal, exec engine.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[executor] = exec
}

// SetFallback handles executors with no explicit route.
func (r *Router) SetFallback(exec engine.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = exec
}

// Dispatch implements engine.Executor.
func (r *Router) Dispatch(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	r.mu.RLock()
	exec, ok := r.routes[executor]
	if !ok {
		exec = r.fallback
	}
	r.mu.RUnlock()

	if exec == nil {
		return fmt.Errorf("%w: %s", ErrNotWired, executor)
	}
	return exec.Dispatch(ctx, executor, call)
}
