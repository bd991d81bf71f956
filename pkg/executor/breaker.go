package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
)

// ErrCircuitOpen is returned while a breaker rejects dispatches.
var ErrCircuitOpen = errors.New("executor: circuit open")

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// Breaker fails dispatches fast after threshold consecutive failures, for
// cooldown. The first dispatch after the cooldown is a probe: its success
// closes the circuit, its failure reopens it.
//
// A rejected dispatch is an ordinary failure to the engine, so an
// execution under a gas limit rolls back and can be retried later.
type Breaker struct {
	next      engine.Executor
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker wraps next. A threshold below 1 means 5, a zero cooldown 30s.
func NewBreaker(next engine.Executor, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     stateClosed,
	}
}

// Dispatch implements engine.Executor.
func (b *Breaker) Dispatch(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	if !b.allow() {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, executor)
	}
	err := b.next.Dispatch(ctx, executor, call)
	if err != nil {
		b.failure()
		return err
	}
	b.success()
	return nil
}

// State reports the breaker state, for health output.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		return true
	case stateHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}
