// Package vmpool manages a fixed-size pool of AIR interpreter instances
// shared across all particle invocations on this node.
//
// # Design rationale
//
// Unlike a per-function VM pool, every interpreter instance here is
// fungible: the AIR ABI takes the script as input on every call, so one
// pool of N instances serves all particles. Initialization is lazy and
// parallel: the first N checkouts each construct an instance; later
// checkouts reuse.
//
// # Concurrency model
//
// The pool has a single mutex guarding the ready stack and slot states,
// with a sync.Cond bound to it for waiters. Signal (not Broadcast) wakes
// exactly one waiter per return, avoiding a thundering herd when many
// goroutines are blocked on checkout.
//
// # Invariants
//
//   - len(slots) == N at all times; Quarantined slots are replaced in
//     place, never removed.
//   - A slot is in readyStack if and only if its state is Idle.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/particle-node/internal/air"
	"github.com/oriys/particle-node/internal/logging"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of one VmSlot.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Outcome describes how a checked-out slot finished its invocation. Only
// CreationPanic and FatalInternal trigger quarantine; Success and
// SoftFailure (a non-zero ret_code or a handled interpreter error) return
// the slot straight to Idle.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSoftFailure
	OutcomeCreationPanic
	OutcomeFatalInternal
)

// ErrQuarantined names the state in which a quarantined slot could not be
// replaced. Checkout does not return it: a failed first construction comes
// back wrapped as a "create interpreter" error, and a slot whose
// replacement exhausts its retries stays quarantined while Checkout keeps
// waiting for another slot.
var ErrQuarantined = errors.New("vmpool: slot quarantined and replacement failed")

// Slot is an opaque handle to one interpreter instance.
type Slot struct {
	id          int
	Interpreter air.Interpreter
	state       State
}

// ID returns the slot's stable index, useful for logging/metrics.
func (s *Slot) ID() int { return s.id }

// Factory constructs one interpreter instance. Called synchronously on
// first checkout of a slot and again whenever a slot is quarantined.
type Factory func(ctx context.Context) (air.Interpreter, error)

// Pool is a fixed-N pool of interpreter slots with checkout/return
// semantics and FIFO waiter fairness.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	slots      []*Slot
	ready      []*Slot // stack of Idle slots, most-recently-returned last
	waiters    int
	factory    Factory
	group      singleflight.Group
	replacing  map[int]struct{}
	closing    bool
}

// New constructs a pool of n slots. Instances are not created until the
// first n Checkout calls touch them (lazy-parallel initialization).
func New(n int, factory Factory) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		slots:     make([]*Slot, n),
		factory:   factory,
		replacing: make(map[int]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.slots[i] = &Slot{id: i, state: StateIdle}
	}
	p.mu.Lock()
	for _, s := range p.slots {
		p.ready = append(p.ready, s)
	}
	p.mu.Unlock()
	return p
}

// Size returns the configured pool size N.
func (p *Pool) Size() int { return len(p.slots) }

// Checkout suspends until a slot is Idle, then marks it Busy and returns
// it. The slot's interpreter is constructed on demand (first use, or after
// quarantine replacement) outside the pool lock so construction of one
// slot never blocks checkout of another.
func (p *Pool) Checkout(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closing {
			p.mu.Unlock()
			return nil, errors.New("vmpool: closed")
		}
		if n := len(p.ready); n > 0 {
			slot := p.ready[n-1]
			p.ready = p.ready[:n-1]
			slot.state = StateBusy
			p.mu.Unlock()

			if slot.Interpreter == nil {
				inst, err := p.construct(ctx, slot)
				if err != nil {
					p.mu.Lock()
					slot.state = StateQuarantined
					p.mu.Unlock()
					go p.replace(slot)
					return nil, fmt.Errorf("vmpool: create interpreter: %w", err)
				}
				slot.Interpreter = inst
			}
			return slot, nil
		}

		p.waiters++
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-waitDone:
			}
		}()
		p.cond.Wait()
		close(waitDone)
		p.waiters--
	}
}

func (p *Pool) construct(ctx context.Context, slot *Slot) (air.Interpreter, error) {
	v, err, _ := p.group.Do(fmt.Sprintf("slot-%d", slot.id), func() (interface{}, error) {
		return p.factory(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(air.Interpreter), nil
}

// Return puts the slot back to Idle, or to Quarantined (and schedules
// replacement) if outcome indicates a creation panic or fatal internal
// error. One waiter is woken per return.
func (p *Pool) Return(slot *Slot, outcome Outcome) {
	switch outcome {
	case OutcomeCreationPanic, OutcomeFatalInternal:
		p.mu.Lock()
		slot.state = StateQuarantined
		p.mu.Unlock()
		logging.Op().Warn("vmpool: slot quarantined", "slot", slot.id, "outcome", outcomeString(outcome))
		go p.replace(slot)
		return
	default:
		p.mu.Lock()
		slot.state = StateIdle
		p.ready = append(p.ready, slot)
		if p.waiters > 0 {
			p.cond.Signal()
		}
		p.mu.Unlock()
	}
}

func outcomeString(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftFailure:
		return "soft_failure"
	case OutcomeCreationPanic:
		return "creation_panic"
	case OutcomeFatalInternal:
		return "fatal_internal"
	default:
		return "unknown"
	}
}

// replace rebuilds a quarantined slot's interpreter instance and returns
// it to Idle once construction succeeds. Runs outside the pool lock;
// retried with backoff on failure so a single bad construction never
// permanently shrinks the pool below N.
func (p *Pool) replace(slot *Slot) {
	p.mu.Lock()
	if _, already := p.replacing[slot.id]; already {
		p.mu.Unlock()
		return
	}
	p.replacing[slot.id] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.replacing, slot.id)
		p.mu.Unlock()
	}()

	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		p.mu.Lock()
		closing := p.closing
		p.mu.Unlock()
		if closing {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		inst, err := p.factory(ctx)
		cancel()
		if err == nil {
			p.mu.Lock()
			slot.Interpreter = inst
			slot.state = StateIdle
			p.ready = append(p.ready, slot)
			if p.waiters > 0 {
				p.cond.Signal()
			}
			p.mu.Unlock()
			return
		}

		logging.Op().Error("vmpool: slot replacement failed, retrying", "slot", slot.id, "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	logging.Op().Error("vmpool: slot replacement exhausted retries, leaving quarantined", "slot", slot.id)
}

// Snapshot returns the current state of every slot, for observability.
func (p *Pool) Snapshot() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.state
	}
	return out
}

// Close stops accepting new checkouts and wakes all current waiters so
// they observe the closed error.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
