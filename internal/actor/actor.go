// Package actor implements the per-(particle, peer) execution slot: a
// mutex-guarded mailbox that folds repeated arrivals of the same particle
// into a single pending invocation.
package actor

import (
	"sync"
	"time"

	"github.com/oriys/particle-node/internal/domain"
)

// Functions is a snapshot of host-callable services available to a
// particle, captured at Actor creation so later registry changes don't
// affect an in-flight particle.
type Functions map[string]struct{}

// Actor holds the per-ActorKey state described in the owning data model:
// a deadline, a pending-arrival mailbox, a busy flag, a functions
// snapshot, and the last-activity instant used for idle GC.
//
// Actors never hold a reference back to their owning scheduler; they
// communicate only through return values, so the scheduler remains the
// sole owner of the Actor map.
type Actor struct {
	mu sync.Mutex

	Key          domain.ActorKey
	Deadline     time.Time
	Functions    Functions
	busy         bool
	pending      *domain.Particle // coalesced mailbox; nil when empty
	lastActivity time.Time
	prevData     []byte
	prevDataSet  bool
	callResults  map[uint32]domain.FunctionOutcome
}

// New creates an Actor seeded by the first particle observed for its key.
func New(key domain.ActorKey, first domain.Particle, fns Functions) *Actor {
	return &Actor{
		Key:          key,
		Deadline:     first.Deadline(),
		Functions:    fns,
		pending:      &first,
		lastActivity: time.Now(),
	}
}

// Enqueue folds p into the mailbox. Per the coalescing rule, the latest
// arrival's data supersedes any already-pending arrival for the same key;
// the script is assumed identical by particle id. Returns true if the
// incoming data differed from what it replaced, so callers can log the
// mismatch per the documented open-question resolution.
func (a *Actor) Enqueue(p domain.Particle) (mismatch bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivity = time.Now()
	if a.pending != nil {
		mismatch = string(a.pending.Data) != string(p.Data)
	}
	a.pending = &p
	return mismatch
}

// Ready reports whether this actor has a pending particle and is not
// currently busy, the condition the scheduler's ready set tracks.
func (a *Actor) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.busy && a.pending != nil
}

// Busy reports whether an interpreter invocation is currently in flight.
func (a *Actor) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// StartRun atomically takes the pending particle for execution and marks
// the actor busy. Returns ok=false if there was nothing pending or the
// actor was already busy.
func (a *Actor) StartRun() (p domain.Particle, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy || a.pending == nil {
		return domain.Particle{}, false
	}
	p = *a.pending
	a.pending = nil
	a.busy = true
	return p, true
}

// PrevData returns the actor's current prev-data reference and whether it
// has been set at all (an Actor with no prior successful run has none).
func (a *Actor) PrevData() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prevData, a.prevDataSet
}

// TakeCallResults returns the host-call results buffered by the previous
// invocation's Effects Translator pass, if any, and clears the buffer.
// They are one-shot next-turn input, consumed by at most one subsequent
// interpreter invocation for this key.
func (a *Actor) TakeCallResults() map[uint32]domain.FunctionOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.callResults) == 0 {
		return nil
	}
	results := a.callResults
	a.callResults = nil
	return results
}

// SetCallResults buffers host-call results for the next invocation of this
// actor to consume, per the coalescing data model's call-result feedback.
func (a *Actor) SetCallResults(results map[uint32]domain.FunctionOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callResults = results
}

// Complete clears busy and, on success, replaces the actor's prev-data
// reference. On failure the prev-data is left unchanged so the next
// arrival retries from the same continuation state. wipePrevData forces
// the next run to start from empty, used when a data-store write fails.
func (a *Actor) Complete(success bool, newData []byte, wipePrevData bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	a.lastActivity = time.Now()
	switch {
	case wipePrevData:
		a.prevData = nil
		a.prevDataSet = false
	case success:
		a.prevData = newData
		a.prevDataSet = true
	}
}

// Retirable reports whether this actor should be dropped: its mailbox is
// empty, it is not busy, and either its deadline has passed or it has
// been idle longer than idleTimeout.
func (a *Actor) Retirable(now time.Time, idleTimeout time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy || a.pending != nil {
		return false
	}
	if now.After(a.Deadline) {
		return true
	}
	return idleTimeout > 0 && now.Sub(a.lastActivity) > idleTimeout
}

// DrainExpired empties the mailbox without running it, for actors being
// retired past their deadline, and returns the dropped particle (if any)
// for observability.
func (a *Actor) DrainExpired() (domain.Particle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return domain.Particle{}, false
	}
	p := *a.pending
	a.pending = nil
	return p, true
}
