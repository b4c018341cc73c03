// Package plumber implements the scheduler that groups incoming particles
// by ActorKey and guarantees that each key has at most one outstanding
// interpreter invocation at a time.
//
// # Algorithm
//
// The Plumber keeps a map of ActorKey to *actor.Actor and a ready set of
// keys with !busy && !queue.empty. Poll drains the ready set; ordering
// between different keys is unspecified (parallel), ordering within a key
// is FIFO of arrival time (enforced by Actor's single-slot mailbox plus
// the coalescing rule).
//
// # Concurrency
//
// The Actor map is mutated only by the Dispatcher's cooperative task that
// owns this Plumber; all exported methods here are nonetheless safe for
// concurrent use by a single caller goroutine plus background completions,
// since the actor map and ready set are guarded by one mutex and the
// admission limit is checked against the actor map's size under it.
package plumber

import (
	"sync"
	"time"

	"github.com/oriys/particle-node/internal/actor"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/metrics"
)

// RejectReason enumerates why ingest refused a particle.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectExpired
	RejectAdmissionLimit
)

func (r RejectReason) String() string {
	switch r {
	case RejectExpired:
		return "expired"
	case RejectAdmissionLimit:
		return "admission_limit"
	default:
		return "none"
	}
}

// Execution is one Actor ready to run, returned by Poll.
type Execution struct {
	Key      domain.ActorKey
	Particle domain.Particle
	Actor    *actor.Actor
}

// Config controls admission and idle-GC behaviour.
type Config struct {
	MaxInFlightParticles int           // 0 = unlimited
	IdleTimeout          time.Duration // idle GC window once mailbox is empty

	// VaultTeardown, if set, is called with a retiring actor's particle ID
	// so its transient vault directory is removed alongside the actor.
	VaultTeardown func(particleID string)
}

// Plumber is the scheduler described above.
type Plumber struct {
	cfg Config

	mu     sync.Mutex
	actors map[domain.ActorKey]*actor.Actor
	ready  map[domain.ActorKey]struct{}
}

// New constructs a Plumber.
func New(cfg Config) *Plumber {
	return &Plumber{
		cfg:    cfg,
		actors: make(map[domain.ActorKey]*actor.Actor),
		ready:  make(map[domain.ActorKey]struct{}),
	}
}

// Ingest admits a particle, rejecting it if expired on arrival or if the
// global admission limit is reached. Otherwise it enqueues on the
// appropriate Actor, creating one if this is the first arrival for the key.
func (p *Plumber) Ingest(peer domain.PeerID, particle domain.Particle, fns actor.Functions) RejectReason {
	now := time.Now()
	if particle.Expired(now) {
		metrics.RecordAdmission("rejected", RejectExpired.String())
		return RejectExpired
	}

	key := domain.ActorKey{ParticleID: particle.ID, Peer: peer}

	p.mu.Lock()
	a, exists := p.actors[key]
	if !exists {
		if p.cfg.MaxInFlightParticles > 0 && int64(len(p.actors)) >= int64(p.cfg.MaxInFlightParticles) {
			p.mu.Unlock()
			metrics.RecordAdmission("rejected", RejectAdmissionLimit.String())
			return RejectAdmissionLimit
		}
		a = actor.New(key, particle, fns)
		p.actors[key] = a
		p.ready[key] = struct{}{}
		p.mu.Unlock()
		metrics.RecordAdmission("accepted", "new")
		metrics.SetActorsActive(p.actorCount())
		return RejectNone
	}
	p.mu.Unlock()

	mismatch := a.Enqueue(particle)
	if mismatch {
		logging.Op().Debug("coalesced arrival data mismatch, latest wins", "key", key.String())
	}
	metrics.RecordCoalesced()

	p.mu.Lock()
	p.ready[key] = struct{}{}
	p.mu.Unlock()

	metrics.RecordAdmission("accepted", "coalesced")
	return RejectNone
}

// Poll returns every actor that is ready to run (!busy and non-empty
// mailbox) and atomically marks each returned actor busy so it is not
// handed out twice. Also performs opportunistic GC.
func (p *Plumber) Poll(now time.Time) []Execution {
	p.GC(now)

	p.mu.Lock()
	keys := make([]domain.ActorKey, 0, len(p.ready))
	for k := range p.ready {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	var out []Execution
	for _, key := range keys {
		p.mu.Lock()
		a, ok := p.actors[key]
		if !ok {
			delete(p.ready, key)
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		if a.Busy() {
			continue
		}

		particle, started := a.StartRun()
		if !started {
			p.mu.Lock()
			delete(p.ready, key)
			p.mu.Unlock()
			continue
		}

		if particle.Expired(now) {
			// Deadline checked pre-dispatch per the documented policy:
			// expired particles never reach the VM.
			a.Complete(false, nil, false)
			metrics.RecordExpired()
			continue
		}

		p.mu.Lock()
		delete(p.ready, key)
		p.mu.Unlock()

		out = append(out, Execution{Key: key, Particle: particle, Actor: a})
	}

	metrics.SetReadyQueueDepth(len(p.ready))
	return out
}

// Complete clears busy for key and drops the actor if its mailbox is
// empty and it is otherwise retirable. success/newData/wipePrevData are
// forwarded to the owning Actor's Complete.
func (p *Plumber) Complete(key domain.ActorKey, success bool, newData []byte, wipePrevData bool) {
	p.mu.Lock()
	a, ok := p.actors[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	a.Complete(success, newData, wipePrevData)

	if a.Ready() {
		p.mu.Lock()
		p.ready[key] = struct{}{}
		p.mu.Unlock()
		return
	}

	if a.Retirable(time.Now(), p.cfg.IdleTimeout) {
		p.retire(key)
	}
}

// GC removes actors whose deadline has passed, draining and discarding
// any queued particle for observability, and retires actors that have
// been idle past the configured timeout with an empty mailbox.
func (p *Plumber) GC(now time.Time) {
	p.mu.Lock()
	var expired []domain.ActorKey
	for key, a := range p.actors {
		if a.Busy() {
			continue
		}
		if a.Retirable(now, p.cfg.IdleTimeout) || now.After(a.Deadline) {
			expired = append(expired, key)
		}
	}
	p.mu.Unlock()

	for _, key := range expired {
		p.mu.Lock()
		a, ok := p.actors[key]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if _, dropped := a.DrainExpired(); dropped {
			metrics.RecordExpired()
		}
		p.retire(key)
	}
}

func (p *Plumber) retire(key domain.ActorKey) {
	p.mu.Lock()
	delete(p.actors, key)
	delete(p.ready, key)
	p.mu.Unlock()
	metrics.SetActorsActive(p.actorCount())

	if p.cfg.VaultTeardown != nil {
		p.cfg.VaultTeardown(key.ParticleID)
	}
}

func (p *Plumber) actorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actors)
}

// ActorCount exposes the live actor count for observability and tests.
func (p *Plumber) ActorCount() int { return p.actorCount() }
